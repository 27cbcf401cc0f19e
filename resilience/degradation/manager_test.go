package degradation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errPrimary = errors.New("HTTP 503 Service Unavailable")

func primaryOK(_ context.Context, args map[string]any) (any, error) {
	return "primary:" + args["id"].(string), nil
}

func primaryFail(context.Context, map[string]any) (any, error) {
	return nil, errPrimary
}

func cached(_ context.Context, args map[string]any) (any, error) {
	return "cached:" + args["id"].(string), nil
}

func TestManager_LevelZeroUsesPrimary(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.RegisterFallback("search", cached)

	out, err := m.Execute(context.Background(), "search", primaryOK, map[string]any{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, "primary:1", out)
	assert.Equal(t, 0, m.Level("search"))
}

func TestManager_PrimaryFailureEscalatesAndFallsBack(t *testing.T) {
	m := NewManager(nil)
	m.RegisterFallback("search", cached)

	var changes []int
	m.OnLevelChange(func(svc string, lvl int) {
		assert.Equal(t, "search", svc)
		changes = append(changes, lvl)
	})

	out, err := m.Execute(context.Background(), "search", primaryFail, map[string]any{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "cached:7", out)
	assert.Equal(t, 1, m.Level("search"))
	assert.Equal(t, []int{1}, changes)
}

func TestManager_DegradedSkipsPrimary(t *testing.T) {
	m := NewManager(nil)
	m.RegisterFallback("search", cached)
	require.NoError(t, m.SetLevel("search", 3))

	called := false
	out, err := m.Execute(context.Background(), "search", func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	}, map[string]any{"id": "2"})

	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, "cached:2", out)
	assert.Equal(t, 3, m.Level("search"), "level never auto-decrements")
}

func TestManager_MissingFallback(t *testing.T) {
	m := NewManager(nil)

	_, err := m.Execute(context.Background(), "billing", primaryFail, nil)
	assert.ErrorIs(t, err, ErrNoFallback)
	assert.ErrorIs(t, err, errPrimary)
	assert.Equal(t, 1, m.Level("billing"))

	_, err = m.Execute(context.Background(), "billing", primaryOK, map[string]any{"id": "x"})
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestManager_SetLevel(t *testing.T) {
	m := NewManager(nil)

	assert.ErrorIs(t, m.SetLevel("a", -1), ErrInvalidLevel)
	assert.ErrorIs(t, m.SetLevel("a", 6), ErrInvalidLevel)

	require.NoError(t, m.SetLevel("a", 5))
	require.NoError(t, m.SetLevel("b", 2))
	assert.Equal(t, map[string]int{"a": 5, "b": 2}, m.Levels())

	require.NoError(t, m.SetLevel("a", 0))
	assert.Equal(t, map[string]int{"b": 2}, m.Levels())
}

func TestManager_Services(t *testing.T) {
	m := NewManager(nil)
	m.RegisterFallback("z", cached)
	m.RegisterFallback("a", cached)

	assert.True(t, m.HasFallback("a"))
	assert.False(t, m.HasFallback("q"))
	assert.Equal(t, []string{"a", "z"}, m.Services())
}
