package circuitbreaker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_GetIsStablePerName(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zap.NewNop())

	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("inventory")
		}(i)
	}
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
	assert.NotSame(t, got[0], r.Get("billing"))
}

func TestRegistry_SnapshotsAndReset(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1}, nil)
	_ = r.Get("zeta").Call(context.Background(), failing)
	r.Get("alpha")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, StateOpen, snaps[1].State)

	assert.True(t, r.Reset("zeta"))
	assert.False(t, r.Reset("missing"))
	b, ok := r.Lookup("zeta")
	require.True(t, ok)
	assert.Equal(t, StateClosed, b.State())

	_ = r.Get("alpha").Call(context.Background(), failing)
	r.ResetAll()
	assert.Equal(t, StateClosed, r.Get("alpha").State())
}
