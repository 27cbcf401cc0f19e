package persistence

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/testutil"
	"github.com/BaSui01/flowguard/testutil/fixtures"
	"github.com/BaSui01/flowguard/workflow"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "test", zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_Contract(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) workflow.Store {
		store, _ := newRedisStore(t)
		return store
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := testutil.TestContext(t)
	require.NoError(t, store.SaveWorkflow(ctx, fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)))
	require.NoError(t, store.CreateExecution(ctx, fixtures.Execution("wf-1", 3, fixtures.BaseTime)))

	assert.True(t, mr.Exists("test:wf:wf-1"))
	keys, err := mr.HKeys("test:wf:wf-1:steps")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf-1-charge", "wf-1-reserve"}, keys)

	order, err := mr.List("test:wf:wf-1:step_order")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1-reserve", "wf-1-charge"}, order)

	score, err := mr.ZScore("test:wf:wf-1:execs", "wf-1-exec-3")
	require.NoError(t, err)
	assert.Equal(t, float64(3), score)
	assert.True(t, mr.Exists("test:exec:wf-1-exec-3"))
}

func TestRedisStore_ConnectionError(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.GetWorkflow(testutil.TestContext(t), "wf-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, workflow.ErrNotFound)
}

func TestOpenRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := testutil.TestContext(t)

	store, err := OpenRedisStore(ctx, config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "fg"}, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	mr.Close()
	_, err = OpenRedisStore(ctx, config.RedisConfig{Addr: mr.Addr()}, nil)
	assert.Error(t, err)
}
