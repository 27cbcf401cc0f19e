package persistence

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/internal/database"
	"github.com/BaSui01/flowguard/testutil"
	"github.com/BaSui01/flowguard/testutil/fixtures"
	"github.com/BaSui01/flowguard/workflow"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	// 单连接保证 :memory: 库在各语句间共享
	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store := NewPooledGormStore(pool, zap.NewNop())
	require.NoError(t, store.AutoMigrate(testutil.TestContext(t)))
	return store
}

func TestGormStore_Contract(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) workflow.Store {
		return newSQLiteStore(t)
	})
}

func TestGormStore_ExecutionNumberIsUnique(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := testutil.TestContext(t)
	require.NoError(t, store.SaveWorkflow(ctx, fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)))

	require.NoError(t, store.CreateExecution(ctx, fixtures.Execution("wf-1", 1, fixtures.BaseTime)))
	dup := fixtures.Execution("wf-1", 1, fixtures.BaseTime)
	dup.ID = "another-id"
	assert.Error(t, store.CreateExecution(ctx, dup))
}

func TestGormStore_EmptyWorkflowHasNoSteps(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := testutil.TestContext(t)
	w := fixtures.OrderWorkflow("wf-empty", fixtures.BaseTime)
	w.Steps = nil
	require.NoError(t, store.SaveWorkflow(ctx, w))

	got, err := store.GetWorkflow(ctx, "wf-empty")
	require.NoError(t, err)
	assert.Empty(t, got.Steps)

	list, err := store.ListWorkflows(ctx, workflow.WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestOpenGormStore_SQLiteAutoMigrate(t *testing.T) {
	ctx := testutil.TestContext(t)
	store, err := OpenGormStore(ctx, config.DatabaseConfig{Driver: "sqlite"}, true, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveWorkflow(ctx, fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)))
	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
	assert.NoError(t, store.Ping(ctx))
}

// ----------------------------------------------------------------------------
// 数据库错误透传
// ----------------------------------------------------------------------------

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewGormStore(db, nil), mock
}

func TestGormStore_GetWorkflowDatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "workflows"`).WillReturnError(errors.New("connection reset by peer"))

	_, err := store.GetWorkflow(testutil.TestContext(t), "wf-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, workflow.ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_MaxExecutionNumberFromQuery(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(execution_number\), 0\) FROM "workflow_executions"`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(7))

	n, err := store.MaxExecutionNumber(testutil.TestContext(t), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_UpdateStepMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "workflow_steps"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "workflow_steps"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	step := fixtures.OrderWorkflow("wf-1", fixtures.BaseTime).Steps[0]
	err := store.UpdateStep(testutil.TestContext(t), step)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func newMockPooledStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return NewPooledGormStore(pool, nil), mock
}

func TestGormStore_SaveWorkflowRetriesTransientTxErrors(t *testing.T) {
	store, mock := newMockPooledStore(t)
	for i := 0; i < txRetries; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"))
	}

	err := store.SaveWorkflow(testutil.TestContext(t), fixtures.OrderWorkflow("wf-1", fixtures.BaseTime))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction failed after 3 retries")
	assert.Contains(t, err.Error(), "deadlock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_SaveWorkflowDoesNotRetryPermanentErrors(t *testing.T) {
	store, mock := newMockPooledStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("permission denied for table workflows"))

	err := store.SaveWorkflow(testutil.TestContext(t), fixtures.OrderWorkflow("wf-1", fixtures.BaseTime))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "retries")
	assert.NoError(t, mock.ExpectationsWereMet())
}
