package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowguard/testutil/fixtures"
	"github.com/BaSui01/flowguard/workflow"
)

// StoreFactory 为每个子测试创建一个空的存储
type StoreFactory func(t *testing.T) workflow.Store

// RunStoreSuite 对 workflow.Store 实现运行统一的契约测试
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		w := fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)
		require.NoError(t, s.SaveWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, w.Name, got.Name)
		assert.Equal(t, w.ExecutionMode, got.ExecutionMode)
		assert.Equal(t, w.Priority, got.Priority)
		assert.Equal(t, "EUR", got.GlobalParameters["currency"])
		assert.False(t, got.FailureHandling.ShouldStop())
		assert.WithinDuration(t, w.CreatedAt, got.CreatedAt, time.Millisecond)

		require.Len(t, got.Steps, 2)
		assert.Equal(t, "reserve", got.Steps[0].Name, "steps ordered by order")
		assert.Equal(t, "charge", got.Steps[1].Name)
		assert.Equal(t, []string{"wf-1-reserve"}, got.Steps[1].DependsOn)
		assert.Equal(t, "eu", got.Steps[0].Conditions["region"])
		assert.Equal(t, true, got.Steps[1].Parameters["capture"])
		assert.Equal(t, 2, got.Steps[1].MaxRetries)
	})

	t.Run("GetMissingWorkflow", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetWorkflow(TestContext(t), "missing")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("UpdateWorkflowKeepsSteps", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		require.NoError(t, s.SaveWorkflow(ctx, fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)))

		w, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		done := fixtures.BaseTime.Add(time.Minute)
		w.Status = workflow.WorkflowCompleted
		w.CompletedAt = &done
		w.Steps = nil
		require.NoError(t, s.UpdateWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)
		assert.Len(t, got.Steps, 2)

		missing := fixtures.OrderWorkflow("ghost", fixtures.BaseTime)
		assert.ErrorIs(t, s.UpdateWorkflow(ctx, missing), workflow.ErrNotFound)
	})

	t.Run("UpdateStep", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		w := fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)
		require.NoError(t, s.SaveWorkflow(ctx, w))

		step := w.Steps[1]
		step.Status = workflow.StepFailed
		step.RetryCount = 2
		step.ErrorMessage = "connection refused"
		step.Result = "partial"
		require.NoError(t, s.UpdateStep(ctx, step))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		reserved, ok := got.Step("wf-1-reserve")
		require.True(t, ok)
		assert.Equal(t, workflow.StepFailed, reserved.Status)
		assert.Equal(t, 2, reserved.RetryCount)
		assert.Equal(t, "connection refused", reserved.ErrorMessage)
		assert.Equal(t, "partial", reserved.Result)

		charge, _ := got.Step("wf-1-charge")
		assert.Equal(t, workflow.StepPending, charge.Status)
	})

	t.Run("UpdateMissingRecords", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		w := fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)
		require.NoError(t, s.SaveWorkflow(ctx, w))

		ghost := *w.Steps[0]
		ghost.ID = "wf-1-ghost"
		assert.ErrorIs(t, s.UpdateStep(ctx, &ghost), workflow.ErrNotFound)

		orphan := *w.Steps[0]
		orphan.WorkflowID = "missing"
		assert.ErrorIs(t, s.UpdateStep(ctx, &orphan), workflow.ErrNotFound)

		assert.ErrorIs(t, s.UpdateExecution(ctx, fixtures.Execution("wf-1", 9, fixtures.BaseTime)), workflow.ErrNotFound)
	})

	t.Run("SaveWorkflowReplacesSteps", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		w := fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)
		require.NoError(t, s.SaveWorkflow(ctx, w))

		w.Steps = w.Steps[:1]
		w.Name = "renamed"
		require.NoError(t, s.SaveWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "wf-1-charge", got.Steps[0].ID)
	})

	t.Run("ListWorkflowsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		older := fixtures.OrderWorkflow("wf-old", fixtures.BaseTime)
		newer := fixtures.OrderWorkflow("wf-new", fixtures.BaseTime.Add(time.Hour))
		newer.CreatedBy = "someone-else"
		newer.Status = workflow.WorkflowActive
		require.NoError(t, s.SaveWorkflow(ctx, older))
		require.NoError(t, s.SaveWorkflow(ctx, newer))

		all, err := s.ListWorkflows(ctx, workflow.WorkflowFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "wf-new", all[0].ID)
		assert.Equal(t, "wf-old", all[1].ID)

		active, err := s.ListWorkflows(ctx, workflow.WorkflowFilter{Status: workflow.WorkflowActive})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "wf-new", active[0].ID)

		mine, err := s.ListWorkflows(ctx, workflow.WorkflowFilter{CreatedBy: "fixtures"})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "wf-old", mine[0].ID)
	})

	t.Run("Executions", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		require.NoError(t, s.SaveWorkflow(ctx, fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)))

		n, err := s.MaxExecutionNumber(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		for _, num := range []int{2, 1, 5} {
			require.NoError(t, s.CreateExecution(ctx, fixtures.Execution("wf-1", num, fixtures.BaseTime)))
		}
		n, err = s.MaxExecutionNumber(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		exec := fixtures.Execution("wf-1", 5, fixtures.BaseTime)
		exec.Status = workflow.ExecutionFailed
		exec.FailedSteps = 1
		exec.StepResults["wf-1-reserve"] = &workflow.StepExecutionResult{
			StepID:       "wf-1-reserve",
			Status:       workflow.StepFailed,
			ErrorMessage: "timeout",
			RetryCount:   3,
		}
		require.NoError(t, s.UpdateExecution(ctx, exec))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.ExecutionFailed, got.Status)
		assert.Equal(t, 1, got.FailedSteps)
		require.Contains(t, got.StepResults, "wf-1-reserve")
		assert.Equal(t, 3, got.StepResults["wf-1-reserve"].RetryCount)
		assert.Equal(t, "eu", got.ExecutionContext["region"])

		list, err := s.ListExecutions(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []int{1, 2, 5}, []int{list[0].ExecutionNumber, list[1].ExecutionNumber, list[2].ExecutionNumber})

		other, err := s.ListExecutions(ctx, "wf-2")
		require.NoError(t, err)
		assert.Empty(t, other)

		_, err = s.GetExecution(ctx, "missing")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := TestContext(t)
		require.NoError(t, s.SaveWorkflow(ctx, fixtures.OrderWorkflow("wf-1", fixtures.BaseTime)))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		got.Name = "mutated"
		got.Steps[0].Status = workflow.StepCompleted

		again, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "order-wf-1", again.Name)
		assert.Equal(t, workflow.StepPending, again.Steps[0].Status)
	})
}
