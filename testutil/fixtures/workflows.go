// =============================================================================
// 📦 测试数据工厂 - 工作流
// =============================================================================
// 提供预定义的工作流定义与执行记录，用于存储与引擎测试
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/flowguard/workflow"
)

// BaseTime 固定的测试基准时间，精确到毫秒以兼容各数据库的时间精度
var BaseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// OrderWorkflow 返回一个两步骤的顺序工作流：reserve -> charge
func OrderWorkflow(id string, createdAt time.Time) *workflow.Workflow {
	stop := false
	w := &workflow.Workflow{
		ID:            id,
		Name:          "order-" + id,
		Description:   "reserve stock then charge the customer",
		Status:        workflow.WorkflowDraft,
		ExecutionMode: workflow.ModeSequential,
		Priority:      2,
		CreatedBy:     "fixtures",
		GlobalParameters: map[string]any{
			"currency": "EUR",
		},
		FailureHandling: workflow.FailureHandling{StopOnFailure: &stop},
		Metadata:        map[string]any{"team": "checkout"},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	w.Steps = []*workflow.Step{
		{
			ID:             id + "-charge",
			WorkflowID:     id,
			Name:           "charge",
			StepType:       workflow.StepTypeHTTP,
			ServiceName:    "payments",
			Endpoint:       "/charges",
			Parameters:     map[string]any{"capture": true},
			TimeoutSeconds: 10,
			MaxRetries:     2,
			Status:         workflow.StepPending,
			Order:          1,
			DependsOn:      []string{id + "-reserve"},
			CreatedAt:      createdAt,
			UpdatedAt:      createdAt,
		},
		{
			ID:             id + "-reserve",
			WorkflowID:     id,
			Name:           "reserve",
			StepType:       workflow.StepTypeHTTP,
			ServiceName:    "inventory",
			Endpoint:       "/reservations",
			TimeoutSeconds: 5,
			MaxRetries:     3,
			Status:         workflow.StepPending,
			Order:          0,
			Conditions:     map[string]any{"region": "eu"},
			CreatedAt:      createdAt,
			UpdatedAt:      createdAt,
		},
	}
	return w
}

// Execution 返回指定编号的执行记录
func Execution(workflowID string, number int, startedAt time.Time) *workflow.WorkflowExecution {
	return &workflow.WorkflowExecution{
		ID:               fmt.Sprintf("%s-exec-%d", workflowID, number),
		WorkflowID:       workflowID,
		ExecutionNumber:  number,
		Status:           workflow.ExecutionRunning,
		TriggeredBy:      "fixtures",
		ExecutionContext: map[string]any{"region": "eu"},
		StepResults:      map[string]*workflow.StepExecutionResult{},
		TotalSteps:       2,
		StartedAt:        startedAt,
		UpdatedAt:        startedAt,
	}
}
