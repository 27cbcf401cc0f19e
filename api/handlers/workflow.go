package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/internal/ctxkeys"
	"github.com/BaSui01/flowguard/resilience/circuitbreaker"
	"github.com/BaSui01/flowguard/resilience/degradation"
	"github.com/BaSui01/flowguard/types"
	"github.com/BaSui01/flowguard/workflow"
)

// =============================================================================
// 🔀 Workflow Handler
// =============================================================================

// WorkflowService 处理器依赖的编排操作，由 *workflow.Engine 实现
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, spec workflow.WorkflowSpec) (*workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, filter workflow.WorkflowFilter) ([]*workflow.Workflow, error)
	GetWorkflowExecutions(ctx context.Context, workflowID string) ([]*workflow.WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error)
	AnalyzeWorkflow(ctx context.Context, id string) (*workflow.Analysis, error)
	ExecuteWorkflow(ctx context.Context, id, triggeredBy string, execCtx map[string]any) (*workflow.WorkflowExecution, error)
	StartWorkflow(ctx context.Context, id, triggeredBy string, execCtx map[string]any) (*workflow.WorkflowExecution, error)
	PauseWorkflow(ctx context.Context, id string) (bool, error)
	ResumeWorkflow(ctx context.Context, id string) (bool, error)
	CancelWorkflow(ctx context.Context, id string) (bool, error)
}

var _ WorkflowService = (*workflow.Engine)(nil)

// WorkflowHandler 工作流、熔断器与降级管理接口
type WorkflowHandler struct {
	service     WorkflowService
	breakers    *circuitbreaker.Registry
	degradation *degradation.Manager
	logger      *zap.Logger
}

// ExecuteRequest 触发执行的请求体
type ExecuteRequest struct {
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// TransitionResponse pause/resume/cancel 的结果
type TransitionResponse struct {
	WorkflowID string `json:"workflow_id"`
	Action     string `json:"action"`
	Changed    bool   `json:"changed"`
}

// DegradationRequest 设置降级等级
type DegradationRequest struct {
	Level *int `json:"level"`
}

// DegradationStatus 降级状态
type DegradationStatus struct {
	Levels    map[string]int `json:"levels"`
	Fallbacks []string       `json:"fallbacks"`
}

// NewWorkflowHandler 创建工作流处理器，breakers / degradation 可为 nil
func NewWorkflowHandler(service WorkflowService, breakers *circuitbreaker.Registry, dm *degradation.Manager, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		service:     service,
		breakers:    breakers,
		degradation: dm,
		logger:      logger.With(zap.String("component", "workflow_api")),
	}
}

// Register 注册路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", h.HandleExecute)
	mux.HandleFunc("GET /api/v1/workflows/{id}/executions", h.HandleListExecutions)
	mux.HandleFunc("GET /api/v1/workflows/{id}/analysis", h.HandleAnalysis)
	mux.HandleFunc("POST /api/v1/workflows/{id}/pause", h.handleTransition("pause"))
	mux.HandleFunc("POST /api/v1/workflows/{id}/resume", h.handleTransition("resume"))
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.handleTransition("cancel"))
	mux.HandleFunc("GET /api/v1/executions/{id}", h.HandleGetExecution)

	mux.HandleFunc("GET /api/v1/circuit-breakers", h.HandleListBreakers)
	mux.HandleFunc("POST /api/v1/circuit-breakers/{service}/reset", h.HandleResetBreaker)
	mux.HandleFunc("GET /api/v1/degradation", h.HandleGetDegradation)
	mux.HandleFunc("PUT /api/v1/degradation/{service}", h.HandleSetDegradation)
}

// =============================================================================
// 🎯 工作流
// =============================================================================

// HandleCreate POST /api/v1/workflows
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var spec workflow.WorkflowSpec
	if err := DecodeJSONBody(w, r, &spec, h.logger); err != nil {
		return
	}

	wf, err := h.service.CreateWorkflow(r.Context(), spec)
	if err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/workflows/"+wf.ID)
	WriteStatus(w, r, http.StatusCreated, wf)
}

// HandleList GET /api/v1/workflows?status=&created_by=
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.WorkflowFilter{
		Status:    workflow.WorkflowStatus(q.Get("status")),
		CreatedBy: q.Get("created_by"),
	}
	list, err := h.service.ListWorkflows(r.Context(), filter)
	if err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	if list == nil {
		list = []*workflow.Workflow{}
	}
	WriteSuccess(w, r, list)
}

// HandleGet GET /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, wf)
}

// HandleExecute POST /api/v1/workflows/{id}/execute
//
// 默认异步执行并返回 202 与初始执行记录；?wait=true 时同步运行到终态返回 200。
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := ctxkeys.WithWorkflowID(r.Context(), id)

	var req ExecuteRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		exec, err := h.service.ExecuteWorkflow(ctx, id, req.TriggeredBy, req.Context)
		if err != nil {
			WriteWorkflowError(w, r, err, h.logger)
			return
		}
		WriteSuccess(w, r, exec)
		return
	}

	exec, err := h.service.StartWorkflow(ctx, id, req.TriggeredBy, req.Context)
	if err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+exec.ID)
	WriteStatus(w, r, http.StatusAccepted, exec)
}

// HandleListExecutions GET /api/v1/workflows/{id}/executions
func (h *WorkflowHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.service.GetWorkflowExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	if execs == nil {
		execs = []*workflow.WorkflowExecution{}
	}
	WriteSuccess(w, r, execs)
}

// HandleGetExecution GET /api/v1/executions/{id}
func (h *WorkflowHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.service.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			WriteErrorMessage(w, r, http.StatusNotFound, types.ErrWorkflowNotFound, "execution not found", h.logger)
			return
		}
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, exec)
}

// HandleAnalysis GET /api/v1/workflows/{id}/analysis
func (h *WorkflowHandler) HandleAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.service.AnalyzeWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteWorkflowError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, analysis)
}

func (h *WorkflowHandler) handleTransition(action string) http.HandlerFunc {
	var fn func(ctx context.Context, id string) (bool, error)
	switch action {
	case "pause":
		fn = h.service.PauseWorkflow
	case "resume":
		fn = h.service.ResumeWorkflow
	default:
		fn = h.service.CancelWorkflow
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		changed, err := fn(r.Context(), id)
		if err != nil {
			WriteWorkflowError(w, r, err, h.logger)
			return
		}
		h.logger.Info("workflow transition requested",
			zap.String("workflow_id", id),
			zap.String("action", action),
			zap.Bool("changed", changed),
		)
		WriteSuccess(w, r, TransitionResponse{WorkflowID: id, Action: action, Changed: changed})
	}
}

// =============================================================================
// 🛡️ 熔断与降级
// =============================================================================

// HandleListBreakers GET /api/v1/circuit-breakers
func (h *WorkflowHandler) HandleListBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		WriteSuccess(w, r, []circuitbreaker.Snapshot{})
		return
	}
	WriteSuccess(w, r, h.breakers.Snapshots())
}

// HandleResetBreaker POST /api/v1/circuit-breakers/{service}/reset
func (h *WorkflowHandler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if h.breakers == nil || !h.breakers.Reset(service) {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrInvalidRequest, "circuit breaker not found: "+service, h.logger)
		return
	}
	b, _ := h.breakers.Lookup(service)
	WriteSuccess(w, r, b.Snapshot())
}

// HandleGetDegradation GET /api/v1/degradation
func (h *WorkflowHandler) HandleGetDegradation(w http.ResponseWriter, r *http.Request) {
	status := DegradationStatus{Levels: map[string]int{}, Fallbacks: []string{}}
	if h.degradation != nil {
		status.Levels = h.degradation.Levels()
		status.Fallbacks = h.degradation.Services()
	}
	WriteSuccess(w, r, status)
}

// HandleSetDegradation PUT /api/v1/degradation/{service}
func (h *WorkflowHandler) HandleSetDegradation(w http.ResponseWriter, r *http.Request) {
	if h.degradation == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "degradation manager not configured", h.logger)
		return
	}
	var req DegradationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Level == nil {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "level is required", h.logger)
		return
	}

	service := r.PathValue("service")
	if err := h.degradation.SetLevel(service, *req.Level); err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, r, map[string]any{"service": service, "level": h.degradation.Level(service)})
}
