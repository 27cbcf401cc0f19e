package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowguard/internal/database"
	"github.com/BaSui01/flowguard/workflow"
)

// txRetries 多语句事务遇到死锁、序列化失败等瞬时错误时的最大尝试次数
const txRetries = 3

// =============================================================================
// 🗄️ GORM 存储（postgres / mysql / sqlite）
// =============================================================================

type workflowRecord struct {
	ID               string                   `gorm:"primaryKey;type:varchar(64)"`
	Name             string                   `gorm:"type:varchar(255);not null"`
	Description      string                   `gorm:"type:text"`
	Status           string                   `gorm:"type:varchar(32);not null;index:idx_workflows_status"`
	ExecutionMode    string                   `gorm:"type:varchar(32);not null"`
	Priority         int                      `gorm:"not null;default:0"`
	CreatedBy        string                   `gorm:"type:varchar(255);index:idx_workflows_created_by"`
	GlobalParameters map[string]any           `gorm:"serializer:json;type:text"`
	FailureHandling  workflow.FailureHandling `gorm:"serializer:json;type:text"`
	Metadata         map[string]any           `gorm:"serializer:json;type:text"`
	CreatedAt        time.Time                `gorm:"not null;autoCreateTime:false"`
	UpdatedAt        time.Time                `gorm:"not null;autoUpdateTime:false"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func (workflowRecord) TableName() string { return "workflows" }

type stepRecord struct {
	WorkflowID        string         `gorm:"primaryKey;type:varchar(64)"`
	ID                string         `gorm:"primaryKey;type:varchar(64)"`
	Position          int            `gorm:"not null;default:0"`
	Name              string         `gorm:"type:varchar(255);not null"`
	StepType          string         `gorm:"type:varchar(32);not null"`
	ServiceName       string         `gorm:"type:varchar(255)"`
	Endpoint          string         `gorm:"type:text"`
	Parameters        map[string]any `gorm:"serializer:json;type:text"`
	TimeoutSeconds    int            `gorm:"not null;default:0"`
	RetryCount        int            `gorm:"not null;default:0"`
	MaxRetries        int            `gorm:"not null;default:0"`
	Status            string         `gorm:"type:varchar(32);not null"`
	OrderIndex        int            `gorm:"not null;default:0"`
	Priority          int            `gorm:"not null;default:0"`
	EstimatedDuration float64        `gorm:"not null;default:0"`
	DependsOn         []string       `gorm:"serializer:json;type:text"`
	Conditions        map[string]any `gorm:"serializer:json;type:text"`
	Result            any            `gorm:"serializer:json;type:text"`
	ErrorMessage      string         `gorm:"type:text"`
	CreatedAt         time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt         time.Time      `gorm:"not null;autoUpdateTime:false"`
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

func (stepRecord) TableName() string { return "workflow_steps" }

type executionRecord struct {
	ID               string                                   `gorm:"primaryKey;type:varchar(64)"`
	WorkflowID       string                                   `gorm:"type:varchar(64);not null;uniqueIndex:idx_workflow_execution_number,priority:1"`
	ExecutionNumber  int                                      `gorm:"not null;uniqueIndex:idx_workflow_execution_number,priority:2"`
	Status           string                                   `gorm:"type:varchar(32);not null"`
	TriggeredBy      string                                   `gorm:"type:varchar(255)"`
	ExecutionContext map[string]any                           `gorm:"serializer:json;type:text"`
	StepResults      map[string]*workflow.StepExecutionResult `gorm:"serializer:json;type:text"`
	TotalSteps       int                                      `gorm:"not null;default:0"`
	CompletedSteps   int                                      `gorm:"not null;default:0"`
	FailedSteps      int                                      `gorm:"not null;default:0"`
	SkippedSteps     int                                      `gorm:"not null;default:0"`
	ErrorMessage     string                                   `gorm:"type:text"`
	CriticalPath     []string                                 `gorm:"serializer:json;type:text"`
	Warnings         []string                                 `gorm:"serializer:json;type:text"`
	StartedAt        time.Time                                `gorm:"not null"`
	UpdatedAt        time.Time                                `gorm:"not null;autoUpdateTime:false"`
	CompletedAt      *time.Time
}

func (executionRecord) TableName() string { return "workflow_executions" }

// GormStore 基于 GORM 的 workflow.Store 实现
type GormStore struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
	// closer 由 OpenGormStore 设置，用于释放连接池
	closer func() error
}

// NewGormStore 使用已有连接创建存储，调用方负责连接生命周期
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_store"))}
}

// NewPooledGormStore 基于 PoolManager 创建存储，多语句事务走 WithTransactionRetry
func NewPooledGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	s := NewGormStore(pool.DB(), logger)
	s.pool = pool
	return s
}

// transaction 有连接池时按瞬时错误重试，否则执行单次事务
func (s *GormStore) transaction(ctx context.Context, fn database.TransactionFunc) error {
	if s.pool != nil {
		return s.pool.WithTransactionRetry(ctx, txRetries, fn)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// AutoMigrate 建表，sqlite 与本地开发使用；生产环境走 internal/migration
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&workflowRecord{}, &stepRecord{}, &executionRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// SaveWorkflow 实现 workflow.Store
func (s *GormStore) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	rec := toWorkflowRecord(w)
	steps := make([]stepRecord, 0, len(w.Steps))
	for i, step := range w.Steps {
		steps = append(steps, toStepRecord(w.ID, i, step))
	}

	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save workflow %s: %w", w.ID, err)
		}
		if err := tx.Where("workflow_id = ?", w.ID).Delete(&stepRecord{}).Error; err != nil {
			return fmt.Errorf("replace steps of %s: %w", w.ID, err)
		}
		if len(steps) == 0 {
			return nil
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("insert steps of %s: %w", w.ID, err)
		}
		return nil
	})
}

// UpdateWorkflow 实现 workflow.Store，不触碰步骤表
func (s *GormStore) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	rec := toWorkflowRecord(w)
	res := s.db.WithContext(ctx).Model(&workflowRecord{}).
		Where("id = ?", w.ID).
		Select("*").Omit("id", "created_at").
		Updates(&rec)
	if res.Error != nil {
		return fmt.Errorf("update workflow %s: %w", w.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql 在值未变化时也返回 0，需要再确认一次
		exists, err := s.exists(ctx, &workflowRecord{}, "id = ?", w.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("update workflow %s: %w", w.ID, workflow.ErrWorkflowNotFound)
		}
	}
	return nil
}

// GetWorkflow 实现 workflow.Store
func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var rec workflowRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("get workflow %s: %w", id, workflow.ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}

	var steps []stepRecord
	if err := s.db.WithContext(ctx).
		Where("workflow_id = ?", id).
		Order("order_index ASC, position ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", id, err)
	}

	w := rec.toDomain()
	for i := range steps {
		w.Steps = append(w.Steps, steps[i].toDomain())
	}
	return w, nil
}

// ListWorkflows 实现 workflow.Store
func (s *GormStore) ListWorkflows(ctx context.Context, filter workflow.WorkflowFilter) ([]*workflow.Workflow, error) {
	q := s.db.WithContext(ctx).Model(&workflowRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.CreatedBy != "" {
		q = q.Where("created_by = ?", filter.CreatedBy)
	}

	var recs []workflowRecord
	if err := q.Order("created_at DESC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	if len(recs) == 0 {
		return []*workflow.Workflow{}, nil
	}

	ids := make([]string, len(recs))
	byID := make(map[string]*workflow.Workflow, len(recs))
	out := make([]*workflow.Workflow, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
		out[i] = recs[i].toDomain()
		byID[recs[i].ID] = out[i]
	}

	var steps []stepRecord
	if err := s.db.WithContext(ctx).
		Where("workflow_id IN ?", ids).
		Order("workflow_id, order_index ASC, position ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	for i := range steps {
		if w, ok := byID[steps[i].WorkflowID]; ok {
			w.Steps = append(w.Steps, steps[i].toDomain())
		}
	}
	return out, nil
}

// UpdateStep 实现 workflow.Store，只写运行期字段
func (s *GormStore) UpdateStep(ctx context.Context, step *workflow.Step) error {
	updatedAt := step.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&stepRecord{}).
		Where("workflow_id = ? AND id = ?", step.WorkflowID, step.ID).
		Select("status", "retry_count", "result", "error_message", "started_at", "completed_at", "updated_at").
		Updates(&stepRecord{
			Status:       string(step.Status),
			RetryCount:   step.RetryCount,
			Result:       step.Result,
			ErrorMessage: step.ErrorMessage,
			StartedAt:    step.StartedAt,
			CompletedAt:  step.CompletedAt,
			UpdatedAt:    updatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update step %s: %w", step.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		exists, err := s.exists(ctx, &stepRecord{}, "workflow_id = ? AND id = ?", step.WorkflowID, step.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("update step %s: %w", step.ID, workflow.ErrNotFound)
		}
	}
	return nil
}

// CreateExecution 实现 workflow.Store
func (s *GormStore) CreateExecution(ctx context.Context, e *workflow.WorkflowExecution) error {
	rec := toExecutionRecord(e)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecution 实现 workflow.Store
func (s *GormStore) UpdateExecution(ctx context.Context, e *workflow.WorkflowExecution) error {
	rec := toExecutionRecord(e)
	res := s.db.WithContext(ctx).Model(&executionRecord{}).
		Where("id = ?", e.ID).
		Select("*").Omit("id").
		Updates(&rec)
	if res.Error != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		exists, err := s.exists(ctx, &executionRecord{}, "id = ?", e.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("update execution %s: %w", e.ID, workflow.ErrNotFound)
		}
	}
	return nil
}

// GetExecution 实现 workflow.Store
func (s *GormStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	var rec executionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("get execution %s: %w", id, workflow.ErrNotFound)
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// ListExecutions 实现 workflow.Store
func (s *GormStore) ListExecutions(ctx context.Context, workflowID string) ([]*workflow.WorkflowExecution, error) {
	var recs []executionRecord
	if err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("execution_number ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", workflowID, err)
	}
	out := make([]*workflow.WorkflowExecution, len(recs))
	for i := range recs {
		out[i] = recs[i].toDomain()
	}
	return out, nil
}

// MaxExecutionNumber 实现 workflow.Store
func (s *GormStore) MaxExecutionNumber(ctx context.Context, workflowID string) (int, error) {
	var latest int
	if err := s.db.WithContext(ctx).Model(&executionRecord{}).
		Where("workflow_id = ?", workflowID).
		Select("COALESCE(MAX(execution_number), 0)").
		Scan(&latest).Error; err != nil {
		return 0, fmt.Errorf("max execution number of %s: %w", workflowID, err)
	}
	return latest, nil
}

// Ping 检查底层数据库连接
func (s *GormStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close 实现 workflow.Store
func (s *GormStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *GormStore) exists(ctx context.Context, model any, query string, args ...any) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, args...).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check existence: %w", err)
	}
	return n > 0, nil
}

// --- 领域对象与表记录转换 ---

func toWorkflowRecord(w *workflow.Workflow) workflowRecord {
	return workflowRecord{
		ID:               w.ID,
		Name:             w.Name,
		Description:      w.Description,
		Status:           string(w.Status),
		ExecutionMode:    string(w.ExecutionMode),
		Priority:         w.Priority,
		CreatedBy:        w.CreatedBy,
		GlobalParameters: w.GlobalParameters,
		FailureHandling:  w.FailureHandling,
		Metadata:         w.Metadata,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
		StartedAt:        w.StartedAt,
		CompletedAt:      w.CompletedAt,
	}
}

func (r *workflowRecord) toDomain() *workflow.Workflow {
	return &workflow.Workflow{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Status:           workflow.WorkflowStatus(r.Status),
		ExecutionMode:    workflow.ExecutionMode(r.ExecutionMode),
		Priority:         r.Priority,
		CreatedBy:        r.CreatedBy,
		GlobalParameters: r.GlobalParameters,
		FailureHandling:  r.FailureHandling,
		Metadata:         r.Metadata,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
}

func toStepRecord(workflowID string, position int, s *workflow.Step) stepRecord {
	return stepRecord{
		WorkflowID:        workflowID,
		ID:                s.ID,
		Position:          position,
		Name:              s.Name,
		StepType:          s.StepType,
		ServiceName:       s.ServiceName,
		Endpoint:          s.Endpoint,
		Parameters:        s.Parameters,
		TimeoutSeconds:    s.TimeoutSeconds,
		RetryCount:        s.RetryCount,
		MaxRetries:        s.MaxRetries,
		Status:            string(s.Status),
		OrderIndex:        s.Order,
		Priority:          s.Priority,
		EstimatedDuration: s.EstimatedDuration,
		DependsOn:         s.DependsOn,
		Conditions:        s.Conditions,
		Result:            s.Result,
		ErrorMessage:      s.ErrorMessage,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
	}
}

func (r *stepRecord) toDomain() *workflow.Step {
	return &workflow.Step{
		ID:                r.ID,
		WorkflowID:        r.WorkflowID,
		Name:              r.Name,
		StepType:          r.StepType,
		ServiceName:       r.ServiceName,
		Endpoint:          r.Endpoint,
		Parameters:        r.Parameters,
		TimeoutSeconds:    r.TimeoutSeconds,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		Status:            workflow.StepStatus(r.Status),
		Order:             r.OrderIndex,
		Priority:          r.Priority,
		EstimatedDuration: r.EstimatedDuration,
		DependsOn:         r.DependsOn,
		Conditions:        r.Conditions,
		Result:            r.Result,
		ErrorMessage:      r.ErrorMessage,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
	}
}

func toExecutionRecord(e *workflow.WorkflowExecution) executionRecord {
	return executionRecord{
		ID:               e.ID,
		WorkflowID:       e.WorkflowID,
		ExecutionNumber:  e.ExecutionNumber,
		Status:           string(e.Status),
		TriggeredBy:      e.TriggeredBy,
		ExecutionContext: e.ExecutionContext,
		StepResults:      e.StepResults,
		TotalSteps:       e.TotalSteps,
		CompletedSteps:   e.CompletedSteps,
		FailedSteps:      e.FailedSteps,
		SkippedSteps:     e.SkippedSteps,
		ErrorMessage:     e.ErrorMessage,
		CriticalPath:     e.CriticalPath,
		Warnings:         e.Warnings,
		StartedAt:        e.StartedAt,
		UpdatedAt:        e.UpdatedAt,
		CompletedAt:      e.CompletedAt,
	}
}

func (r *executionRecord) toDomain() *workflow.WorkflowExecution {
	results := r.StepResults
	if results == nil {
		results = make(map[string]*workflow.StepExecutionResult)
	}
	return &workflow.WorkflowExecution{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		ExecutionNumber:  r.ExecutionNumber,
		Status:           workflow.ExecutionStatus(r.Status),
		TriggeredBy:      r.TriggeredBy,
		ExecutionContext: r.ExecutionContext,
		StepResults:      results,
		TotalSteps:       r.TotalSteps,
		CompletedSteps:   r.CompletedSteps,
		FailedSteps:      r.FailedSteps,
		SkippedSteps:     r.SkippedSteps,
		ErrorMessage:     r.ErrorMessage,
		CriticalPath:     r.CriticalPath,
		Warnings:         r.Warnings,
		StartedAt:        r.StartedAt,
		UpdatedAt:        r.UpdatedAt,
		CompletedAt:      r.CompletedAt,
	}
}

var _ workflow.Store = (*GormStore)(nil)
