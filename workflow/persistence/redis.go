package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/workflow"
)

// RedisStore 基于 Redis 的 workflow.Store 实现
//
// 键布局（prefix 默认 flowguard）:
//
//	{prefix}:wf:{id}             工作流 JSON（不含步骤）
//	{prefix}:wf:{id}:steps       Hash，step id -> 步骤 JSON
//	{prefix}:wf:{id}:step_order  List，按 order 排好的 step id
//	{prefix}:wf:{id}:execs       ZSet，score 为 execution_number
//	{prefix}:workflows           ZSet，score 为创建时间
//	{prefix}:exec:{id}           执行记录 JSON
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// 仅当步骤已存在时写入
var updateStepScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
`)

// 仅当执行记录已存在时覆盖
var updateExecutionScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
`)

// NewRedisStore 创建 Redis 存储
func NewRedisStore(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "flowguard"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger.With(zap.String("component", "redis_store"))}
}

func (s *RedisStore) workflowKey(id string) string  { return s.prefix + ":wf:" + id }
func (s *RedisStore) stepsKey(id string) string     { return s.prefix + ":wf:" + id + ":steps" }
func (s *RedisStore) stepOrderKey(id string) string { return s.prefix + ":wf:" + id + ":step_order" }
func (s *RedisStore) execIndexKey(id string) string { return s.prefix + ":wf:" + id + ":execs" }
func (s *RedisStore) allWorkflowsKey() string       { return s.prefix + ":workflows" }
func (s *RedisStore) executionKey(id string) string { return s.prefix + ":exec:" + id }

// SaveWorkflow 实现 workflow.Store
func (s *RedisStore) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	body, err := marshalWorkflowBody(w)
	if err != nil {
		return err
	}

	ordered := make([]*workflow.Step, len(w.Steps))
	copy(ordered, w.Steps)
	workflow.SortSteps(ordered)

	fields := make(map[string]any, len(ordered))
	order := make([]any, 0, len(ordered))
	for _, step := range ordered {
		data, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("marshal step %s: %w", step.ID, err)
		}
		fields[step.ID] = data
		order = append(order, step.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.workflowKey(w.ID), body, 0)
		pipe.Del(ctx, s.stepsKey(w.ID), s.stepOrderKey(w.ID))
		if len(fields) > 0 {
			pipe.HSet(ctx, s.stepsKey(w.ID), fields)
			pipe.RPush(ctx, s.stepOrderKey(w.ID), order...)
		}
		pipe.ZAdd(ctx, s.allWorkflowsKey(), redis.Z{Score: float64(w.CreatedAt.UnixNano()), Member: w.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWorkflow 实现 workflow.Store
func (s *RedisStore) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	body, err := marshalWorkflowBody(w)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, s.workflowKey(w.ID), body, 0).Result()
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", w.ID, err)
	}
	if !ok {
		return fmt.Errorf("update workflow %s: %w", w.ID, workflow.ErrWorkflowNotFound)
	}
	return nil
}

// GetWorkflow 实现 workflow.Store
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	data, err := s.rdb.Get(ctx, s.workflowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get workflow %s: %w", id, workflow.ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}

	var w workflow.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	if w.Steps, err = s.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *RedisStore) loadSteps(ctx context.Context, workflowID string) ([]*workflow.Step, error) {
	order, err := s.rdb.LRange(ctx, s.stepOrderKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load step order of %s: %w", workflowID, err)
	}
	if len(order) == 0 {
		return nil, nil
	}
	raw, err := s.rdb.HMGet(ctx, s.stepsKey(workflowID), order...).Result()
	if err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", workflowID, err)
	}

	steps := make([]*workflow.Step, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			s.logger.Warn("step missing from hash", zap.String("workflow_id", workflowID), zap.String("step_id", order[i]))
			continue
		}
		var step workflow.Step
		if err := json.Unmarshal([]byte(str), &step); err != nil {
			return nil, fmt.Errorf("decode step %s: %w", order[i], err)
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

// ListWorkflows 实现 workflow.Store
func (s *RedisStore) ListWorkflows(ctx context.Context, filter workflow.WorkflowFilter) ([]*workflow.Workflow, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.allWorkflowsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	out := make([]*workflow.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			if errors.Is(err, workflow.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Matches(w) {
			out = append(out, w)
		}
	}
	workflow.SortWorkflows(out)
	return out, nil
}

// UpdateStep 实现 workflow.Store
func (s *RedisStore) UpdateStep(ctx context.Context, step *workflow.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", step.ID, err)
	}
	n, err := updateStepScript.Run(ctx, s.rdb, []string{s.stepsKey(step.WorkflowID)}, step.ID, data).Int()
	if err != nil {
		return fmt.Errorf("update step %s: %w", step.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update step %s: %w", step.ID, workflow.ErrNotFound)
	}
	return nil
}

// CreateExecution 实现 workflow.Store
func (s *RedisStore) CreateExecution(ctx context.Context, e *workflow.WorkflowExecution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.executionKey(e.ID), data, 0)
		pipe.ZAdd(ctx, s.execIndexKey(e.WorkflowID), redis.Z{Score: float64(e.ExecutionNumber), Member: e.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecution 实现 workflow.Store
func (s *RedisStore) UpdateExecution(ctx context.Context, e *workflow.WorkflowExecution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	n, err := updateExecutionScript.Run(ctx, s.rdb, []string{s.executionKey(e.ID)}, data).Int()
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update execution %s: %w", e.ID, workflow.ErrNotFound)
	}
	return nil
}

// GetExecution 实现 workflow.Store
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	data, err := s.rdb.Get(ctx, s.executionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get execution %s: %w", id, workflow.ErrNotFound)
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return decodeExecution(id, data)
}

// ListExecutions 实现 workflow.Store
func (s *RedisStore) ListExecutions(ctx context.Context, workflowID string) ([]*workflow.WorkflowExecution, error) {
	ids, err := s.rdb.ZRange(ctx, s.execIndexKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", workflowID, err)
	}
	if len(ids) == 0 {
		return []*workflow.WorkflowExecution{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.executionKey(id)
	}
	raw, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", workflowID, err)
	}

	out := make([]*workflow.WorkflowExecution, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeExecution(ids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	workflow.SortExecutions(out)
	return out, nil
}

// MaxExecutionNumber 实现 workflow.Store
func (s *RedisStore) MaxExecutionNumber(ctx context.Context, workflowID string) (int, error) {
	top, err := s.rdb.ZRevRangeWithScores(ctx, s.execIndexKey(workflowID), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("max execution number of %s: %w", workflowID, err)
	}
	if len(top) == 0 {
		return 0, nil
	}
	return int(top[0].Score), nil
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close 实现 workflow.Store
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func marshalWorkflowBody(w *workflow.Workflow) ([]byte, error) {
	body := *w
	body.Steps = nil
	data, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow %s: %w", w.ID, err)
	}
	return data, nil
}

func decodeExecution(id string, data []byte) (*workflow.WorkflowExecution, error) {
	var e workflow.WorkflowExecution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	if e.StepResults == nil {
		e.StepResults = make(map[string]*workflow.StepExecutionResult)
	}
	return &e, nil
}

var _ workflow.Store = (*RedisStore)(nil)
