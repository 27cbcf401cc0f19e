package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/workflow"
)

// =============================================================================
// ▶️ run 命令：一次性执行工作流定义文件
// =============================================================================

// contextFlags 可重复的 -ctx key=value
type contextFlags map[string]any

func (c contextFlags) String() string {
	parts := make([]string, 0, len(c))
	for k, v := range c {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

// Set 解析 key=value，value 按 YAML 标量解析（数字、布尔保留类型）
func (c contextFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		v = raw
	}
	if _, isMap := v.(map[string]any); isMap {
		v = raw
	}
	if _, isList := v.([]any); isList {
		v = raw
	}
	c[key] = v
	return nil
}

// loadWorkflowSpec 读取 YAML 工作流定义
func loadWorkflowSpec(path string) (workflow.WorkflowSpec, error) {
	var spec workflow.WorkflowSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read workflow file: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse workflow file: %w", err)
	}
	return spec, nil
}

// runWorkflowFile 使用内存存储执行工作流并把执行记录以 JSON 输出到 stdout。
// 返回进程退出码：执行完成为 0，失败或取消为 1，参数错误为 2。
func runWorkflowFile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "Workflow definition file (YAML)")
	configPath := fs.String("config", "", "Path to config file")
	triggeredBy := fs.String("triggered-by", "cli", "Value recorded as triggered_by")
	execCtx := contextFlags{}
	fs.Var(execCtx, "ctx", "Execution context entry key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "run: -f <workflow.yaml> is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	// 日志写 stderr，stdout 只输出执行结果
	cfg.Log.OutputPaths = []string{"stderr"}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	spec, err := loadWorkflowSpec(*file)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := executeSpec(ctx, cfg.Orchestrator, spec, *triggeredBy, execCtx, logger)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exec); err != nil {
		fmt.Fprintf(stderr, "run: encode execution: %v\n", err)
		return 1
	}
	if exec.Status != workflow.ExecutionCompleted {
		return 1
	}
	return 0
}

// executeSpec 在内存存储上创建并同步执行工作流
func executeSpec(ctx context.Context, cfg config.OrchestratorConfig, spec workflow.WorkflowSpec, triggeredBy string, execCtx map[string]any, logger *zap.Logger) (*workflow.WorkflowExecution, error) {
	store := workflow.NewMemoryStore()
	defer store.Close()

	orch := newOrchestrator(cfg, store, nil, nil, logger)
	wf, err := orch.engine.CreateWorkflow(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(wf.Steps)),
	)

	exec, err := orch.engine.ExecuteWorkflow(ctx, wf.ID, triggeredBy, execCtx)
	if err != nil {
		return nil, fmt.Errorf("execute workflow: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("execution interrupted", zap.String("execution_id", exec.ID))
	}
	return exec, nil
}
