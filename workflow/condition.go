package workflow

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprConditionKey 条件表中以此为键的值按 expr 表达式求值
const ExprConditionKey = "$expr"

// ConditionEvaluator 评估步骤的 conditions。
//
// 普通键按以下顺序取值并与期望值比较：execution_context[key]，
// 其次 "<step_id>.status" / "<step_id>.<field>" 读取前序步骤的状态或输出字段。
// 取不到值视为条件不满足。
type ConditionEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewConditionEvaluator 创建条件评估器
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate 所有条件均满足时返回 true
func (c *ConditionEvaluator) Evaluate(conditions map[string]any, execCtx map[string]any, results map[string]*StepExecutionResult) (bool, error) {
	for key, expected := range conditions {
		if key == ExprConditionKey {
			expression, ok := expected.(string)
			if !ok {
				return false, fmt.Errorf("condition %s must be a string, got %T", ExprConditionKey, expected)
			}
			ok, err := c.evalExpr(expression, execCtx, results)
			if err != nil || !ok {
				return false, err
			}
			continue
		}

		actual, found := lookupConditionValue(key, execCtx, results)
		if !found || !valuesEqual(actual, expected) {
			return false, nil
		}
	}
	return true, nil
}

func lookupConditionValue(key string, execCtx map[string]any, results map[string]*StepExecutionResult) (any, bool) {
	if v, ok := execCtx[key]; ok {
		return v, true
	}
	stepID, field, ok := strings.Cut(key, ".")
	if !ok {
		return nil, false
	}
	res, ok := results[stepID]
	if !ok {
		return nil, false
	}
	if field == "status" {
		return string(res.Status), true
	}
	out, ok := res.Output.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := out[field]
	return v, ok
}

// valuesEqual 比较时把所有数值类型视为 float64，JSON 解码后的数字才能与整型期望值相等
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	return okA && okB && fa == fb
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func (c *ConditionEvaluator) evalExpr(expression string, execCtx map[string]any, results map[string]*StepExecutionResult) (bool, error) {
	steps := make(map[string]any, len(results))
	for id, r := range results {
		steps[id] = map[string]any{"status": string(r.Status), "output": r.Output}
	}
	env := map[string]any{"context": execCtx, "steps": steps}

	program, err := c.compile(expression)
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", expression, out)
	}
	return b, nil
}

func (c *ConditionEvaluator) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	program, ok := c.cache[expression]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if program, ok = c.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	c.cache[expression] = program
	return program, nil
}
