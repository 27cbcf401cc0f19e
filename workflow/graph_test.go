package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func steps(defs ...*Step) []*Step { return defs }

func st(id string, order int, deps ...string) *Step {
	return &Step{ID: id, Name: id, Order: order, DependsOn: deps, TimeoutSeconds: 1}
}

// ---------------------------------------------------------------------------
// Topological order
// ---------------------------------------------------------------------------

func TestGraph_TopologicalOrderRespectsEdges(t *testing.T) {
	g := NewAnalyzer(zap.NewNop()).Build(steps(
		st("c", 0, "a", "b"),
		st("a", 1),
		st("b", 2, "a"),
		st("d", 3),
	))

	assert.Equal(t, []string{"a", "b", "c", "d"}, g.TopologicalOrder())
	assert.Empty(t, g.Warnings())
}

func TestGraph_TiesBrokenByOrder(t *testing.T) {
	g := NewAnalyzer(nil).Build(steps(
		st("x", 5),
		st("y", 1),
		st("z", 3),
	))
	assert.Equal(t, []string{"y", "z", "x"}, g.TopologicalOrder())
}

func TestGraph_UnknownDependencyIgnored(t *testing.T) {
	g := NewAnalyzer(nil).Build(steps(st("a", 0, "ghost")))
	assert.Equal(t, []string{"a"}, g.TopologicalOrder())
	assert.Empty(t, g.Edges())
}

// ---------------------------------------------------------------------------
// Cycle breaking
// ---------------------------------------------------------------------------

func TestGraph_BreaksCycleAndWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	g := NewAnalyzer(zap.New(core)).Build(steps(
		st("a", 1, "c"),
		st("b", 2, "a"),
		st("c", 3, "b"),
	))

	require.True(t, g.Acyclic())
	require.Len(t, g.RemovedEdges(), 1)
	// 后继优先级相同，移除指向 order 最小步骤的边
	assert.Equal(t, Edge{From: "c", To: "a"}, g.RemovedEdges()[0])
	assert.Equal(t, []string{"a", "b", "c"}, g.TopologicalOrder())
	assert.Len(t, g.Warnings(), 1)
	assert.Equal(t, 1, logs.FilterMessage("dependency cycle detected").Len())
}

func TestGraph_BreaksEdgeToLowestPriority(t *testing.T) {
	a := st("a", 1, "b")
	b := st("b", 2, "a")
	a.Priority = 5
	b.Priority = 1

	g := NewAnalyzer(nil).Build(steps(a, b))
	require.Len(t, g.RemovedEdges(), 1)
	assert.Equal(t, "b", g.RemovedEdges()[0].To)
	assert.Equal(t, []string{"b", "a"}, g.TopologicalOrder())
}

func TestGraph_SelfLoopAndMultipleCycles(t *testing.T) {
	g := NewAnalyzer(nil).Build(steps(
		st("a", 1, "a"),
		st("b", 2, "c"),
		st("c", 3, "b"),
		st("d", 4, "c"),
	))
	assert.True(t, g.Acyclic())
	assert.Len(t, g.RemovedEdges(), 2)
	assert.Len(t, g.TopologicalOrder(), 4)
}

// ---------------------------------------------------------------------------
// Critical path
// ---------------------------------------------------------------------------

func TestGraph_CriticalPath(t *testing.T) {
	a := st("a", 1)
	b := st("b", 2, "a")
	c := st("c", 3, "a")
	d := st("d", 4, "b", "c")
	a.EstimatedDuration = 2
	b.EstimatedDuration = 10
	c.EstimatedDuration = 3
	d.EstimatedDuration = 1

	path, total := NewAnalyzer(nil).Build(steps(a, b, c, d)).CriticalPath()
	assert.Equal(t, []string{"a", "b", "d"}, path)
	assert.InDelta(t, 13.0, total, 1e-9)
}

func TestGraph_CriticalPathEmpty(t *testing.T) {
	path, total := NewAnalyzer(nil).Build(nil).CriticalPath()
	assert.Nil(t, path)
	assert.Zero(t, total)
}

func TestStep_Weight(t *testing.T) {
	assert.Equal(t, 4.5, (&Step{EstimatedDuration: 4.5, TimeoutSeconds: 9}).Weight())
	assert.Equal(t, 9.0, (&Step{TimeoutSeconds: 9}).Weight())
	assert.Equal(t, 1.0, (&Step{}).Weight())
}
