package workflow

import (
	"container/heap"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Edge 依赖边 From -> To，To 依赖 From
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type graphNode struct {
	id       string
	order    int
	priority int
	weight   float64
	index    int // 声明顺序
}

// Graph 步骤依赖图。构建时会断开所有环，之后始终是 DAG。
type Graph struct {
	nodes    map[string]*graphNode
	declared []string
	succ     map[string]map[string]struct{}
	pred     map[string]map[string]struct{}
	removed  []Edge
	warnings []string
}

// Analyzer 依赖图分析器
type Analyzer struct {
	logger *zap.Logger
}

// NewAnalyzer 创建依赖图分析器
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger.With(zap.String("component", "graph_analyzer"))}
}

// Build 根据 depends_on 建图。引用不存在步骤的依赖不产生边；
// 存在环时逐条移除后继优先级最低的边并记录告警。
func (a *Analyzer) Build(steps []*Step) *Graph {
	g := &Graph{
		nodes: make(map[string]*graphNode, len(steps)),
		succ:  make(map[string]map[string]struct{}, len(steps)),
		pred:  make(map[string]map[string]struct{}, len(steps)),
	}
	for i, s := range steps {
		if _, dup := g.nodes[s.ID]; dup {
			continue
		}
		g.nodes[s.ID] = &graphNode{id: s.ID, order: s.Order, priority: s.Priority, weight: s.Weight(), index: i}
		g.declared = append(g.declared, s.ID)
		g.succ[s.ID] = make(map[string]struct{})
		g.pred[s.ID] = make(map[string]struct{})
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			g.succ[dep][s.ID] = struct{}{}
			g.pred[s.ID][dep] = struct{}{}
		}
	}

	for {
		cycle := g.findCycle()
		if cycle == nil {
			break
		}
		victim := g.weakestEdge(cycle)
		delete(g.succ[victim.From], victim.To)
		delete(g.pred[victim.To], victim.From)
		g.removed = append(g.removed, victim)

		msg := fmt.Sprintf("dependency cycle broken by removing edge %s -> %s", victim.From, victim.To)
		g.warnings = append(g.warnings, msg)
		a.logger.Warn("dependency cycle detected",
			zap.String("removed_from", victim.From),
			zap.String("removed_to", victim.To),
			zap.Int("cycle_length", len(cycle)),
		)
	}
	return g
}

// findCycle 返回环上的边，无环时返回 nil
func (g *Graph) findCycle() []Edge {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string, len(g.nodes))

	var found []Edge
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, next := range g.sortedSucc(id) {
			switch color[next] {
			case white:
				parent[next] = id
				if visit(next) {
					return true
				}
			case grey:
				// 回边 id -> next，沿 parent 回溯得到完整环
				found = append(found, Edge{From: id, To: next})
				for cur := id; cur != next; cur = parent[cur] {
					found = append(found, Edge{From: parent[cur], To: cur})
				}
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.declared {
		if color[id] == white && visit(id) {
			return found
		}
	}
	return nil
}

// weakestEdge 选出后继优先级最低的边；同优先级取 order 较小者，再按 ID
func (g *Graph) weakestEdge(cycle []Edge) Edge {
	best := cycle[0]
	for _, e := range cycle[1:] {
		a, b := g.nodes[e.To], g.nodes[best.To]
		switch {
		case a.priority != b.priority:
			if a.priority < b.priority {
				best = e
			}
		case a.order != b.order:
			if a.order < b.order {
				best = e
			}
		case a.id < b.id:
			best = e
		}
	}
	return best
}

func (g *Graph) sortedSucc(id string) []string {
	out := make([]string, 0, len(g.succ[id]))
	for s := range g.succ[id] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return g.less(out[i], out[j]) })
	return out
}

// less 拓扑排序的平局规则：order 升序，再按声明顺序
func (g *Graph) less(a, b string) bool {
	na, nb := g.nodes[a], g.nodes[b]
	if na.order != nb.order {
		return na.order < nb.order
	}
	return na.index < nb.index
}

// TopologicalOrder 返回满足所有边的执行顺序，平局按 order 升序。
// 若仍残留环（理论上不会发生）则退回声明顺序。
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.pred[id])
	}

	ready := &idHeap{less: g.less}
	for _, id := range g.declared {
		if indegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		out = append(out, id)
		for next := range g.succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(out) != len(g.nodes) {
		return append([]string(nil), g.declared...)
	}
	return out
}

// CriticalPath 返回加权最长路径及其总权重，仅用于报告与优先级参考
func (g *Graph) CriticalPath() ([]string, float64) {
	order := g.TopologicalOrder()
	if len(order) == 0 {
		return nil, 0
	}

	dist := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		best, from := 0.0, ""
		for p := range g.pred[id] {
			if d := dist[p]; d > best || (d == best && from != "" && g.less(p, from)) {
				best, from = d, p
			}
		}
		dist[id] = best + g.nodes[id].weight
		if from != "" {
			prev[id] = from
		}
	}

	end, total := "", -1.0
	for _, id := range order {
		if dist[id] > total {
			end, total = id, dist[id]
		}
	}

	var path []string
	for cur := end; cur != ""; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, total
}

// HasEdge reports whether to depends on from after cycle breaking.
func (g *Graph) HasEdge(from, to string) bool {
	_, ok := g.succ[from][to]
	return ok
}

// Edges 返回当前全部边（按 From、To 排序）
func (g *Graph) Edges() []Edge {
	var out []Edge
	for from, tos := range g.succ {
		for to := range tos {
			out = append(out, Edge{From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// RemovedEdges 断环时移除的边
func (g *Graph) RemovedEdges() []Edge { return g.removed }

// Warnings 构建过程中的告警
func (g *Graph) Warnings() []string { return g.warnings }

// Acyclic reports whether the graph currently has no cycle.
func (g *Graph) Acyclic() bool { return g.findCycle() == nil }

// Len 节点数
func (g *Graph) Len() int { return len(g.nodes) }

type idHeap struct {
	ids  []string
	less func(a, b string) bool
}

func (h *idHeap) Len() int           { return len(h.ids) }
func (h *idHeap) Less(i, j int) bool { return h.less(h.ids[i], h.ids[j]) }
func (h *idHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *idHeap) Push(x any)         { h.ids = append(h.ids, x.(string)) }
func (h *idHeap) Pop() any {
	old := h.ids
	n := len(old)
	x := old[n-1]
	h.ids = old[:n-1]
	return x
}
