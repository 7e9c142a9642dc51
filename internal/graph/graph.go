// Package graph holds the task dependency graph of a pipeline.
//
// A Graph is assembled with a Builder and is read-only afterwards, so a single
// Graph can back any number of runs, including concurrent ones.
package graph

import (
	"container/heap"

	"github.com/kination/dagrun/pkg/task"
)

// Node is a single unit of work in the graph.
type Node struct {
	ID      string
	Work    task.Func
	Options task.Options

	index int
}

// Index is the insertion position of the node, used to break ordering ties.
func (n *Node) Index() int { return n.index }

// Graph is an immutable set of nodes and "must complete before" edges.
type Graph struct {
	name  string
	nodes []*Node
	byID  map[string]*Node

	upstream   map[string][]string
	downstream map[string][]string
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Roots returns the nodes without upstream tasks, in insertion order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, n := range g.nodes {
		if len(g.upstream[n.ID]) == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// DependenciesOf returns the immediate upstream ids of a task.
func (g *Graph) DependenciesOf(id string) ([]string, error) {
	if _, ok := g.byID[id]; !ok {
		return nil, newError(ErrUnknownTask, "%q", id)
	}
	return append([]string(nil), g.upstream[id]...), nil
}

// DependentsOf returns the immediate downstream ids of a task.
func (g *Graph) DependentsOf(id string) ([]string, error) {
	if _, ok := g.byID[id]; !ok {
		return nil, newError(ErrUnknownTask, "%q", id)
	}
	return append([]string(nil), g.downstream[id]...), nil
}

// TopologicalOrder returns every task id such that each task comes after all
// of its upstream tasks. Independent tasks keep their insertion order.
func (g *Graph) TopologicalOrder() []string {
	return topoSort(g.nodes, g.byID, g.upstream, g.downstream)
}

// Descendants returns the transitive dependents of id in topological order.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), g.downstream[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.downstream[cur]...)
	}

	var out []string
	for _, tid := range g.TopologicalOrder() {
		if seen[tid] {
			out = append(out, tid)
		}
	}
	return out
}

func topoSort(nodes []*Node, byID map[string]*Node, upstream, downstream map[string][]string) []string {
	indegree := make(map[string]int, len(nodes))
	h := &indexHeap{}
	for _, n := range nodes {
		indegree[n.ID] = len(upstream[n.ID])
		if indegree[n.ID] == 0 {
			heap.Push(h, n)
		}
	}

	order := make([]string, 0, len(nodes))
	for h.Len() > 0 {
		n := heap.Pop(h).(*Node)
		order = append(order, n.ID)
		for _, d := range downstream[n.ID] {
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(h, byID[d])
			}
		}
	}
	return order
}

// indexHeap pops nodes by ascending insertion index.
type indexHeap []*Node

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i].index < h[j].index }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(*Node)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}
