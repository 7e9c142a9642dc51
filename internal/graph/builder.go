package graph

import (
	"sort"
)

// Builder assembles a Graph. Every mutation is validated immediately, so an
// invalid definition never reaches a run.
type Builder struct {
	g     *Graph
	built bool
}

// NewBuilder returns an empty builder for a graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{g: &Graph{
		name:       name,
		byID:       make(map[string]*Node),
		upstream:   make(map[string][]string),
		downstream: make(map[string][]string),
	}}
}

// AddTask registers a node. It fails with ErrDuplicateID if the id is taken.
func (b *Builder) AddTask(n *Node) error {
	if b.built {
		return newError(ErrInvalidTask, "graph %q is already built", b.g.name)
	}
	if n == nil || n.ID == "" {
		return newError(ErrInvalidTask, "task id must not be empty")
	}
	if n.Work == nil {
		return newError(ErrInvalidTask, "task %q has no work", n.ID)
	}
	if _, ok := b.g.byID[n.ID]; ok {
		return newError(ErrDuplicateID, "%q", n.ID)
	}
	n.index = len(b.g.nodes)
	b.g.nodes = append(b.g.nodes, n)
	b.g.byID[n.ID] = n
	return nil
}

// Has reports whether a task id is registered.
func (b *Builder) Has(id string) bool {
	_, ok := b.g.byID[id]
	return ok
}

// AddEdge declares that upstream must succeed before downstream starts.
// Adding an existing edge is a no-op. The builder is left unchanged on error.
func (b *Builder) AddEdge(upstream, downstream string) error {
	if err := b.checkEdge(upstream, downstream); err != nil {
		return err
	}
	b.link(upstream, downstream)
	return nil
}

// AddEdges adds the cross product of ups and downs, as in "[a, b] >> [c, d]".
// Either all edges are added or none.
func (b *Builder) AddEdges(ups, downs []string) error {
	var added [][2]string
	for _, u := range ups {
		for _, d := range downs {
			if b.hasEdge(u, d) {
				continue
			}
			if err := b.checkEdge(u, d); err != nil {
				for i := len(added) - 1; i >= 0; i-- {
					b.unlink(added[i][0], added[i][1])
				}
				return err
			}
			b.link(u, d)
			added = append(added, [2]string{u, d})
		}
	}
	return nil
}

// Build returns the finished graph. The builder must not be used afterwards.
func (b *Builder) Build() (*Graph, error) {
	if b.built {
		return nil, newError(ErrInvalidTask, "builder for %q already built", b.g.name)
	}
	if len(b.g.TopologicalOrder()) != len(b.g.nodes) {
		return nil, newError(ErrCycleDetected, "graph %q", b.g.name)
	}
	b.built = true
	return b.g, nil
}

func (b *Builder) checkEdge(upstream, downstream string) error {
	if b.built {
		return newError(ErrInvalidTask, "graph %q is already built", b.g.name)
	}
	if _, ok := b.g.byID[upstream]; !ok {
		return newError(ErrUnknownTask, "%q (edge %s -> %s)", upstream, upstream, downstream)
	}
	if _, ok := b.g.byID[downstream]; !ok {
		return newError(ErrUnknownTask, "%q (edge %s -> %s)", downstream, upstream, downstream)
	}
	if upstream == downstream {
		return newError(ErrCycleDetected, "self edge on %q", upstream)
	}
	if b.hasEdge(upstream, downstream) {
		return nil
	}
	if path := b.path(downstream, upstream); path != nil {
		path = append(path, downstream)
		return newError(ErrCycleDetected, "%s -> %s would close %v", upstream, downstream, path)
	}
	return nil
}

func (b *Builder) hasEdge(upstream, downstream string) bool {
	for _, d := range b.g.downstream[upstream] {
		if d == downstream {
			return true
		}
	}
	return false
}

// path returns a downstream path from -> to, or nil when to is unreachable.
func (b *Builder) path(from, to string) []string {
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var p []string
			for n := to; n != ""; n = parent[n] {
				p = append([]string{n}, p...)
			}
			return p
		}
		for _, d := range b.g.downstream[cur] {
			if _, seen := parent[d]; !seen {
				parent[d] = cur
				queue = append(queue, d)
			}
		}
	}
	return nil
}

func (b *Builder) link(upstream, downstream string) {
	b.g.downstream[upstream] = b.insertSorted(b.g.downstream[upstream], downstream)
	b.g.upstream[downstream] = b.insertSorted(b.g.upstream[downstream], upstream)
}

func (b *Builder) unlink(upstream, downstream string) {
	b.g.downstream[upstream] = remove(b.g.downstream[upstream], downstream)
	b.g.upstream[downstream] = remove(b.g.upstream[downstream], upstream)
}

// insertSorted keeps adjacency lists in node insertion order.
func (b *Builder) insertSorted(ids []string, id string) []string {
	idx := b.g.byID[id].index
	i := sort.Search(len(ids), func(i int) bool { return b.g.byID[ids[i]].index >= idx })
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
