package scheduler

import (
	"container/heap"

	"github.com/kination/dagrun/internal/graph"
)

type queued struct {
	id       string
	priority int
	index    int
	seq      uint64
}

// readyQueue orders dispatchable tasks according to the policy.
type readyQueue struct {
	policy Policy
	items  []queued
	seq    uint64
}

func newReadyQueue(policy Policy) *readyQueue {
	return &readyQueue{policy: policy}
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.policy == PolicyPriority {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.index < b.index
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(queued)) }

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}

func (q *readyQueue) push(n *graph.Node) {
	q.seq++
	heap.Push(q, queued{id: n.ID, priority: n.Options.Priority, index: n.Index(), seq: q.seq})
}

func (q *readyQueue) pop() string {
	return heap.Pop(q).(queued).id
}

// drain empties the queue, returning ids in dispatch order.
func (q *readyQueue) drain() []string {
	ids := make([]string, 0, q.Len())
	for q.Len() > 0 {
		ids = append(ids, q.pop())
	}
	return ids
}
