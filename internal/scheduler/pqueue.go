package scheduler

import (
	"container/heap"
	"sort"

	"github.com/reelgate/reelgate/internal/job"
)

// entry is a pending job together with the work it will run once admitted.
type entry struct {
	rec  *job.Record
	work Runnable
}

// pqueue is a max-heap on priority. Equal priorities pop in submission
// order because seq only ever grows.
type pqueue []*entry

func (q pqueue) Len() int { return len(q) }

func (q pqueue) Less(i, j int) bool {
	return before(q[i].rec, q[j].rec)
}

func (q pqueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pqueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (q *pqueue) push(e *entry) { heap.Push(q, e) }

func (q *pqueue) pop() *entry { return heap.Pop(q).(*entry) }

func (q pqueue) empty() bool { return len(q) == 0 }

// ordered returns the pending records in dequeue order without disturbing
// the heap.
func (q pqueue) ordered() []*job.Record {
	out := make([]*job.Record, len(q))
	for i, e := range q {
		out[i] = e.rec
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

func before(a, b *job.Record) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}
