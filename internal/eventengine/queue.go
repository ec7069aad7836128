package eventengine

import "github.com/systemsim/live-components/internal/model"

// priorityQueue implements heap.Interface over pending events: higher
// EventPriority pops first, ties broken by insertion order (Seq),
// mirroring the corpus's ProcessingHeap pattern for a tick-ordered
// min-heap.
type priorityQueue []*model.Event

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) {
	*q = append(*q, x.(*model.Event))
}

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// lowestPriorityIndex returns the index of the oldest lowest-priority
// event in the queue, used by overflow handling (spec.md §8 "event queue
// full at capacity drops exactly the oldest low-priority event").
func (q priorityQueue) lowestPriorityIndex() int {
	best := -1
	for i, evt := range q {
		if evt == nil {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := q[best]
		if evt.Priority < b.Priority || (evt.Priority == b.Priority && evt.Seq < b.Seq) {
			best = i
		}
	}
	return best
}
