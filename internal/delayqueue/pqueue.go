package delayqueue

import (
	"container/heap"

	"github.com/unidata/sruth/internal/archivepath"
)

// entryQueue is a min-heap of scheduled entries ordered by At, keyed
// additionally by Path. The teacher's pkg/utils/heap.PriorityQueue
// (generic over any T, with no notion of a key) is the container/heap
// boilerplate this is adapted from; what it lacks, and what the
// DelayedActionQueue actually needs, is path-keyed rescheduling: if a
// file is removed and a fresh copy saved before its pending deletion
// fires, ActUponEventually must move that one entry to the new time
// rather than leave a stale duplicate racing it to fire first. index
// tracks each path's current slot so enqueue can heap.Fix in place
// instead of heap.Push-ing a second entry for the same path.
type entryQueue struct {
	items []*entry
	index map[archivepath.Path]int
}

func newEntryQueue() *entryQueue {
	q := &entryQueue{index: make(map[archivepath.Path]int)}
	heap.Init(q)
	return q
}

func (q *entryQueue) Len() int { return len(q.items) }

func (q *entryQueue) Less(i, j int) bool {
	return q.items[i].At.Less(q.items[j].At)
}

func (q *entryQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].Path] = i
	q.index[q.items[j].Path] = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*entry)
	q.index[e.Path] = len(q.items)
	q.items = append(q.items, e)
}

func (q *entryQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	delete(q.index, e.Path)
	q.items = old[:n-1]
	return e
}

// enqueue schedules e's path to fire at e.At. If that path already
// has a pending entry, its fire time is replaced rather than adding a
// second, competing entry for the same path.
func (q *entryQueue) enqueue(e entry) {
	if i, ok := q.index[e.Path]; ok {
		q.items[i].At = e.At
		heap.Fix(q, i)
		return
	}
	heap.Push(q, &e)
}

func (q *entryQueue) dequeue() (entry, bool) {
	if q.Len() == 0 {
		return entry{}, false
	}
	e := heap.Pop(q).(*entry)
	return *e, true
}

func (q *entryQueue) peek() (entry, bool) {
	if q.Len() == 0 {
		return entry{}, false
	}
	return *q.items[0], true
}

// values returns every queued entry in no particular order, used to
// rewrite the persisted queue file.
func (q *entryQueue) values() []entry {
	out := make([]entry, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, *e)
	}
	return out
}
