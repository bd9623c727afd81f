package core

import (
	"container/heap"
	"time"
)

// entry is one pending (job, due time) pair in the ready queue.
type entry struct {
	jobID    string
	due      time.Time
	priority Priority
	seq      uint64 // insertion order, final tie-break
	index    int    // heap index
	removed  bool   // tombstone: discarded when popped
}

// readyQueue orders pending entries by (due asc, priority desc, insertion
// order asc). Cancellation marks entries as tombstones through a side index
// instead of re-heapifying; tombstones are dropped when they surface.
//
// Invariant: at most one live entry per job id.
type readyQueue struct {
	h     entryHeap
	byJob map[string]*entry
	seq   uint64
	live  int
}

func newReadyQueue() *readyQueue {
	return &readyQueue{byJob: make(map[string]*entry)}
}

// push inserts an entry for the job. An existing live entry for the same job
// is tombstoned first, preserving the at-most-once invariant.
func (q *readyQueue) push(jobID string, due time.Time, prio Priority) {
	q.remove(jobID)
	q.seq++
	e := &entry{jobID: jobID, due: due, priority: prio, seq: q.seq}
	q.byJob[jobID] = e
	heap.Push(&q.h, e)
	q.live++
}

// peek returns the earliest live entry without removing it, discarding any
// tombstones on the way. Returns nil when the queue is empty.
func (q *readyQueue) peek() *entry {
	for q.h.Len() > 0 {
		e := q.h[0]
		if !e.removed {
			return e
		}
		heap.Pop(&q.h)
	}
	return nil
}

// pop removes and returns the earliest live entry, or nil.
func (q *readyQueue) pop() *entry {
	for q.h.Len() > 0 {
		e := heap.Pop(&q.h).(*entry)
		if e.removed {
			continue
		}
		delete(q.byJob, e.jobID)
		q.live--
		return e
	}
	return nil
}

// remove tombstones the job's live entry, if any.
func (q *readyQueue) remove(jobID string) bool {
	e, ok := q.byJob[jobID]
	if !ok {
		return false
	}
	e.removed = true
	delete(q.byJob, jobID)
	q.live--
	return true
}

// restore re-inserts a popped entry unchanged, keeping its due time and
// insertion-order tie-break. Used when the executor bounces a dispatch.
func (q *readyQueue) restore(e *entry) {
	q.remove(e.jobID)
	e.removed = false
	q.byJob[e.jobID] = e
	heap.Push(&q.h, e)
	q.live++
}

func (q *readyQueue) len() int { return q.live }

// nextDue returns the due time of the job's live entry.
func (q *readyQueue) nextDue(jobID string) (time.Time, bool) {
	e, ok := q.byJob[jobID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// entryHeap implements container/heap over entries.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
