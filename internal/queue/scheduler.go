package queue

import (
	"container/heap"
	"time"
)

type deadline struct {
	at time.Time
	id string
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].id < h[j].id
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)   { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// scheduler holds retry deadlines. Entries are not removed when an action changes;
// stale ones are discarded when they reach the top. Not safe for concurrent use.
type scheduler struct {
	h deadlineHeap
}

func (s *scheduler) push(id string, at time.Time) {
	heap.Push(&s.h, deadline{at: at, id: id})
}

// next returns the earliest deadline still valid according to current, which reports the
// live deadline of an action and whether it is still pending.
func (s *scheduler) next(current func(id string) (time.Time, bool)) (time.Time, bool) {
	for s.h.Len() > 0 {
		top := s.h[0]
		if at, ok := current(top.id); ok && at.Equal(top.at) {
			return top.at, true
		}
		heap.Pop(&s.h)
	}
	return time.Time{}, false
}

// popDue removes every deadline at or before now.
func (s *scheduler) popDue(now time.Time) []string {
	var ids []string
	for s.h.Len() > 0 && !s.h[0].at.After(now) {
		ids = append(ids, heap.Pop(&s.h).(deadline).id)
	}
	return ids
}

func (s *scheduler) len() int { return s.h.Len() }
