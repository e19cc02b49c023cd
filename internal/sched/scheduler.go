// Package sched runs one-shot callbacks on the loop goroutine, either after
// a delay or on the following tick. Callbacks cannot be cancelled; they must
// check that whatever they refer to still exists when they fire.
package sched

import (
	"container/heap"
	"time"

	"entity-scale/server/logging"
)

type timer struct {
	due time.Time
	seq uint64
	fn  func()
}

type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type deferredCall struct {
	tick uint64
	fn   func()
}

// Scheduler is not safe for concurrent use.
type Scheduler struct {
	clock    logging.Clock
	tick     uint64
	seq      uint64
	timers   timerHeap
	deferred []deferredCall
}

func New(clock logging.Clock) *Scheduler {
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Scheduler{clock: clock}
}

// After runs fn once, on the first Advance at or past now+d.
func (s *Scheduler) After(d time.Duration, fn func()) {
	if fn == nil {
		return
	}
	s.seq++
	heap.Push(&s.timers, timer{due: s.clock.Now().Add(d), seq: s.seq, fn: fn})
}

// NextTick runs fn during the next Advance, never the current one.
func (s *Scheduler) NextTick(fn func()) {
	if fn == nil {
		return
	}
	s.deferred = append(s.deferred, deferredCall{tick: s.tick + 1, fn: fn})
}

// Advance moves to the next tick and runs everything that is due. Callbacks
// scheduled while it runs wait for a later Advance.
func (s *Scheduler) Advance(now time.Time) int {
	s.tick++
	ran := 0

	var later []deferredCall
	due := s.deferred
	s.deferred = nil
	for _, call := range due {
		if call.tick > s.tick {
			later = append(later, call)
			continue
		}
		call.fn()
		ran++
	}
	s.deferred = append(later, s.deferred...)

	var ready []timer
	for s.timers.Len() > 0 && !s.timers[0].due.After(now) {
		ready = append(ready, heap.Pop(&s.timers).(timer))
	}
	for _, t := range ready {
		t.fn()
		ran++
	}
	return ran
}

// Tick reports how many times Advance has run.
func (s *Scheduler) Tick() uint64 { return s.tick }

// Pending reports queued callbacks.
func (s *Scheduler) Pending() int { return len(s.deferred) + s.timers.Len() }

// Clock returns the clock used to compute deadlines.
func (s *Scheduler) Clock() logging.Clock { return s.clock }

// Clear drops every queued callback.
func (s *Scheduler) Clear() {
	s.timers = nil
	s.deferred = nil
}
