// Package scheduler implements the single-threaded cooperative execution
// model of spec.md §5: one dispatcher goroutine drains a queue of ready
// tasks; delayed tasks are driven by a container/heap timer wheel; a
// per-friend transmit-ready queue lets the transport collaborator signal
// "ready to send" without the core ever blocking on I/O.
//
// No reusable single-threaded cooperative scheduler exists among the
// retrieved example repos (the closest candidates, golang.org/x/sync's
// errgroup and singleflight, solve concurrent fan-out and call
// deduplication, not exclusive-between-suspension-points execution), so
// this is built directly against the standard library's time.Timer and
// container/heap — see DESIGN.md for the full justification.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Task is a unit of work run to completion with no other task observing
// partial state, matching spec.md §5's "between suspension points state is
// exclusively mutated by the executing task".
type Task func()

// Handle cancels a previously scheduled task. Cancellation is synchronous:
// once Cancel returns, the task will not run (spec.md §5 "Cancellation").
type Handle struct {
	cancel func() bool
}

// Cancel cancels the task, reporting whether it had not yet run.
func (h Handle) Cancel() bool {
	if h.cancel == nil {
		return false
	}
	return h.cancel()
}

type timerEntry struct {
	at    time.Time
	task  Task
	index int
	fired bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the single-threaded cooperative dispatcher. Create one with
// New and call Run in its own goroutine; every Task submitted via
// AddNow/AddDelayed/AddTransmitReady executes on that same goroutine, never
// concurrently with another task (spec.md §5).
type Scheduler struct {
	mu     sync.Mutex
	timers timerHeap
	ready  chan Task
	timer  *time.Timer
	wake   chan struct{}

	friendQueues map[string][]*transmitEntry

	closed bool
	done   chan struct{}
}

// New constructs a Scheduler. Call Run to start its dispatch loop.
func New() *Scheduler {
	return &Scheduler{
		ready:        make(chan Task, 256),
		wake:         make(chan struct{}, 1),
		friendQueues: make(map[string][]*transmitEntry),
		done:         make(chan struct{}),
	}
}

// AddNow enqueues task to run as soon as the dispatcher is free. Multiple
// simultaneously-ready tasks run in submission order (spec.md §5
// "Ordering": "implementation-defined but deterministic").
func (s *Scheduler) AddNow(task Task) {
	s.ready <- task
}

// AddDelayed schedules task to run after d elapses. Returns a Handle that
// can cancel it before it fires.
func (s *Scheduler) AddDelayed(d time.Duration, task Task) Handle {
	return s.addAt(time.Now().Add(d), task)
}

func (s *Scheduler) addAt(at time.Time, task Task) Handle {
	e := &timerEntry{at: at, task: task}

	s.mu.Lock()
	heap.Push(&s.timers, e)
	s.mu.Unlock()
	s.nudge()

	return Handle{cancel: func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.fired || e.index < 0 {
			return false
		}
		heap.Remove(&s.timers, e.index)
		e.fired = true // mark as consumed so a racing Cancel is a no-op
		return true
	}}
}

// AddTransmitReady enqueues task on the named friend's FIFO transmit-ready
// queue: tasks for the same friend run in submission order, but there is
// no ordering guarantee across different friends (spec.md §5 "Ordering").
// friendKey is typically the friend's identifier.ID hex string.
func (s *Scheduler) AddTransmitReady(friendKey string, task Task) Handle {
	entry := &transmitEntry{task: task}

	s.mu.Lock()
	s.friendQueues[friendKey] = append(s.friendQueues[friendKey], entry)
	s.mu.Unlock()
	s.nudge()

	return Handle{cancel: func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if entry.cancelled {
			return false
		}
		entry.cancelled = true
		return true
	}}
}

type transmitEntry struct {
	task      Task
	cancelled bool
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the ready queue and fires expired timers until ctx is
// cancelled. It is meant to run in its own goroutine for the lifetime of
// the node.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var nextTimer *time.Timer
		var timerC <-chan time.Time
		if len(s.timers) > 0 {
			d := time.Until(s.timers[0].at)
			if d < 0 {
				d = 0
			}
			nextTimer = time.NewTimer(d)
			timerC = nextTimer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if nextTimer != nil {
				nextTimer.Stop()
			}
			close(s.done)
			return
		case task := <-s.ready:
			if nextTimer != nil {
				nextTimer.Stop()
			}
			task()
		case <-s.wake:
			if nextTimer != nil {
				nextTimer.Stop()
			}
			s.drainTransmitReady()
		case <-timerC:
			s.fireExpiredTimers()
		}
	}
}

func (s *Scheduler) fireExpiredTimers() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.timers).(*timerEntry)
		e.fired = true
		s.mu.Unlock()
		e.task()
	}
}

func (s *Scheduler) drainTransmitReady() {
	for {
		s.mu.Lock()
		var task Task
		for key, q := range s.friendQueues {
			if len(q) == 0 {
				continue
			}
			entry := q[0]
			s.friendQueues[key] = q[1:]
			if !entry.cancelled {
				task = entry.task
				entry.cancelled = true // consumed: a later Cancel reports false
			}
			break
		}
		s.mu.Unlock()
		if task == nil {
			// Either nothing left, or the popped entry was cancelled;
			// either way, loop to check for more or exit cleanly.
			s.mu.Lock()
			empty := true
			for _, q := range s.friendQueues {
				if len(q) > 0 {
					empty = false
					break
				}
			}
			s.mu.Unlock()
			if empty {
				return
			}
			continue
		}
		task()
	}
}

// Done returns a channel closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
