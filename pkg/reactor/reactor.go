// Package reactor implements the daemon's single cooperative event loop:
// the ReactorHandle and TimerManager/TimerHandle collaborators spec.md §6
// describes. Every SD component callback — inbound datagram, timer fire,
// scheduler tick — runs serially on the loop goroutine, so SD state never
// needs an internal lock. Goroutines that touch raw sockets hand work back
// to the loop via Submit instead of mutating state themselves.
package reactor

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MissedPolicy controls what happens when a periodic timer's callback is
// still being scheduled after more than one period has elapsed (the loop
// was busy, or the process was stopped in a debugger). spec.md §5 mandates
// discard: late fires collapse into a single one.
type MissedPolicy uint8

const (
	// MissedDiscard collapses any backlog of missed periods into one fire.
	MissedDiscard MissedPolicy = iota
)

// softwareEvent is a callback submitted from off-loop to run on the loop.
type softwareEvent func()

// Reactor is the daemon's single event loop. Callers obtain one with New,
// register timers and datagram sources, then call Run on whatever
// goroutine should host the loop (normally main).
type Reactor struct {
	events chan softwareEvent

	mu      sync.Mutex // guards only the timer heap and id counter, touched from Submit callers arming timers off-loop
	timers  timerHeap
	nextID  uint64
	wakeNow chan struct{}
}

// New constructs an idle Reactor. Call Run to start processing.
func New() *Reactor {
	return &Reactor{
		events:  make(chan softwareEvent, 256),
		wakeNow: make(chan struct{}, 1),
	}
}

// Submit hands cb to the loop for serialized execution. Safe to call from
// any goroutine, including the loop itself. This is the ReactorHandle
// collaborator's submit_software_event.
func (r *Reactor) Submit(cb func()) {
	r.events <- cb
}

// Run drives the loop until ctx is cancelled. It is the only place timer
// callbacks and submitted events actually execute.
func (r *Reactor) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.rearm(timer)
		select {
		case <-ctx.Done():
			return
		case cb := <-r.events:
			cb()
		case <-timer.C:
			r.fireDue()
		case <-r.wakeNow:
			// a timer was just armed with an earlier deadline than any
			// currently pending one; loop around to reset `timer`.
		}
	}
}

func (r *Reactor) rearm(timer *time.Timer) {
	r.mu.Lock()
	var next time.Time
	if len(r.timers) > 0 {
		next = r.timers[0].deadline
	}
	r.mu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if next.IsZero() {
		timer.Reset(time.Hour)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (r *Reactor) fireDue() {
	now := time.Now()
	var due []*timerEntry
	r.mu.Lock()
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		e := heap.Pop(&r.timers).(*timerEntry)
		if e.stopped {
			continue
		}
		due = append(due, e)
	}
	r.mu.Unlock()

	for _, e := range due {
		e.callback()
		if e.period > 0 && !e.stopped {
			// MissedDiscard: always rebase on now, never on the backlog of
			// elapsed periods.
			e.deadline = time.Now().Add(e.period)
			r.mu.Lock()
			heap.Push(&r.timers, e)
			r.mu.Unlock()
		}
	}
}

// TimerHandle controls one timer created by CreateTimer. Start/Stop are
// safe to call from any goroutine.
type TimerHandle struct {
	r     *Reactor
	entry *timerEntry
}

// Start arms the timer for a single fire at deadline, or — when period is
// non-zero — for periodic fires every period starting at deadline.
func (h *TimerHandle) Start(deadline time.Time, period time.Duration) {
	h.r.mu.Lock()
	h.entry.deadline = deadline
	h.entry.period = period
	h.entry.stopped = false
	if i := h.entry.index; i >= 0 && i < len(h.r.timers) && h.r.timers[i] == h.entry {
		heap.Fix(&h.r.timers, i) // already queued: move it, never queue it twice
	} else {
		heap.Push(&h.r.timers, h.entry)
	}
	h.r.mu.Unlock()
	h.r.wake()
}

// Stop cancels the timer. A stop racing with an already-fired callback is
// harmless: the entry is marked stopped and skipped if still in the heap,
// or simply not re-armed if it already fired this tick.
func (h *TimerHandle) Stop() {
	h.r.mu.Lock()
	h.entry.stopped = true
	h.r.mu.Unlock()
}

func (r *Reactor) wake() {
	select {
	case r.wakeNow <- struct{}{}:
	default:
	}
}

// CreateTimer registers a new cancellable timer. missed controls backlog
// behavior for periodic timers; only MissedDiscard is implemented, matching
// spec.md §5's mandated policy.
func (r *Reactor) CreateTimer(callback func(), missed MissedPolicy) *TimerHandle {
	r.mu.Lock()
	r.nextID++
	entry := &timerEntry{id: r.nextID, callback: callback, stopped: true}
	r.mu.Unlock()
	return &TimerHandle{r: r, entry: entry}
}

type timerEntry struct {
	id       uint64
	deadline time.Time
	period   time.Duration
	callback func()
	stopped  bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
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
	*h = old[:n-1]
	return e
}
