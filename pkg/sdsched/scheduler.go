// Package sdsched implements the Send Scheduler (spec.md §4.3, component
// C): it decouples "send entry X to destination D within [min,max]" from
// actual UDP egress, coalescing same-destination entries due at the same
// tick into MTU-bounded datagrams and running post-send actions exactly
// once per sent entry, in enqueue order.
package sdsched

import (
	"container/heap"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/types"
	"github.com/cuemby/someipd/pkg/wire"
)

// Destination is where a scheduled entry should be sent.
type Destination struct {
	Cast types.CastKind
	Peer types.IPEndpoint // zero value for CastMulticast
}

func (d Destination) key() string {
	if d.Cast == types.CastMulticast {
		return "multicast"
	}
	return d.Peer.String()
}

// Sender transmits a fully built SD message. Implemented by sdnet.Endpoint.
type Sender interface {
	SendUnicast(dest types.IPEndpoint, msg *types.SDMessage) error
	SendMulticast(msg *types.SDMessage) error
}

// SessionProvider supplies the outbound session_id/reboot_flag to stamp
// on a message about to be sent from this scheduler's endpoint.
type SessionProvider interface {
	NextOutbound(cast types.CastKind) (sessionID uint16, reboot bool)
}

type oneShot struct {
	entryID  string
	dest     Destination
	entry    types.Entry
	post     []func()
	seq      uint64
	deadline time.Time
	index    int
}

type oneShotHeap []*oneShot

func (h oneShotHeap) Len() int { return len(h) }
func (h oneShotHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h oneShotHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *oneShotHeap) Push(x any) {
	e := x.(*oneShot)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *oneShotHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type cyclicTimer struct {
	handle  *reactor.TimerHandle
	period  time.Duration
	entryFn func() types.Entry
	dest    Destination
}

type repetitionTimer struct {
	handle       *reactor.TimerHandle
	baseDelay    time.Duration
	attemptsLeft int
	currentDelay time.Duration
	entryFn      func() types.Entry
	dest         Destination
	onExhausted  func()
}

// Scheduler is the Send Scheduler for one SD Endpoint.
type Scheduler struct {
	reactor *reactor.Reactor
	sender  Sender
	session SessionProvider
	maxSize int
	log     zerolog.Logger

	pending  map[string]*oneShot // keyed by entryID+dest.key(), for coalescing-within-window
	heap     oneShotHeap
	seq      uint64
	dispatch *reactor.TimerHandle

	cyclic      map[string]*cyclicTimer
	repetitions map[string]*repetitionTimer
}

// New constructs a Scheduler. maxSize bounds a single coalesced datagram
// (spec.md §6 kMaxSdMessageSize); pass 0 for the IPv4 default.
func New(r *reactor.Reactor, sender Sender, session SessionProvider, maxSize int, log zerolog.Logger) *Scheduler {
	if maxSize <= 0 {
		maxSize = 1400
	}
	s := &Scheduler{
		reactor:     r,
		sender:      sender,
		session:     session,
		maxSize:     maxSize,
		log:         log,
		pending:     make(map[string]*oneShot),
		cyclic:      make(map[string]*cyclicTimer),
		repetitions: make(map[string]*repetitionTimer),
	}
	s.dispatch = r.CreateTimer(s.tick, reactor.MissedDiscard)
	return s
}

// PendingCount reports the number of one-shot entries currently waiting
// for their send window to elapse. Polled by pkg/metrics for the
// scheduler-backlog gauge.
func (s *Scheduler) PendingCount() int {
	return len(s.heap)
}

// Schedule requests entry be sent to dest within [minDelay, maxDelay] of
// now, running postAction exactly once after the datagram carrying it is
// transmitted. Repeated scheduling of the same (entryID, dest) within the
// still-pending window merges: the earliest deadline wins and post
// actions concatenate (spec.md §4.3).
func (s *Scheduler) Schedule(entryID string, entry types.Entry, dest Destination, minDelay, maxDelay time.Duration, postAction func()) {
	delay := minDelay
	if maxDelay > minDelay {
		delay = minDelay + time.Duration(rand.Int64N(int64(maxDelay-minDelay)+1))
	}
	deadline := time.Now().Add(delay)

	key := entryID + "|" + dest.key()
	if existing, ok := s.pending[key]; ok {
		if deadline.Before(existing.deadline) {
			existing.deadline = deadline
			heap.Fix(&s.heap, existing.index)
		}
		existing.entry = entry
		if postAction != nil {
			existing.post = append(existing.post, postAction)
		}
		s.rearm()
		return
	}

	s.seq++
	os := &oneShot{entryID: entryID, dest: dest, entry: entry, deadline: deadline, seq: s.seq}
	if postAction != nil {
		os.post = append(os.post, postAction)
	}
	s.pending[key] = os
	heap.Push(&s.heap, os)
	s.rearm()
}

// ScheduleCyclic arms a timer that re-emits entryFn()'s result to dest
// every period, starting after the first period elapses.
func (s *Scheduler) ScheduleCyclic(id string, period time.Duration, dest Destination, entryFn func() types.Entry) {
	s.cancelCyclic(id)
	ct := &cyclicTimer{period: period, entryFn: entryFn, dest: dest}
	ct.handle = s.reactor.CreateTimer(func() { s.onCyclicFire(id) }, reactor.MissedDiscard)
	ct.handle.Start(time.Now().Add(period), period)
	s.cyclic[id] = ct
}

func (s *Scheduler) onCyclicFire(id string) {
	ct, ok := s.cyclic[id]
	if !ok {
		return
	}
	s.Schedule(id, ct.entryFn(), ct.dest, 0, 0, nil)
}

// ScheduleRepetition arms a geometric-backoff repetition timer: entryFn()
// fires once baseDelay from now, then maxAttempts more times with the gap
// doubling each time (2*baseDelay, 4*baseDelay, ...), maxAttempts+1 fires
// in all (spec.md §4.3, "bounded by initial_repetitions_max"). onExhausted,
// if non-nil, runs once after the last fire so the caller's state machine
// can advance to its next phase (spec.md §4.5/§4.6 "Repetition(0) -->
// Main, silent").
func (s *Scheduler) ScheduleRepetition(id string, baseDelay time.Duration, maxAttempts int, dest Destination, entryFn func() types.Entry, onExhausted func()) {
	s.cancelRepetition(id)
	rt := &repetitionTimer{baseDelay: baseDelay, attemptsLeft: maxAttempts, currentDelay: baseDelay, entryFn: entryFn, dest: dest, onExhausted: onExhausted}
	rt.handle = s.reactor.CreateTimer(func() { s.onRepetitionFire(id) }, reactor.MissedDiscard)
	rt.handle.Start(time.Now().Add(baseDelay), 0)
	s.repetitions[id] = rt
}

func (s *Scheduler) onRepetitionFire(id string) {
	rt, ok := s.repetitions[id]
	if !ok {
		return
	}
	s.Schedule(id, rt.entryFn(), rt.dest, 0, 0, nil)
	if rt.attemptsLeft > 0 {
		rt.attemptsLeft--
		rt.currentDelay *= 2
		rt.handle.Start(time.Now().Add(rt.currentDelay), 0)
	} else {
		delete(s.repetitions, id)
		if rt.onExhausted != nil {
			rt.onExhausted()
		}
	}
}

// Unschedule removes all pending one-shots and any cyclic/repetition
// timer matching entryID.
func (s *Scheduler) Unschedule(entryID string) {
	for key, os := range s.pending {
		if os.entryID == entryID {
			s.removeOneShot(key, os)
		}
	}
	s.cancelCyclic(entryID)
	s.cancelRepetition(entryID)
}

func (s *Scheduler) cancelCyclic(id string) {
	if ct, ok := s.cyclic[id]; ok {
		ct.handle.Stop()
		delete(s.cyclic, id)
	}
}

func (s *Scheduler) cancelRepetition(id string) {
	if rt, ok := s.repetitions[id]; ok {
		rt.handle.Stop()
		delete(s.repetitions, id)
	}
}

func (s *Scheduler) removeOneShot(key string, os *oneShot) {
	delete(s.pending, key)
	if os.index >= 0 && os.index < len(s.heap) && s.heap[os.index] == os {
		heap.Remove(&s.heap, os.index)
	}
}

func (s *Scheduler) rearm() {
	if len(s.heap) == 0 {
		s.dispatch.Stop()
		return
	}
	s.dispatch.Start(s.heap[0].deadline, 0)
}

// tick runs on the reactor loop when the earliest pending one-shot comes
// due. It gathers every due entry, groups by destination preserving
// enqueue order, and emits one (or more, if MTU-bound) datagram(s) per
// group before running post-actions in enqueue order.
func (s *Scheduler) tick() {
	now := time.Now()
	var due []*oneShot
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		os := heap.Pop(&s.heap).(*oneShot)
		delete(s.pending, os.entryID+"|"+os.dest.key())
		due = append(due, os)
	}
	if len(due) == 0 {
		s.rearm()
		return
	}

	groups := map[string][]*oneShot{}
	var order []string
	for _, os := range due {
		k := os.dest.key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], os)
	}

	for _, k := range order {
		entries := groups[k]
		s.emitGroup(entries[0].dest, entries)
	}

	s.rearm()
}

func (s *Scheduler) emitGroup(dest Destination, entries []*oneShot) {
	sessionID, reboot := s.session.NextOutbound(dest.Cast)

	batches := s.coalesce(entries)
	for _, batch := range batches {
		wireEntries := make([]types.Entry, len(batch))
		for i, os := range batch {
			wireEntries[i] = os.entry
		}
		msg := &types.SDMessage{
			RebootFlag:  reboot,
			UnicastFlag: dest.Cast == types.CastUnicast,
			SessionID:   sessionID,
			Entries:     wireEntries,
		}
		var err error
		if dest.Cast == types.CastMulticast {
			err = s.sender.SendMulticast(msg)
		} else {
			err = s.sender.SendUnicast(dest.Peer, msg)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("dest", dest.key()).Msg("sd send failed")
		}
	}

	for _, os := range entries {
		for _, post := range os.post {
			post()
		}
	}
}

// coalesce splits entries into MTU-bounded batches, each still sharing
// one session_id — multiple datagrams from a single coalesce only ever
// happen when the batch itself overflows the configured maximum.
func (s *Scheduler) coalesce(entries []*oneShot) [][]*oneShot {
	var batches [][]*oneShot
	var current []*oneShot
	size := wireBaseOverhead

	for _, os := range entries {
		entrySize, err := wire.EncodedLen(&types.SDMessage{Entries: []types.Entry{os.entry}})
		if err != nil {
			continue
		}
		entrySize -= wireBaseOverhead
		if len(current) > 0 && size+entrySize > s.maxSize {
			batches = append(batches, current)
			current = nil
			size = wireBaseOverhead
		}
		current = append(current, os)
		size += entrySize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// wireBaseOverhead is the fixed header+flags+length-prefix cost every SD
// message carries regardless of entry count (16 header + 4 flags/reserved
// + 4 entries-length + 4 options-length).
const wireBaseOverhead = 16 + 4 + 4 + 4
