package sdsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/types"
)

type recordedSend struct {
	dest Destination
	msg  *types.SDMessage
}

type fakeSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (f *fakeSender) SendUnicast(dest types.IPEndpoint, msg *types.SDMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, recordedSend{dest: Destination{Cast: types.CastUnicast, Peer: dest}, msg: msg})
	return nil
}

func (f *fakeSender) SendMulticast(msg *types.SDMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, recordedSend{dest: Destination{Cast: types.CastMulticast}, msg: msg})
	return nil
}

func (f *fakeSender) snapshot() []recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSend(nil), f.sends...)
}

type fakeSessions struct {
	mu  sync.Mutex
	ids map[types.CastKind]uint16
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{ids: make(map[types.CastKind]uint16)}
}

func (f *fakeSessions) NextOutbound(cast types.CastKind) (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[cast]++
	return f.ids[cast], false
}

func runLoop(t *testing.T, r *reactor.Reactor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return cancel
}

var instanceA = types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: 0x0001, MajorVersion: 1}

func offerEntry() types.Entry {
	return types.Entry{Kind: types.EntryOfferService, ID: instanceA, TTL: 3}
}

func newScheduler(sender *fakeSender, sessions *fakeSessions) (*Scheduler, *reactor.Reactor) {
	r := reactor.New()
	return New(r, sender, sessions, 0, zerolog.Nop()), r
}

func TestScheduleEmitsAfterWindowElapses(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	done := make(chan struct{})
	sched.Schedule("offer:"+instanceA.String(), offerEntry(),
		Destination{Cast: types.CastMulticast}, 10*time.Millisecond, 10*time.Millisecond,
		func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("post-action never ran")
	}

	sends := sender.snapshot()
	require.Len(t, sends, 1)
	assert.Equal(t, types.CastMulticast, sends[0].dest.Cast)
	assert.Len(t, sends[0].msg.Entries, 1)
}

func TestRescheduleWithinWindowCoalesces(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	var fired int32
	var mu sync.Mutex
	post := func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	id := "offer:" + instanceA.String()
	dest := Destination{Cast: types.CastMulticast}
	sched.Schedule(id, offerEntry(), dest, 50*time.Millisecond, 50*time.Millisecond, post)
	time.Sleep(5 * time.Millisecond)
	sched.Schedule(id, offerEntry(), dest, 50*time.Millisecond, 50*time.Millisecond, post)

	time.Sleep(150 * time.Millisecond)

	sends := sender.snapshot()
	require.Len(t, sends, 1, "two schedules of the same entry/dest within the window must coalesce into one send")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(2), fired, "both post-actions still run, once each, after the single send")
}

func TestDifferentDestinationsEmitSeparateDatagrams(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	peerA := types.IPEndpoint{Address: []byte{192, 168, 0, 1}, Port: 30501}
	peerB := types.IPEndpoint{Address: []byte{192, 168, 0, 2}, Port: 30501}

	var wg sync.WaitGroup
	wg.Add(2)
	sched.Schedule("a", offerEntry(), Destination{Cast: types.CastUnicast, Peer: peerA}, 5*time.Millisecond, 5*time.Millisecond, wg.Done)
	sched.Schedule("b", offerEntry(), Destination{Cast: types.CastUnicast, Peer: peerB}, 5*time.Millisecond, 5*time.Millisecond, wg.Done)

	waitOrTimeout(t, &wg)

	sends := sender.snapshot()
	assert.Len(t, sends, 2)
}

func TestUnscheduleCancelsPendingOneShot(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	sched.Schedule("offer:x", offerEntry(), Destination{Cast: types.CastMulticast}, 30*time.Millisecond, 30*time.Millisecond, func() {
		t.Fatal("post-action must not run for an unscheduled entry")
	})
	r.Submit(func() { sched.Unschedule("offer:x") })

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, sender.snapshot())
}

func TestScheduleCyclicRepeats(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	sched.ScheduleCyclic("cyclic:a", 20*time.Millisecond, Destination{Cast: types.CastMulticast}, offerEntry)

	time.Sleep(110 * time.Millisecond)
	r.Submit(func() { sched.cancelCyclic("cyclic:a") })
	time.Sleep(10 * time.Millisecond)

	sends := sender.snapshot()
	assert.GreaterOrEqual(t, len(sends), 3)
}

func TestScheduleRepetitionBacksOffGeometrically(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	start := time.Now()
	var fireTimes []time.Duration
	var mu sync.Mutex

	sched.ScheduleRepetition("rep:a", 15*time.Millisecond, 2, Destination{Cast: types.CastMulticast}, func() types.Entry {
		mu.Lock()
		fireTimes = append(fireTimes, time.Since(start))
		mu.Unlock()
		return offerEntry()
	}, nil)

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(fireTimes), 3, "base + 2 repetitions expected")
	assert.Greater(t, fireTimes[1], fireTimes[0])
	assert.Greater(t, fireTimes[2]-fireTimes[1], fireTimes[1]-fireTimes[0], "each gap should roughly double")
}

func TestScheduleRepetitionRunsOnExhausted(t *testing.T) {
	sender := &fakeSender{}
	sched, r := newScheduler(sender, newFakeSessions())
	cancel := runLoop(t, r)
	defer cancel()

	exhausted := make(chan struct{})
	sched.ScheduleRepetition("rep:b", 10*time.Millisecond, 1, Destination{Cast: types.CastMulticast}, offerEntry, func() {
		close(exhausted)
	})

	select {
	case <-exhausted:
	case <-time.After(time.Second):
		t.Fatal("onExhausted never ran")
	}
}

func TestCoalesceSplitsOversizedBatch(t *testing.T) {
	sched := &Scheduler{maxSize: wireBaseOverhead + 20}

	var entries []*oneShot
	for i := 0; i < 5; i++ {
		entries = append(entries, &oneShot{entry: offerEntry()})
	}

	batches := sched.coalesce(entries)
	assert.Greater(t, len(batches), 1, "entries exceeding maxSize must split into multiple batches")

	var total int
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, len(entries), total, "every entry must appear in exactly one batch")
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-actions")
	}
}
