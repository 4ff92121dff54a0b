package sdclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/sdsched"
	"github.com/cuemby/someipd/pkg/types"
)

type fakeScheduler struct {
	mu          sync.Mutex
	scheduled   []string
	unscheduled []string
	repFn       map[string]func() types.Entry
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{repFn: make(map[string]func() types.Entry)}
}

func (f *fakeScheduler) Schedule(entryID string, entry types.Entry, dest sdsched.Destination, minDelay, maxDelay time.Duration, postAction func()) {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, entryID)
	f.mu.Unlock()
	if postAction != nil {
		postAction()
	}
}

func (f *fakeScheduler) ScheduleRepetition(entryID string, baseDelay time.Duration, maxAttempts int, dest sdsched.Destination, entryFn func() types.Entry, onExhausted func()) {
	f.mu.Lock()
	f.repFn[entryID] = entryFn
	f.mu.Unlock()
	if onExhausted != nil {
		onExhausted()
	}
}

func (f *fakeScheduler) Unschedule(entryID string) {
	f.mu.Lock()
	f.unscheduled = append(f.unscheduled, entryID)
	f.mu.Unlock()
}

func testInstance() types.ServiceInstanceID {
	return types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: 0x0001, MajorVersion: 1}
}

func runLoop(t *testing.T, r *reactor.Reactor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return cancel
}

func newTestMachine(sched Scheduler) (*StateMachine, *reactor.Reactor) {
	r := reactor.New()
	cfg := config.RequiredInstanceConfig{
		ID:              testInstance(),
		InitialDelayMin: 5 * time.Millisecond,
		InitialDelayMax: 5 * time.Millisecond,
		RepetitionsBase: 5 * time.Millisecond,
		RepetitionsMax:  2,
	}
	return New(r, sched, cfg, zerolog.Nop()), r
}

func TestRequestReachesRepetitionThenMainWhenNoOffer(t *testing.T) {
	sched := newFakeScheduler()
	sm, r := newTestMachine(sched)
	cancel := runLoop(t, r)
	defer cancel()

	r.Submit(sm.Request)

	require.Eventually(t, func() bool {
		return sm.Phase() == types.ClientMain
	}, time.Second, time.Millisecond, "expected InitialWait -> Repetition -> Main without a matching offer")
}

func TestMatchingOfferMovesToMainAndCancelsRepetition(t *testing.T) {
	sched := newFakeScheduler()
	sm, r := newTestMachine(sched)
	cancel := runLoop(t, r)
	defer cancel()

	done := make(chan struct{})
	r.Submit(func() {
		sm.Request()
		sm.phase = types.ClientRepetition
		sm.OnOffer(testInstance(), []types.IPEndpoint{{Address: []byte{10, 0, 0, 2}, Port: 30501}})
		close(done)
	})

	<-done
	assert.Equal(t, types.ClientMain, sm.Phase())
}

func TestNonMatchingInstanceIDIgnored(t *testing.T) {
	sched := newFakeScheduler()
	sm, r := newTestMachine(sched)
	cancel := runLoop(t, r)
	defer cancel()

	other := types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: 0x0099, MajorVersion: 1}
	done := make(chan struct{})
	r.Submit(func() {
		sm.phase = types.ClientRepetition
		sm.OnOffer(other, nil)
		close(done)
	})

	<-done
	assert.Equal(t, types.ClientRepetition, sm.Phase())
}

func TestStopOfferInMainNotifiesObserversDown(t *testing.T) {
	sched := newFakeScheduler()
	sm, r := newTestMachine(sched)
	cancel := runLoop(t, r)
	defer cancel()

	var stopped int
	obs := fakeObserver{onStop: func() { stopped++ }}
	sm.Observers().Register(testInstance(), obs)

	done := make(chan struct{})
	r.Submit(func() {
		sm.phase = types.ClientMain
		sm.OnStopOffer(testInstance())
		close(done)
	})

	<-done
	assert.Equal(t, 1, stopped)
	assert.Equal(t, types.ClientMain, sm.Phase(), "stop-offer does not itself change phase")
}

func TestReleaseReturnsToNotRequestedAndUnschedules(t *testing.T) {
	sched := newFakeScheduler()
	sm, r := newTestMachine(sched)
	cancel := runLoop(t, r)
	defer cancel()

	done := make(chan struct{})
	r.Submit(func() {
		sm.phase = types.ClientRepetition
		sm.Release()
		close(done)
	})

	<-done
	assert.Equal(t, types.ClientNotRequested, sm.Phase())
	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Contains(t, sched.unscheduled, sm.entryID())
}

type fakeObserver struct {
	onOffer func()
	onStop  func()
}

func (o fakeObserver) OnOffer(types.ServiceInstanceID, []types.IPEndpoint) {
	if o.onOffer != nil {
		o.onOffer()
	}
}

func (o fakeObserver) OnStopOffer(types.ServiceInstanceID) {
	if o.onStop != nil {
		o.onStop()
	}
}

func TestManagerDispatchOfferRoutesToMatchingInstanceOnly(t *testing.T) {
	// All state machines for one daemon share a single reactor loop
	// (spec.md §5); the Manager only fans out, it does not cross threads.
	sched := newFakeScheduler()
	m := NewManager()
	r := reactor.New()
	cancel := runLoop(t, r)
	defer cancel()

	cfgA := config.RequiredInstanceConfig{ID: testInstance(), InitialDelayMin: time.Millisecond, InitialDelayMax: time.Millisecond, RepetitionsBase: time.Millisecond, RepetitionsMax: 1}
	smA := New(r, sched, cfgA, zerolog.Nop())
	m.Add(smA)

	other := types.ServiceInstanceID{ServiceID: 0x9999, InstanceID: 0x0001, MajorVersion: 1}
	cfgB := config.RequiredInstanceConfig{ID: other, InitialDelayMin: time.Millisecond, InitialDelayMax: time.Millisecond, RepetitionsBase: time.Millisecond, RepetitionsMax: 1}
	smB := New(r, sched, cfgB, zerolog.Nop())
	m.Add(smB)

	done := make(chan struct{})
	r.Submit(func() {
		smA.phase = types.ClientRepetition
		smB.phase = types.ClientRepetition
		m.DispatchOffer(testInstance(), 10, []types.IPEndpoint{{Address: []byte{10, 0, 0, 2}, Port: 30501}})
		close(done)
	})
	<-done

	require.Eventually(t, func() bool { return smA.Phase() == types.ClientMain }, time.Second, time.Millisecond)
	assert.Equal(t, types.ClientRepetition, smB.Phase(), "offer for a different service_id must not affect other instances")
}
