// Package sdclient implements the Client SD State Machine (spec.md §4.5,
// component E): one StateMachine per required service instance, driving
// FindService repetition, matching incoming OFFER/STOP-OFFER entries, and
// notifying offer observers.
package sdclient

import (
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/observer"
	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/sdmsg"
	"github.com/cuemby/someipd/pkg/sdsched"
	"github.com/cuemby/someipd/pkg/types"
)

// Scheduler is the subset of *sdsched.Scheduler a StateMachine needs.
type Scheduler interface {
	Schedule(entryID string, entry types.Entry, dest sdsched.Destination, minDelay, maxDelay time.Duration, postAction func())
	ScheduleRepetition(entryID string, baseDelay time.Duration, maxAttempts int, dest sdsched.Destination, entryFn func() types.Entry, onExhausted func())
	Unschedule(entryID string)
}

// StateMachine drives discovery for one required service instance. Not
// safe for concurrent use — it is only ever touched from the reactor loop.
type StateMachine struct {
	id        types.ServiceInstanceID
	cfg       config.RequiredInstanceConfig
	scheduler Scheduler
	reactor   *reactor.Reactor
	observers *observer.Registry
	log       zerolog.Logger

	phase     types.ClientPhase
	ttlTimer  *reactor.TimerHandle
	initTimer *reactor.TimerHandle
	offer     []types.IPEndpoint // endpoints from the most recent matching OFFER, while in Main
}

// New constructs a StateMachine in state NotRequested.
func New(r *reactor.Reactor, sched Scheduler, cfg config.RequiredInstanceConfig, log zerolog.Logger) *StateMachine {
	sm := &StateMachine{
		id:        cfg.ID,
		cfg:       cfg,
		scheduler: sched,
		reactor:   r,
		observers: observer.New(),
		log:       log.With().Str("service_instance", cfg.ID.String()).Logger(),
		phase:     types.ClientNotRequested,
	}
	sm.initTimer = r.CreateTimer(sm.onInitialDelayElapsed, reactor.MissedDiscard)
	sm.ttlTimer = r.CreateTimer(sm.onTTLExpired, reactor.MissedDiscard)
	return sm
}

// ID returns the required service instance this machine tracks.
func (sm *StateMachine) ID() types.ServiceInstanceID { return sm.id }

// Phase returns the current client SD phase.
func (sm *StateMachine) Phase() types.ClientPhase { return sm.phase }

// Observers returns the registry local consumers (RequiredServiceInstance
// handles, per spec.md §9) register interest with.
func (sm *StateMachine) Observers() *observer.Registry { return sm.observers }

func (sm *StateMachine) entryID() string { return "find:" + sm.id.String() }

func (sm *StateMachine) findServiceDest() sdsched.Destination {
	return sdsched.Destination{Cast: types.CastMulticast}
}

// Request transitions NotRequested/Stopped -> InitialWait.
func (sm *StateMachine) Request() {
	if sm.phase != types.ClientNotRequested && sm.phase != types.ClientStopped {
		return
	}
	sm.phase = types.ClientInitialWait
	sm.log.Debug().Msg("required instance requested")
	delay := randBetween(sm.cfg.InitialDelayMin, sm.cfg.InitialDelayMax)
	sm.initTimer.Start(time.Now().Add(delay), 0)
}

// Release transitions to NotRequested from any phase, cancelling timers
// and pending FindService scheduling. Observers are left intact (spec.md
// §4.5 "Any --release--> NotRequested").
func (sm *StateMachine) Release() {
	sm.teardown()
	sm.phase = types.ClientNotRequested
}

// NetworkDown transitions to NotRequested exactly like Release (spec.md
// §4.5 "Any --network_down--> NotRequested, discard observers intact").
func (sm *StateMachine) NetworkDown() {
	sm.Release()
}

func (sm *StateMachine) teardown() {
	sm.initTimer.Stop()
	sm.ttlTimer.Stop()
	sm.scheduler.Unschedule(sm.entryID())
	sm.offer = nil
}

func (sm *StateMachine) onInitialDelayElapsed() {
	if sm.phase != types.ClientInitialWait {
		return
	}
	sm.enterRepetition()
}

func (sm *StateMachine) enterRepetition() {
	sm.phase = types.ClientRepetition
	sm.scheduler.ScheduleRepetition(sm.entryID(), sm.cfg.RepetitionsBase, sm.cfg.RepetitionsMax,
		sm.findServiceDest(), sm.buildFindService, sm.onRepetitionExhausted)
}

func (sm *StateMachine) buildFindService() types.Entry {
	return sdmsg.FindService(sm.id, types.TTLForever)
}

func (sm *StateMachine) onRepetitionExhausted() {
	if sm.phase != types.ClientRepetition {
		return
	}
	sm.phase = types.ClientMain
	sm.log.Debug().Msg("repetition exhausted, entering main without an offer")
}

// OnOffer implements observer.Observer: called by the Offer Observer
// Registry when a matching OfferService/StopOffer-carrying OFFER arrives
// for this instance (or any instance this SM's wildcard covers).
func (sm *StateMachine) OnOffer(instance types.ServiceInstanceID, endpoints []types.IPEndpoint) {
	if sm.phase == types.ClientNotRequested || sm.phase == types.ClientStopped {
		return
	}
	if !sm.id.MatchesOffer(instance) {
		return
	}

	switch sm.phase {
	case types.ClientInitialWait:
		sm.initTimer.Stop()
	case types.ClientRepetition:
		sm.scheduler.Unschedule(sm.entryID())
	}

	sm.phase = types.ClientMain
	sm.offer = endpoints
	sm.ttlTimer.Stop() // cleared here; RefreshTTL (called right after, with the entry's real TTL) arms it
	sm.observers.NotifyMatching(instance, observer.EventOffer, endpoints)
}

// RefreshTTL arms (or re-arms) the TTL expiry timer for ttlSeconds after an
// OFFER is processed. Split from OnOffer because the TTL value is carried
// on the wire entry, not in static configuration; callers invoke this
// immediately after OnOffer with the entry's actual TTL.
func (sm *StateMachine) RefreshTTL(ttlSeconds uint32) {
	if sm.phase != types.ClientMain {
		return
	}
	if ttlSeconds == types.TTLForever {
		sm.ttlTimer.Stop()
		return
	}
	sm.ttlTimer.Start(time.Now().Add(time.Duration(ttlSeconds)*time.Second), 0)
}

// OnStopOffer implements observer.Observer.
func (sm *StateMachine) OnStopOffer(instance types.ServiceInstanceID) {
	if sm.phase != types.ClientMain {
		return
	}
	if !sm.id.MatchesOffer(instance) {
		return
	}
	sm.ttlTimer.Stop()
	sm.offer = nil
	sm.observers.Notify(sm.id, observer.EventStopOffer, nil)
	sm.log.Debug().Msg("stop-offer received")
}

func (sm *StateMachine) onTTLExpired() {
	if sm.phase != types.ClientMain {
		return
	}
	sm.offer = nil
	sm.observers.Notify(sm.id, observer.EventStopOffer, nil)
	sm.log.Debug().Msg("offer ttl expired")
}

func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

// Manager owns every required service instance's StateMachine, keyed by
// ServiceInstanceId, and fans incoming OFFER/STOP-OFFER entries out to the
// matching machine(s) — including wildcard-instance ones — the way
// required_service_instance_manager.h's FindMatchingServiceInstance does.
type Manager struct {
	instances map[types.ServiceInstanceID]*StateMachine
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{instances: make(map[types.ServiceInstanceID]*StateMachine)}
}

// Add registers a StateMachine under its own id.
func (m *Manager) Add(sm *StateMachine) {
	m.instances[sm.ID()] = sm
}

// Remove drops a StateMachine from the manager (instance released).
func (m *Manager) Remove(id types.ServiceInstanceID) {
	delete(m.instances, id)
}

// Get returns the StateMachine for id, or nil.
func (m *Manager) Get(id types.ServiceInstanceID) *StateMachine {
	return m.instances[id]
}

// DispatchOffer forwards an incoming OfferService/StopOffer entry to every
// StateMachine whose id matches entry (exact or via wildcard instance_id),
// mirroring FindMatchingServiceInstance's "same service_id, same or ALL
// instance_id" rule.
func (m *Manager) DispatchOffer(entry types.ServiceInstanceID, ttl uint32, endpoints []types.IPEndpoint) {
	for id, sm := range m.instances {
		if !id.MatchesOffer(entry) {
			continue
		}
		if ttl == types.TTLStop {
			sm.OnStopOffer(entry)
			continue
		}
		sm.OnOffer(entry, endpoints)
		sm.RefreshTTL(ttl)
	}
}
