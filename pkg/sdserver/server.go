// Package sdserver implements the Server SD State Machine (spec.md §4.6,
// component F): one StateMachine per provided service instance, driving
// OFFER repetition and cyclic re-offer, replying to FindService, and
// tearing down on service/network down.
package sdserver

import (
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/sdmsg"
	"github.com/cuemby/someipd/pkg/sdsched"
	"github.com/cuemby/someipd/pkg/types"
)

// Scheduler is the subset of *sdsched.Scheduler a StateMachine needs.
type Scheduler interface {
	Schedule(entryID string, entry types.Entry, dest sdsched.Destination, minDelay, maxDelay time.Duration, postAction func())
	ScheduleCyclic(id string, period time.Duration, dest sdsched.Destination, entryFn func() types.Entry)
	ScheduleRepetition(entryID string, baseDelay time.Duration, maxAttempts int, dest sdsched.Destination, entryFn func() types.Entry, onExhausted func())
	Unschedule(entryID string)
}

// SubscriptionTeardown is the Eventgroup Subscription Manager collaborator
// consulted on service/network down (spec.md §4.7 "Service down: delete
// all subscriptions for this provided instance").
type SubscriptionTeardown interface {
	ServiceDown(id types.ServiceInstanceID)
}

// StateMachine drives discovery for one provided service instance. Not
// safe for concurrent use — only ever touched from the reactor loop.
type StateMachine struct {
	id        types.ServiceInstanceID
	cfg       config.ProvidedInstanceConfig
	scheduler Scheduler
	reactor   *reactor.Reactor
	subs      SubscriptionTeardown
	limiter   *rate.Limiter
	log       zerolog.Logger

	phase      types.ServerPhase
	serviceUp  bool
	networkUp  bool
	initTimer  *reactor.TimerHandle
}

// Deps bundles the collaborators a StateMachine needs beyond its own
// static ProvidedInstanceConfig.
type Deps struct {
	Scheduler            Scheduler
	Reactor              *reactor.Reactor
	Subscriptions        SubscriptionTeardown
	RequestResponseDelay time.Duration // used to size the anti-flood token bucket
}

// New constructs a StateMachine in state Down.
func New(cfg config.ProvidedInstanceConfig, deps Deps, log zerolog.Logger) *StateMachine {
	qps := rate.Limit(4) // default ceiling; request_response_delay alone already smooths bursts
	if deps.RequestResponseDelay > 0 {
		qps = rate.Every(deps.RequestResponseDelay)
	}
	sm := &StateMachine{
		id:        cfg.ID,
		cfg:       cfg,
		scheduler: deps.Scheduler,
		reactor:   deps.Reactor,
		subs:      deps.Subscriptions,
		limiter:   rate.NewLimiter(qps, 4),
		log:       log.With().Str("service_instance", cfg.ID.String()).Logger(),
		phase:     types.ServerDown,
	}
	sm.initTimer = deps.Reactor.CreateTimer(sm.onInitialDelayElapsed, reactor.MissedDiscard)
	return sm
}

// ID returns the provided service instance this machine advertises.
func (sm *StateMachine) ID() types.ServiceInstanceID { return sm.id }

// Phase returns the current server SD phase.
func (sm *StateMachine) Phase() types.ServerPhase { return sm.phase }

func (sm *StateMachine) offerEntryID() string  { return "offer:" + sm.id.String() }
func (sm *StateMachine) cyclicID() string      { return "cyclic-offer:" + sm.id.String() }
func (sm *StateMachine) multicastDest() sdsched.Destination {
	return sdsched.Destination{Cast: types.CastMulticast}
}

func (sm *StateMachine) endpoints() []types.IPEndpoint {
	var eps []types.IPEndpoint
	if sm.cfg.UDPEndpoint != nil {
		eps = append(eps, *sm.cfg.UDPEndpoint)
	}
	if sm.cfg.TCPEndpoint != nil {
		eps = append(eps, *sm.cfg.TCPEndpoint)
	}
	return eps
}

func (sm *StateMachine) buildOffer() types.Entry {
	return sdmsg.OfferService(sm.id, sm.cfg.TTL, sm.endpoints()...)
}

func (sm *StateMachine) buildStopOffer() types.Entry {
	return sdmsg.StopOfferService(sm.id, sm.endpoints()...)
}

// ServiceUp reports the provided instance becoming locally available.
func (sm *StateMachine) ServiceUp() {
	sm.serviceUp = true
	sm.maybeEnterInitial()
}

// NetworkUp reports the SD endpoint's network becoming available.
func (sm *StateMachine) NetworkUp() {
	sm.networkUp = true
	sm.maybeEnterInitial()
}

func (sm *StateMachine) maybeEnterInitial() {
	if sm.phase != types.ServerDown {
		return
	}
	if !sm.serviceUp || !sm.networkUp {
		return
	}
	sm.phase = types.ServerInitial
	delay := randBetween(sm.cfg.InitialDelayMin, sm.cfg.InitialDelayMax)
	sm.initTimer.Start(time.Now().Add(delay), 0)
}

func (sm *StateMachine) onInitialDelayElapsed() {
	if sm.phase != types.ServerInitial {
		return
	}
	sm.phase = types.ServerRepetition
	sm.scheduler.ScheduleRepetition(sm.offerEntryID(), sm.cfg.RepetitionsBase, sm.cfg.RepetitionsMax,
		sm.multicastDest(), sm.buildOffer, sm.onRepetitionExhausted)
}

func (sm *StateMachine) onRepetitionExhausted() {
	if sm.phase != types.ServerRepetition {
		return
	}
	sm.enterMain()
}

func (sm *StateMachine) enterMain() {
	sm.phase = types.ServerMain
	sm.scheduler.ScheduleCyclic(sm.cyclicID(), sm.cfg.CyclicOfferDelay, sm.multicastDest(), sm.buildOffer)
}

// ServiceDown/NetworkDown both implement spec.md §4.6 "Any --service_down
// OR network_down--> emit mcast StopOffer; tear down subscriptions; back
// to Down".
func (sm *StateMachine) ServiceDown() {
	sm.serviceUp = false
	sm.tearDown()
}

func (sm *StateMachine) NetworkDown() {
	sm.networkUp = false
	sm.tearDown()
}

func (sm *StateMachine) tearDown() {
	if sm.phase == types.ServerDown {
		return
	}
	sm.initTimer.Stop()
	sm.scheduler.Unschedule(sm.offerEntryID())
	sm.scheduler.Unschedule(sm.cyclicID())
	sm.scheduler.Schedule(sm.offerEntryID(), sm.buildStopOffer(), sm.multicastDest(), 0, 0, nil)
	if sm.subs != nil {
		sm.subs.ServiceDown(sm.id)
	}
	sm.phase = types.ServerDown
}

// OnFindService handles an incoming FindService entry (already matched by
// the caller's dispatch against sm.id via types.ServiceInstanceID.MatchesFind).
// It replies unicast with an OfferService, subject to the per-instance
// anti-flood limiter, to peer.
func (sm *StateMachine) OnFindService(peer types.IPEndpoint) {
	switch sm.phase {
	case types.ServerInitial, types.ServerMain:
	default:
		return
	}
	if !sm.limiter.Allow() {
		sm.log.Debug().Str("peer", peer.String()).Msg("find-service reply rate-limited")
		return
	}
	dest := sdsched.Destination{Cast: types.CastUnicast, Peer: peer}
	sm.scheduler.Schedule(sm.offerEntryID()+"|"+peer.String(), sm.buildOffer(), dest, 0, 0, nil)
}

func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
