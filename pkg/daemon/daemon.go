// Package daemon wires every SD component (A-I) into one running process
// (spec.md §2, §5): one shared reactor loop and Session/Reboot Tracker,
// one SD Endpoint per configured endpoint with a single Send Scheduler on
// the first of them, one Client/Server state machine
// and Eventgroup Subscription Manager per configured service instance, and
// the IAM/stats/liveness collaborators each of those depends on. Building
// this graph by hand, in dependency order, the way the teacher's top-level
// manager used to assemble Raft/DNS/ingress, is this package's entire job —
// it owns no SD protocol logic of its own.
package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/eventgroup"
	"github.com/cuemby/someipd/pkg/iam"
	"github.com/cuemby/someipd/pkg/liveness"
	"github.com/cuemby/someipd/pkg/metrics"
	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/sdclient"
	"github.com/cuemby/someipd/pkg/sdnet"
	"github.com/cuemby/someipd/pkg/sdsched"
	"github.com/cuemby/someipd/pkg/sdserver"
	"github.com/cuemby/someipd/pkg/session"
	"github.com/cuemby/someipd/pkg/stats"
	"github.com/cuemby/someipd/pkg/types"
)

// tcpLivenessProbeInterval is how often in-use TCP subscriber endpoints
// are re-probed (spec.md §4.7 "TCP loss").
const tcpLivenessProbeInterval = 5 * time.Second

// Deps bundles the collaborators a Daemon does not construct for itself.
// Every field is optional; the zero value is the permissive/no-op default.
type Deps struct {
	DataDir string       // bbolt session database directory; "" for in-memory only
	IAM     iam.Decider  // nil defaults to iam.AllowAll{}
	Stats   stats.Sink   // nil defaults to stats.NopSink{}
	Log     zerolog.Logger
}

// Daemon owns every SD component for a single host. Not safe for
// concurrent use from outside the reactor loop: exported lifecycle
// methods (ServiceUp, ServiceDown, Publish) submit onto the loop rather
// than touching state directly.
type Daemon struct {
	ID uuid.UUID

	cfg     config.Config
	reactor *reactor.Reactor
	log     zerolog.Logger

	sessions *session.Tracker
	liveness *liveness.Tracker

	endpoints []*sdnet.Endpoint
	scheduler *sdsched.Scheduler // the single primary Send Scheduler; see New's doc comment

	clients *sdclient.Manager

	servers     map[types.ServiceInstanceID]*sdserver.StateMachine
	eventgroups map[types.ServiceInstanceID]*eventgroup.Manager
	dispatchers map[types.ServiceInstanceID]*eventgroup.Dispatcher

	iamDecider iam.Decider
	statsSink  stats.Sink

	cancel context.CancelFunc
}

// phaseBox lets an eventgroup.Manager query a sdserver.StateMachine's
// phase before the StateMachine itself exists (the two are mutually
// referential: the StateMachine's SubscriptionTeardown collaborator is
// the Manager, and the Manager's ServerPhaseQuery is the StateMachine).
type phaseBox struct {
	sm *sdserver.StateMachine
}

func (b *phaseBox) phase() types.ServerPhase {
	if b.sm == nil {
		return types.ServerDown
	}
	return b.sm.Phase()
}

// New builds the full component graph for cfg but does not open any
// socket or start the reactor loop — call Run for that.
//
// Every configured EndpointConfig gets its own SD Endpoint (its own
// unicast socket and multicast membership); all of them share one
// session.Tracker. Service/required instances are not associated with a
// specific endpoint in config.Config, so New builds a single Send
// Scheduler on the first configured endpoint — the common
// single-interface deployment — loads persisted session state for that
// endpoint only, and binds every state machine to that scheduler. The
// other endpoints receive and dispatch inbound messages but send
// nothing. This simplification is kept rather than inventing a config
// field spec.md never names.
func New(cfg config.Config, deps Deps) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("daemon: config has no endpoints")
	}

	iamDecider := deps.IAM
	if iamDecider == nil {
		iamDecider = iam.AllowAll{}
	}
	sink := deps.Stats
	if sink == nil {
		sink = stats.NopSink{}
	}
	log := deps.Log

	sessions, err := session.NewTracker(deps.DataDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening session tracker: %w", err)
	}

	r := reactor.New()

	d := &Daemon{
		ID:          uuid.New(),
		cfg:         cfg,
		reactor:     r,
		log:         log.With().Str("component", "daemon").Logger(),
		sessions:    sessions,
		clients:     sdclient.NewManager(),
		servers:     make(map[types.ServiceInstanceID]*sdserver.StateMachine),
		eventgroups: make(map[types.ServiceInstanceID]*eventgroup.Manager),
		dispatchers: make(map[types.ServiceInstanceID]*eventgroup.Dispatcher),
		iamDecider:  iamDecider,
		statsSink:   sink,
	}
	d.liveness = liveness.New(r, tcpLivenessProbeInterval, d.onTCPLost, log.With().Str("component", "liveness").Logger())

	for _, ec := range cfg.Endpoints {
		localIP := net.ParseIP(ec.UnicastAddress)
		if localIP == nil {
			return nil, fmt.Errorf("daemon: invalid unicast address %q", ec.UnicastAddress)
		}
		group := net.ParseIP(ec.MulticastAddress)
		if group == nil {
			return nil, fmt.Errorf("daemon: invalid multicast address %q", ec.MulticastAddress)
		}

		ep := sdnet.New(sdnet.Config{
			Interface:        ec.Interface,
			LocalIP:          localIP,
			MulticastGroup:   group,
			Port:             ec.Port,
			MaxSDMessageSize: cfg.MaxSDMessageSize,
		}, r, sessions, d, sink, log.With().Str("component", "sdnet").Logger())
		if err := ep.Open(); err != nil {
			return nil, fmt.Errorf("daemon: opening endpoint %s: %w", ec.UnicastAddress, err)
		}
		d.endpoints = append(d.endpoints, ep)

		if d.scheduler == nil {
			sessions.Load(ep.LocalIP().String(), types.CastUnicast)
			sessions.Load(ep.LocalIP().String(), types.CastMulticast)
			sessionForEndpoint := &boundSessionProvider{tracker: sessions, localIP: ep.LocalIP().String()}
			d.scheduler = sdsched.New(r, ep, sessionForEndpoint, cfg.MaxSDMessageSize, log.With().Str("component", "sdsched").Logger())
		}
	}

	remote := &remoteClientsAdapter{liveness: d.liveness}

	for _, pc := range cfg.ProvidedInstances {
		box := &phaseBox{}
		var configuredUDP, configuredTCP types.IPEndpoint
		if pc.UDPEndpoint != nil {
			configuredUDP = *pc.UDPEndpoint
		}
		if pc.TCPEndpoint != nil {
			configuredTCP = *pc.TCPEndpoint
		}
		egMgr := eventgroup.New(pc.ID, pc.Eventgroups, d.scheduler, r, remote, box.phase, sink,
			log.With().Str("component", "eventgroup").Logger(), configuredUDP, configuredTCP)

		sm := sdserver.New(pc, sdserver.Deps{
			Scheduler:            d.scheduler,
			Reactor:              r,
			Subscriptions:        egMgr,
			RequestResponseDelay: cfg.RequestResponseDelayMin,
		}, log.With().Str("component", "sdserver").Logger())
		box.sm = sm

		d.servers[pc.ID] = sm
		d.eventgroups[pc.ID] = egMgr
		d.dispatchers[pc.ID] = eventgroup.NewDispatcher(egMgr, newUDPTCPEventSender())
	}

	for _, rc := range cfg.RequiredInstances {
		sm := sdclient.New(r, d.scheduler, rc, log.With().Str("component", "sdclient").Logger())
		d.clients.Add(sm)
	}

	return d, nil
}

// Run starts the reactor loop, brings every provided instance's network
// state up, and requests every configured required instance whose mode
// participates in discovery. It blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	r := d.reactor
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Submit(func() {
		for _, sm := range d.servers {
			sm.NetworkUp()
		}
		for _, rc := range d.cfg.RequiredInstances {
			if rc.Mode == config.CommunicationOnly {
				continue
			}
			if sm := d.clients.Get(rc.ID); sm != nil {
				sm.Request()
			}
		}
	})

	<-ctx.Done()
	<-done
	d.liveness.Stop()
	return d.sessions.Close()
}

// Shutdown cancels the reactor loop started by Run.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// ServiceUp announces that the local application implementation behind
// a provided instance is ready to serve, the trigger spec.md §4.6
// describes for leaving ServerDown.
func (d *Daemon) ServiceUp(id types.ServiceInstanceID) {
	d.reactor.Submit(func() {
		if sm, ok := d.servers[id]; ok {
			sm.ServiceUp()
		}
	})
}

// ServiceDown announces the inverse of ServiceUp.
func (d *Daemon) ServiceDown(id types.ServiceInstanceID) {
	d.reactor.Submit(func() {
		if sm, ok := d.servers[id]; ok {
			sm.ServiceDown()
		}
	})
}

// RequiredInstance returns the client-side state machine for id, for
// registering observers via its Observers() registry, or nil if id was
// not configured.
func (d *Daemon) RequiredInstance(id types.ServiceInstanceID) *sdclient.StateMachine {
	return d.clients.Get(id)
}

// Publish dispatches an event/response payload on eventID to every
// subscriber of the given eventgroups on instance (spec.md §4.7's
// multicast-threshold policy). Event/method payload routing beyond this
// fan-out decision is out of scope (spec.md §1 Non-goals) — Publish only
// triggers the decision, it does not validate the payload.
func (d *Daemon) Publish(instance types.ServiceInstanceID, eventID uint16, eventgroupIDs []uint16, payload []byte) {
	d.reactor.Submit(func() {
		disp, ok := d.dispatchers[instance]
		if !ok {
			return
		}
		disp.Dispatch(eventID, eventgroupIDs, payload)
	})
}

// Dispatch implements sdnet.Dispatcher: it is the SD core's single entry
// point for a decoded, reboot-annotated inbound message (spec.md §4.2).
// It runs on the reactor loop already, called directly from
// sdnet.Endpoint.handleDatagram.
func (d *Daemon) Dispatch(peer types.IPEndpoint, _ types.CastKind, msg *types.SDMessage, isReboot bool) {
	if isReboot {
		d.statsSink.Increment(stats.RemoteReboot)
		for _, eg := range d.eventgroups {
			eg.OnRemoteReboot(peer.Address.String())
		}
	}

	for _, entry := range msg.Entries {
		d.dispatchEntry(peer, entry)
	}
}

func (d *Daemon) dispatchEntry(peer types.IPEndpoint, entry types.Entry) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EntryProcessingDuration)

	switch entry.Kind {
	case types.EntryFindService:
		if !d.iamDecider.CheckFindService(entry.ID, peer) {
			d.statsSink.Increment(stats.RejectedIAM)
			return
		}
		for id, sm := range d.servers {
			if id.MatchesFind(entry.ID) {
				sm.OnFindService(peer)
			}
		}

	case types.EntryOfferService:
		if !d.iamDecider.CheckOfferService(entry.ID, peer) {
			d.statsSink.Increment(stats.RejectedIAM)
			return
		}
		d.clients.DispatchOffer(entry.ID, entry.TTL, entry.Endpoints)

	case types.EntrySubscribeEventgroup:
		if !d.iamDecider.CheckSubscribeEventgroup(entry.ID, entry.EventgroupID, peer) {
			d.statsSink.Increment(stats.RejectedIAM)
			return
		}
		egMgr, ok := d.eventgroups[entry.ID]
		if !ok {
			return
		}
		if entry.IsStop() {
			egMgr.StopSubscribe(entry.EventgroupID, peer)
			return
		}
		egMgr.Subscribe(entry.EventgroupID, entry.TTL, peer, entry.SubscriberUDP, entry.SubscriberTCP)

	case types.EntrySubscribeEventgroupAck:
		// This daemon only plays the provider role for eventgroups (it
		// never subscribes to a remote service's events), so an incoming
		// Ack/Nack has no state machine to reach. Nothing to do.
	}
}

func (d *Daemon) onTCPLost(peer types.IPEndpoint) {
	for _, eg := range d.eventgroups {
		eg.OnTCPLost(peer)
	}
}

// RequiredInstancePhaseCounts implements metrics.StateSource.
func (d *Daemon) RequiredInstancePhaseCounts() map[types.ClientPhase]int {
	counts := make(map[types.ClientPhase]int)
	for _, rc := range d.cfg.RequiredInstances {
		if sm := d.clients.Get(rc.ID); sm != nil {
			counts[sm.Phase()]++
		}
	}
	return counts
}

// ProvidedInstancePhaseCounts implements metrics.StateSource.
func (d *Daemon) ProvidedInstancePhaseCounts() map[types.ServerPhase]int {
	counts := make(map[types.ServerPhase]int)
	for _, sm := range d.servers {
		counts[sm.Phase()]++
	}
	return counts
}

// ActiveSubscriptions implements metrics.StateSource.
func (d *Daemon) ActiveSubscriptions() int {
	total := 0
	for id, egMgr := range d.eventgroups {
		pc := d.findProvidedConfig(id)
		for _, eg := range pc.Eventgroups {
			total += len(egMgr.Subscriptions(eg.EventgroupID))
		}
	}
	return total
}

// SchedulerQueueDepth implements metrics.StateSource.
func (d *Daemon) SchedulerQueueDepth() int {
	if d.scheduler == nil {
		return 0
	}
	return d.scheduler.PendingCount()
}

func (d *Daemon) findProvidedConfig(id types.ServiceInstanceID) config.ProvidedInstanceConfig {
	for _, pc := range d.cfg.ProvidedInstances {
		if pc.ID == id {
			return pc
		}
	}
	return config.ProvidedInstanceConfig{}
}
