// Package eventgroup implements the Eventgroup Subscription Manager
// (spec.md §4.7, component G): one Manager per provided service instance,
// admitting/refreshing/rejecting SubscribeEventgroup, tracking TTL per
// subscription, and tearing down on TTL expiry, StopSubscribe, TCP loss,
// remote reboot, or service-down.
package eventgroup

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/sdmsg"
	"github.com/cuemby/someipd/pkg/sdsched"
	"github.com/cuemby/someipd/pkg/stats"
	"github.com/cuemby/someipd/pkg/types"
)

// Scheduler is the subset of *sdsched.Scheduler the Manager needs to send
// ACK/NACK replies, scheduled with (min=0, max=0) per spec.md §4.7.
type Scheduler interface {
	Schedule(entryID string, entry types.Entry, dest sdsched.Destination, minDelay, maxDelay time.Duration, postAction func())
}

// RemoteClients is the Server Event Handler collaborator spec.md §4.7
// step 5 and §6 describe: a non-owning query/notification seam onto the
// remote-client bookkeeping this repository's data plane owns (out of
// scope here, per spec.md §1).
type RemoteClients interface {
	HasTCPConnection(endpoint types.IPEndpoint) bool
	OnSubscriptionAdded(instance types.ServiceInstanceID, sub types.EventgroupSubscription)
	OnSubscriptionRemoved(instance types.ServiceInstanceID, sub types.EventgroupSubscription)
}

// ServerPhaseQuery reports whether the owning provided instance is in a
// phase where subscriptions may be admitted (spec.md §4.7 step 1).
type ServerPhaseQuery func() types.ServerPhase

// Manager owns every active subscription for one provided service
// instance. Not safe for concurrent use — only ever touched from the
// reactor loop.
type Manager struct {
	instance    types.ServiceInstanceID
	eventgroups map[uint16]config.EventgroupConfig
	scheduler   Scheduler
	reactor     *reactor.Reactor
	remote      RemoteClients
	phase       ServerPhaseQuery
	stats       stats.Sink
	log         zerolog.Logger

	// configuredUDP/configuredTCP are this provided instance's own
	// advertised transport endpoints (config.ProvidedInstanceConfig). A
	// subscriber's advertised udp/tcp endpoint must not just be present but
	// carry the same port as these (portMatchesConfigured; the address is
	// not compared) — a subscription on any other port is rejected.
	configuredUDP types.IPEndpoint
	configuredTCP types.IPEndpoint

	subs   map[types.SubscriptionKey]*types.EventgroupSubscription
	timers map[types.SubscriptionKey]*reactor.TimerHandle
}

// New constructs a Manager for one provided instance's configured
// eventgroups. configuredUDP/configuredTCP are the instance's own
// advertised transport endpoints (zero-valued if it doesn't offer that
// transport at all), used to validate subscriber-advertised endpoints in
// Subscribe.
func New(instance types.ServiceInstanceID, eventgroups []config.EventgroupConfig, scheduler Scheduler, r *reactor.Reactor, remote RemoteClients, phase ServerPhaseQuery, sink stats.Sink, log zerolog.Logger, configuredUDP, configuredTCP types.IPEndpoint) *Manager {
	egMap := make(map[uint16]config.EventgroupConfig, len(eventgroups))
	for _, eg := range eventgroups {
		egMap[eg.EventgroupID] = eg
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	return &Manager{
		instance:      instance,
		eventgroups:   egMap,
		scheduler:     scheduler,
		reactor:       r,
		remote:        remote,
		phase:         phase,
		stats:         sink,
		log:           log.With().Str("service_instance", instance.String()).Logger(),
		configuredUDP: configuredUDP,
		configuredTCP: configuredTCP,
		subs:          make(map[types.SubscriptionKey]*types.EventgroupSubscription),
		timers:        make(map[types.SubscriptionKey]*reactor.TimerHandle),
	}
}

func (m *Manager) ackEntryID(key types.SubscriptionKey) string {
	return fmt.Sprintf("sub-ack:%s|%s|%d", m.instance.String(), key.SDEndpoint, key.EventgroupID)
}

func (m *Manager) replyDest(sdEndpoint types.IPEndpoint) sdsched.Destination {
	return sdsched.Destination{Cast: types.CastUnicast, Peer: sdEndpoint}
}

// Subscribe runs the admit algorithm for an incoming SubscribeEventgroup
// entry (spec.md §4.7 steps 1-6). from is the subscriber's SD source
// endpoint (the wire datagram's sender); udp/tcp are the entry's own
// advertised subscriber transport endpoints, zero-valued if absent.
func (m *Manager) Subscribe(eventgroupID uint16, ttlSeconds uint32, from, udp, tcp types.IPEndpoint) {
	key := types.SubscriptionKey{SDEndpoint: from.Address.String(), EventgroupID: eventgroupID}

	switch m.phase() {
	case types.ServerInitial, types.ServerRepetition, types.ServerMain:
	default:
		m.nack(eventgroupID, from)
		return
	}

	eg, ok := m.eventgroups[eventgroupID]
	if !ok {
		m.nack(eventgroupID, from)
		return
	}

	usesTCP, usesUDP := eventUses(eg)
	if usesTCP && (tcp.IsZero() || !portMatchesConfigured(tcp, m.configuredTCP)) {
		m.nack(eventgroupID, from)
		return
	}
	if usesUDP && (udp.IsZero() || !portMatchesConfigured(udp, m.configuredUDP)) {
		m.nack(eventgroupID, from)
		return
	}
	if udp.IsZero() && tcp.IsZero() && eg.MulticastEndpoint == nil {
		m.nack(eventgroupID, from)
		return
	}
	if usesTCP {
		if m.remote == nil || !m.remote.HasTCPConnection(tcp) {
			m.nack(eventgroupID, from)
			return
		}
	}

	kind := types.SubscriptionUnicast
	if udp.IsZero() && tcp.IsZero() {
		kind = types.SubscriptionMulticastOnly
	}

	sub, existing := m.subs[key]
	if !existing {
		sub = &types.EventgroupSubscription{}
		m.subs[key] = sub
	}
	sub.SDEndpoint = from
	sub.UDPEndpoint = udp
	sub.TCPEndpoint = tcp
	sub.EventgroupID = eventgroupID
	sub.Kind = kind
	sub.TTLDeadline = m.ttlDeadline(ttlSeconds)
	m.armTTL(key, ttlSeconds)

	if !existing && m.remote != nil {
		m.remote.OnSubscriptionAdded(m.instance, *sub)
	}

	m.stats.Increment(stats.AcceptedSubscribe)
	m.ack(eventgroupID, ttlSeconds, from, eg.MulticastEndpoint)
}

// portMatchesConfigured reports whether advertised was sent to the port
// this provided instance actually configured for that transport. Only
// the port is compared, never the address: the subscriber's own address
// varies with the peer, but every subscriber is expected to land on the
// one port this instance actually listens on for events.
func portMatchesConfigured(advertised, configured types.IPEndpoint) bool {
	return configured.Port != 0 && advertised.Port == configured.Port
}

func eventUses(eg config.EventgroupConfig) (usesTCP, usesUDP bool) {
	for _, e := range eg.Events {
		if e.Transport == types.TransportTCP {
			usesTCP = true
		} else {
			usesUDP = true
		}
	}
	return
}

func (m *Manager) ttlDeadline(ttlSeconds uint32) time.Time {
	if ttlSeconds == types.TTLForever {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ttlSeconds) * time.Second)
}

func (m *Manager) armTTL(key types.SubscriptionKey, ttlSeconds uint32) {
	handle, ok := m.timers[key]
	if !ok {
		handle = m.reactor.CreateTimer(func() { m.onTTLExpired(key) }, reactor.MissedDiscard)
		m.timers[key] = handle
	}
	if ttlSeconds == types.TTLForever {
		handle.Stop()
		return
	}
	handle.Start(time.Now().Add(time.Duration(ttlSeconds)*time.Second), 0)
}

func (m *Manager) ack(eventgroupID uint16, ttlSeconds uint32, to types.IPEndpoint, mcast *types.IPEndpoint) {
	var multicast types.IPEndpoint
	if mcast != nil {
		multicast = *mcast
	}
	entry := sdmsg.SubscribeAck(m.instance, eventgroupID, ttlSeconds, multicast)
	key := types.SubscriptionKey{SDEndpoint: to.Address.String(), EventgroupID: eventgroupID}
	m.scheduler.Schedule(m.ackEntryID(key), entry, m.replyDest(to), 0, 0, nil)
}

func (m *Manager) nack(eventgroupID uint16, to types.IPEndpoint) {
	m.stats.Increment(stats.NackedSubscribe)
	entry := sdmsg.SubscribeNack(m.instance, eventgroupID)
	key := types.SubscriptionKey{SDEndpoint: to.Address.String(), EventgroupID: eventgroupID}
	m.scheduler.Schedule(m.ackEntryID(key), entry, m.replyDest(to), 0, 0, nil)
}

// StopSubscribe deletes the subscription matching (from, eventgroupID),
// silently tolerating "not found" (spec.md §4.7).
func (m *Manager) StopSubscribe(eventgroupID uint16, from types.IPEndpoint) {
	key := types.SubscriptionKey{SDEndpoint: from.Address.String(), EventgroupID: eventgroupID}
	m.remove(key)
}

func (m *Manager) onTTLExpired(key types.SubscriptionKey) {
	if _, ok := m.subs[key]; !ok {
		return
	}
	m.stats.Increment(stats.TTLExpiry)
	m.remove(key)
}

func (m *Manager) remove(key types.SubscriptionKey) {
	sub, ok := m.subs[key]
	if !ok {
		return
	}
	delete(m.subs, key)
	if handle, ok := m.timers[key]; ok {
		handle.Stop()
		delete(m.timers, key)
	}
	if m.remote != nil {
		m.remote.OnSubscriptionRemoved(m.instance, *sub)
	}
}

// OnTCPLost deletes every subscription whose tcp_endpoint equals peer AND
// whose eventgroup used TCP (spec.md §4.7 "TCP loss"; the REDESIGN FLAG
// tightening this to eventgroup-using-TCP-only, resolved in DESIGN.md).
func (m *Manager) OnTCPLost(peer types.IPEndpoint) {
	for key, sub := range m.subs {
		if sub.TCPEndpoint.IsZero() || !sub.TCPEndpoint.Equal(peer) {
			continue
		}
		eg, ok := m.eventgroups[sub.EventgroupID]
		if !ok {
			continue
		}
		usesTCP, _ := eventUses(eg)
		if !usesTCP {
			continue
		}
		m.remove(key)
	}
}

// OnRemoteReboot deletes every subscription whose sd_endpoint address
// equals the rebooted peer's address (port ignored), per spec.md §4.7.
func (m *Manager) OnRemoteReboot(peerAddr string) {
	for key := range m.subs {
		if key.SDEndpoint == peerAddr {
			m.remove(key)
		}
	}
}

// ServiceDown deletes all subscriptions for this provided instance
// without emitting any on-wire message (spec.md §4.7 "Service down").
func (m *Manager) ServiceDown(_ types.ServiceInstanceID) {
	for key := range m.subs {
		m.remove(key)
	}
}

// Subscriptions returns every active subscription for eventgroupID, for
// the Dispatcher's fan-out policy.
func (m *Manager) Subscriptions(eventgroupID uint16) []types.EventgroupSubscription {
	var out []types.EventgroupSubscription
	for _, sub := range m.subs {
		if sub.EventgroupID == eventgroupID {
			out = append(out, *sub)
		}
	}
	return out
}

// Eventgroup returns the static configuration for eventgroupID, if any.
func (m *Manager) Eventgroup(eventgroupID uint16) (config.EventgroupConfig, bool) {
	eg, ok := m.eventgroups[eventgroupID]
	return eg, ok
}
