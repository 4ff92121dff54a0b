// Package liveness tracks the daemon's live TCP connections to event
// subscribers (spec.md §4.7 "TCP loss": a subscription referencing an
// eventgroup that uses TCP is torn down once the subscriber's TCP
// connection to this daemon goes away). It deliberately knows nothing
// about eventgroups or subscriptions — it only answers "is this peer
// still reachable over TCP" and announces loss once a probe fails,
// adapted from the connection-dial health check this repository already
// used for container liveness.
package liveness

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/types"
)

// OnLost is invoked, on the reactor loop, the first time peer's TCP
// connection is found to be down.
type OnLost func(peer types.IPEndpoint)

// Tracker polls a set of tracked peer TCP endpoints on a shared interval
// and reports the first observed loss of each. Not safe for concurrent
// use — Track/Forget and the probe callback all run on the owning
// reactor loop.
type Tracker struct {
	dialer net.Dialer
	onLost OnLost
	log    zerolog.Logger

	peers map[string]types.IPEndpoint
	timer *reactor.TimerHandle
}

// New constructs a Tracker that probes every tracked peer every interval.
func New(r *reactor.Reactor, interval time.Duration, onLost OnLost, log zerolog.Logger) *Tracker {
	t := &Tracker{
		dialer: net.Dialer{Timeout: interval / 2},
		onLost: onLost,
		log:    log,
		peers:  make(map[string]types.IPEndpoint),
	}
	t.timer = r.CreateTimer(t.probeAll, reactor.MissedDiscard)
	t.timer.Start(time.Now().Add(interval), interval)
	return t
}

// Track begins monitoring peer's TCP reachability. The daemon's data
// plane owns the actual subscriber socket; Track only arms the liveness
// probe once a subscription first references this peer over TCP.
func (t *Tracker) Track(peer types.IPEndpoint) {
	t.peers[addr(peer)] = peer
}

// Forget stops monitoring peer, e.g. once no subscription references it.
func (t *Tracker) Forget(peer types.IPEndpoint) {
	delete(t.peers, addr(peer))
}

// Stop halts the probe timer.
func (t *Tracker) Stop() {
	t.timer.Stop()
}

func (t *Tracker) probeAll() {
	for key, peer := range t.peers {
		if t.alive(peer) {
			continue
		}
		delete(t.peers, key)
		t.log.Debug().Str("peer", peer.String()).Msg("tcp liveness probe failed")
		if t.onLost != nil {
			t.onLost(peer)
		}
	}
}

// Alive synchronously dial-probes peer once, independent of the tracked
// set. The daemon uses this to answer the Eventgroup Subscription
// Manager's "does this subscriber already have a live TCP connection"
// admit check (spec.md §4.7 step 4) before it starts polling the peer
// on Track.
func (t *Tracker) Alive(peer types.IPEndpoint) bool {
	return t.alive(peer)
}

func (t *Tracker) alive(peer types.IPEndpoint) bool {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialer.Timeout)
	defer cancel()
	conn, err := t.dialer.DialContext(ctx, "tcp", addr(peer))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func addr(peer types.IPEndpoint) string {
	return fmt.Sprintf("%s:%d", peer.Address, peer.Port)
}
