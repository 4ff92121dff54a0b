// Package observer implements the Offer Observer Registry (spec.md §4.8):
// fan-out of OFFER/STOP-OFFER events, keyed by ServiceInstanceId, to every
// client state machine and higher-level consumer that registered interest.
// Dispatch iterates a snapshot so a reentrant callback — one that releases
// a required instance from inside its own on_offer — cannot invalidate the
// iteration; removals during dispatch are deferred to its end.
package observer

import (
	"github.com/cuemby/someipd/pkg/types"
)

// Event identifies what happened to a provided instance.
type Event uint8

const (
	EventOffer Event = iota
	EventStopOffer
)

// Observer is the OfferObserver collaborator (spec.md §6).
type Observer interface {
	OnOffer(instance types.ServiceInstanceID, endpoints []types.IPEndpoint)
	OnStopOffer(instance types.ServiceInstanceID)
}

type registration struct {
	id       uint64
	key      types.ServiceInstanceID
	observer Observer
	removed  bool
}

// Registry is the Offer Observer Registry. Not safe for concurrent use —
// it is only ever touched from the reactor loop.
type Registry struct {
	nextID  uint64
	byKey   map[types.ServiceInstanceID][]*registration
	byID    map[uint64]*registration
	nesting int // >0 while Notify is iterating; Unregister defers during this
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byKey: make(map[types.ServiceInstanceID][]*registration),
		byID:  make(map[uint64]*registration),
	}
}

// Handle identifies one registration, returned by Register so the caller
// can Unregister later without needing to re-supply the key.
type Handle uint64

// Register adds obs as an interested party for offers matching key. key
// may itself carry wildcards (InstanceIDAny etc.) exactly as a required
// service instance's own ServiceInstanceID would.
func (r *Registry) Register(key types.ServiceInstanceID, obs Observer) Handle {
	r.nextID++
	reg := &registration{id: r.nextID, key: key, observer: obs}
	r.byKey[key] = append(r.byKey[key], reg)
	r.byID[reg.id] = reg
	return Handle(reg.id)
}

// Unregister removes a registration. Safe to call from inside a Notify
// callback (the removal is deferred until that dispatch loop finishes).
func (r *Registry) Unregister(h Handle) {
	reg, ok := r.byID[uint64(h)]
	if !ok {
		return
	}
	reg.removed = true
	delete(r.byID, uint64(h))
	if r.nesting == 0 {
		r.compact(reg.key)
	}
}

func (r *Registry) compact(key types.ServiceInstanceID) {
	regs := r.byKey[key]
	live := regs[:0]
	for _, reg := range regs {
		if !reg.removed {
			live = append(live, reg)
		}
	}
	if len(live) == 0 {
		delete(r.byKey, key)
		return
	}
	r.byKey[key] = live
}

// Notify calls every observer registered under key with ev: OnOffer
// (with endpoints) for EventOffer, OnStopOffer for EventStopOffer. The
// daemon wires the E/F/G components' per-instance state machines to
// translate wire entries into Notify calls; Registry itself only knows
// about the observer side.
func (r *Registry) Notify(key types.ServiceInstanceID, ev Event, endpoints []types.IPEndpoint) {
	regs, ok := r.byKey[key]
	if !ok || len(regs) == 0 {
		return
	}

	// Snapshot before iterating: an observer registered by a callback
	// during this loop is not called this round; one unregistered during
	// it is skipped if its turn has not come yet.
	snapshot := append([]*registration(nil), regs...)

	r.nesting++
	for _, reg := range snapshot {
		if reg.removed {
			continue
		}
		switch ev {
		case EventOffer:
			reg.observer.OnOffer(key, endpoints)
		case EventStopOffer:
			reg.observer.OnStopOffer(key)
		}
	}
	r.nesting--

	if r.nesting == 0 {
		r.compact(key)
	}
}

// NotifyMatching calls Notify for every registered key that matches
// entryID under the wildcard rules a client state machine uses to accept
// offers (spec.md §4.5): exact service_id/major/minor, and either an
// exact instance_id match or a wildcard registration.
func (r *Registry) NotifyMatching(entryID types.ServiceInstanceID, ev Event, endpoints []types.IPEndpoint) {
	for key := range r.byKey {
		if key.MatchesOffer(entryID) {
			r.Notify(key, ev, endpoints)
		}
	}
}
