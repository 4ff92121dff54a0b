package types

import "time"

// ClientPhase is the state of a required service instance's client SD
// state machine (spec.md §3, §4.5).
type ClientPhase uint8

const (
	ClientNotRequested ClientPhase = iota
	ClientInitialWait
	ClientRepetition
	ClientMain
	ClientStopped
)

func (p ClientPhase) String() string {
	switch p {
	case ClientNotRequested:
		return "not_requested"
	case ClientInitialWait:
		return "initial_wait"
	case ClientRepetition:
		return "repetition"
	case ClientMain:
		return "main"
	case ClientStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerPhase is the state of a provided service instance's server SD
// state machine (spec.md §3, §4.6).
type ServerPhase uint8

const (
	ServerDown ServerPhase = iota
	ServerWaitForService
	ServerInitial
	ServerRepetition
	ServerMain
)

func (p ServerPhase) String() string {
	switch p {
	case ServerDown:
		return "down"
	case ServerWaitForService:
		return "wait_for_service"
	case ServerInitial:
		return "initial"
	case ServerRepetition:
		return "repetition"
	case ServerMain:
		return "main"
	default:
		return "unknown"
	}
}

// SubscriptionKind distinguishes a subscriber that supplied a unicast
// transport endpoint from one that is multicast-only (spec.md §3).
type SubscriptionKind uint8

const (
	SubscriptionUnicast SubscriptionKind = iota
	SubscriptionMulticastOnly
)

// EventgroupSubscription is a per-subscriber subscription record owned
// exclusively by the Eventgroup Subscription Manager (spec.md §9).
type EventgroupSubscription struct {
	SDEndpoint   IPEndpoint // source SD endpoint of the subscriber (key, with EventgroupID)
	UDPEndpoint  IPEndpoint // zero value if absent
	TCPEndpoint  IPEndpoint // zero value if absent
	EventgroupID uint16
	Kind         SubscriptionKind
	TTLDeadline  time.Time // zero means "forever" (TTL==TTLForever)
}

// Key identifies the at-most-one-active-subscription slot this record
// occupies (spec.md invariant P3: one per sd_endpoint+eventgroup_id).
type SubscriptionKey struct {
	SDEndpoint   string // IP only; port/transport of the SD source is not part of identity
	EventgroupID uint16
}

func (s EventgroupSubscription) Key() SubscriptionKey {
	return SubscriptionKey{SDEndpoint: s.SDEndpoint.Address.String(), EventgroupID: s.EventgroupID}
}

// HasForeverTTL reports whether the subscription's TTL timer is disabled.
func (s EventgroupSubscription) HasForeverTTL() bool {
	return s.TTLDeadline.IsZero()
}
