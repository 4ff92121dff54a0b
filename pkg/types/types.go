// Package types holds the SOME/IP-SD wire-level data model shared by every
// component of the daemon: service instance identity, transport endpoints,
// SD entries and messages, and the subscription/state records the client
// and server state machines track.
package types

import (
	"fmt"
	"net"
)

// Wildcard values for ServiceInstanceID fields, per the SOME/IP-SD spec.
const (
	InstanceIDAny = 0xFFFF
	MajorAny      = 0xFF
	MinorAny      = 0xFFFFFFFF
)

// TTL sentinels.
const (
	TTLStop    = 0        // negative/stop form of Offer, Subscribe, Ack
	TTLForever = 0xFFFFFF // disables the TTL timer entirely
)

// ServiceInstanceID identifies a SOME/IP service instance.
type ServiceInstanceID struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	MinorVersion uint32
}

func (id ServiceInstanceID) String() string {
	return fmt.Sprintf("%04x.%04x.%d.%d", id.ServiceID, id.InstanceID, id.MajorVersion, id.MinorVersion)
}

// MatchesOffer reports whether a received Offer/StopOffer entry (exact
// fields, no wildcards) satisfies this instance ID acting as a request-side
// pattern. Wildcards are only meaningful on the request side (spec.md §4.5):
// an InstanceIDAny subscription accepts offers for any instance, but major
// and minor must match exactly for offers on the client side (see
// REDESIGN/open question on kMajorVersionAny asymmetry, resolved in
// DESIGN.md).
func (id ServiceInstanceID) MatchesOffer(entry ServiceInstanceID) bool {
	if id.ServiceID != entry.ServiceID {
		return false
	}
	if id.MajorVersion != entry.MajorVersion || id.MinorVersion != entry.MinorVersion {
		return false
	}
	return id.InstanceID == InstanceIDAny || id.InstanceID == entry.InstanceID
}

// MatchesFind reports whether an incoming FindService entry (which may
// itself carry wildcards) matches a provided instance ID (spec.md §4.6).
func (id ServiceInstanceID) MatchesFind(entry ServiceInstanceID) bool {
	if id.ServiceID != entry.ServiceID {
		return false
	}
	if entry.InstanceID != InstanceIDAny && entry.InstanceID != id.InstanceID {
		return false
	}
	if entry.MajorVersion != MajorAny && entry.MajorVersion != id.MajorVersion {
		return false
	}
	if entry.MinorVersion != MinorAny && entry.MinorVersion != id.MinorVersion {
		return false
	}
	return true
}

// Transport identifies the transport protocol of an IPEndpoint.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// IPEndpoint is an (address, port, transport) tuple, IPv4 or IPv6.
type IPEndpoint struct {
	Address   net.IP
	Port      uint16
	Transport Transport
}

func (e IPEndpoint) String() string {
	return fmt.Sprintf("%s:%d/%s", e.Address, e.Port, e.Transport)
}

// IsZero reports whether e carries no address (used to represent an absent
// optional endpoint instead of a pointer, matching how entries are built
// and compared throughout this package).
func (e IPEndpoint) IsZero() bool {
	return e.Address == nil
}

// Equal compares two endpoints for value equality.
func (e IPEndpoint) Equal(o IPEndpoint) bool {
	return e.Port == o.Port && e.Transport == o.Transport && e.Address.Equal(o.Address)
}

// CastKind distinguishes which socket a datagram arrived on or should be
// sent from — determined by which local socket is readable, never by
// inspecting the destination address (spec.md §4.2, §9 "original source").
type CastKind uint8

const (
	CastUnicast CastKind = iota
	CastMulticast
)

func (c CastKind) String() string {
	if c == CastMulticast {
		return "multicast"
	}
	return "unicast"
}

// EntryKind tags the variant carried by an Entry.
type EntryKind uint8

const (
	EntryFindService EntryKind = iota
	EntryOfferService
	EntrySubscribeEventgroup
	EntrySubscribeEventgroupAck
)

// Entry is a tagged union over the four SD entry shapes in spec.md §3.
// StopOfferService/StopSubscribeEventgroup/SubscribeEventgroupNack are not
// separate kinds: they are the TTL=0 flavor of Offer/Subscribe/Ack
// respectively, exactly as spec.md states.
type Entry struct {
	Kind EntryKind
	ID   ServiceInstanceID
	TTL  uint32

	// OfferService only.
	Endpoints []IPEndpoint

	// SubscribeEventgroup / SubscribeEventgroupAck only.
	EventgroupID   uint16
	Counter        uint8 // 4-bit subscription counter
	SubscriberUDP  IPEndpoint
	SubscriberTCP  IPEndpoint
	MulticastEndp  IPEndpoint // Ack only: eventgroup's multicast endpoint, if any
}

// IsStop reports whether this entry is the TTL=0 negative flavor of its
// family (StopOffer / StopSubscribe / Nack).
func (e Entry) IsStop() bool {
	return e.TTL == TTLStop
}

// IsForever reports whether the entry's TTL disables expiry timers.
func (e Entry) IsForever() bool {
	return e.TTL == TTLForever
}

// SDMessage is a full SOME/IP-SD payload: flags, session bookkeeping, and
// the ordered entry sequence. Option de-duplication/back-references are an
// encoding concern internal to pkg/wire; by the time a message reaches the
// rest of the daemon, every entry already carries its own resolved
// endpoints inline (see Entry above).
type SDMessage struct {
	RebootFlag  bool
	UnicastFlag bool
	SessionID   uint16 // 1..=0xFFFF, never 0 (spec.md P1)
	Entries     []Entry
}

// NextSessionID implements the wrap rule from spec.md §3: wraps from
// 0xFFFF to 1, never lands on 0. Returns the next id and whether this call
// wrapped (which clears the caller's reboot flag per §4.4).
func NextSessionID(current uint16) (next uint16, wrapped bool) {
	if current == 0xFFFF {
		return 1, true
	}
	return current + 1, false
}
