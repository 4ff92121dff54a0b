// Package sdmsg implements the Message Builder (spec.md §2, component I):
// stateless functions that construct the entry shape for each SD message
// kind. Every function here is a pure value constructor — no state, no
// I/O — callers hand the result to pkg/sdsched for scheduling and
// eventually pkg/wire for serialization.
package sdmsg

import "github.com/cuemby/someipd/pkg/types"

// FindService builds a FindService entry for a required instance.
func FindService(id types.ServiceInstanceID, ttl uint32) types.Entry {
	return types.Entry{Kind: types.EntryFindService, ID: id, TTL: ttl}
}

// OfferService builds an OfferService entry advertising endpoints.
func OfferService(id types.ServiceInstanceID, ttl uint32, endpoints ...types.IPEndpoint) types.Entry {
	return types.Entry{Kind: types.EntryOfferService, ID: id, TTL: ttl, Endpoints: endpoints}
}

// StopOfferService builds the negative (TTL=0) flavor of OfferService.
func StopOfferService(id types.ServiceInstanceID, endpoints ...types.IPEndpoint) types.Entry {
	return types.Entry{Kind: types.EntryOfferService, ID: id, TTL: types.TTLStop, Endpoints: endpoints}
}

// SubscribeEventgroup builds a SubscribeEventgroup entry. Pass the zero
// value for whichever of udp/tcp the subscriber did not advertise.
func SubscribeEventgroup(id types.ServiceInstanceID, eventgroupID uint16, ttl uint32, counter uint8, udp, tcp types.IPEndpoint) types.Entry {
	return types.Entry{
		Kind:          types.EntrySubscribeEventgroup,
		ID:            id,
		TTL:           ttl,
		EventgroupID:  eventgroupID,
		Counter:       counter,
		SubscriberUDP: udp,
		SubscriberTCP: tcp,
	}
}

// StopSubscribeEventgroup builds the negative (TTL=0) flavor of Subscribe.
func StopSubscribeEventgroup(id types.ServiceInstanceID, eventgroupID uint16, udp, tcp types.IPEndpoint) types.Entry {
	e := SubscribeEventgroup(id, eventgroupID, types.TTLStop, 0, udp, tcp)
	return e
}

// SubscribeAck builds a SubscribeEventgroupAck entry, optionally carrying
// the eventgroup's multicast endpoint.
func SubscribeAck(id types.ServiceInstanceID, eventgroupID uint16, ttl uint32, multicast types.IPEndpoint) types.Entry {
	return types.Entry{
		Kind:          types.EntrySubscribeEventgroupAck,
		ID:            id,
		TTL:           ttl,
		EventgroupID:  eventgroupID,
		MulticastEndp: multicast,
	}
}

// SubscribeNack builds the negative (TTL=0) flavor of SubscribeAck.
func SubscribeNack(id types.ServiceInstanceID, eventgroupID uint16) types.Entry {
	return types.Entry{Kind: types.EntrySubscribeEventgroupAck, ID: id, TTL: types.TTLStop, EventgroupID: eventgroupID}
}

// Message wraps entries into a complete SDMessage. session and reboot are
// normally supplied by the Session/Reboot Tracker just before send.
func Message(sessionID uint16, rebootFlag, unicastFlag bool, entries ...types.Entry) *types.SDMessage {
	return &types.SDMessage{
		RebootFlag:  rebootFlag,
		UnicastFlag: unicastFlag,
		SessionID:   sessionID,
		Entries:     entries,
	}
}
