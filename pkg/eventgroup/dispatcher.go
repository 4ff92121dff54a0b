package eventgroup

import (
	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/types"
)

// EventSender forwards one event payload over a concrete transport.
// Implementations live in the data plane (out of scope here, per
// spec.md §1); this package only decides where a payload goes.
type EventSender interface {
	SendUnicastUDP(dest types.IPEndpoint, eventID uint16, payload []byte) error
	SendTCP(dest types.IPEndpoint, eventID uint16, payload []byte) error
	SendMulticast(group types.IPEndpoint, eventID uint16, payload []byte) error
}

// Dispatcher decides, per event, whether to fan a payload out via
// multicast or per-subscriber unicast, grounded on
// event_message_dispatcher.h's DispatchSomeIpMessage/DispatchPduMessage:
// multicast is used only when the eventgroup has a multicast endpoint,
// its threshold is not "unicast only", and the live subscriber count
// meets the threshold; otherwise every subscriber is sent to
// individually over its own transport, deduplicated by (address, port)
// so two eventgroups sharing a subscriber are not sent to twice.
type Dispatcher struct {
	manager *Manager
	sender  EventSender
}

// NewDispatcher builds a Dispatcher over one provided instance's
// subscription Manager.
func NewDispatcher(manager *Manager, sender EventSender) *Dispatcher {
	return &Dispatcher{manager: manager, sender: sender}
}

// Dispatch sends payload for eventID to every subscriber of every
// eventgroup the event belongs to (eventgroupIDs), applying the
// multicast-threshold policy per eventgroup and deduplicating unicast
// sends across eventgroups that share a subscriber.
func (d *Dispatcher) Dispatch(eventID uint16, eventgroupIDs []uint16, payload []byte) {
	sentTo := make(map[string]struct{})

	for _, egID := range eventgroupIDs {
		eg, ok := d.manager.Eventgroup(egID)
		if !ok {
			continue
		}
		subs := d.manager.Subscriptions(egID)
		if len(subs) == 0 {
			continue
		}

		sendViaMulticast := eg.MulticastEndpoint != nil &&
			eg.MulticastThreshold != unicastOnlyThreshold &&
			len(subs) >= eg.MulticastThreshold

		if sendViaMulticast {
			_ = d.sender.SendMulticast(*eg.MulticastEndpoint, eventID, payload)
			continue
		}

		useTCP := eventTransport(eg, eventID) == types.TransportTCP

		for _, sub := range subs {
			var dest types.IPEndpoint
			switch {
			case useTCP && !sub.TCPEndpoint.IsZero():
				dest = sub.TCPEndpoint
			case !useTCP && !sub.UDPEndpoint.IsZero():
				dest = sub.UDPEndpoint
			default:
				continue // subscriber never registered an endpoint for this event's transport
			}

			dedupKey := dest.String()
			if _, sent := sentTo[dedupKey]; sent {
				continue
			}
			sentTo[dedupKey] = struct{}{}

			if useTCP {
				_ = d.sender.SendTCP(dest, eventID, payload)
			} else {
				_ = d.sender.SendUnicastUDP(dest, eventID, payload)
			}
		}
	}
}

// unicastOnlyThreshold mirrors kEventMulticastThresholdUseOnlyUnicast: a
// configured threshold of 0 disables multicast for the eventgroup
// entirely.
const unicastOnlyThreshold = 0

// eventTransport looks up the configured transport for eventID within
// eg, falling back to UDP if the event is somehow not listed (it always
// should be, since Dispatch is only ever called with an eventID that
// belongs to one of eg's configured events).
func eventTransport(eg config.EventgroupConfig, eventID uint16) types.Transport {
	for _, e := range eg.Events {
		if e.EventID == eventID {
			return e.Transport
		}
	}
	return types.TransportUDP
}
