package eventgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/someipd/pkg/config"
	"github.com/cuemby/someipd/pkg/types"
)

type fakeEventSender struct {
	unicastUDP []types.IPEndpoint
	tcp        []types.IPEndpoint
	multicast  []types.IPEndpoint
}

func (f *fakeEventSender) SendUnicastUDP(dest types.IPEndpoint, eventID uint16, payload []byte) error {
	f.unicastUDP = append(f.unicastUDP, dest)
	return nil
}

func (f *fakeEventSender) SendTCP(dest types.IPEndpoint, eventID uint16, payload []byte) error {
	f.tcp = append(f.tcp, dest)
	return nil
}

func (f *fakeEventSender) SendMulticast(group types.IPEndpoint, eventID uint16, payload []byte) error {
	f.multicast = append(f.multicast, group)
	return nil
}

func subAt(addr byte, port uint16) (from, udp types.IPEndpoint) {
	from = types.IPEndpoint{Address: []byte{10, 0, 0, addr}, Port: 30490}
	udp = types.IPEndpoint{Address: []byte{10, 0, 0, addr}, Port: port}
	return
}

func TestDispatchUsesUnicastBelowThreshold(t *testing.T) {
	sched := newFakeScheduler()
	remote := newFakeRemote()
	eg := config.EventgroupConfig{
		EventgroupID:       1,
		Events:             []config.EventConfig{{EventID: 0x8001, Transport: types.TransportUDP}},
		MulticastThreshold: 3,
		MulticastEndpoint:  &types.IPEndpoint{Address: []byte{239, 0, 0, 1}, Port: 30490},
	}
	m, _ := newTestManager(sched, remote, []config.EventgroupConfig{eg}, types.ServerMain, defaultConfiguredUDP, types.IPEndpoint{})

	from1, udp1 := subAt(10, 30501)
	from2, udp2 := subAt(11, 30501)
	m.Subscribe(1, types.TTLForever, from1, udp1, types.IPEndpoint{})
	m.Subscribe(1, types.TTLForever, from2, udp2, types.IPEndpoint{})

	sender := &fakeEventSender{}
	d := NewDispatcher(m, sender)
	d.Dispatch(0x8001, []uint16{1}, []byte("payload"))

	assert.Empty(t, sender.multicast, "below threshold must not use multicast")
	assert.Len(t, sender.unicastUDP, 2)
}

func TestDispatchUsesMulticastAtThreshold(t *testing.T) {
	sched := newFakeScheduler()
	remote := newFakeRemote()
	eg := config.EventgroupConfig{
		EventgroupID:       1,
		Events:             []config.EventConfig{{EventID: 0x8001, Transport: types.TransportUDP}},
		MulticastThreshold: 2,
		MulticastEndpoint:  &types.IPEndpoint{Address: []byte{239, 0, 0, 1}, Port: 30490},
	}
	m, _ := newTestManager(sched, remote, []config.EventgroupConfig{eg}, types.ServerMain, defaultConfiguredUDP, types.IPEndpoint{})

	from1, udp1 := subAt(10, 30501)
	from2, udp2 := subAt(11, 30501)
	m.Subscribe(1, types.TTLForever, from1, udp1, types.IPEndpoint{})
	m.Subscribe(1, types.TTLForever, from2, udp2, types.IPEndpoint{})

	sender := &fakeEventSender{}
	d := NewDispatcher(m, sender)
	d.Dispatch(0x8001, []uint16{1}, []byte("payload"))

	assert.Len(t, sender.multicast, 1, "meeting threshold must send exactly one multicast datagram")
	assert.Empty(t, sender.unicastUDP)
}

func TestDispatchDedupsSubscriberSharedAcrossEventgroups(t *testing.T) {
	sched := newFakeScheduler()
	remote := newFakeRemote()
	eg1 := udpEventgroup(1)
	eg2 := udpEventgroup(2)
	m, _ := newTestManager(sched, remote, []config.EventgroupConfig{eg1, eg2}, types.ServerMain, defaultConfiguredUDP, types.IPEndpoint{})

	from, udp := subAt(10, 30501)
	m.Subscribe(1, types.TTLForever, from, udp, types.IPEndpoint{})
	m.Subscribe(2, types.TTLForever, from, udp, types.IPEndpoint{})

	sender := &fakeEventSender{}
	d := NewDispatcher(m, sender)
	d.Dispatch(0x8001, []uint16{1, 2}, []byte("payload"))

	assert.Len(t, sender.unicastUDP, 1, "one subscriber shared by two eventgroups must be sent to once")
}

func TestDispatchRoutesByTheEventsOwnTransportNotBySubscriberPresence(t *testing.T) {
	sched := newFakeScheduler()
	remote := newFakeRemote()
	eg := config.EventgroupConfig{
		EventgroupID: 1,
		Events: []config.EventConfig{
			{EventID: 0x8001, Transport: types.TransportUDP},
			{EventID: 0x8002, Transport: types.TransportTCP},
		},
	}
	tcpEndpoint := types.IPEndpoint{Address: []byte{10, 0, 0, 10}, Port: 30509, Transport: types.TransportTCP}
	m, _ := newTestManager(sched, remote, []config.EventgroupConfig{eg}, types.ServerMain, defaultConfiguredUDP, tcpEndpoint)
	remote.tcpUp[tcpEndpoint.String()] = true

	from, udp := subAt(10, 30501)
	m.Subscribe(1, types.TTLForever, from, udp, tcpEndpoint)

	sender := &fakeEventSender{}
	d := NewDispatcher(m, sender)

	d.Dispatch(0x8001, []uint16{1}, []byte("udp event"))
	assert.Len(t, sender.unicastUDP, 1, "UDP-transport event must go out over UDP even though the subscriber also registered a TCP endpoint")
	assert.Empty(t, sender.tcp)

	d.Dispatch(0x8002, []uint16{1}, []byte("tcp event"))
	assert.Len(t, sender.tcp, 1, "TCP-transport event must go out over TCP")
	assert.Len(t, sender.unicastUDP, 1, "dispatching the TCP event must not also send a UDP copy")
}

func TestDispatchSkipsEventgroupsWithNoSubscribers(t *testing.T) {
	sched := newFakeScheduler()
	remote := newFakeRemote()
	m, _ := newTestManager(sched, remote, []config.EventgroupConfig{udpEventgroup(1)}, types.ServerMain, defaultConfiguredUDP, types.IPEndpoint{})

	sender := &fakeEventSender{}
	d := NewDispatcher(m, sender)
	assert.NotPanics(t, func() { d.Dispatch(0x8001, []uint16{1}, []byte("payload")) })
	assert.Empty(t, sender.unicastUDP)
	assert.Empty(t, sender.multicast)
}
