package daemon

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/someipd/pkg/types"
)

// dialAddr builds a bare "ip:port" address suitable for net.Dial from an
// IPEndpoint, since IPEndpoint.String() appends the transport for logging.
func dialAddr(ep types.IPEndpoint) string {
	return fmt.Sprintf("%s:%d", ep.Address, ep.Port)
}

const eventSendDialTimeout = 2 * time.Second

// udpTCPEventSender is a minimal eventgroup.EventSender: one dial per
// send, no connection pooling. Framing a real SOME/IP payload (message
// ID, length, request ID, interface version) is data-plane marshalling,
// out of scope per spec.md §1 Non-goals; this sender only prefixes the
// raw payload with the big-endian event id so a subscriber can tell
// which event a given datagram carries.
type udpTCPEventSender struct{}

func newUDPTCPEventSender() *udpTCPEventSender {
	return &udpTCPEventSender{}
}

func frame(eventID uint16, payload []byte) []byte {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], eventID)
	copy(buf[2:], payload)
	return buf
}

func (s *udpTCPEventSender) SendUnicastUDP(dest types.IPEndpoint, eventID uint16, payload []byte) error {
	conn, err := net.DialTimeout("udp", dialAddr(dest), eventSendDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(frame(eventID, payload))
	return err
}

func (s *udpTCPEventSender) SendTCP(dest types.IPEndpoint, eventID uint16, payload []byte) error {
	conn, err := net.DialTimeout("tcp", dialAddr(dest), eventSendDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(frame(eventID, payload))
	return err
}

func (s *udpTCPEventSender) SendMulticast(group types.IPEndpoint, eventID uint16, payload []byte) error {
	conn, err := net.DialTimeout("udp", dialAddr(group), eventSendDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(frame(eventID, payload))
	return err
}
