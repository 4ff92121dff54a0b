// Package sdnet implements the SD Endpoint (spec.md §4.2): the unicast
// UDP socket plus joined multicast group that back one local interface
// address's participation in Service Discovery. Reader goroutines only
// perform the blocking socket read and hand the datagram to the reactor
// via Submit — every byte of SD state is touched from the reactor loop
// alone, matching the single-threaded cooperative model of spec.md §5.
package sdnet

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/cuemby/someipd/pkg/reactor"
	"github.com/cuemby/someipd/pkg/session"
	"github.com/cuemby/someipd/pkg/stats"
	"github.com/cuemby/someipd/pkg/types"
	"github.com/cuemby/someipd/pkg/wire"
)

// Dispatcher receives a fully decoded, reboot-annotated SD message. The
// daemon wires this to the Observer Registry / state machine fan-out.
type Dispatcher interface {
	Dispatch(peer types.IPEndpoint, cast types.CastKind, msg *types.SDMessage, isReboot bool)
}

// multicastConn abstracts ipv4.PacketConn and ipv6.PacketConn behind the
// handful of operations Endpoint needs, so the rest of the package does
// not branch on address family.
type multicastConn interface {
	JoinGroup(iface *net.Interface, group net.Addr) error
	ReadFrom(b []byte) (n int, src net.Addr, err error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	Close() error
}

type ipv4Conn struct{ *ipv4.PacketConn }

func (c ipv4Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := c.PacketConn.ReadFrom(b)
	return n, src, err
}

type ipv6Conn struct{ *ipv6.PacketConn }

func (c ipv6Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := c.PacketConn.ReadFrom(b)
	return n, src, err
}

// Endpoint owns one local interface's unicast socket and multicast group
// membership (spec.md §4.2).
type Endpoint struct {
	ID uuid.UUID

	localIP  net.IP
	port     uint16
	v6       bool
	group    net.IP
	ifaceNme string

	reactor    *reactor.Reactor
	tracker    *session.Tracker
	dispatcher Dispatcher
	stats      stats.Sink
	log        zerolog.Logger

	unicastConn *net.UDPConn
	mcastConn   multicastConn

	sendBuf []byte

	stop chan struct{}
}

// Config configures one Endpoint.
type Config struct {
	Interface        string // empty means "all multicast-capable interfaces"
	LocalIP          net.IP
	MulticastGroup   net.IP
	Port             uint16
	MaxSDMessageSize int
}

// New constructs an Endpoint. Call Open to bind sockets and start reading.
func New(cfg Config, r *reactor.Reactor, tracker *session.Tracker, dispatcher Dispatcher, sink stats.Sink, log zerolog.Logger) *Endpoint {
	if sink == nil {
		sink = stats.NopSink{}
	}
	maxMsg := cfg.MaxSDMessageSize
	if maxMsg == 0 {
		maxMsg = 1400
	}
	return &Endpoint{
		ID:         uuid.New(),
		localIP:    cfg.LocalIP,
		port:       cfg.Port,
		v6:         cfg.LocalIP.To4() == nil,
		group:      cfg.MulticastGroup,
		ifaceNme:   cfg.Interface,
		reactor:    r,
		tracker:    tracker,
		dispatcher: dispatcher,
		stats:      sink,
		log:        log.With().Str("local_ip", cfg.LocalIP.String()).Logger(),
		sendBuf:    make([]byte, maxMsg),
		stop:       make(chan struct{}),
	}
}

// Open binds the unicast socket, joins the multicast group, and starts
// the reader goroutines. Idempotent: calling Open twice without an
// intervening Close is a no-op.
func (e *Endpoint) Open() error {
	if e.unicastConn != nil {
		return nil
	}

	network := "udp4"
	if e.v6 {
		network = "udp6"
	}
	uconn, err := net.ListenUDP(network, &net.UDPAddr{IP: e.localIP, Port: int(e.port)})
	if err != nil {
		return fmt.Errorf("sdnet: listening unicast on %s:%d: %w", e.localIP, e.port, err)
	}
	e.unicastConn = uconn

	mconn, err := net.ListenUDP(network, &net.UDPAddr{IP: e.group, Port: int(e.port)})
	if err != nil {
		uconn.Close()
		return fmt.Errorf("sdnet: listening multicast on %s:%d: %w", e.group, e.port, err)
	}

	ifaces, err := e.multicastInterfaces()
	if err != nil {
		uconn.Close()
		mconn.Close()
		return err
	}

	if e.v6 {
		pc := ipv6.NewPacketConn(mconn)
		dst := &net.UDPAddr{IP: e.group, Port: int(e.port)}
		for _, iface := range ifaces {
			if err := pc.JoinGroup(&iface, dst); err != nil {
				e.log.Warn().Err(err).Str("interface", iface.Name).Msg("joining IPv6 SD multicast group failed")
			}
		}
		e.mcastConn = ipv6Conn{pc}
	} else {
		pc := ipv4.NewPacketConn(mconn)
		pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)
		dst := &net.UDPAddr{IP: e.group, Port: int(e.port)}
		for _, iface := range ifaces {
			if err := pc.JoinGroup(&iface, dst); err != nil {
				e.log.Warn().Err(err).Str("interface", iface.Name).Msg("joining IPv4 SD multicast group failed")
			}
		}
		e.mcastConn = ipv4Conn{pc}
	}

	go e.readLoop(e.unicastConn, types.CastUnicast)
	go e.readLoopMulticast()

	e.log.Info().Str("group", e.group.String()).Uint16("port", e.port).Msg("SD endpoint opened")
	return nil
}

func (e *Endpoint) multicastInterfaces() ([]net.Interface, error) {
	if e.ifaceNme != "" {
		iface, err := net.InterfaceByName(e.ifaceNme)
		if err != nil {
			return nil, fmt.Errorf("sdnet: resolving interface %s: %w", e.ifaceNme, err)
		}
		return []net.Interface{*iface}, nil
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("sdnet: listing interfaces: %w", err)
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			out = append(out, iface)
		}
	}
	return out, nil
}

// Close stops the reader goroutines and releases both sockets.
func (e *Endpoint) Close() error {
	if e.unicastConn == nil {
		return nil
	}
	close(e.stop)
	e.unicastConn.Close()
	e.mcastConn.Close()
	e.unicastConn = nil
	e.mcastConn = nil
	return nil
}

func (e *Endpoint) readLoop(conn *net.UDPConn, cast types.CastKind) {
	buf := make([]byte, 1<<16)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.log.Warn().Err(err).Msg("unicast read failed")
				return
			}
		}
		data := append([]byte(nil), buf[:n]...)
		e.reactor.Submit(func() { e.handleDatagram(data, src, cast) })
	}
}

func (e *Endpoint) readLoopMulticast() {
	buf := make([]byte, 1<<16)
	for {
		n, src, err := e.mcastConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.log.Warn().Err(err).Msg("multicast read failed")
				return
			}
		}
		data := append([]byte(nil), buf[:n]...)
		e.reactor.Submit(func() { e.handleDatagram(data, src, types.CastMulticast) })
	}
}

// handleDatagram runs on the reactor loop: decode, reboot-detect, dispatch.
func (e *Endpoint) handleDatagram(data []byte, src net.Addr, cast types.CastKind) {
	msg, err := wire.Decode(data)
	if err != nil {
		e.stats.Increment(stats.RejectedHeader)
		e.log.Debug().Err(err).Str("src", src.String()).Msg("dropping malformed SD datagram")
		return
	}

	udpAddr, _ := src.(*net.UDPAddr)
	var peerIP string
	if udpAddr != nil {
		peerIP = udpAddr.IP.String()
	}

	isReboot := e.tracker.ObserveInbound(peerIP, cast, msg.SessionID, msg.RebootFlag)

	peer := types.IPEndpoint{Transport: types.TransportUDP}
	if udpAddr != nil {
		peer.Address = udpAddr.IP
		peer.Port = uint16(udpAddr.Port)
	}

	// Reboot notification precedes entry dispatch (spec.md §4.2).
	e.dispatcher.Dispatch(peer, cast, msg, isReboot)
}

// SendUnicast serializes msg and transmits it to dest.
func (e *Endpoint) SendUnicast(dest types.IPEndpoint, msg *types.SDMessage) error {
	n, err := e.encode(msg)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: dest.Address, Port: int(dest.Port)}
	_, err = e.unicastConn.WriteToUDP(e.sendBuf[:n], addr)
	return err
}

// SendMulticast serializes msg and transmits it to the joined group.
func (e *Endpoint) SendMulticast(msg *types.SDMessage) error {
	n, err := e.encode(msg)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: e.group, Port: int(e.port)}
	_, err = e.mcastConn.WriteTo(e.sendBuf[:n], dst)
	return err
}

func (e *Endpoint) encode(msg *types.SDMessage) (int, error) {
	need, err := wire.EncodedLen(msg)
	if err != nil {
		return 0, err
	}
	if need > len(e.sendBuf) {
		e.sendBuf = make([]byte, need)
	}
	return wire.Encode(msg, e.sendBuf)
}

// LocalIP returns the endpoint's bound unicast address, used by the
// Session/Reboot Tracker and the scheduler to key outbound state.
func (e *Endpoint) LocalIP() net.IP { return e.localIP }
