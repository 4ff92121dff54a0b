// Package wire implements the SOME/IP-SD header, entry and option codec:
// the only place in the daemon that knows the on-wire byte layout. Every
// other package speaks types.SDMessage.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/someipd/pkg/types"
)

// SOME/IP header field values that mark a datagram as Service Discovery,
// per spec.md §6.
const (
	HeaderServiceID       uint16 = 0xFFFF
	HeaderMethodID        uint16 = 0x8100
	HeaderProtocolVersion uint8  = 0x01
	HeaderInterfaceVersion uint8 = 0x01
	HeaderMessageType     uint8  = 0x02 // NOTIFICATION
	HeaderReturnCode      uint8  = 0x00
	HeaderClientID        uint16 = 0x0000
)

const (
	someipHeaderLen = 16 // service_id..return_code, fixed
	entryLen        = 16 // every SD entry is 16 bytes, regardless of kind
	flagsRebootBit  = 0x80
	flagsUnicastBit = 0x40
)

// Entry type codes (spec.md §6).
const (
	entryTypeFindService         = 0x00
	entryTypeOfferService        = 0x01
	entryTypeSubscribeEventgroup = 0x06
	entryTypeSubscribeAck        = 0x07
)

// Option type codes (spec.md §6). Configuration and LoadBalancing are
// recognized but carry no data this daemon consumes; they are skipped like
// any other unknown type.
const (
	optTypeConfiguration  = 0x01
	optTypeLoadBalancing  = 0x02
	optTypeIPv4Endpoint   = 0x04
	optTypeIPv6Endpoint   = 0x06
	optTypeIPv4Multicast  = 0x14
	optTypeIPv6Multicast  = 0x16
	optTypeIPv4SDEndpoint = 0x24
	optTypeIPv6SDEndpoint = 0x26
)

const (
	l4ProtoUDP = 0x11
	l4ProtoTCP = 0x06
)

// Decode errors are never retried or propagated past the caller; per
// spec.md §7 the reactor callback drops the datagram and counts it.
var (
	ErrTooShort       = errors.New("wire: datagram shorter than a SOME/IP header")
	ErrNotSD          = errors.New("wire: not a Service Discovery message")
	ErrBadLength      = errors.New("wire: length field inconsistent with datagram size")
	ErrTruncatedEntry = errors.New("wire: truncated entry or option array")
	ErrOptionRef      = errors.New("wire: entry references an out-of-range option run")
	ErrBufferTooSmall = errors.New("wire: destination buffer too small")
)

// Decode parses a single UDP datagram into an SDMessage. It validates the
// SOME/IP-SD header fields (spec.md §4.1/§6) and returns ErrNotSD if any of
// them don't match the reserved SD values; callers must drop the datagram
// without replying in that case.
func Decode(data []byte) (*types.SDMessage, error) {
	if len(data) < someipHeaderLen {
		return nil, ErrTooShort
	}

	serviceID := binary.BigEndian.Uint16(data[0:2])
	methodID := binary.BigEndian.Uint16(data[2:4])
	length := binary.BigEndian.Uint32(data[4:8])
	clientID := binary.BigEndian.Uint16(data[8:10])
	sessionID := binary.BigEndian.Uint16(data[10:12])
	protocolVersion := data[12]
	interfaceVersion := data[13]
	messageType := data[14]
	returnCode := data[15]

	if serviceID != HeaderServiceID || methodID != HeaderMethodID {
		return nil, ErrNotSD
	}
	if clientID != HeaderClientID {
		return nil, fmt.Errorf("%w: client_id=%#x", ErrNotSD, clientID)
	}
	if protocolVersion != HeaderProtocolVersion || interfaceVersion != HeaderInterfaceVersion ||
		messageType != HeaderMessageType || returnCode != HeaderReturnCode {
		return nil, fmt.Errorf("%w: protocol=%#x interface=%#x type=%#x return=%#x",
			ErrNotSD, protocolVersion, interfaceVersion, messageType, returnCode)
	}
	if length < 8 {
		return nil, ErrBadLength
	}
	payloadLen := int(length) - 8
	if someipHeaderLen+payloadLen != len(data) {
		return nil, ErrBadLength
	}
	payload := data[someipHeaderLen:]

	if len(payload) < 4+4+4 {
		return nil, ErrTruncatedEntry
	}
	flags := payload[0]
	entriesArrayLen := binary.BigEndian.Uint32(payload[4:8])
	entriesStart := 8
	entriesEnd := entriesStart + int(entriesArrayLen)
	if entriesEnd > len(payload) || int(entriesArrayLen)%entryLen != 0 {
		return nil, ErrTruncatedEntry
	}
	if entriesEnd+4 > len(payload) {
		return nil, ErrTruncatedEntry
	}
	optionsArrayLen := binary.BigEndian.Uint32(payload[entriesEnd : entriesEnd+4])
	optionsStart := entriesEnd + 4
	optionsEnd := optionsStart + int(optionsArrayLen)
	if optionsEnd > len(payload) {
		return nil, ErrTruncatedEntry
	}

	options, err := decodeOptions(payload[optionsStart:optionsEnd])
	if err != nil {
		return nil, err
	}

	rawEntries := payload[entriesStart:entriesEnd]
	entries := make([]types.Entry, 0, int(entriesArrayLen)/entryLen)
	for off := 0; off < len(rawEntries); off += entryLen {
		entry, ok, err := decodeEntry(rawEntries[off:off+entryLen], options)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}

	return &types.SDMessage{
		RebootFlag:  flags&flagsRebootBit != 0,
		UnicastFlag: flags&flagsUnicastBit != 0,
		SessionID:   sessionID,
		Entries:     entries,
	}, nil
}

// decodeEntry turns one 16-byte entry plus the already-decoded option pool
// into a types.Entry. ok is false for entry kinds this daemon doesn't
// understand (reserved type codes); the entry is then silently skipped,
// matching the unknown-option skip rule spec.md §4.1 states for options.
func decodeEntry(b []byte, options []decodedOption) (types.Entry, bool, error) {
	kind := b[0]
	index1 := b[1]
	index2 := b[2]
	num1 := b[3] >> 4
	num2 := b[3] & 0x0F
	serviceID := binary.BigEndian.Uint16(b[4:6])
	instanceID := binary.BigEndian.Uint16(b[6:8])
	majorVersion := b[8]
	ttl := uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])

	id := types.ServiceInstanceID{ServiceID: serviceID, InstanceID: instanceID, MajorVersion: majorVersion}

	run1, err := optionRun(options, index1, num1)
	if err != nil {
		return types.Entry{}, false, err
	}
	run2, err := optionRun(options, index2, num2)
	if err != nil {
		return types.Entry{}, false, err
	}
	endpoints := append(append([]decodedOption{}, run1...), run2...)

	switch kind {
	case entryTypeFindService, entryTypeOfferService:
		id.MinorVersion = binary.BigEndian.Uint32(b[12:16])
		e := types.Entry{ID: id, TTL: ttl}
		if kind == entryTypeFindService {
			e.Kind = types.EntryFindService
			return e, true, nil
		}
		e.Kind = types.EntryOfferService
		for _, opt := range endpoints {
			e.Endpoints = append(e.Endpoints, opt.endpoint)
		}
		return e, true, nil

	case entryTypeSubscribeEventgroup, entryTypeSubscribeAck:
		counter := b[12] & 0x0F
		eventgroupID := binary.BigEndian.Uint16(b[13:15])
		e := types.Entry{ID: id, TTL: ttl, EventgroupID: eventgroupID, Counter: counter}
		for _, opt := range endpoints {
			switch {
			case opt.multicast:
				e.MulticastEndp = opt.endpoint
			case opt.endpoint.Transport == types.TransportTCP:
				e.SubscriberTCP = opt.endpoint
			default:
				e.SubscriberUDP = opt.endpoint
			}
		}
		if kind == entryTypeSubscribeEventgroup {
			e.Kind = types.EntrySubscribeEventgroup
		} else {
			e.Kind = types.EntrySubscribeEventgroupAck
		}
		return e, true, nil

	default:
		return types.Entry{}, false, nil
	}
}

func optionRun(options []decodedOption, index, count uint8) ([]decodedOption, error) {
	if count == 0 {
		return nil, nil
	}
	start := int(index)
	end := start + int(count)
	if start < 0 || end > len(options) {
		return nil, ErrOptionRef
	}
	return options[start:end], nil
}

// decodedOption is an already-parsed endpoint option plus enough of its
// type tag for decodeEntry to route it.
type decodedOption struct {
	endpoint  types.IPEndpoint
	multicast bool
}

func decodeOptions(b []byte) ([]decodedOption, error) {
	var out []decodedOption
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, ErrTruncatedEntry
		}
		length := binary.BigEndian.Uint16(b[0:2])
		optType := b[2]
		total := 2 + int(length)
		if total > len(b) {
			return nil, ErrTruncatedEntry
		}
		body := b[4:total]

		switch optType {
		case optTypeIPv4Endpoint, optTypeIPv4Multicast, optTypeIPv4SDEndpoint:
			ep, err := decodeIPv4EndpointBody(body)
			if err != nil {
				return nil, err
			}
			out = append(out, decodedOption{endpoint: ep, multicast: optType == optTypeIPv4Multicast})
		case optTypeIPv6Endpoint, optTypeIPv6Multicast, optTypeIPv6SDEndpoint:
			ep, err := decodeIPv6EndpointBody(body)
			if err != nil {
				return nil, err
			}
			out = append(out, decodedOption{endpoint: ep, multicast: optType == optTypeIPv6Multicast})
		case optTypeConfiguration, optTypeLoadBalancing:
			out = append(out, decodedOption{}) // placeholder: keeps index references valid
		default:
			out = append(out, decodedOption{}) // unknown type: skipped, but still occupies an index slot
		}
		b = b[total:]
	}
	return out, nil
}

func decodeIPv4EndpointBody(body []byte) (types.IPEndpoint, error) {
	if len(body) != 9 {
		return types.IPEndpoint{}, ErrTruncatedEntry
	}
	addr := net.IP(append([]byte{}, body[1:5]...))
	proto := body[6]
	port := binary.BigEndian.Uint16(body[7:9])
	return types.IPEndpoint{Address: addr, Port: port, Transport: transportFromL4(proto)}, nil
}

func decodeIPv6EndpointBody(body []byte) (types.IPEndpoint, error) {
	if len(body) != 21 {
		return types.IPEndpoint{}, ErrTruncatedEntry
	}
	addr := net.IP(append([]byte{}, body[1:17]...))
	proto := body[18]
	port := binary.BigEndian.Uint16(body[19:21])
	return types.IPEndpoint{Address: addr, Port: port, Transport: transportFromL4(proto)}, nil
}

func transportFromL4(proto byte) types.Transport {
	if proto == l4ProtoTCP {
		return types.TransportTCP
	}
	return types.TransportUDP
}

// Encode serializes msg into dst, returning the number of bytes written.
// dst must be at least EncodedLen(msg) bytes; ErrBufferTooSmall otherwise.
func Encode(msg *types.SDMessage, dst []byte) (int, error) {
	entries, options, err := buildEntriesAndOptions(msg.Entries)
	if err != nil {
		return 0, err
	}

	payloadLen := 4 + 4 + len(entries) + 4 + len(options)
	total := someipHeaderLen + payloadLen
	if len(dst) < total {
		return 0, ErrBufferTooSmall
	}

	binary.BigEndian.PutUint16(dst[0:2], HeaderServiceID)
	binary.BigEndian.PutUint16(dst[2:4], HeaderMethodID)
	binary.BigEndian.PutUint32(dst[4:8], uint32(8+payloadLen))
	binary.BigEndian.PutUint16(dst[8:10], HeaderClientID)
	binary.BigEndian.PutUint16(dst[10:12], msg.SessionID)
	dst[12] = HeaderProtocolVersion
	dst[13] = HeaderInterfaceVersion
	dst[14] = HeaderMessageType
	dst[15] = HeaderReturnCode

	p := dst[someipHeaderLen:]
	var flags byte
	if msg.RebootFlag {
		flags |= flagsRebootBit
	}
	if msg.UnicastFlag {
		flags |= flagsUnicastBit
	}
	p[0], p[1], p[2], p[3] = flags, 0, 0, 0
	binary.BigEndian.PutUint32(p[4:8], uint32(len(entries)))
	copy(p[8:8+len(entries)], entries)
	optOff := 8 + len(entries)
	binary.BigEndian.PutUint32(p[optOff:optOff+4], uint32(len(options)))
	copy(p[optOff+4:optOff+4+len(options)], options)

	return total, nil
}

// EncodedLen returns the exact byte length Encode would need for msg.
func EncodedLen(msg *types.SDMessage) (int, error) {
	entries, options, err := buildEntriesAndOptions(msg.Entries)
	if err != nil {
		return 0, err
	}
	return someipHeaderLen + 4 + 4 + len(entries) + 4 + len(options), nil
}

// buildEntriesAndOptions serializes entries and returns the concatenated
// entry bytes plus the option array, with each entry's run pointing at its
// slice of that array. Every referenced endpoint becomes one contiguous
// run (index1/num1): a single-endpoint entry reuses an identical option
// already in the array, while a multi-endpoint run is always appended
// whole so it stays contiguous. run2 is unused by this encoder — a
// deliberate simplification, since nothing this daemon builds needs two
// disjoint option runs per entry.
func buildEntriesAndOptions(in []types.Entry) ([]byte, []byte, error) {
	var entryBuf, optBuf []byte
	pool := map[string]int{} // encoded option bytes -> index in the option array
	numOpts := 0

	internOption := func(raw []byte, shared bool) uint8 {
		key := string(raw)
		if idx, ok := pool[key]; ok && shared {
			return uint8(idx)
		}
		pool[key] = numOpts
		optBuf = append(optBuf, raw...)
		numOpts++
		return uint8(numOpts - 1)
	}

	for _, e := range in {
		var run []types.IPEndpoint
		switch e.Kind {
		case types.EntryOfferService:
			run = e.Endpoints
		case types.EntrySubscribeEventgroup:
			if !e.SubscriberUDP.IsZero() {
				run = append(run, e.SubscriberUDP)
			}
			if !e.SubscriberTCP.IsZero() {
				run = append(run, e.SubscriberTCP)
			}
		case types.EntrySubscribeEventgroupAck:
			if !e.SubscriberUDP.IsZero() {
				run = append(run, e.SubscriberUDP)
			}
			if !e.SubscriberTCP.IsZero() {
				run = append(run, e.SubscriberTCP)
			}
			if !e.MulticastEndp.IsZero() {
				run = append(run, e.MulticastEndp)
			}
		}

		index1, num1 := uint8(0), uint8(0)
		if len(run) > 0 {
			num1 = uint8(len(run))
			for i, ep := range run {
				multicast := e.Kind == types.EntrySubscribeEventgroupAck && ep.Equal(e.MulticastEndp)
				idx := internOption(encodeEndpointOption(ep, multicast), len(run) == 1)
				if i == 0 {
					index1 = idx
				}
			}
		}

		eb, err := encodeEntry(e, index1, num1)
		if err != nil {
			return nil, nil, err
		}
		entryBuf = append(entryBuf, eb...)
	}
	return entryBuf, optBuf, nil
}

func encodeEntry(e types.Entry, index1, num1 uint8) ([]byte, error) {
	b := make([]byte, entryLen)
	switch e.Kind {
	case types.EntryFindService:
		b[0] = entryTypeFindService
	case types.EntryOfferService:
		b[0] = entryTypeOfferService
	case types.EntrySubscribeEventgroup:
		b[0] = entryTypeSubscribeEventgroup
	case types.EntrySubscribeEventgroupAck:
		b[0] = entryTypeSubscribeAck
	default:
		return nil, fmt.Errorf("wire: unknown entry kind %d", e.Kind)
	}
	b[1] = index1
	b[2] = 0
	b[3] = num1 << 4
	binary.BigEndian.PutUint16(b[4:6], e.ID.ServiceID)
	binary.BigEndian.PutUint16(b[6:8], e.ID.InstanceID)
	b[8] = e.ID.MajorVersion
	b[9], b[10], b[11] = byte(e.TTL>>16), byte(e.TTL>>8), byte(e.TTL)

	switch e.Kind {
	case types.EntryFindService, types.EntryOfferService:
		binary.BigEndian.PutUint32(b[12:16], e.ID.MinorVersion)
	case types.EntrySubscribeEventgroup, types.EntrySubscribeEventgroupAck:
		b[12] = e.Counter & 0x0F
		binary.BigEndian.PutUint16(b[13:15], e.EventgroupID)
		b[15] = 0
	}
	return b, nil
}

func encodeEndpointOption(ep types.IPEndpoint, multicast bool) []byte {
	proto := byte(l4ProtoUDP)
	if ep.Transport == types.TransportTCP {
		proto = l4ProtoTCP
	}
	if ip4 := ep.Address.To4(); ip4 != nil {
		optType := byte(optTypeIPv4Endpoint)
		if multicast {
			optType = optTypeIPv4Multicast
		}
		body := make([]byte, 9)
		copy(body[1:5], ip4)
		body[6] = proto
		binary.BigEndian.PutUint16(body[7:9], ep.Port)
		return packOption(optType, body)
	}
	optType := byte(optTypeIPv6Endpoint)
	if multicast {
		optType = optTypeIPv6Multicast
	}
	body := make([]byte, 21)
	copy(body[1:17], ep.Address.To16())
	body[18] = proto
	binary.BigEndian.PutUint16(body[19:21], ep.Port)
	return packOption(optType, body)
}

func packOption(optType byte, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(2+len(body)))
	out[2] = optType
	out[3] = 0
	copy(out[4:], body)
	return out
}
