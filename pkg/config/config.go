// Package config holds the data shapes the SD core consumes. Parsing a
// JSON file into these structs, or validating one against a schema, is
// explicitly out of scope (spec.md §1 Non-goals) — cmd/someipd populates
// them from CLI flags instead.
package config

import (
	"time"

	"github.com/cuemby/someipd/pkg/types"
)

// Defaults mirror the vsomeip reference implementation's out-of-the-box
// timing, recovered from original_source/ where spec.md leaves the exact
// numbers unspecified.
const (
	DefaultCyclicOfferDelay        = 3 * time.Second
	DefaultInitialDelayMin         = 200 * time.Millisecond
	DefaultInitialDelayMax         = 500 * time.Millisecond
	DefaultRepetitionsBaseDelay    = 200 * time.Millisecond
	DefaultRepetitionsMax          = 3
	DefaultRequestResponseDelayMin = 10 * time.Millisecond
	DefaultRequestResponseDelayMax = 50 * time.Millisecond
	DefaultSDPort                  = 30490
	DefaultMaxSDMessageSizeIPv4    = 1400
	DefaultMaxSDMessageSizeIPv6    = 1300
)

// CommunicationMode governs whether a required instance participates in
// discovery, data-plane traffic, or both.
type CommunicationMode uint8

const (
	SdAndCommunication CommunicationMode = iota
	SdOnly
	CommunicationOnly
)

// EndpointConfig describes one local SD endpoint: the interface address
// SD binds its unicast socket to, and the multicast group it joins.
type EndpointConfig struct {
	Interface        string
	UnicastAddress   string
	MulticastAddress string
	Port             uint16
	CyclicOfferDelay time.Duration
}

// EventConfig is one event belonging to an eventgroup, and the transport
// it is delivered over.
type EventConfig struct {
	EventID   uint16
	Transport types.Transport
}

// EventgroupConfig is the static configuration of one eventgroup offered
// by a provided service instance.
type EventgroupConfig struct {
	EventgroupID       uint16
	Events             []EventConfig
	MulticastThreshold int // 0 disables multicast dispatch entirely
	MulticastEndpoint  *types.IPEndpoint
}

// ProvidedInstanceConfig configures one locally-offered service instance
// and its eventgroups.
type ProvidedInstanceConfig struct {
	ID               types.ServiceInstanceID
	TTL              uint32
	UDPEndpoint      *types.IPEndpoint
	TCPEndpoint      *types.IPEndpoint
	Eventgroups      []EventgroupConfig
	InitialDelayMin  time.Duration
	InitialDelayMax  time.Duration
	RepetitionsBase  time.Duration
	RepetitionsMax   int
	CyclicOfferDelay time.Duration
}

// RequiredInstanceConfig configures one remotely-required service instance.
type RequiredInstanceConfig struct {
	ID              types.ServiceInstanceID
	Mode            CommunicationMode
	InitialDelayMin time.Duration
	InitialDelayMax time.Duration
	RepetitionsBase time.Duration
	RepetitionsMax  int
}

// Config is the root configuration consumed by pkg/daemon.
type Config struct {
	Endpoints               []EndpointConfig
	ProvidedInstances       []ProvidedInstanceConfig
	RequiredInstances       []RequiredInstanceConfig
	RequestResponseDelayMin time.Duration
	RequestResponseDelayMax time.Duration
	MaxSDMessageSize        int
}

// WithDefaults returns a copy of c with zero-valued timing fields filled
// in from the package defaults. Per-instance configs that omit their own
// timing inherit these rather than the global zero value.
func (c Config) WithDefaults() Config {
	if c.RequestResponseDelayMin == 0 {
		c.RequestResponseDelayMin = DefaultRequestResponseDelayMin
	}
	if c.RequestResponseDelayMax == 0 {
		c.RequestResponseDelayMax = DefaultRequestResponseDelayMax
	}
	if c.MaxSDMessageSize == 0 {
		c.MaxSDMessageSize = DefaultMaxSDMessageSizeIPv4
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Port == 0 {
			c.Endpoints[i].Port = DefaultSDPort
		}
		if c.Endpoints[i].CyclicOfferDelay == 0 {
			c.Endpoints[i].CyclicOfferDelay = DefaultCyclicOfferDelay
		}
	}
	for i := range c.ProvidedInstances {
		p := &c.ProvidedInstances[i]
		if p.InitialDelayMin == 0 {
			p.InitialDelayMin = DefaultInitialDelayMin
		}
		if p.InitialDelayMax == 0 {
			p.InitialDelayMax = DefaultInitialDelayMax
		}
		if p.RepetitionsBase == 0 {
			p.RepetitionsBase = DefaultRepetitionsBaseDelay
		}
		if p.RepetitionsMax == 0 {
			p.RepetitionsMax = DefaultRepetitionsMax
		}
		if p.CyclicOfferDelay == 0 {
			p.CyclicOfferDelay = DefaultCyclicOfferDelay
		}
	}
	for i := range c.RequiredInstances {
		r := &c.RequiredInstances[i]
		if r.InitialDelayMin == 0 {
			r.InitialDelayMin = DefaultInitialDelayMin
		}
		if r.InitialDelayMax == 0 {
			r.InitialDelayMax = DefaultInitialDelayMax
		}
		if r.RepetitionsBase == 0 {
			r.RepetitionsBase = DefaultRepetitionsBaseDelay
		}
		if r.RepetitionsMax == 0 {
			r.RepetitionsMax = DefaultRepetitionsMax
		}
	}
	return c
}
