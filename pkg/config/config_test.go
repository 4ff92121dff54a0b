package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/someipd/pkg/types"
)

func TestWithDefaultsFillsZeroValuedGlobalTiming(t *testing.T) {
	c := Config{}.WithDefaults()

	assert.Equal(t, DefaultRequestResponseDelayMin, c.RequestResponseDelayMin)
	assert.Equal(t, DefaultRequestResponseDelayMax, c.RequestResponseDelayMax)
	assert.Equal(t, DefaultMaxSDMessageSizeIPv4, c.MaxSDMessageSize)
}

func TestWithDefaultsLeavesExplicitGlobalTimingAlone(t *testing.T) {
	c := Config{
		RequestResponseDelayMin: 5 * time.Millisecond,
		RequestResponseDelayMax: 15 * time.Millisecond,
		MaxSDMessageSize:        900,
	}.WithDefaults()

	assert.Equal(t, 5*time.Millisecond, c.RequestResponseDelayMin)
	assert.Equal(t, 15*time.Millisecond, c.RequestResponseDelayMax)
	assert.Equal(t, 900, c.MaxSDMessageSize)
}

func TestWithDefaultsFillsPerEndpointTiming(t *testing.T) {
	c := Config{
		Endpoints: []EndpointConfig{
			{UnicastAddress: "10.0.0.1"},
			{UnicastAddress: "10.0.0.2", Port: 40000, CyclicOfferDelay: time.Second},
		},
	}.WithDefaults()

	assert.Equal(t, uint16(DefaultSDPort), c.Endpoints[0].Port)
	assert.Equal(t, DefaultCyclicOfferDelay, c.Endpoints[0].CyclicOfferDelay)
	assert.Equal(t, uint16(40000), c.Endpoints[1].Port)
	assert.Equal(t, time.Second, c.Endpoints[1].CyclicOfferDelay)
}

func TestWithDefaultsFillsProvidedInstanceTiming(t *testing.T) {
	c := Config{
		ProvidedInstances: []ProvidedInstanceConfig{
			{ID: types.ServiceInstanceID{ServiceID: 1, InstanceID: 1, MajorVersion: 1}},
		},
	}.WithDefaults()

	p := c.ProvidedInstances[0]
	assert.Equal(t, DefaultInitialDelayMin, p.InitialDelayMin)
	assert.Equal(t, DefaultInitialDelayMax, p.InitialDelayMax)
	assert.Equal(t, DefaultRepetitionsBaseDelay, p.RepetitionsBase)
	assert.Equal(t, DefaultRepetitionsMax, p.RepetitionsMax)
	assert.Equal(t, DefaultCyclicOfferDelay, p.CyclicOfferDelay)
}

func TestWithDefaultsFillsRequiredInstanceTiming(t *testing.T) {
	c := Config{
		RequiredInstances: []RequiredInstanceConfig{
			{ID: types.ServiceInstanceID{ServiceID: 2, InstanceID: 1, MajorVersion: 1}, RepetitionsMax: 7},
		},
	}.WithDefaults()

	r := c.RequiredInstances[0]
	assert.Equal(t, DefaultInitialDelayMin, r.InitialDelayMin)
	assert.Equal(t, DefaultInitialDelayMax, r.InitialDelayMax)
	assert.Equal(t, DefaultRepetitionsBaseDelay, r.RepetitionsBase)
	assert.Equal(t, 7, r.RepetitionsMax)
}

func TestWithDefaultsIsIdempotent(t *testing.T) {
	c := Config{
		Endpoints: []EndpointConfig{{UnicastAddress: "10.0.0.1"}},
	}

	once := c.WithDefaults()
	twice := once.WithDefaults()

	assert.Equal(t, once, twice)
}
