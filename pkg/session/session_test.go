package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/someipd/pkg/types"
)

func TestNextOutboundFirstCallIsBootSignal(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	id, reboot := tr.NextOutbound("10.0.0.1", types.CastUnicast)
	assert.Equal(t, uint16(1), id)
	assert.True(t, reboot)
}

func TestNextOutboundMonotonicAndNeverZero(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	seen := map[uint16]bool{}
	for i := 0; i < 5; i++ {
		id, _ := tr.NextOutbound("10.0.0.1", types.CastUnicast)
		assert.NotEqual(t, uint16(0), id)
		assert.False(t, seen[id], "session id repeated before wraparound")
		seen[id] = true
	}
}

func TestNextOutboundWrapClearsReboot(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()
	tr.outbound[key{ip: "10.0.0.1", cast: types.CastUnicast}] = &outboundState{sessionID: 0xFFFF, rebootFlag: true}

	id, reboot := tr.NextOutbound("10.0.0.1", types.CastUnicast)
	assert.Equal(t, uint16(0xFFFF), id)
	assert.True(t, reboot)

	id, reboot = tr.NextOutbound("10.0.0.1", types.CastUnicast)
	assert.Equal(t, uint16(1), id)
	assert.False(t, reboot)
}

func TestObserveInboundFirstMessageWithRebootFlagIsAReboot(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.ObserveInbound("10.0.0.2", types.CastUnicast, 1, true))
}

func TestObserveInboundFirstMessageWithoutRebootFlagIsNotAReboot(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.ObserveInbound("10.0.0.2", types.CastUnicast, 1, false))
}

func TestObserveInboundDetectsSessionReset(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	tr.ObserveInbound("10.0.0.2", types.CastUnicast, 40, false)
	assert.True(t, tr.ObserveInbound("10.0.0.2", types.CastUnicast, 1, true))
}

func TestObserveInboundMonotonicContinuationIsNotReboot(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	tr.ObserveInbound("10.0.0.2", types.CastUnicast, 40, false)
	assert.False(t, tr.ObserveInbound("10.0.0.2", types.CastUnicast, 41, true))
}

func TestLoadPersistsAcrossTrackers(t *testing.T) {
	dir := t.TempDir()

	tr1, err := NewTracker(dir)
	require.NoError(t, err)
	id, reboot := tr1.NextOutbound("10.0.0.1", types.CastUnicast)
	require.Equal(t, uint16(1), id)
	require.True(t, reboot)
	tr1.NextOutbound("10.0.0.1", types.CastUnicast) // sends 2, advance to 3
	require.NoError(t, tr1.Close())

	tr2, err := NewTracker(dir)
	require.NoError(t, err)
	defer tr2.Close()
	tr2.Load("10.0.0.1", types.CastUnicast)

	id, reboot = tr2.NextOutbound("10.0.0.1", types.CastUnicast)
	assert.Equal(t, uint16(3), id)
	assert.False(t, reboot)
}
