package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/someipd/pkg/types"
)

type recordingObserver struct {
	offers     int
	stopOffers int
	onOffer    func()
}

func (o *recordingObserver) OnOffer(types.ServiceInstanceID, []types.IPEndpoint) {
	o.offers++
	if o.onOffer != nil {
		o.onOffer()
	}
}
func (o *recordingObserver) OnStopOffer(types.ServiceInstanceID) { o.stopOffers++ }

var instanceA = types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: 0x0001, MajorVersion: 1}

func TestNotifyDispatchesToRegisteredObserver(t *testing.T) {
	r := New()
	obs := &recordingObserver{}
	r.Register(instanceA, obs)

	r.Notify(instanceA, EventOffer, nil)
	assert.Equal(t, 1, obs.offers)

	r.Notify(instanceA, EventStopOffer, nil)
	assert.Equal(t, 1, obs.stopOffers)
}

func TestUnregisterStopsFutureNotifications(t *testing.T) {
	r := New()
	obs := &recordingObserver{}
	h := r.Register(instanceA, obs)
	r.Unregister(h)

	r.Notify(instanceA, EventOffer, nil)
	assert.Equal(t, 0, obs.offers)
}

func TestReentrantUnregisterDuringDispatchIsSafe(t *testing.T) {
	r := New()
	var h Handle
	obs := &recordingObserver{}
	obs.onOffer = func() { r.Unregister(h) }
	h = r.Register(instanceA, obs)

	assert.NotPanics(t, func() {
		r.Notify(instanceA, EventOffer, nil)
	})
	assert.Equal(t, 1, obs.offers)

	// The deferred removal must have taken effect by the next dispatch.
	r.Notify(instanceA, EventOffer, nil)
	assert.Equal(t, 1, obs.offers)
}

func TestNotifyMatchingHonorsInstanceWildcard(t *testing.T) {
	r := New()
	wildcard := types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: types.InstanceIDAny, MajorVersion: 1}
	obs := &recordingObserver{}
	r.Register(wildcard, obs)

	entry := types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: 0x0099, MajorVersion: 1}
	r.NotifyMatching(entry, EventOffer, nil)
	assert.Equal(t, 1, obs.offers)
}
