package iam

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/someipd/pkg/types"
)

func testInstance() types.ServiceInstanceID {
	return types.ServiceInstanceID{ServiceID: 0x1234, InstanceID: 0x5678, MajorVersion: 1}
}

func testSender() types.IPEndpoint {
	return types.IPEndpoint{Address: []byte{10, 0, 0, 9}, Port: 30490}
}

func TestAllowAllAcceptsEveryCheck(t *testing.T) {
	var d Decider = AllowAll{}
	id, sender := testInstance(), testSender()

	assert.True(t, d.CheckFindService(id, sender))
	assert.True(t, d.CheckOfferService(id, sender))
	assert.True(t, d.CheckSubscribeEventgroup(id, 1, sender))
	assert.True(t, d.CheckMethod(id, 0x8001, sender))
}

type denyByServiceID struct {
	denied uint16
}

func (d denyByServiceID) CheckFindService(id types.ServiceInstanceID, _ types.IPEndpoint) bool {
	return id.ServiceID != d.denied
}
func (d denyByServiceID) CheckOfferService(id types.ServiceInstanceID, _ types.IPEndpoint) bool {
	return id.ServiceID != d.denied
}
func (d denyByServiceID) CheckSubscribeEventgroup(id types.ServiceInstanceID, _ uint16, _ types.IPEndpoint) bool {
	return id.ServiceID != d.denied
}
func (d denyByServiceID) CheckMethod(id types.ServiceInstanceID, _ uint16, _ types.IPEndpoint) bool {
	return id.ServiceID != d.denied
}

func TestCustomDeciderCanDenySpecificServices(t *testing.T) {
	var d Decider = denyByServiceID{denied: 0x1234}
	allowed := types.ServiceInstanceID{ServiceID: 0x9999, InstanceID: 1, MajorVersion: 1}

	assert.False(t, d.CheckFindService(testInstance(), testSender()))
	assert.True(t, d.CheckFindService(allowed, testSender()))
}
