package daemon

import (
	"github.com/cuemby/someipd/pkg/liveness"
	"github.com/cuemby/someipd/pkg/types"
)

// remoteClientsAdapter implements eventgroup.RemoteClients on top of the
// TCP liveness tracker. It is the daemon's answer to spec.md §4.7 step 4
// ("does this subscriber already have a live TCP connection") and the
// hook that starts/stops polling a subscriber once its subscription is
// admitted/torn down. Owning and pooling the actual application-level
// TCP connection is data-plane bookkeeping out of scope here (spec.md §1
// Non-goals); this adapter only answers the liveness question the
// Subscription Manager needs.
type remoteClientsAdapter struct {
	liveness *liveness.Tracker
}

func (a *remoteClientsAdapter) HasTCPConnection(endpoint types.IPEndpoint) bool {
	return a.liveness.Alive(endpoint)
}

func (a *remoteClientsAdapter) OnSubscriptionAdded(_ types.ServiceInstanceID, sub types.EventgroupSubscription) {
	if !sub.TCPEndpoint.IsZero() {
		a.liveness.Track(sub.TCPEndpoint)
	}
}

func (a *remoteClientsAdapter) OnSubscriptionRemoved(_ types.ServiceInstanceID, sub types.EventgroupSubscription) {
	if !sub.TCPEndpoint.IsZero() {
		a.liveness.Forget(sub.TCPEndpoint)
	}
}
