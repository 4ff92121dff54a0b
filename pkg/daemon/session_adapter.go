package daemon

import (
	"github.com/cuemby/someipd/pkg/session"
	"github.com/cuemby/someipd/pkg/types"
)

// boundSessionProvider adapts the Session/Reboot Tracker's per-endpoint
// NextOutbound(localIP, cast) to the single-endpoint sdsched.SessionProvider
// shape, since one Scheduler only ever sends from one local address.
type boundSessionProvider struct {
	tracker *session.Tracker
	localIP string
}

func (b *boundSessionProvider) NextOutbound(cast types.CastKind) (sessionID uint16, reboot bool) {
	return b.tracker.NextOutbound(b.localIP, cast)
}
