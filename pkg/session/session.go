// Package session implements the Session/Reboot Tracker (spec.md §4.4):
// outbound session-id/reboot-flag bookkeeping per local endpoint, and
// inbound reboot detection per remote peer. Outbound state survives
// daemon restarts in a small bbolt database, so a restarted daemon still
// raises its reboot flag for exactly one boot epoch instead of replaying
// session-id 1 forever.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/someipd/pkg/types"
)

var bucketOutbound = []byte("outbound_session")

// key identifies one (local or peer IP, cast kind) bookkeeping slot.
type key struct {
	ip   string
	cast types.CastKind
}

func (k key) String() string {
	if k.cast == types.CastMulticast {
		return k.ip + "/multicast"
	}
	return k.ip + "/unicast"
}

type outboundState struct {
	sessionID  uint16
	rebootFlag bool
}

// Tracker is the Session/Reboot Tracker. It is not safe for concurrent
// use — like every SD component, it is only ever touched from the
// reactor loop.
type Tracker struct {
	db *bolt.DB

	outbound map[key]*outboundState
	inbound  map[key]uint16 // last observed session_id per peer
	seenPeer map[key]bool   // whether any message from this peer has been observed yet
}

// NewTracker opens (or creates) the reboot-tracking database under dataDir.
// Pass dataDir="" for an in-memory-only tracker (outbound state resets on
// every restart) — used by tests and by daemons that don't want on-disk
// boot-epoch persistence.
func NewTracker(dataDir string) (*Tracker, error) {
	t := &Tracker{
		outbound: make(map[key]*outboundState),
		inbound:  make(map[key]uint16),
		seenPeer: make(map[key]bool),
	}
	if dataDir == "" {
		return t, nil
	}

	dbPath := filepath.Join(dataDir, "session.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("session: opening %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbound)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: creating bucket: %w", err)
	}
	t.db = db
	return t, nil
}

// Close releases the underlying database handle, if any.
func (t *Tracker) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// NextOutbound returns the session_id to stamp on the next message sent
// from localIP via cast, and whether the reboot flag should be set on
// that message. The very first call for a given (localIP, cast) after
// process start loads (or initializes) persisted state and always
// reports a reboot (spec.md §4.4: "on first message of a boot,
// reboot_flag=true and session_id=1").
func (t *Tracker) NextOutbound(localIP string, cast types.CastKind) (sessionID uint16, reboot bool) {
	k := key{ip: localIP, cast: cast}
	st, ok := t.outbound[k]
	if !ok {
		st = &outboundState{sessionID: 1, rebootFlag: true}
		t.outbound[k] = st
	}

	sessionID = st.sessionID
	reboot = st.rebootFlag
	next, wrapped := types.NextSessionID(st.sessionID)
	st.sessionID = next
	if wrapped {
		st.rebootFlag = false
	}
	t.persist(k, st)
	return sessionID, reboot
}

// persist best-effort saves outbound state; a write failure only risks
// re-raising the reboot flag after an unclean restart, which is within
// the protocol's tolerance (spurious reboot notifications are harmless,
// just wasteful) so the error is discarded, not treated as fatal.
func (t *Tracker) persist(k key, st *outboundState) {
	if t.db == nil {
		return
	}
	buf := make([]byte, 3)
	binary.BigEndian.PutUint16(buf[0:2], st.sessionID)
	if st.rebootFlag {
		buf[2] = 1
	}
	_ = t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbound).Put([]byte(k.String()), buf)
	})
}

// Load restores outbound state for (localIP, cast) from disk, if the
// tracker was opened with a dataDir and a prior boot left a record. Call
// once per endpoint at startup, before the first NextOutbound for it,
// so the endpoint's first message correctly carries reboot_flag=true
// only when no prior record exists at all (a true first boot) rather
// than on every process restart.
func (t *Tracker) Load(localIP string, cast types.CastKind) {
	if t.db == nil {
		return
	}
	k := key{ip: localIP, cast: cast}
	_ = t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOutbound).Get([]byte(k.String()))
		if data == nil || len(data) != 3 {
			return nil
		}
		t.outbound[k] = &outboundState{
			sessionID:  binary.BigEndian.Uint16(data[0:2]),
			rebootFlag: false, // a record existing at all means this is not the first boot
		}
		return nil
	})
}

// ErrUnknownPeer is returned by nothing today — ObserveInbound always
// succeeds — but is reserved for future stricter validation.
var ErrUnknownPeer = errors.New("session: unknown peer")

// ObserveInbound records a received message's session_id/reboot_flag from
// peerIP and reports whether this message represents a newly detected
// reboot of that peer (spec.md §4.4, P2: at most one reboot notification
// per actual reboot event).
func (t *Tracker) ObserveInbound(peerIP string, cast types.CastKind, sessionID uint16, rebootFlag bool) (isReboot bool) {
	k := key{ip: peerIP, cast: cast}
	last, seen := t.inbound[k]
	t.inbound[k] = sessionID
	t.seenPeer[k] = true

	if !seen {
		// No prior epoch recorded for this peer, in memory or otherwise: the
		// reboot flag it carries is the only reboot signal available, so it
		// is trusted rather than suppressed (a daemon restart makes "first
		// message" recur for peers that never actually rebooted, but that
		// just means a spurious reboot notification, which is harmless).
		return rebootFlag
	}
	if !rebootFlag {
		return false
	}
	expected, _ := types.NextSessionID(last)
	// Monotonic continuation despite the reboot flag being set is not
	// itself a reboot signal — only a break in the sequence is.
	return sessionID != expected
}
