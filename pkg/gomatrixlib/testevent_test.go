package gomatrixlib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

// testRoom bundles the signing identity and clock needed to
// build a coherent chain of signed events for a single room in tests.
type testRoom struct {
	t           *testing.T
	origin      ServerName
	keyID       KeyID
	priv        ed25519.PrivateKey
	roomVersion RoomVersion
	roomID      string
	ts          time.Time
}

func newTestRoom(t *testing.T, roomVersion RoomVersion) *testRoom {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub
	return &testRoom{
		t:           t,
		origin:      "x",
		keyID:       "ed25519:1",
		priv:        priv,
		roomVersion: roomVersion,
		roomID:      "!room:x",
		ts:          time.Unix(1_700_000_000, 0).UTC(),
	}
}

// build constructs and signs an event, advancing the room's clock by one
// millisecond each call so origin_server_ts ordering matches call order
// unless the caller passes its own timestamp to buildAt().
func (r *testRoom) build(eb EventBuilder) Event {
	r.t.Helper()
	r.ts = r.ts.Add(time.Millisecond)
	return r.buildAt(eb, r.ts)
}

func (r *testRoom) buildAt(eb EventBuilder, ts time.Time) Event {
	r.t.Helper()
	if eb.RoomID == "" {
		eb.RoomID = r.roomID
	}
	event, err := eb.Build(ts, r.origin, r.keyID, r.priv, r.roomVersion)
	require.NoError(r.t, err)
	return event
}

func stateKeyPtr(s string) *string { return &s }
