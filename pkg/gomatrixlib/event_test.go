package gomatrixlib

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func mustBuilder(t *testing.T, sender, evType string, stateKey *string, content string) EventBuilder {
	t.Helper()
	eb := EventBuilder{
		Sender:     sender,
		Type:       evType,
		StateKey:   stateKey,
		PrevEvents: []string{},
		AuthEvents: []string{},
		Depth:      1,
	}
	require.NoError(t, eb.SetContent(RawJSON(content)))
	return eb
}

func TestEventBuildAndParseRoundTrip(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	event := room.build(mustBuilder(t, "@a:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@a:x"}`))

	reparsed, err := NewEventFromTrustedJSON(event.JSON(), false, RoomVersionV5)
	require.NoError(t, err)
	assert.Equal(t, event.EventID(), reparsed.EventID())
	assert.Equal(t, event.RoomID(), reparsed.RoomID())
	assert.Equal(t, event.Sender(), reparsed.Sender())
}

func TestEventIDIsDeterministicFunctionOfCanonicalForm(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	event := room.buildAt(mustBuilder(t, "@a:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@a:x"}`), room.ts)

	ref1, err := referenceOfEvent(event.JSON(), RoomVersionV5)
	require.NoError(t, err)
	ref2, err := referenceOfEvent(event.JSON(), RoomVersionV5)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.Equal(t, event.EventID(), ref1.EventID)
}

func TestContentHashMatchesHashesField(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	event := room.build(mustBuilder(t, "@a:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@a:x"}`))

	require.NoError(t, VerifyContentHash(event.JSON()))
}

func TestUntrustedEventWithTamperedContentIsRedactedNotRejected(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	event := room.build(mustBuilder(t, "@a:x", MRoomMember, stateKeyPtr("@a:x"), `{"membership":"join"}`))

	var asMap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(event.JSON(), &asMap))
	tamperedContent, err := json.Marshal(map[string]interface{}{"membership": "join", "evil": true})
	require.NoError(t, err)
	asMap["content"] = tamperedContent
	tampered, err := json.Marshal(asMap)
	require.NoError(t, err)

	parsed, err := NewEventFromUntrustedJSON(tampered, RoomVersionV5)
	require.NoError(t, err)
	assert.True(t, parsed.Redacted())
}

func TestUntrustedEventWithValidHashIsNotRedacted(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	event := room.build(mustBuilder(t, "@a:x", MRoomMember, stateKeyPtr("@a:x"), `{"membership":"join"}`))

	parsed, err := NewEventFromUntrustedJSON(event.JSON(), RoomVersionV5)
	require.NoError(t, err)
	assert.False(t, parsed.Redacted())
}

func TestEventSignVerifyRoundTrip(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	event := room.build(mustBuilder(t, "@a:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@a:x"}`))

	pub := room.priv.Public().(ed25519.PublicKey)
	require.NoError(t, event.Verify(string(room.origin), room.keyID, pub))
}

func TestPrevEventIDsRoundTripThroughWireFormat(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	e0 := room.build(mustBuilder(t, "@a:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@a:x"}`))

	eb := mustBuilder(t, "@a:x", MRoomMember, stateKeyPtr("@a:x"), `{"membership":"join"}`)
	eb.PrevEvents = []string{e0.EventID()}
	eb.AuthEvents = []string{e0.EventID()}
	e1 := room.build(eb)

	assert.Equal(t, []string{e0.EventID()}, e1.PrevEventIDs())
	assert.Equal(t, []string{e0.EventID()}, e1.AuthEventIDs())
}
