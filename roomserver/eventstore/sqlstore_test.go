package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/avdb13/grapevine/pkg/gomatrixlib"
)

// openTestStore opens a fresh in-memory sqlite-backed store. Each call gets
// its own database, so tests never interfere with each other even though
// the sqlite driver serialises writers onto a single connection.
func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	// A private (non-shared-cache) in-memory database: since Open caps
	// sqlite to a single connection, this gives each test its own
	// isolated database without needing a unique file name.
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testChain struct {
	t      *testing.T
	origin gomatrixlib.ServerName
	keyID  gomatrixlib.KeyID
	priv   ed25519.PrivateKey
	roomID string
	rv     gomatrixlib.RoomVersion
	ts     time.Time
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &testChain{
		t: t, origin: "x", keyID: "ed25519:1", priv: priv,
		roomID: "!room:x", rv: gomatrixlib.RoomVersionV5,
		ts: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func (c *testChain) create(sender string) gomatrixlib.HeaderedEvent {
	c.t.Helper()
	eb := gomatrixlib.EventBuilder{
		Sender: sender, RoomID: c.roomID, Type: gomatrixlib.MRoomCreate,
		StateKey: strPtr(""), PrevEvents: []string{}, AuthEvents: []string{}, Depth: 1,
	}
	require.NoError(c.t, eb.SetContent(gomatrixlib.RawJSON(`{"creator":"`+sender+`"}`)))
	c.ts = c.ts.Add(time.Millisecond)
	event, err := eb.Build(c.ts, c.origin, c.keyID, c.priv, c.rv)
	require.NoError(c.t, err)
	return event.Headered(c.rv)
}

func (c *testChain) child(sender, evType string, stateKey *string, content string, prev gomatrixlib.HeaderedEvent, depth int64) gomatrixlib.HeaderedEvent {
	c.t.Helper()
	eb := gomatrixlib.EventBuilder{
		Sender: sender, RoomID: c.roomID, Type: evType, StateKey: stateKey,
		PrevEvents: []string{prev.EventID()}, AuthEvents: []string{prev.EventID()}, Depth: depth,
	}
	require.NoError(c.t, eb.SetContent(gomatrixlib.RawJSON(content)))
	c.ts = c.ts.Add(time.Millisecond)
	event, err := eb.Build(c.ts, c.origin, c.keyID, c.priv, c.rv)
	require.NoError(c.t, err)
	return event.Headered(c.rv)
}

func strPtr(s string) *string { return &s }

func TestPutFirstEventMustBeCreate(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)

	eb := gomatrixlib.EventBuilder{
		Sender: "@a:x", RoomID: chain.roomID, Type: gomatrixlib.MRoomMember,
		StateKey: strPtr("@a:x"), PrevEvents: []string{}, AuthEvents: []string{}, Depth: 1,
	}
	require.NoError(t, eb.SetContent(gomatrixlib.RawJSON(`{"membership":"join"}`)))
	event, err := eb.Build(time.Now().Add(0), chain.origin, chain.keyID, chain.priv, chain.rv)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), event.Headered(chain.rv), []string{event.EventID()}, PutOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")

	result, err := store.Put(context.Background(), create, []string{create.EventID()}, PutOptions{
		StateBefore: gomatrixlib.StateMap{},
	})
	require.NoError(t, err)
	assert.Equal(t, PutOK, result)

	got, err := store.Get(context.Background(), create.EventID())
	require.NoError(t, err)
	assert.Equal(t, create.EventID(), got.EventID())
	assert.Equal(t, create.RoomID(), got.RoomID())
}

func TestPutIsIdempotentOnDuplicateEventID(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")

	ctx := context.Background()
	result, err := store.Put(ctx, create, []string{create.EventID()}, PutOptions{})
	require.NoError(t, err)
	require.Equal(t, PutOK, result)

	result, err = store.Put(ctx, create, []string{create.EventID()}, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, PutDuplicate, result, "re-inserting an already-stored event must be a no-op, not an error")
}

func TestGetMissingEventReturnsErrNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "$doesnotexist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventStateIsPersistedAlongsidePut(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()

	stateBefore := gomatrixlib.StateMap{}
	_, err := store.Put(ctx, create, []string{create.EventID()}, PutOptions{StateBefore: stateBefore})
	require.NoError(t, err)

	join := chain.child("@a:x", gomatrixlib.MRoomMember, strPtr("@a:x"), `{"membership":"join"}`, create, 2)
	stateAfterCreate := gomatrixlib.StateMap{
		{EventType: gomatrixlib.MRoomCreate, StateKey: ""}: create.EventID(),
	}
	_, err = store.Put(ctx, join, []string{join.EventID()}, PutOptions{StateBefore: stateAfterCreate})
	require.NoError(t, err)

	got, err := store.EventState(ctx, join.EventID())
	require.NoError(t, err)
	assert.Equal(t, stateAfterCreate, got)
}

func TestCurrentStateSetAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()
	_, err := store.Put(ctx, create, nil, PutOptions{})
	require.NoError(t, err)

	state := gomatrixlib.StateMap{
		{EventType: gomatrixlib.MRoomCreate, StateKey: ""}: create.EventID(),
	}
	require.NoError(t, store.SetCurrentState(ctx, chain.roomID, state))

	got, err := store.CurrentState(ctx, chain.roomID)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	// A second SetCurrentState call must replace, not accumulate.
	join := chain.child("@a:x", gomatrixlib.MRoomMember, strPtr("@a:x"), `{"membership":"join"}`, create, 2)
	_, err = store.Put(ctx, join, nil, PutOptions{})
	require.NoError(t, err)
	state2 := gomatrixlib.StateMap{
		{EventType: gomatrixlib.MRoomCreate, StateKey: ""}:          create.EventID(),
		{EventType: gomatrixlib.MRoomMember, StateKey: "@a:x"}: join.EventID(),
	}
	require.NoError(t, store.SetCurrentState(ctx, chain.roomID, state2))
	got2, err := store.CurrentState(ctx, chain.roomID)
	require.NoError(t, err)
	assert.Equal(t, state2, got2)
}

func TestExtremitiesReflectMostRecentPut(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()

	_, err := store.Put(ctx, create, []string{create.EventID()}, PutOptions{})
	require.NoError(t, err)

	join := chain.child("@a:x", gomatrixlib.MRoomMember, strPtr("@a:x"), `{"membership":"join"}`, create, 2)
	_, err = store.Put(ctx, join, []string{join.EventID()}, PutOptions{})
	require.NoError(t, err)

	ext, err := store.Extremities(ctx, chain.roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{join.EventID()}, ext, "extremities must advance to the newly-appended event, replacing the prior set")
}

func TestAppendStreamReturnsEntriesAfterCursor(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()
	_, err := store.Put(ctx, create, nil, PutOptions{})
	require.NoError(t, err)

	join := chain.child("@a:x", gomatrixlib.MRoomMember, strPtr("@a:x"), `{"membership":"join"}`, create, 2)
	_, err = store.Put(ctx, join, nil, PutOptions{})
	require.NoError(t, err)

	entries, err := store.AppendStream(ctx, chain.roomID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, create.EventID(), entries[0].EventID)
	assert.Equal(t, join.EventID(), entries[1].EventID)

	fromSecond, err := store.AppendStream(ctx, chain.roomID, entries[0].Cursor)
	require.NoError(t, err)
	require.Len(t, fromSecond, 1)
	assert.Equal(t, join.EventID(), fromSecond[0].EventID)
}

func TestRoomEventsWalksByDepthInBothDirections(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()
	_, err := store.Put(ctx, create, nil, PutOptions{})
	require.NoError(t, err)
	join := chain.child("@a:x", gomatrixlib.MRoomMember, strPtr("@a:x"), `{"membership":"join"}`, create, 2)
	_, err = store.Put(ctx, join, nil, PutOptions{})
	require.NoError(t, err)

	forward, err := store.RoomEvents(ctx, chain.roomID, 0, 10, Forward)
	require.NoError(t, err)
	var ids []string
	for {
		e, ok, err := forward.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, e.EventID())
	}
	require.NoError(t, forward.Close())
	assert.Equal(t, []string{create.EventID(), join.EventID()}, ids)

	backward, err := store.RoomEvents(ctx, chain.roomID, join.Depth(), 10, Backward)
	require.NoError(t, err)
	ids = nil
	for {
		e, ok, err := backward.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, e.EventID())
	}
	require.NoError(t, backward.Close())
	assert.Equal(t, []string{join.EventID(), create.EventID()}, ids)
}

func TestIsSoftFailedReflectsPutOptions(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()
	_, err := store.Put(ctx, create, nil, PutOptions{SoftFailed: true})
	require.NoError(t, err)

	softFailed, err := store.IsSoftFailed(ctx, create.EventID())
	require.NoError(t, err)
	assert.True(t, softFailed)
}

func TestPutWithStateAfterSwapsCurrentStateInTheSameTransaction(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()

	stateAfterCreate := gomatrixlib.StateMap{
		{EventType: gomatrixlib.MRoomCreate, StateKey: ""}: create.EventID(),
	}
	_, err := store.Put(ctx, create, []string{create.EventID()}, PutOptions{
		StateBefore: gomatrixlib.StateMap{},
		StateAfter:  stateAfterCreate,
	})
	require.NoError(t, err)

	got, err := store.CurrentState(ctx, chain.roomID)
	require.NoError(t, err)
	assert.Equal(t, stateAfterCreate, got, "Put must apply StateAfter without a separate SetCurrentState call")

	// A soft-failed event carries no StateAfter and must leave current
	// state exactly as it was.
	join := chain.child("@a:x", gomatrixlib.MRoomMember, strPtr("@a:x"), `{"membership":"join"}`, create, 2)
	_, err = store.Put(ctx, join, []string{create.EventID(), join.EventID()}, PutOptions{
		SoftFailed:  true,
		StateBefore: stateAfterCreate,
	})
	require.NoError(t, err)

	got, err = store.CurrentState(ctx, chain.roomID)
	require.NoError(t, err)
	assert.Equal(t, stateAfterCreate, got, "a soft-failed Put must not touch current state")
}

func TestRoomVersionIsRecordedFromCreateEvent(t *testing.T) {
	store := openTestStore(t)
	chain := newTestChain(t)
	create := chain.create("@a:x")
	ctx := context.Background()
	_, err := store.Put(ctx, create, nil, PutOptions{})
	require.NoError(t, err)

	rv, err := store.RoomVersion(ctx, chain.roomID)
	require.NoError(t, err)
	assert.Equal(t, chain.rv, rv)
}
