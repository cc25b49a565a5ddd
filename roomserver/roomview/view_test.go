package roomview

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/avdb13/grapevine/pkg/gomatrixlib"
	"github.com/avdb13/grapevine/roomserver/eventstore"
)

type viewFixture struct {
	t      *testing.T
	store  *eventstore.SQLStore
	view   *View
	srv    *server.Server
	conn   *nats.Conn
	origin gomatrixlib.ServerName
	keyID  gomatrixlib.KeyID
	priv   ed25519.PrivateKey
	roomID string
	rv     gomatrixlib.RoomVersion
	ts     time.Time
}

func newViewFixture(t *testing.T) *viewFixture {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store, err := eventstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, conn, err := StartEmbeddedBus()
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Shutdown()
	})

	view, err := New(store, conn)
	require.NoError(t, err)

	return &viewFixture{
		t: t, store: store, view: view, srv: srv, conn: conn,
		origin: "x", keyID: "ed25519:1", priv: priv,
		roomID: "!room:x", rv: gomatrixlib.RoomVersionV5,
		ts: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func (f *viewFixture) build(sender, evType string, stateKey *string, content string, prevIDs []string, depth int64) gomatrixlib.HeaderedEvent {
	f.t.Helper()
	eb := gomatrixlib.EventBuilder{
		Sender: sender, RoomID: f.roomID, Type: evType, StateKey: stateKey,
		PrevEvents: prevIDs, AuthEvents: prevIDs, Depth: depth,
	}
	if eb.PrevEvents == nil {
		eb.PrevEvents = []string{}
		eb.AuthEvents = []string{}
	}
	require.NoError(f.t, eb.SetContent(gomatrixlib.RawJSON(content)))
	f.ts = f.ts.Add(time.Millisecond)
	event, err := eb.Build(f.ts, f.origin, f.keyID, f.priv, f.rv)
	require.NoError(f.t, err)
	return event.Headered(f.rv)
}

func strp(s string) *string { return &s }

func (f *viewFixture) put(t *testing.T, event gomatrixlib.HeaderedEvent) {
	t.Helper()
	_, err := f.store.Put(context.Background(), event, []string{event.EventID()}, eventstore.PutOptions{})
	require.NoError(t, err)
}

func TestStateAtReturnsCurrentStateWhenEventIDEmpty(t *testing.T) {
	f := newViewFixture(t)
	create := f.build("@a:x", gomatrixlib.MRoomCreate, strp(""), `{"creator":"@a:x"}`, nil, 1)
	f.put(t, create)
	state := gomatrixlib.StateMap{{EventType: gomatrixlib.MRoomCreate, StateKey: ""}: create.EventID()}
	require.NoError(t, f.store.SetCurrentState(context.Background(), f.roomID, state))

	got, err := f.view.StateAt(context.Background(), f.roomID, "")
	require.NoError(t, err)
	require.Equal(t, state, got)
}

func TestStateAtReturnsStateBeforeGivenEvent(t *testing.T) {
	f := newViewFixture(t)
	create := f.build("@a:x", gomatrixlib.MRoomCreate, strp(""), `{"creator":"@a:x"}`, nil, 1)
	_, err := f.store.Put(context.Background(), create, []string{create.EventID()}, eventstore.PutOptions{
		StateBefore: gomatrixlib.StateMap{},
	})
	require.NoError(t, err)

	join := f.build("@a:x", gomatrixlib.MRoomMember, strp("@a:x"), `{"membership":"join"}`, []string{create.EventID()}, 2)
	stateBeforeJoin := gomatrixlib.StateMap{{EventType: gomatrixlib.MRoomCreate, StateKey: ""}: create.EventID()}
	_, err = f.store.Put(context.Background(), join, []string{join.EventID()}, eventstore.PutOptions{StateBefore: stateBeforeJoin})
	require.NoError(t, err)

	got, err := f.view.StateAt(context.Background(), f.roomID, join.EventID())
	require.NoError(t, err)
	require.Equal(t, stateBeforeJoin, got)
}

func TestTimelineReturnsEventsInDepthOrder(t *testing.T) {
	f := newViewFixture(t)
	create := f.build("@a:x", gomatrixlib.MRoomCreate, strp(""), `{"creator":"@a:x"}`, nil, 1)
	f.put(t, create)
	join := f.build("@a:x", gomatrixlib.MRoomMember, strp("@a:x"), `{"membership":"join"}`, []string{create.EventID()}, 2)
	f.put(t, join)

	events, err := f.view.Timeline(context.Background(), f.roomID, 0, 10, eventstore.Forward)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, create.EventID(), events[0].EventID())
	require.Equal(t, join.EventID(), events[1].EventID())
}

func TestPublishAndSubscribeDeliversMembershipUpdate(t *testing.T) {
	f := newViewFixture(t)
	create := f.build("@a:x", gomatrixlib.MRoomCreate, strp(""), `{"creator":"@a:x"}`, nil, 1)
	f.put(t, create)
	join := f.build("@b:y", gomatrixlib.MRoomMember, strp("@b:y"), `{"membership":"join"}`, []string{create.EventID()}, 2)
	f.put(t, join)

	updates, cancel, err := f.view.Subscribe(context.Background(), "@b:y")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.view.Publish(context.Background(), eventstore.StreamEntry{Cursor: 1, EventID: join.EventID()}, f.roomID))

	select {
	case update := <-updates:
		require.Equal(t, f.roomID, update.RoomID)
		require.Equal(t, join.EventID(), update.EventID)
		require.Equal(t, "join", update.Membership)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for membership update")
	}
}

func TestSubscribeIgnoresUpdatesForOtherUsers(t *testing.T) {
	f := newViewFixture(t)
	create := f.build("@a:x", gomatrixlib.MRoomCreate, strp(""), `{"creator":"@a:x"}`, nil, 1)
	f.put(t, create)
	join := f.build("@b:y", gomatrixlib.MRoomMember, strp("@b:y"), `{"membership":"join"}`, []string{create.EventID()}, 2)
	f.put(t, join)

	updates, cancel, err := f.view.Subscribe(context.Background(), "@someone-else:z")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.view.Publish(context.Background(), eventstore.StreamEntry{Cursor: 1, EventID: join.EventID()}, f.roomID))

	select {
	case update := <-updates:
		t.Fatalf("unexpected update delivered for unrelated subscriber: %+v", update)
	case <-time.After(500 * time.Millisecond):
	}
}
