// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package roomview implements the Room View / Sync Index (spec.md §4.6):
// read access to resolved state and timeline, plus a per-user membership
// projection stream built on top of the Event Store's append stream.
package roomview

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/avdb13/grapevine/internal/logging"
	"github.com/avdb13/grapevine/pkg/gomatrixlib"
	"github.com/avdb13/grapevine/roomserver/eventstore"
)

const streamName = "ROOM_EVENTS"

func subjectForRoom(roomID string) string {
	return "room." + roomID + ".events"
}

const allRoomsSubject = "room.*.events"

// View answers StateAt/Timeline reads against the Event Store and fans
// out published events to per-user membership subscribers over an
// embedded NATS JetStream bus.
type View struct {
	Store eventstore.Store
	conn  *nats.Conn
	js    nats.JetStreamContext
}

// StartEmbeddedBus launches an in-process NATS server (no external broker
// required to run a single grapevine node) and returns a connection to it
// alongside the server itself, so the caller can shut it down on exit.
func StartEmbeddedBus() (*server.Server, *nats.Conn, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("roomview: starting embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, nil, fmt.Errorf("roomview: embedded nats server did not become ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("roomview: connecting to embedded nats server: %w", err)
	}
	return srv, nc, nil
}

// New constructs a View over an already-connected NATS client, ensuring
// the room-events stream exists.
func New(store eventstore.Store, conn *nats.Conn) (*View, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("roomview: acquiring jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{allRoomsSubject},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("roomview: creating room-events stream: %w", err)
	}
	return &View{Store: store, conn: conn, js: js}, nil
}

// wireEntry is the payload published to a room's subject: the stream
// cursor plus enough of the event to drive a membership projection
// without a second store round trip for the common case.
type wireEntry struct {
	Cursor     int64  `json:"cursor"`
	EventID    string `json:"event_id"`
	RoomID     string `json:"room_id"`
	Type       string `json:"type"`
	StateKey   string `json:"state_key,omitempty"`
	Membership string `json:"membership,omitempty"`
}

// Publish implements input.Publisher: it is called once an event has
// reached the Persisted state (§4.5 transition 6→7), with cancellation no
// longer honored — the event has already been committed and must reach
// the stream regardless of the originating request's lifetime.
func (v *View) Publish(ctx context.Context, entry eventstore.StreamEntry, roomID string) error {
	headered, err := v.Store.Get(ctx, entry.EventID)
	if err != nil {
		return fmt.Errorf("roomview: loading published event %s: %w", entry.EventID, err)
	}
	event := headered.Unwrap()
	w := wireEntry{
		Cursor:  entry.Cursor,
		EventID: entry.EventID,
		RoomID:  roomID,
		Type:    event.Type(),
	}
	if sk := event.StateKey(); sk != nil {
		w.StateKey = *sk
	}
	if event.Type() == gomatrixlib.MRoomMember {
		if m, err := event.Membership(); err == nil {
			w.Membership = m
		}
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("roomview: encoding stream entry: %w", err)
	}
	if _, err := v.js.Publish(subjectForRoom(roomID), payload); err != nil {
		return fmt.Errorf("roomview: publishing to %s: %w", subjectForRoom(roomID), err)
	}
	return nil
}

// StateAt returns the resolved state of roomID. With eventID empty it
// returns current state; otherwise the state immediately before eventID,
// as persisted alongside that event by the Event Store.
func (v *View) StateAt(ctx context.Context, roomID, eventID string) (gomatrixlib.StateMap, error) {
	if eventID == "" {
		return v.Store.CurrentState(ctx, roomID)
	}
	return v.Store.EventState(ctx, eventID)
}

// Timeline returns up to limit events from roomID in topological order,
// starting at fromDepth.
func (v *View) Timeline(ctx context.Context, roomID string, fromDepth int64, limit int, direction eventstore.Direction) ([]gomatrixlib.HeaderedEvent, error) {
	it, err := v.Store.RoomEvents(ctx, roomID, fromDepth, limit, direction)
	if err != nil {
		return nil, fmt.Errorf("roomview: opening timeline cursor: %w", err)
	}
	defer it.Close()

	events := make([]gomatrixlib.HeaderedEvent, 0, limit)
	for {
		event, ok, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("roomview: reading timeline: %w", err)
		}
		if !ok {
			break
		}
		events = append(events, event)
	}
	return events, nil
}

// MembershipUpdate is delivered to a Subscribe channel whenever a
// membership event names the subscribed user as its state_key.
type MembershipUpdate struct {
	RoomID     string
	EventID    string
	Membership string
}

// included reports whether a membership value should surface in a user's
// room list. Per the resolved Open Question (DESIGN.md): a user's
// subscription includes a room the moment any membership event naming
// them transitions into invite or join, independent of any prior leave —
// each membership event is evaluated on its own against current state,
// not against history.
func included(membership string) bool {
	return membership == "invite" || membership == "join"
}

// Subscribe returns a channel of membership transitions affecting userID
// across every room, and a cancel function that tears the subscription
// down. The channel is closed when cancel is called.
func (v *View) Subscribe(ctx context.Context, userID string) (<-chan MembershipUpdate, func(), error) {
	updates := make(chan MembershipUpdate, 64)
	logger := logging.Logger("roomview").WithField("user_id", userID)

	sub, err := v.js.Subscribe(allRoomsSubject, func(msg *nats.Msg) {
		var w wireEntry
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			logger.WithError(err).Warn("discarding malformed room-event message")
			_ = msg.Ack()
			return
		}
		if w.Type == gomatrixlib.MRoomMember && w.StateKey == userID && included(w.Membership) {
			select {
			case updates <- MembershipUpdate{RoomID: w.RoomID, EventID: w.EventID, Membership: w.Membership}:
			default:
				logger.Warn("membership update dropped: subscriber channel full")
			}
		}
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		close(updates)
		return nil, nil, fmt.Errorf("roomview: subscribing for %s: %w", userID, err)
	}

	cancel := func() {
		_ = sub.Unsubscribe()
		close(updates)
	}
	return updates, cancel, nil
}
