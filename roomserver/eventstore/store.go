// Package eventstore implements the durable, content-addressed event log:
// the append-only store of signed events plus the secondary indices
// (by room, by sender, by topological rank) the ingress pipeline and room
// view read back.
package eventstore

import (
	"context"
	"errors"

	"github.com/avdb13/grapevine/pkg/gomatrixlib"
)

// PutResult classifies the outcome of a Put call.
type PutResult int

const (
	PutOK PutResult = iota
	PutDuplicate
)

// ErrNotFound is returned by Get when no event with the given ID is stored.
var ErrNotFound = errors.New("eventstore: event not found")

// ErrIntegrity is returned when the store detects corruption it cannot
// recover from on its own; callers treat this as fatal to the affected
// room's ingress and surface it for operator action.
var ErrIntegrity = errors.New("eventstore: integrity error")

// Direction selects the order room_events walks a room's depth index.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// EventIterator is a lazy, finite, non-restartable cursor over a sequence
// of events.
type EventIterator interface {
	// Next advances the iterator and reports whether an event is
	// available; false means the sequence is exhausted (not an error).
	Next(ctx context.Context) (gomatrixlib.HeaderedEvent, bool, error)
	Close() error
}

// StreamEntry is one element of a room's append stream: a cursor paired
// with the event ID that advanced it.
type StreamEntry struct {
	Cursor  int64
	EventID string
}

// PutOptions carries the parts of a Put call that aren't implied by the
// event itself: whether it arrived soft-failed (§4.5 transition 5), the
// resolved state immediately before it (persisted alongside the event so
// a later state_at(room_id, event_id) doesn't need to replay the DAG),
// and, when the event is not soft-failed, the resulting current state.
// StateAfter is applied in the same transaction as the event write
// itself, so a crash between persisting an event and swapping current
// state (§4.5 transition 6) cannot happen; a nil StateAfter leaves
// current state untouched, which is correct for soft-failed and
// backfilled events.
type PutOptions struct {
	SoftFailed  bool
	StateBefore gomatrixlib.StateMap
	StateAfter  gomatrixlib.StateMap
}

// Store is the Event Store capability: durable, crash-safe, write-once
// storage of events with the secondary indices the rest of the core reads.
//
// Put's durability contract is atomic-visibility: it returns success only
// after the primary record, every index, and the updated forward-extremity
// set are visible together to subsequent reads. Implementations must be
// transactional (or WAL-backed) so a crash mid-Put cannot leave an index
// stale relative to the primary record.
type Store interface {
	// Put stores an event, idempotent on event_id. newExtremities is the
	// forward-extremity set for the room after this event is applied
	// (cited prev_events removed, this event added unless superseded).
	Put(ctx context.Context, event gomatrixlib.HeaderedEvent, newExtremities []string, opts PutOptions) (PutResult, error)

	// EventState returns the state map in effect immediately before the
	// given event, as persisted by the Put that stored it.
	EventState(ctx context.Context, eventID string) (gomatrixlib.StateMap, error)

	// CurrentState returns the room's current resolved state map, and
	// SetCurrentState atomically replaces it; the Room View's StateAt with
	// no event_id reads this.
	CurrentState(ctx context.Context, roomID string) (gomatrixlib.StateMap, error)
	SetCurrentState(ctx context.Context, roomID string, state gomatrixlib.StateMap) error

	// IsSoftFailed reports whether a stored event was admitted as a soft
	// failure (valid against its declared auth chain, not against current
	// state): present in timelines, excluded from state queries.
	IsSoftFailed(ctx context.Context, eventID string) (bool, error)

	Get(ctx context.Context, eventID string) (gomatrixlib.HeaderedEvent, error)
	GetMany(ctx context.Context, eventIDs []string) (map[string]gomatrixlib.HeaderedEvent, error)

	// RoomEvents returns an iterator over a room's events in topological
	// order by depth (tie-broken by event_id), starting at fromDepth and
	// bounded by limit.
	RoomEvents(ctx context.Context, roomID string, fromDepth int64, limit int, direction Direction) (EventIterator, error)

	// AppendStream returns entries appended to the room's stream strictly
	// after cursor, used by the Room View to catch up after a restart.
	AppendStream(ctx context.Context, roomID string, cursor int64) ([]StreamEntry, error)

	Extremities(ctx context.Context, roomID string) ([]string, error)

	// RoomVersion returns the room version an already-created room was
	// created with, or ErrNotFound if the room does not exist.
	RoomVersion(ctx context.Context, roomID string) (gomatrixlib.RoomVersion, error)
}
