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

// Package input implements the Event Ingress Pipeline: the state machine
// that admits a single event, per source, from
// Received through HashVerified, SignaturesVerified, AncestorsResolved,
// Authorized, StateComputed, Persisted and finally Published, with
// Rejected (terminal) and SoftFailed (stored, excluded from state) side
// branches.
package input

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opentracing/opentracing-go"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/avdb13/grapevine/internal/logging"
	"github.com/avdb13/grapevine/internal/metrics"
	"github.com/avdb13/grapevine/internal/roommutex"
	"github.com/avdb13/grapevine/pkg/gomatrixlib"
	"github.com/avdb13/grapevine/roomserver/eventstore"
)

// MaximumProcessingTime bounds how long a single event may occupy its
// room's writer before the pipeline gives up, so one adversarial or
// slow-to-backfill event cannot wedge the room indefinitely.
const MaximumProcessingTime = time.Minute * 2

var processRoomEventDuration = metrics.NewHistogramVec(
	"processroomevent_duration_millis",
	"How long it takes the ingress pipeline to admit an event",
	[]float64{5, 10, 25, 50, 75, 100, 250, 500, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000, 10000, 15000, 20000},
	"room_id",
)

var eventsRejectedTotal = metrics.NewCounterVec(
	"events_rejected_total",
	"Count of events denied by the ingress pipeline, by reason",
	"reason",
)

// Outcome classifies how ProcessEvent's run through the state machine
// ended.
type Outcome int

const (
	// Persisted means the event was stored, contributes to current
	// state, and was published to the room's stream.
	Persisted Outcome = iota
	// SoftFailed means the event was stored and is published, but does
	// not contribute to current state (§4.5 transition 5).
	SoftFailed
	// Rejected means the event was not stored at all.
	Rejected
)

// ErrorKind closes the §7 error taxonomy: a kind, not a Go type per
// cause, so every permanent failure a caller sees is one of a fixed,
// small set regardless of which internal check produced it.
type ErrorKind int

const (
	// Malformed: event fails canonical-JSON or schema checks. Permanent.
	Malformed ErrorKind = iota
	// Unauthorized: auth-rule denial against the declared auth chain.
	// Permanent.
	Unauthorized
	// AncestorsUnreachable: backfill budget exhausted with ancestors
	// still missing. Permanent (the transient retries happen inside
	// resolveAncestors; this is only returned once they're exhausted).
	AncestorsUnreachable
	// UnknownKeyExhausted: signature verification failed other than by a
	// hash mismatch or bad signature: ErrUnknownKey through every retry in
	// the backoff budget, or, with no retry, an expired key or an error
	// from the key fetch.
	UnknownKeyExhausted
	// IntegrityError: the store detected corruption. Fatal to the
	// room's ingress; surfaced for operator action.
	IntegrityError
	// Overloaded: the room's admission queue is full. Retryable.
	Overloaded
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "Malformed"
	case Unauthorized:
		return "Unauthorized"
	case AncestorsUnreachable:
		return "AncestorsUnreachable"
	case UnknownKeyExhausted:
		return "UnknownKeyExhausted"
	case IntegrityError:
		return "IntegrityError"
	case Overloaded:
		return "Overloaded"
	default:
		return "Unknown"
	}
}

// RejectedError is returned by ProcessEvent when the outcome is Rejected;
// Kind classifies it per the §7 taxonomy, and the pkg/errors cause chain
// (accessible via errors.Cause or Unwrap) carries the underlying reason
// without exposing it over the wire — callers report Kind, not the chain.
type RejectedError struct {
	Kind  ErrorKind
	cause error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("input: event rejected (%s): %v", e.Kind, e.cause)
}

func (e *RejectedError) Unwrap() error { return e.cause }

func newRejectedError(kind ErrorKind, cause error) *RejectedError {
	return &RejectedError{Kind: kind, cause: pkgerrors.WithStack(cause)}
}

// Source distinguishes a client-authored event (this server originates
// it) from one received over federation (ancestor fetches, soft-fail
// detection and backoff all apply only to the latter in the full
// protocol, but the pipeline runs the same steps for both; a local event
// simply never has missing ancestors or unknown keys).
type Source int

const (
	SourceClient Source = iota
	SourceFederation
)

// Publisher is the capability Published hands events to: the Room View
// and any federation/media/search/push collaborators subscribed to the
// per-room stream.
type Publisher interface {
	Publish(ctx context.Context, entry eventstore.StreamEntry, roomID string) error
}

// Limits bounds the resources a single ingress run may consume, mirroring
// config.Limits without importing the config package (ingress shouldn't
// need to know about YAML).
type Limits struct {
	MaxEventBytes    int64
	MaxDepthBackfill int
}

// Inputer orchestrates admission of new events into the Event Store.
type Inputer struct {
	Store     eventstore.Store
	KeyRing   *gomatrixlib.KeyRing
	Backfill  gomatrixlib.BackfillRequester
	Locks     *roommutex.Locks
	Publisher Publisher
	Limits    Limits

	// unknownKeyBackoff is the base delay for the UnknownKey retry loop
	// (§4.5 transition 2); it doubles on each attempt up to
	// maxUnknownKeyAttempts tries before promoting to Rejected.
	unknownKeyBackoff time.Duration
}

const maxUnknownKeyAttempts = 5

// NewInputer constructs an Inputer with the protocol's default backoff.
func NewInputer(store eventstore.Store, keyRing *gomatrixlib.KeyRing, backfill gomatrixlib.BackfillRequester, locks *roommutex.Locks, publisher Publisher, limits Limits) *Inputer {
	return &Inputer{
		Store:             store,
		KeyRing:           keyRing,
		Backfill:          backfill,
		Locks:             locks,
		Publisher:         publisher,
		Limits:            limits,
		unknownKeyBackoff: 100 * time.Millisecond,
	}
}

// ProcessEvent runs one event through the ingress state machine. eventJSON
// is the raw, untrusted wire form; roomVersion and origin identify how to
// parse it and where it came from.
func (r *Inputer) ProcessEvent(inctx context.Context, eventJSON []byte, roomVersion gomatrixlib.RoomVersion, source Source, origin gomatrixlib.ServerName) (Outcome, error) {
	span, ctx := opentracing.StartSpanFromContext(inctx, "ProcessEvent")
	defer span.Finish()

	select {
	case <-ctx.Done():
		return Rejected, ctx.Err()
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, MaximumProcessingTime)
	defer cancel()

	started := time.Now()
	var roomID string
	defer func() {
		processRoomEventDuration.With(prometheus.Labels{"room_id": roomID}).Observe(float64(time.Since(started).Milliseconds()))
	}()

	// Received → HashVerified.
	if r.Limits.MaxEventBytes > 0 && int64(len(eventJSON)) > r.Limits.MaxEventBytes {
		return r.reject(Malformed, fmt.Errorf("event is %d bytes, exceeds limit %d", len(eventJSON), r.Limits.MaxEventBytes))
	}
	if err := gomatrixlib.VerifyContentHash(eventJSON); err != nil {
		return r.reject(Malformed, err)
	}

	event, err := gomatrixlib.NewEventFromUntrustedJSON(eventJSON, roomVersion)
	if err != nil {
		return r.reject(Malformed, err)
	}
	roomID = event.RoomID()
	logger := logging.Logger("input").WithField("event_id", event.EventID()).WithField("room_id", roomID).WithField("type", event.Type())

	release, err := roommutex.Acquire(ctx, r.Locks, roomID)
	if err != nil {
		if errors.Is(err, roommutex.ErrQueueFull) {
			return r.reject(Overloaded, err)
		}
		return Rejected, err
	}
	defer release()

	if existing, err := r.Store.Get(ctx, event.EventID()); err == nil {
		_ = existing
		logger.Debug("already processed event; ignoring")
		return Persisted, nil
	}

	// HashVerified → SignaturesVerified, with bounded backoff on
	// UnknownKey (transient).
	if err := r.verifySignaturesWithBackoff(ctx, event); err != nil {
		if errors.Is(err, gomatrixlib.ErrHashMismatch) || errors.Is(err, gomatrixlib.ErrBadSignature) {
			return r.reject(Malformed, err)
		}
		return r.reject(UnknownKeyExhausted, err)
	}

	// SignaturesVerified → AncestorsResolved.
	if err := r.resolveAncestors(ctx, event, roomVersion, origin); err != nil {
		return r.reject(AncestorsUnreachable, err)
	}

	// AncestorsResolved → Authorized.
	authEvents, err := r.authEventsFor(ctx, event)
	if err != nil {
		return r.reject(Malformed, err)
	}
	if err := gomatrixlib.Allowed(event, authEvents); err != nil {
		var authErr gomatrixlib.AuthError
		if errors.As(err, &authErr) {
			return r.reject(Unauthorized, err)
		}
		return r.reject(Malformed, err)
	}

	// Authorized → StateComputed: resolve the forks of prev_events, then
	// re-check authorization against that resolved state. Denial here is
	// soft failure, not rejection (§4.5 transition 5).
	stateBefore, forkAuthEvents, err := r.stateBeforeEvent(ctx, event, roomVersion)
	if err != nil {
		return r.reject(Malformed, err)
	}
	softFailed := false
	if err := gomatrixlib.Allowed(event, forkAuthEvents); err != nil {
		softFailed = true
		logger.WithError(err).Debug("event soft-failed: denied against current resolved state")
	}

	// StateComputed → Persisted.
	newExtremities, err := r.nextExtremities(ctx, event)
	if err != nil {
		return r.reject(IntegrityError, fmt.Errorf("computing extremities: %w", err))
	}
	opts := eventstore.PutOptions{
		SoftFailed:  softFailed,
		StateBefore: stateBefore,
	}
	if !softFailed {
		opts.StateAfter = applyEventToState(stateBefore, event)
	}
	result, err := r.Store.Put(ctx, event.Headered(roomVersion), newExtremities, opts)
	if err != nil {
		return r.reject(IntegrityError, err)
	}
	if result == eventstore.PutDuplicate {
		return Persisted, nil
	}

	// Persisted → Published. Cancellation is advisory only up to this
	// point; the event is fully applied and must be published even if the
	// caller has since disconnected, so this step ignores ctx's deadline.
	publishCtx := context.Background()
	entries, err := r.Store.AppendStream(publishCtx, roomID, -1)
	if err == nil && len(entries) > 0 {
		if perr := r.Publisher.Publish(publishCtx, entries[len(entries)-1], roomID); perr != nil {
			logger.WithError(perr).Warn("failed to publish event to room stream")
		}
	}

	if softFailed {
		return SoftFailed, nil
	}
	return Persisted, nil
}

func (r *Inputer) reject(kind ErrorKind, cause error) (Outcome, error) {
	eventsRejectedTotal.With(prometheus.Labels{"reason": kind.String()}).Inc()
	return Rejected, newRejectedError(kind, cause)
}

func (r *Inputer) verifySignaturesWithBackoff(ctx context.Context, event gomatrixlib.Event) error {
	delay := r.unknownKeyBackoff
	var lastErr error
	for attempt := 0; attempt < maxUnknownKeyAttempts; attempt++ {
		errs, err := gomatrixlib.VerifyEventSignaturesWithKeys(ctx, r.KeyRing, []gomatrixlib.Event{event})
		if err != nil {
			return err
		}
		lastErr = errs[0]
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, gomatrixlib.ErrUnknownKey) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(delay)*2, float64(30*time.Second)))
	}
	return lastErr
}

// resolveAncestors ensures every prev_event and auth_event the candidate
// declares is present in the store, backfilling from federation when not,
// subject to the depth/fetch budget (§4.5 transition 3).
func (r *Inputer) resolveAncestors(ctx context.Context, event gomatrixlib.Event, roomVersion gomatrixlib.RoomVersion, origin gomatrixlib.ServerName) error {
	want := append(append([]string{}, event.PrevEventIDs()...), event.AuthEventIDs()...)
	if len(want) == 0 {
		return nil
	}
	missing := r.missingEventIDs(ctx, want)
	if len(missing) == 0 {
		return nil
	}
	if r.Backfill == nil {
		return fmt.Errorf("input: %d ancestors missing and no backfill capability configured", len(missing))
	}

	budget := r.Limits.MaxDepthBackfill
	if budget <= 0 {
		budget = 1000
	}
	fetched := 0
	frontier := missing
	for len(frontier) > 0 {
		if fetched >= budget {
			return fmt.Errorf("input: ancestor budget of %d exhausted with %d still missing", budget, len(frontier))
		}
		remaining := budget - fetched
		got, err := gomatrixlib.RequestBackfill(ctx, r.Backfill, r.KeyRing, event.RoomID(), roomVersion, frontier, remaining)
		if err != nil {
			return fmt.Errorf("input: backfill request: %w", err)
		}
		if len(got) == 0 {
			return fmt.Errorf("input: no ancestors recovered for %d missing events", len(frontier))
		}
		fetched += len(got)
		var nextWant []string
		for _, h := range got {
			if _, err := r.Store.Put(ctx, h, nil, eventstore.PutOptions{}); err != nil {
				return fmt.Errorf("input: storing backfilled ancestor %s: %w", h.EventID(), err)
			}
			nextWant = append(nextWant, h.PrevEventIDs()...)
			nextWant = append(nextWant, h.AuthEventIDs()...)
		}
		frontier = r.missingEventIDs(ctx, dedupe(nextWant))
	}
	return nil
}

func (r *Inputer) missingEventIDs(ctx context.Context, ids []string) []string {
	ids = dedupe(ids)
	have, err := r.Store.GetMany(ctx, ids)
	if err != nil {
		return ids
	}
	var missing []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// authEventsFor builds an event-store-backed AuthEvents view over the
// events a candidate declares in auth_events, loading any not already
// materialised.
func (r *Inputer) authEventsFor(ctx context.Context, event gomatrixlib.Event) (gomatrixlib.AuthEvents, error) {
	ids := event.AuthEventIDs()
	if len(ids) == 0 {
		return gomatrixlib.NewAuthEvents(nil), nil
	}
	headered, err := r.Store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("input: loading auth events: %w", err)
	}
	events := make([]gomatrixlib.Event, 0, len(ids))
	for _, id := range ids {
		h, ok := headered[id]
		if !ok {
			return nil, fmt.Errorf("input: auth event %s missing from store after ancestor resolution", id)
		}
		events = append(events, h.Unwrap())
	}
	return gomatrixlib.NewAuthEvents(events), nil
}

// stateBeforeEvent computes the resolved state immediately preceding
// event by resolving the forks of its prev_events' stored state-before
// snapshots, then returns that state plus an AuthEvents view built from
// the resolved state itself — not from event's declared auth_events.
// Re-authorizing against the resolved state rather than the declared
// chain is what makes soft failure (§4.5 transition 5) possible: a
// server can legitimately have accepted auth_events that a concurrent
// fork has since overridden (a ban, a power-level change), and the
// event must be judged against the state that actually precedes it.
func (r *Inputer) stateBeforeEvent(ctx context.Context, event gomatrixlib.Event, roomVersion gomatrixlib.RoomVersion) (gomatrixlib.StateMap, gomatrixlib.AuthEvents, error) {
	prevIDs := event.PrevEventIDs()
	if len(prevIDs) == 0 {
		return gomatrixlib.StateMap{}, gomatrixlib.NewAuthEvents(nil), nil
	}

	var forks []gomatrixlib.StateMap
	eventsByID := make(map[string]gomatrixlib.Event)
	for _, prevID := range prevIDs {
		prevState, err := r.Store.EventState(ctx, prevID)
		if err != nil {
			return nil, nil, fmt.Errorf("input: loading state before %s: %w", prevID, err)
		}
		prevEvent, err := r.Store.Get(ctx, prevID)
		if err != nil {
			return nil, nil, fmt.Errorf("input: loading prev event %s: %w", prevID, err)
		}
		softFailed, err := r.Store.IsSoftFailed(ctx, prevID)
		if err != nil {
			return nil, nil, err
		}
		fork := prevState.Clone()
		if !softFailed {
			if sk := prevEvent.StateKey(); sk != nil {
				fork[gomatrixlib.StateKeyTuple{EventType: prevEvent.Type(), StateKey: *sk}] = prevEvent.EventID()
			}
		}
		forks = append(forks, fork)
		eventsByID[prevEvent.EventID()] = prevEvent.Unwrap()
	}

	// ResolveConflicts needs the actual content of every event any fork's
	// state map points to, not just the immediate prev_events — a
	// conflicting state-setting event may sit several steps back in the
	// DAG. Load whatever isn't already in hand.
	var needed []string
	for _, fork := range forks {
		for _, id := range fork {
			if _, ok := eventsByID[id]; !ok {
				needed = append(needed, id)
			}
		}
	}
	if len(needed) > 0 {
		loaded, err := r.Store.GetMany(ctx, dedupe(needed))
		if err != nil {
			return nil, nil, fmt.Errorf("input: loading state-setting events for fork resolution: %w", err)
		}
		for id, h := range loaded {
			eventsByID[id] = h.Unwrap()
		}
	}

	resolved, err := gomatrixlib.ResolveConflicts(roomVersion, forks, eventsByID)
	if err != nil {
		return nil, nil, err
	}

	return resolved, gomatrixlib.BuildAuthEventsFromState(resolved, eventsByID), nil
}

// applyEventToState returns the state map that results from applying a
// non-soft-failed event on top of the state that preceded it.
func applyEventToState(before gomatrixlib.StateMap, event gomatrixlib.Event) gomatrixlib.StateMap {
	sk := event.StateKey()
	if sk == nil {
		return before
	}
	after := before.Clone()
	after[gomatrixlib.StateKeyTuple{EventType: event.Type(), StateKey: *sk}] = event.EventID()
	return after
}

// nextExtremities computes the forward-extremity set after event is
// applied: the room's current extremities with event's prev_events
// removed (they now have a successor) and event itself added.
func (r *Inputer) nextExtremities(ctx context.Context, event gomatrixlib.Event) ([]string, error) {
	current, err := r.Store.Extremities(ctx, event.RoomID())
	if err != nil && !errors.Is(err, eventstore.ErrNotFound) {
		return nil, err
	}
	cited := make(map[string]bool, len(event.PrevEventIDs()))
	for _, id := range event.PrevEventIDs() {
		cited[id] = true
	}
	next := make([]string, 0, len(current)+1)
	for _, id := range current {
		if !cited[id] {
			next = append(next, id)
		}
	}
	next = append(next, event.EventID())
	return next, nil
}
