package gomatrixlib

import (
	"context"
	"fmt"
)

// BackfillRequester is the capability the Event Ingress Pipeline uses to
// fetch historical ancestor events from remote servers (§4.5, transition
// SignaturesVerified → AncestorsResolved).
type BackfillRequester interface {
	// ServersAtEvent returns servers known to be in the room at the given
	// event, preferred ones first; with an empty list RequestBackfill
	// returns no events.
	ServersAtEvent(ctx context.Context, roomID, eventID string) []ServerName
	Backfill(ctx context.Context, server ServerName, roomID string, fromEventIDs []string, limit int) (*Transaction, error)
	StateIDs(ctx context.Context, server ServerName, roomID, eventID string) (*RespStateIDs, error)
	EventAuth(ctx context.Context, server ServerName, roomID, eventID string) (*RespEventAuth, error)
}

// RequestBackfill fetches up to limit ancestor events starting from
// fromEventIDs, trying each server ServersAtEvent names in order until the
// limit is met, verifying every returned event's signatures before
// accepting it. Events that fail verification are silently dropped
// rather than failing the whole request, since a different server may
// supply a good copy of the same event. An event whose content hash does
// not match is kept in the redacted form NewEventFromUntrustedJSON gives it.
func RequestBackfill(ctx context.Context, b BackfillRequester, keyRing JSONVerifier,
	roomID string, ver RoomVersion, fromEventIDs []string, limit int) ([]HeaderedEvent, error) {

	if len(fromEventIDs) == 0 {
		return nil, nil
	}
	haveEventIDs := make(map[string]bool)
	var result []HeaderedEvent

	servers := b.ServersAtEvent(ctx, roomID, fromEventIDs[0])
	for _, s := range servers {
		if len(result) >= limit {
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gomatrixlib: RequestBackfill context cancelled: %w", ctx.Err())
		}
		txn, err := b.Backfill(ctx, s, roomID, fromEventIDs, limit)
		if err != nil {
			continue
		}
		headered, err := verifiedEventsFromTransaction(ctx, txn, ver, keyRing)
		if err != nil {
			continue
		}
		for _, h := range headered {
			if len(result) >= limit {
				break
			}
			if haveEventIDs[h.EventID()] {
				continue
			}
			haveEventIDs[h.EventID()] = true
			result = append(result, h)
		}
	}

	return result, nil
}

func verifiedEventsFromTransaction(ctx context.Context, txn *Transaction, ver RoomVersion, keyRing JSONVerifier) ([]HeaderedEvent, error) {
	var events []Event
	for _, p := range txn.PDUs {
		event, err := NewEventFromUntrustedJSON(p, ver)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	failures, err := VerifyEventSignatures(ctx, events, keyRing)
	if err != nil {
		return nil, err
	}
	if len(failures) != len(events) {
		return nil, fmt.Errorf("gomatrixlib: bulk event signature verification length mismatch: %d != %d", len(failures), len(events))
	}
	var headered []HeaderedEvent
	for i := range events {
		if failures[i] != nil {
			continue
		}
		headered = append(headered, events[i].Headered(ver))
	}
	return headered, nil
}
