package gomatrixlib

import "sort"

// ResolveStateConflictsV1 implements the legacy (room version 1/2) state
// resolution algorithm: for each conflicted (type, state_key), choose the
// event with the greatest depth, breaking ties lexicographically by event
// ID; then re-authorize the winner against the resolved state and, on
// failure, fall through to the next candidate by depth/ID order.
//
// unconflicted and conflicted are keyed by (type, state_key); eventsByID
// resolves the event IDs held in the running resolved state, which each
// candidate is re-authorized against as it is layered on.
func ResolveStateConflictsV1(conflicted map[StateKeyTuple][]Event, unconflicted StateMap, eventsByID map[string]Event) StateMap {
	resolved := unconflicted.Clone()

	// Process create, power-level, join-rule and membership conflicts
	// first, in that order, and every other type last, so that later
	// conflicts are resolved against an already-settled baseline.
	keys := make([]StateKeyTuple, 0, len(conflicted))
	for k := range conflicted {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return controlEventPriority(keys[i]) < controlEventPriority(keys[j])
	})

	for _, key := range keys {
		candidates := append([]Event(nil), conflicted[key]...)
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Depth() != candidates[j].Depth() {
				return candidates[i].Depth() > candidates[j].Depth()
			}
			return candidates[i].EventID() < candidates[j].EventID()
		})

		for _, candidate := range candidates {
			auth := BuildAuthEventsFromState(resolved, eventsByID)
			if err := Allowed(candidate, auth); err == nil {
				resolved[key] = candidate.EventID()
				break
			}
			// Falls through to the next candidate by depth/ID order.
		}
	}

	return resolved
}

func controlEventPriority(k StateKeyTuple) int {
	switch k.EventType {
	case MRoomCreate:
		return 0
	case MRoomPowerLevels:
		return 1
	case MRoomJoinRules:
		return 2
	case MRoomMember:
		return 3
	default:
		return 4
	}
}

// BuildAuthEventsFromState constructs an AuthEvents view over the create,
// power-levels, join-rules, member and third-party-invite slots of a state
// map, resolving the referenced event IDs against an in-memory event set.
// Callers outside this package use it to re-authorize an event against a
// resolved StateMap rather than against the event's own declared
// auth_events — the distinction that makes soft-failure meaningful.
func BuildAuthEventsFromState(state StateMap, eventsByID map[string]Event) AuthEvents {
	var events []Event
	for key, eventID := range state {
		switch key.EventType {
		case MRoomCreate, MRoomPowerLevels, MRoomJoinRules, MRoomMember, MRoomThirdPartyInvite:
			if e, ok := eventsByID[eventID]; ok {
				events = append(events, e)
			}
		}
	}
	return NewAuthEvents(events)
}
