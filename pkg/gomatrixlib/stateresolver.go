package gomatrixlib

// ResolveConflicts resolves the state at a point where a room's DAG forks,
// dispatching to the algorithm named by the room version's StateResAlgorithm
// capability rather than branching on the room version number directly (see
// RoomVersionDescription). Each fork is a StateMap over the same room;
// eventsByID must contain every event any fork's state map, or any of those
// events' auth chains, might reference.
func ResolveConflicts(roomVersion RoomVersion, forks []StateMap, eventsByID map[string]Event) (StateMap, error) {
	algorithm, err := roomVersion.StateResAlgorithm()
	if err != nil {
		return nil, err
	}

	switch algorithm {
	case StateResV1:
		return resolveV1(forks, eventsByID), nil
	case StateResV2:
		return ResolveStateMapsV2(forks, eventsByID), nil
	default:
		return nil, UnsupportedRoomVersionError{Version: roomVersion}
	}
}

// resolveV1 adapts the fork-based ResolveConflicts contract onto the legacy
// per-key algorithm's conflicted-map shape.
func resolveV1(forks []StateMap, eventsByID map[string]Event) StateMap {
	unconflictedMap, conflictedKeys := partitionStateMaps(forks)

	conflicted := make(map[StateKeyTuple][]Event, len(conflictedKeys))
	for _, key := range conflictedKeys {
		seen := make(map[string]bool)
		var candidates []Event
		for _, fork := range forks {
			id, ok := fork[key]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			if e, ok := eventsByID[id]; ok {
				candidates = append(candidates, e)
			}
		}
		conflicted[key] = candidates
	}

	return ResolveStateConflictsV1(conflicted, unconflictedMap, eventsByID)
}
