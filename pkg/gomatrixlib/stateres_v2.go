/* Copyright 2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gomatrixlib

import (
	"container/heap"
	"encoding/json"
	"sort"
)

// ResolveStateMapsV2 is the entry point used by the dispatcher: given the
// per-fork state maps at a point where the DAG has split, and a means to
// look up any event by ID, it returns the single resolved state map.
//
// It performs the steps the specification requires in order: partition
// into unconflicted/conflicted, compute the auth difference (events
// reachable via auth_events from some but not all forks), then hand the
// conflicted set (enlarged by the auth difference) to the core v2
// algorithm together with every event that set's members might cite as an
// auth event.
func ResolveStateMapsV2(forks []StateMap, eventsByID map[string]Event) StateMap {
	unconflictedMap, conflictedKeys := partitionStateMaps(forks)

	conflictedEvents := make([]Event, 0, len(conflictedKeys))
	seen := make(map[string]bool)
	for _, key := range conflictedKeys {
		for _, fork := range forks {
			if id, ok := fork[key]; ok && !seen[id] {
				if e, ok := eventsByID[id]; ok {
					conflictedEvents = append(conflictedEvents, e)
					seen[id] = true
				}
			}
		}
	}

	authDiff := computeAuthDifference(forks, eventsByID)
	for _, e := range authDiff {
		if !seen[e.EventID()] {
			conflictedEvents = append(conflictedEvents, e)
			seen[e.EventID()] = true
		}
	}

	unconflictedEvents := make([]Event, 0, len(unconflictedMap))
	for _, id := range unconflictedMap {
		if e, ok := eventsByID[id]; ok {
			unconflictedEvents = append(unconflictedEvents, e)
		}
	}

	// The auth-event pool available to re-authorization is every event
	// reachable from any fork: unconflicted, conflicted and the auth
	// difference together, since any of them may be cited as an auth event
	// by a conflicted candidate.
	authPool := make([]Event, 0, len(eventsByID))
	for _, e := range eventsByID {
		authPool = append(authPool, e)
	}

	resolvedEvents := ResolveStateConflictsV2(conflictedEvents, unconflictedEvents, authPool)

	resolved := unconflictedMap.Clone()
	for _, e := range resolvedEvents {
		if sk := e.StateKey(); sk != nil {
			resolved[StateKeyTuple{EventType: e.Type(), StateKey: *sk}] = e.EventID()
		}
	}
	return resolved
}

// partitionStateMaps splits the keys of a set of fork state maps into
// those with the same value in every fork (unconflicted, returned as a
// merged StateMap) and those that differ (conflicted, returned as a key
// list only - the caller resolves each key's candidate events itself).
func partitionStateMaps(forks []StateMap) (StateMap, []StateKeyTuple) {
	allKeys := make(map[StateKeyTuple]bool)
	for _, fork := range forks {
		for k := range fork {
			allKeys[k] = true
		}
	}

	unconflicted := make(StateMap)
	var conflicted []StateKeyTuple
	for key := range allKeys {
		var value string
		agree := true
		present := 0
		for _, fork := range forks {
			id, ok := fork[key]
			if !ok {
				agree = false
				continue
			}
			present++
			if value == "" {
				value = id
			} else if value != id {
				agree = false
			}
		}
		if agree && present == len(forks) {
			unconflicted[key] = value
		} else {
			conflicted = append(conflicted, key)
		}
	}
	return unconflicted, conflicted
}

// computeAuthDifference returns the events reachable via auth_events from
// some, but not all, of the given forks: the set the v2 algorithm must
// additionally treat as conflicted even though it may not appear directly
// in any fork's state map.
func computeAuthDifference(forks []StateMap, eventsByID map[string]Event) []Event {
	if len(forks) == 0 {
		return nil
	}
	reachablePerFork := make([]map[string]bool, len(forks))
	for i, fork := range forks {
		reachablePerFork[i] = authChainFrom(fork.EventIDs(), eventsByID)
	}

	union := make(map[string]bool)
	for _, set := range reachablePerFork {
		for id := range set {
			union[id] = true
		}
	}

	var diff []Event
	for id := range union {
		presentInAll := true
		for _, set := range reachablePerFork {
			if !set[id] {
				presentInAll = false
				break
			}
		}
		if !presentInAll {
			if e, ok := eventsByID[id]; ok {
				diff = append(diff, e)
			}
		}
	}
	return diff
}

// authChainFrom does a breadth-first walk of auth_events starting from the
// given roots, returning the set of every event ID reached (including the
// roots themselves).
func authChainFrom(roots []string, eventsByID map[string]Event) map[string]bool {
	visited := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		e, ok := eventsByID[id]
		if !ok {
			continue
		}
		for _, authID := range e.AuthEventIDs() {
			if !visited[authID] {
				queue = append(queue, authID)
			}
		}
	}
	return visited
}

type stateResolverV2 struct {
	authEventMap              map[string]Event
	powerLevelMainline        []Event
	conflictedPowerLevels     []Event
	conflictedOthers          []Event
	resolvedCreate            *Event
	resolvedPowerLevels       *Event
	resolvedJoinRules         *Event
	resolvedThirdPartyInvites map[string]*Event
	resolvedMembers           map[string]*Event
	result                    []Event
}

func (r *stateResolverV2) Create() (*Event, error)      { return r.resolvedCreate, nil }
func (r *stateResolverV2) PowerLevels() (*Event, error) { return r.resolvedPowerLevels, nil }
func (r *stateResolverV2) JoinRules() (*Event, error)   { return r.resolvedJoinRules, nil }
func (r *stateResolverV2) ThirdPartyInvite(key string) (*Event, error) {
	return r.resolvedThirdPartyInvites[key], nil
}
func (r *stateResolverV2) Member(key string) (*Event, error) { return r.resolvedMembers[key], nil }

// ResolveStateConflictsV2 takes a list of conflicted state events (already
// including the auth difference), the unconflicted events, and the pool of
// events available to serve as auth events, and works out which event
// should win for each conflicting (type, state_key).
func ResolveStateConflictsV2(conflicted, unconflicted []Event, authEvents []Event) []Event {
	r := stateResolverV2{
		authEventMap:              eventMapFromEvents(authEvents),
		resolvedThirdPartyInvites: make(map[string]*Event),
		resolvedMembers:           make(map[string]*Event),
	}

	for _, p := range conflicted {
		if p.Type() == MRoomPowerLevels {
			r.conflictedPowerLevels = append(r.conflictedPowerLevels, p)
		} else {
			r.conflictedOthers = append(r.conflictedOthers, p)
		}
	}

	// Unconflicted events first, ordered topologically, form the initial
	// partial state.
	unconflicted = r.reverseTopologicalOrdering(unconflicted)
	r.authAndApplyEvents(unconflicted)

	// Conflicted power-level events, also ordered topologically, layer on
	// top; the mainline they establish governs ordering of everything
	// else.
	r.conflictedPowerLevels = r.reverseTopologicalOrdering(r.conflictedPowerLevels)
	r.authAndApplyEvents(r.conflictedPowerLevels)

	r.powerLevelMainline = r.createPowerLevelMainline()
	r.authAndApplyEvents(r.mainlineOrdering(r.conflictedOthers))

	// Reapply the unconflicted events once more in case a later layer
	// overwrote one of them while pulling in an auth event.
	r.authAndApplyEvents(unconflicted)

	if r.resolvedCreate != nil {
		r.result = append(r.result, *r.resolvedCreate)
	}
	if r.resolvedJoinRules != nil {
		r.result = append(r.result, *r.resolvedJoinRules)
	}
	if r.resolvedPowerLevels != nil {
		r.result = append(r.result, *r.resolvedPowerLevels)
	}
	for _, member := range r.resolvedMembers {
		r.result = append(r.result, *member)
	}
	for _, invite := range r.resolvedThirdPartyInvites {
		r.result = append(r.result, *invite)
	}
	return r.result
}

// createPowerLevelMainline walks back from the currently resolved power
// level event through its power-level ancestors, producing the mainline
// with the room creation nearest the beginning.
func (r *stateResolverV2) createPowerLevelMainline() []Event {
	var mainline []Event

	var iter func(event Event)
	iter = func(event Event) {
		mainline = append([]Event{event}, mainline...)
		for _, authEventID := range event.AuthEventIDs() {
			if authEvent, ok := r.authEventMap[authEventID]; ok {
				if authEvent.Type() == MRoomPowerLevels {
					iter(authEvent)
				}
			}
		}
	}

	if r.resolvedPowerLevels != nil {
		iter(*r.resolvedPowerLevels)
	}

	return mainline
}

// getFirstPowerLevelMainlineEvent steps through an event's auth events
// until it finds one present in the mainline (createPowerLevelMainline
// must have already run).
func (r *stateResolverV2) getFirstPowerLevelMainlineEvent(event Event) (mainlineEvent Event, mainlinePosition int, steps int) {
	isInMainline := func(searchEvent Event) (bool, int) {
		for pos, mainlineEvent := range r.powerLevelMainline {
			if mainlineEvent.EventID() == searchEvent.EventID() {
				return true, pos
			}
		}
		return false, 0
	}

	var iter func(event Event)
	iter = func(event Event) {
		for _, authEventID := range event.AuthEventIDs() {
			if authEvent, ok := r.authEventMap[authEventID]; ok {
				if authEvent.Type() == MRoomPowerLevels {
					if isIn, pos := isInMainline(authEvent); isIn {
						mainlineEvent = authEvent
						mainlinePosition = pos
						return
					}
					steps++
					iter(authEvent)
				}
			}
		}
	}

	iter(event)

	return
}

// authAndApplyEvents authorizes each event against the running partial
// state, discarding and moving on (not erroring) on denial, and applies
// the survivors to the relevant resolved-state slot.
func (r *stateResolverV2) authAndApplyEvents(events []Event) {
	for _, e := range events {
		event := e
		if err := Allowed(event, r); err != nil {
			continue
		}
		switch event.Type() {
		case MRoomCreate:
			if event.StateKeyEquals("") {
				r.resolvedCreate = &event
			}
		case MRoomPowerLevels:
			if event.StateKeyEquals("") {
				r.resolvedPowerLevels = &event
			}
		case MRoomJoinRules:
			if event.StateKeyEquals("") {
				r.resolvedJoinRules = &event
			}
		case MRoomThirdPartyInvite:
			if sk := event.StateKey(); sk != nil && *sk != "" {
				r.resolvedThirdPartyInvites[*sk] = &event
			}
		case MRoomMember:
			if sk := event.StateKey(); sk != nil && *sk != "" {
				r.resolvedMembers[*sk] = &event
			}
		}
	}
}

func eventMapFromEvents(events []Event) map[string]Event {
	r := make(map[string]Event, len(events))
	for _, e := range events {
		r[e.EventID()] = e
	}
	return r
}

func (r *stateResolverV2) prepareConflictedEvents(events []Event) []stateResV2ConflictedPowerLevel {
	block := make([]stateResV2ConflictedPowerLevel, len(events))
	for i, event := range events {
		block[i] = stateResV2ConflictedPowerLevel{
			powerLevel:     r.getPowerLevelFromAuthEvents(event),
			originServerTS: int64(event.OriginServerTS()),
			eventID:        event.EventID(),
			event:          event,
		}
	}
	return block
}

func (r *stateResolverV2) prepareOtherEvents(events []Event) []stateResV2ConflictedOther {
	block := make([]stateResV2ConflictedOther, len(events))
	for i, event := range events {
		_, pos, _ := r.getFirstPowerLevelMainlineEvent(event)
		block[i] = stateResV2ConflictedOther{
			mainlinePosition: pos,
			originServerTS:   int64(event.OriginServerTS()),
			eventID:          event.EventID(),
			event:            event,
		}
	}
	return block
}

func (r *stateResolverV2) reverseTopologicalOrdering(events []Event) (result []Event) {
	block := r.prepareConflictedEvents(events)
	sorted := kahnsAlgorithmUsingAuthEvents(block)
	for _, s := range sorted {
		result = append(result, s.event)
	}
	return
}

func (r *stateResolverV2) mainlineOrdering(events []Event) (result []Event) {
	block := r.prepareOtherEvents(events)
	sort.Sort(stateResV2ConflictedOtherSlice(block))
	for _, s := range block {
		result = append(result, s.event)
	}
	return
}

// getPowerLevelFromAuthEvents derives the sender's effective power level
// at the time of the event from its declared auth events, used as the
// Kahn's-algorithm tiebreak.
func (r *stateResolverV2) getPowerLevelFromAuthEvents(event Event) (pl int) {
	for _, authID := range event.AuthEventIDs() {
		authEvent, ok := r.authEventMap[authID]
		if !ok {
			return 0
		}
		if authEvent.Type() != MRoomPowerLevels || !authEvent.StateKeyEquals("") {
			continue
		}
		var content PowerLevelContent
		if err := json.Unmarshal(authEvent.Content(), &content); err != nil {
			return 0
		}
		pl = int(content.UserLevel(event.Sender()))
	}
	return
}

// kahnsAlgorithmUsingAuthEvents topologically sorts events by their
// auth_events dependencies, breaking ties with the priority heap (power
// level, then origin_server_ts, then event ID).
func kahnsAlgorithmUsingAuthEvents(events []stateResV2ConflictedPowerLevel) (graph []stateResV2ConflictedPowerLevel) {
	eventMap := make(map[string]stateResV2ConflictedPowerLevel)
	inDegree := make(map[string]int)

	for _, event := range events {
		eventMap[event.eventID] = event
		if _, ok := inDegree[event.eventID]; !ok {
			inDegree[event.eventID] = 0
		}
		for _, auth := range event.event.AuthEventIDs() {
			if _, ok := inDegree[auth]; !ok {
				inDegree[auth] = 1
			} else {
				inDegree[auth]++
			}
		}
	}

	var noIncoming stateResV2ConflictedPowerLevelHeap
	heap.Init(&noIncoming)
	for eventID, count := range inDegree {
		if count == 0 {
			if e, ok := eventMap[eventID]; ok {
				heap.Push(&noIncoming, e)
				delete(eventMap, eventID)
			}
		}
	}

	for noIncoming.Len() > 0 {
		event := heap.Pop(&noIncoming).(stateResV2ConflictedPowerLevel)
		graph = append([]stateResV2ConflictedPowerLevel{event}, graph...)

		for _, auth := range event.event.AuthEventIDs() {
			inDegree[auth]--
			if inDegree[auth] == 0 {
				if e, ok := eventMap[auth]; ok {
					heap.Push(&noIncoming, e)
					delete(eventMap, auth)
				}
			}
		}
	}

	return graph
}

// stateResV2ConflictedPowerLevel wraps a power event with the fields
// needed to sort it: the sender's effective power level at the time,
// origin_server_ts, and event ID, used in that order as tiebreaks.
type stateResV2ConflictedPowerLevel struct {
	powerLevel     int
	originServerTS int64
	eventID        string
	event          Event
}

type stateResV2ConflictedPowerLevelHeap []stateResV2ConflictedPowerLevel

func (h stateResV2ConflictedPowerLevelHeap) Len() int { return len(h) }
func (h stateResV2ConflictedPowerLevelHeap) Less(i, j int) bool {
	if h[i].powerLevel != h[j].powerLevel {
		return h[i].powerLevel > h[j].powerLevel
	}
	if h[i].originServerTS != h[j].originServerTS {
		return h[i].originServerTS < h[j].originServerTS
	}
	return h[i].eventID < h[j].eventID
}
func (h stateResV2ConflictedPowerLevelHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *stateResV2ConflictedPowerLevelHeap) Push(x interface{}) {
	*h = append(*h, x.(stateResV2ConflictedPowerLevel))
}
func (h *stateResV2ConflictedPowerLevelHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// stateResV2ConflictedOther wraps a non-power event with the fields needed
// for mainline ordering: position in the power-level mainline, then
// origin_server_ts, then event ID.
type stateResV2ConflictedOther struct {
	mainlinePosition int
	originServerTS   int64
	eventID          string
	event            Event
}

type stateResV2ConflictedOtherSlice []stateResV2ConflictedOther

func (s stateResV2ConflictedOtherSlice) Len() int { return len(s) }
func (s stateResV2ConflictedOtherSlice) Less(i, j int) bool {
	if s[i].mainlinePosition != s[j].mainlinePosition {
		return s[i].mainlinePosition > s[j].mainlinePosition
	}
	if s[i].originServerTS != s[j].originServerTS {
		return s[i].originServerTS < s[j].originServerTS
	}
	return s[i].eventID < s[j].eventID
}
func (s stateResV2ConflictedOtherSlice) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
