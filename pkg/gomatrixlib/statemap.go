package gomatrixlib

// StateMap is the room's state at some point in its DAG: a mapping from
// (event type, state key) to the event ID that currently holds that slot.
// State maps are computed by the state resolver, never authored directly.
type StateMap map[StateKeyTuple]string

// Clone returns a shallow copy of the state map.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Tuples returns the (type, state_key) keys of the map.
func (m StateMap) Tuples() []StateKeyTuple {
	out := make([]StateKeyTuple, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// EventIDs returns the event IDs referenced by the map, in no particular
// order.
func (m StateMap) EventIDs() []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// AuthEvents is the view of a candidate event's declared auth_events that
// the Auth Rules Engine and State Resolver need: direct accessors to the
// five event types the protocol's auth rules are defined in terms of,
// rather than a generic (type, state_key) lookup.
type AuthEvents interface {
	Create() (*Event, error)
	PowerLevels() (*Event, error)
	JoinRules() (*Event, error)
	Member(stateKey string) (*Event, error)
	ThirdPartyInvite(stateKey string) (*Event, error)
}

// authEventsFromMap is the trivial AuthEvents implementation used when the
// full set of candidate auth events is already materialised in memory
// (state resolution working sets, unit tests, and the ingress pipeline,
// which loads a candidate's auth events from the event store first).
type authEventsFromMap struct {
	create           *Event
	powerLevels      *Event
	joinRules        *Event
	thirdPartyInvite map[string]*Event
	member           map[string]*Event
}

// NewAuthEvents builds an AuthEvents view over an explicit list of events,
// typically the events a candidate event declares in its auth_events.
func NewAuthEvents(events []Event) AuthEvents {
	a := &authEventsFromMap{
		thirdPartyInvite: make(map[string]*Event),
		member:           make(map[string]*Event),
	}
	for i := range events {
		e := events[i]
		switch e.Type() {
		case MRoomCreate:
			if e.StateKeyEquals("") {
				a.create = &e
			}
		case MRoomPowerLevels:
			if e.StateKeyEquals("") {
				a.powerLevels = &e
			}
		case MRoomJoinRules:
			if e.StateKeyEquals("") {
				a.joinRules = &e
			}
		case MRoomThirdPartyInvite:
			if sk := e.StateKey(); sk != nil && *sk != "" {
				a.thirdPartyInvite[*sk] = &e
			}
		case MRoomMember:
			if sk := e.StateKey(); sk != nil && *sk != "" {
				a.member[*sk] = &e
			}
		}
	}
	return a
}

func (a *authEventsFromMap) Create() (*Event, error)      { return a.create, nil }
func (a *authEventsFromMap) PowerLevels() (*Event, error) { return a.powerLevels, nil }
func (a *authEventsFromMap) JoinRules() (*Event, error)   { return a.joinRules, nil }
func (a *authEventsFromMap) ThirdPartyInvite(stateKey string) (*Event, error) {
	return a.thirdPartyInvite[stateKey], nil
}
func (a *authEventsFromMap) Member(stateKey string) (*Event, error) {
	return a.member[stateKey], nil
}
