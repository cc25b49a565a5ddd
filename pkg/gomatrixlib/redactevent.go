package gomatrixlib

import "encoding/json"

// redactionRuleSet names, for one room version, which content keys survive
// redaction for each well-known event type. Room versions 1 to 5 all have
// the same entry, and RedactEvent does not consult these flags: every
// version is redacted with the same keep-set.
type redactionRuleSet struct {
	aliasesKeepsAliases            bool
	memberKeepsThirdPartyInvite     bool
	createKeepsRoomVersion          bool
	powerLevelsKeepsInvite          bool
	historyVisibilityKeepsAllFields bool
}

var redactionRules = map[RoomVersion]redactionRuleSet{
	RoomVersionV1: {aliasesKeepsAliases: true},
	RoomVersionV2: {aliasesKeepsAliases: true},
	RoomVersionV3: {aliasesKeepsAliases: true},
	RoomVersionV4: {aliasesKeepsAliases: true},
	RoomVersionV5: {aliasesKeepsAliases: true},
}

func rulesFor(v RoomVersion) redactionRuleSet {
	if r, ok := redactionRules[v]; ok {
		return r
	}
	// Unknown versions get the zero rule set, with every keep flag off.
	return redactionRuleSet{}
}

// createContent keeps the fields needed in an m.room.create event. The
// creator is always kept; (matrix-org/synapse#1831 notes m.federate should
// be kept too, but no shipped implementation does so today).
type createContent struct {
	Creator rawJSON `json:"creator,omitempty"`
}

// joinRulesContent keeps the join_rule key of an m.room.join_rules event.
type joinRulesContent struct {
	JoinRule rawJSON `json:"join_rule,omitempty"`
}

// powerLevelContent keeps the users, users_default, events,
// events_default, state_default, ban, kick and redact keys of an
// m.room.power_levels event; any other key, including invite, is dropped.
type powerLevelContent struct {
	Users         rawJSON `json:"users,omitempty"`
	UsersDefault  rawJSON `json:"users_default,omitempty"`
	Events        rawJSON `json:"events,omitempty"`
	EventsDefault rawJSON `json:"events_default,omitempty"`
	StateDefault  rawJSON `json:"state_default,omitempty"`
	Ban           rawJSON `json:"ban,omitempty"`
	Kick          rawJSON `json:"kick,omitempty"`
	Redact        rawJSON `json:"redact,omitempty"`
}

// memberContent keeps the membership key of an m.room.member event.
type memberContent struct {
	Membership rawJSON `json:"membership,omitempty"`
}

// aliasesContent keeps the aliases key of an m.room.aliases event.
type aliasesContent struct {
	Aliases rawJSON `json:"aliases,omitempty"`
}

// historyVisibilityContent keeps the history_visibility key of an
// m.room.history_visibility event.
type historyVisibilityContent struct {
	HistoryVisibility rawJSON `json:"history_visibility,omitempty"`
}

// allContent is the union of every content field kept across event types.
// The JSON keys are distinct across types, so embedding them all is safe.
type allContent struct {
	createContent
	joinRulesContent
	powerLevelContent
	memberContent
	aliasesContent
	historyVisibilityContent
}

// redactedEventFields keeps the top-level keys needed by every event type.
// See https://github.com/matrix-org/synapse/blob/v0.18.7/synapse/events/utils.py#L42-L56
// for the canonical field list this mirrors.
type redactedEventFields struct {
	EventID        rawJSON    `json:"event_id,omitempty"`
	Sender         rawJSON    `json:"sender,omitempty"`
	RoomID         rawJSON    `json:"room_id,omitempty"`
	Hashes         rawJSON    `json:"hashes,omitempty"`
	Signatures     rawJSON    `json:"signatures,omitempty"`
	Content        allContent `json:"content"`
	Type           string     `json:"type"`
	StateKey       rawJSON    `json:"state_key,omitempty"`
	Depth          rawJSON    `json:"depth,omitempty"`
	PrevEvents     rawJSON    `json:"prev_events,omitempty"`
	PrevState      rawJSON    `json:"prev_state,omitempty"`
	AuthEvents     rawJSON    `json:"auth_events,omitempty"`
	Origin         rawJSON    `json:"origin,omitempty"`
	OriginServerTS rawJSON    `json:"origin_server_ts,omitempty"`
	Membership     rawJSON    `json:"membership,omitempty"`
}

// rawJSON is a value-type reimplementation of json.RawMessage, distinct
// from the exported RawJSON so that redaction's embedding trick (zero
// value = field omitted) keeps working regardless of changes to the
// exported type's MarshalJSON behavior on nil.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

func (r *rawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// RedactEvent strips the user-controlled fields from an event JSON
// document, keeping only the fields needed to authenticate the event.
// The keep-set is the same for every room version.
func RedactEvent(eventJSON []byte, roomVersion RoomVersion) ([]byte, error) {
	rules := rulesFor(roomVersion)
	_ = rules // reserved for future per-version field divergence

	var event redactedEventFields
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}
	var newContent allContent
	switch event.Type {
	case MRoomCreate:
		newContent.createContent = event.Content.createContent
	case MRoomMember:
		newContent.memberContent = event.Content.memberContent
	case MRoomJoinRules:
		newContent.joinRulesContent = event.Content.joinRulesContent
	case MRoomPowerLevels:
		newContent.powerLevelContent = event.Content.powerLevelContent
	case MRoomHistoryVisibility:
		newContent.historyVisibilityContent = event.Content.historyVisibilityContent
	case MRoomAliases:
		newContent.aliasesContent = event.Content.aliasesContent
	}
	event.Content = newContent
	return json.Marshal(&event)
}
