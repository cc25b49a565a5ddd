package gomatrixlib

// Well-known event types referenced directly by the auth rules engine and
// state resolver. Kept as constants rather than an enum since the protocol
// allows arbitrary custom event types to flow through unauthenticated.
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomAliases           = "m.room.aliases"
	MRoomRedaction         = "m.room.redaction"
)

// Membership is the value of the "membership" key of an m.room.member
// event's content.
type Membership string

const (
	Join   Membership = "join"
	Leave  Membership = "leave"
	Invite Membership = "invite"
	Ban    Membership = "ban"
	Knock  Membership = "knock"
)

// MemberContent is the decoded content of an m.room.member event, holding
// only the fields the auth rules and state resolver need to inspect.
type MemberContent struct {
	Membership     string          `json:"membership"`
	ThirdPartyInvite *MemberThirdPartyInvite `json:"third_party_invite,omitempty"`
}

// MemberThirdPartyInvite is the "third_party_invite" sub-object of an
// m.room.member event's content, present for invites derived from a
// m.room.third_party_invite event.
type MemberThirdPartyInvite struct {
	Signed struct {
		MXID       string            `json:"mxid"`
		Signatures map[string]RawJSON `json:"signatures"`
		Token      string            `json:"token"`
	} `json:"signed"`
}

// HistoryVisibility is the value of the "history_visibility" key of an
// m.room.history_visibility event's content.
type HistoryVisibility string

const (
	HistoryVisibilityWorldReadable HistoryVisibility = "world_readable"
	HistoryVisibilityShared        HistoryVisibility = "shared"
	HistoryVisibilityInvited       HistoryVisibility = "invited"
	HistoryVisibilityJoined        HistoryVisibility = "joined"
)

// PowerLevelContent is the decoded content of an m.room.power_levels event.
type PowerLevelContent struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  int64            `json:"users_default,omitempty"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault int64            `json:"events_default,omitempty"`
	StateDefault  int64            `json:"state_default,omitempty"`
	Ban           int64            `json:"ban,omitempty"`
	Kick          int64            `json:"kick,omitempty"`
	Redact        int64            `json:"redact,omitempty"`
	Invite        int64            `json:"invite,omitempty"`
}

// UserLevel returns the effective power level of the given user, falling
// back to users_default.
func (p *PowerLevelContent) UserLevel(userID string) int64 {
	if p == nil {
		return 0
	}
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// EventLevel returns the power level required to send the given event
// type, falling back to state_default for state events and
// events_default otherwise.
func (p *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if p == nil {
		if isState {
			return 50
		}
		return 0
	}
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// JoinRule is the value of the "join_rule" key of an m.room.join_rules
// event's content.
type JoinRule string

const (
	JoinRulePublic  JoinRule = "public"
	JoinRuleInvite  JoinRule = "invite"
	JoinRuleKnock   JoinRule = "knock"
	JoinRulePrivate JoinRule = "private"
)

// CreateContent is the decoded content of an m.room.create event.
type CreateContent struct {
	Creator     string `json:"creator"`
	RoomVersion string `json:"room_version,omitempty"`
	Federate    *bool  `json:"m.federate,omitempty"`
}
