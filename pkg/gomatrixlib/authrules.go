package gomatrixlib

import (
	"encoding/json"
	"fmt"
)

// AuthDenyReason enumerates the reasons the Auth Rules Engine can deny an
// event. Callers translate these into protocol error shapes; they are
// never surfaced as free text.
type AuthDenyReason int

const (
	_ AuthDenyReason = iota
	MissingCreate
	WrongCreator
	NotInRoom
	InsufficientPower
	InvalidMembershipTransition
	BadJoinRule
	InvalidThirdPartyInvite
	Malformed
)

func (r AuthDenyReason) String() string {
	switch r {
	case MissingCreate:
		return "MissingCreate"
	case WrongCreator:
		return "WrongCreator"
	case NotInRoom:
		return "NotInRoom"
	case InsufficientPower:
		return "InsufficientPower"
	case InvalidMembershipTransition:
		return "InvalidMembershipTransition"
	case BadJoinRule:
		return "BadJoinRule"
	case InvalidThirdPartyInvite:
		return "InvalidThirdPartyInvite"
	case Malformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// AuthError is returned by Allowed when an event is denied. It carries one
// of the enumerated AuthDenyReason values.
type AuthError struct {
	Reason  AuthDenyReason
	Message string
}

func (e AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gomatrixlib: event denied (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("gomatrixlib: event denied (%s)", e.Reason)
}

func deny(reason AuthDenyReason, format string, args ...interface{}) error {
	return AuthError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Allowed is the pure, deterministic Auth Rules Engine: given a candidate
// event and the auth state narrowed to the events it declares in
// auth_events, decide Allow (nil) or Deny (a non-nil AuthError).
//
// The rule set is the same across the room versions this build supports
// (1 through 5); a room version only ever adds or refines rules, never
// mutates the behavior of an already-shipped version, so room-version
// dispatch here would currently be a no-op. The entry point still takes
// the event's room version as an implicit parameter via event.RoomVersion()
// so that a future version with genuinely different rules has a natural
// seam to hook into, per the table-of-capabilities design.
func Allowed(event Event, authEvents AuthEvents) error {
	switch event.Type() {
	case MRoomCreate:
		return allowedCreate(event)
	default:
		create, err := authEvents.Create()
		if err != nil {
			return err
		}
		if create == nil {
			return deny(MissingCreate, "no m.room.create in auth events")
		}
	}

	if event.Type() == MRoomMember {
		return allowedMembership(event, authEvents)
	}

	if err := checkSenderInRoom(event, authEvents); err != nil {
		return err
	}

	switch event.Type() {
	case MRoomPowerLevels:
		return allowedPowerLevels(event, authEvents)
	case MRoomJoinRules:
		return allowedJoinRules(event, authEvents)
	case MRoomRedaction:
		return allowedRedaction(event, authEvents)
	default:
		return checkEventLevel(event, authEvents, true)
	}
}

func allowedCreate(event Event) error {
	if !event.StateKeyEquals("") {
		return deny(Malformed, "m.room.create must have an empty state key")
	}
	if len(event.PrevEventIDs()) > 0 {
		return deny(Malformed, "m.room.create must not have prev_events")
	}
	var content CreateContent
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return deny(Malformed, "invalid m.room.create content: %v", err)
	}
	_, domain, err := SplitID('@', event.Sender())
	if err != nil {
		return deny(Malformed, "invalid sender: %v", err)
	}
	if content.Creator == "" {
		return deny(Malformed, "m.room.create missing creator")
	}
	_, creatorDomain, err := SplitID('@', content.Creator)
	if err == nil && creatorDomain != domain {
		return deny(WrongCreator, "creator domain %q does not match sender domain %q", creatorDomain, domain)
	}
	return nil
}

func checkSenderInRoom(event Event, authEvents AuthEvents) error {
	member, err := authEvents.Member(event.Sender())
	if err != nil {
		return err
	}
	if member == nil {
		return deny(NotInRoom, "sender %q has no membership event", event.Sender())
	}
	membership, err := member.Membership()
	if err != nil {
		return deny(Malformed, "invalid membership content: %v", err)
	}
	if Membership(membership) != Join {
		return deny(NotInRoom, "sender %q is not joined (membership=%q)", event.Sender(), membership)
	}
	return nil
}

func powerLevelsFrom(authEvents AuthEvents) (*PowerLevelContent, error) {
	plEvent, err := authEvents.PowerLevels()
	if err != nil {
		return nil, err
	}
	if plEvent == nil {
		return &PowerLevelContent{}, nil
	}
	var content PowerLevelContent
	if err := json.Unmarshal(plEvent.Content(), &content); err != nil {
		return nil, deny(Malformed, "invalid m.room.power_levels content: %v", err)
	}
	return &content, nil
}

func checkEventLevel(event Event, authEvents AuthEvents, isState bool) error {
	pl, err := powerLevelsFrom(authEvents)
	if err != nil {
		return err
	}
	required := pl.EventLevel(event.Type(), isState)
	actual := pl.UserLevel(event.Sender())
	if actual < required {
		return deny(InsufficientPower, "sender level %d < required level %d for %q", actual, required, event.Type())
	}
	return nil
}

func allowedPowerLevels(event Event, authEvents AuthEvents) error {
	if !event.StateKeyEquals("") {
		return deny(Malformed, "m.room.power_levels must have an empty state key")
	}
	existing, err := powerLevelsFrom(authEvents)
	if err != nil {
		return err
	}
	var next PowerLevelContent
	if err := json.Unmarshal(event.Content(), &next); err != nil {
		return deny(Malformed, "invalid m.room.power_levels content: %v", err)
	}
	actual := existing.UserLevel(event.Sender())
	required := existing.EventLevel(MRoomPowerLevels, true)
	if actual < required {
		return deny(InsufficientPower, "sender level %d < required level %d to change power levels", actual, required)
	}
	// A sender may not grant another user a power level greater than their
	// own, nor demote another user whose level is greater than or equal to
	// their own. The sender's own entry in users is not checked.
	for user, level := range next.Users {
		oldLevel := existing.UserLevel(user)
		if level != oldLevel && (level > actual || oldLevel >= actual) && user != event.Sender() {
			return deny(InsufficientPower, "sender level %d insufficient to set %q to level %d", actual, user, level)
		}
	}
	return nil
}

func allowedJoinRules(event Event, authEvents AuthEvents) error {
	if !event.StateKeyEquals("") {
		return deny(Malformed, "m.room.join_rules must have an empty state key")
	}
	return checkEventLevel(event, authEvents, true)
}

func allowedRedaction(event Event, authEvents AuthEvents) error {
	pl, err := powerLevelsFrom(authEvents)
	if err != nil {
		return err
	}
	actual := pl.UserLevel(event.Sender())
	if actual < pl.Redact {
		return deny(InsufficientPower, "sender level %d < redact level %d", actual, pl.Redact)
	}
	return nil
}

// isCreatorInitialJoin reports whether event is the room creator's own
// bootstrapping join: the only auth event it cites is m.room.create, and
// the creator named in that event is both the sender and the state_key.
// No m.room.join_rules event can exist yet at that point in the DAG (its
// own authorization requires a joined sender), so this is the one case
// where a join is allowed independent of join_rule.
func isCreatorInitialJoin(event Event, authEvents AuthEvents) (bool, error) {
	authIDs := event.AuthEventIDs()
	if len(authIDs) != 1 {
		return false, nil
	}
	create, err := authEvents.Create()
	if err != nil {
		return false, err
	}
	if create == nil || authIDs[0] != create.EventID() {
		return false, nil
	}
	var content CreateContent
	if err := json.Unmarshal(create.Content(), &content); err != nil {
		return false, nil
	}
	return content.Creator != "" && content.Creator == event.Sender() && event.Sender() == *event.StateKey(), nil
}

func allowedMembership(event Event, authEvents AuthEvents) error {
	targetID := event.StateKey()
	if targetID == nil || *targetID == "" {
		return deny(Malformed, "m.room.member must have a non-empty state key")
	}
	var content MemberContent
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return deny(Malformed, "invalid m.room.member content: %v", err)
	}
	newMembership := Membership(content.Membership)

	targetMember, err := authEvents.Member(*targetID)
	if err != nil {
		return err
	}
	var oldMembership Membership
	if targetMember != nil {
		m, merr := targetMember.Membership()
		if merr != nil {
			return deny(Malformed, "invalid existing membership content: %v", merr)
		}
		oldMembership = Membership(m)
	} else {
		oldMembership = Leave
	}

	senderMember, err := authEvents.Member(event.Sender())
	if err != nil {
		return err
	}
	var senderMembership Membership
	if senderMember != nil {
		m, merr := senderMember.Membership()
		if merr != nil {
			return deny(Malformed, "invalid sender membership content: %v", merr)
		}
		senderMembership = Membership(m)
	} else {
		senderMembership = Leave
	}

	pl, err := powerLevelsFrom(authEvents)
	if err != nil {
		return err
	}

	joinRule := JoinRulePublic
	if jrEvent, jerr := authEvents.JoinRules(); jerr == nil && jrEvent != nil {
		var jrContent struct {
			JoinRule string `json:"join_rule"`
		}
		if err := json.Unmarshal(jrEvent.Content(), &jrContent); err == nil && jrContent.JoinRule != "" {
			joinRule = JoinRule(jrContent.JoinRule)
		}
	} else {
		joinRule = JoinRuleInvite
	}

	switch newMembership {
	case Join:
		if event.Sender() != *targetID {
			return deny(InvalidMembershipTransition, "sender %q cannot make %q join", event.Sender(), *targetID)
		}
		if oldMembership != Ban {
			bootstrap, err := isCreatorInitialJoin(event, authEvents)
			if err != nil {
				return err
			}
			if bootstrap {
				return nil
			}
		}
		switch oldMembership {
		case Join, Invite:
			return nil
		case Ban:
			return deny(InvalidMembershipTransition, "banned users cannot join")
		default:
			switch joinRule {
			case JoinRulePublic:
				return nil
			case JoinRuleInvite, JoinRuleKnock:
				return deny(BadJoinRule, "join_rule %q requires an invite", joinRule)
			default:
				return deny(BadJoinRule, "join_rule %q does not permit joining", joinRule)
			}
		}
	case Invite:
		if content.ThirdPartyInvite != nil {
			return allowedThirdPartyInvite(event, authEvents, content)
		}
		if senderMembership != Join {
			return deny(InvalidMembershipTransition, "sender %q must be joined to invite", event.Sender())
		}
		if oldMembership == Join || oldMembership == Ban {
			return deny(InvalidMembershipTransition, "cannot invite a member who is already joined or banned")
		}
		required := pl.Invite
		if pl.UserLevel(event.Sender()) < required {
			return deny(InsufficientPower, "sender level insufficient to invite")
		}
		return nil
	case Leave:
		if event.Sender() == *targetID {
			if oldMembership == Ban {
				return deny(InvalidMembershipTransition, "banned users cannot unilaterally leave")
			}
			return nil
		}
		if senderMembership != Join {
			return deny(InvalidMembershipTransition, "sender %q must be joined to kick", event.Sender())
		}
		if pl.UserLevel(event.Sender()) < pl.Kick || pl.UserLevel(event.Sender()) <= pl.UserLevel(*targetID) {
			return deny(InsufficientPower, "sender level insufficient to kick %q", *targetID)
		}
		return nil
	case Ban:
		if senderMembership != Join {
			return deny(InvalidMembershipTransition, "sender %q must be joined to ban", event.Sender())
		}
		if pl.UserLevel(event.Sender()) < pl.Ban || pl.UserLevel(event.Sender()) <= pl.UserLevel(*targetID) {
			return deny(InsufficientPower, "sender level insufficient to ban %q", *targetID)
		}
		return nil
	case Knock:
		if joinRule != JoinRuleKnock {
			return deny(BadJoinRule, "join_rule %q does not permit knocking", joinRule)
		}
		if event.Sender() != *targetID {
			return deny(InvalidMembershipTransition, "sender %q cannot knock on behalf of %q", event.Sender(), *targetID)
		}
		if oldMembership == Join || oldMembership == Ban {
			return deny(InvalidMembershipTransition, "cannot knock while joined or banned")
		}
		return nil
	default:
		return deny(InvalidMembershipTransition, "unknown membership %q", newMembership)
	}
}

func allowedThirdPartyInvite(event Event, authEvents AuthEvents, content MemberContent) error {
	if content.ThirdPartyInvite == nil {
		return deny(InvalidThirdPartyInvite, "missing third_party_invite")
	}
	token := content.ThirdPartyInvite.Signed.Token
	if token == "" {
		return deny(InvalidThirdPartyInvite, "missing third-party invite token")
	}
	invite, err := authEvents.ThirdPartyInvite(token)
	if err != nil {
		return err
	}
	if invite == nil {
		return deny(InvalidThirdPartyInvite, "no matching m.room.third_party_invite for token %q", token)
	}
	if invite.Sender() != event.Sender() {
		return deny(InvalidThirdPartyInvite, "third-party invite sender mismatch")
	}
	return nil
}
