package gomatrixlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRoom constructs create + creator-join + public-join-rules events, the
// minimal auth chain most membership/power-level scenarios build on.
func buildRoom(t *testing.T, room *testRoom) (create, creatorJoin, joinRules Event) {
	t.Helper()
	create = room.build(mustBuilder(t, "@creator:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@creator:x"}`))

	eb := mustBuilder(t, "@creator:x", MRoomMember, stateKeyPtr("@creator:x"), `{"membership":"join"}`)
	eb.PrevEvents = []string{create.EventID()}
	eb.AuthEvents = []string{create.EventID()}
	creatorJoin = room.build(eb)

	eb = mustBuilder(t, "@creator:x", MRoomJoinRules, stateKeyPtr(""), `{"join_rule":"public"}`)
	eb.PrevEvents = []string{creatorJoin.EventID()}
	eb.AuthEvents = []string{create.EventID(), creatorJoin.EventID()}
	joinRules = room.build(eb)
	return
}

func TestAllowedCreateEvent(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create := room.build(mustBuilder(t, "@creator:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@creator:x"}`))
	require.NoError(t, Allowed(create, NewAuthEvents(nil)))
}

func TestAllowedCreateEventRejectsMismatchedCreatorDomain(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create := room.build(mustBuilder(t, "@creator:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@creator:other"}`))
	err := Allowed(create, NewAuthEvents(nil))
	require.Error(t, err)
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, WrongCreator, authErr.Reason)
}

// Concrete scenario 1: a brand-new room's first join, by its own creator,
// with no m.room.join_rules event anywhere in the auth chain yet (one
// cannot exist: setting it requires a joined sender). Without the
// creator-initial-join rule this would be denied BadJoinRule and no room
// could ever be bootstrapped past its create event.
func TestAllowedCreatorInitialJoinIsAllowedWithOnlyCreateInAuthEvents(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create, creatorJoin, _ := buildRoom(t, room)

	require.NoError(t, Allowed(creatorJoin, NewAuthEvents([]Event{create})))
}

func TestAllowedDeniesNonCreatorFirstJoinWithOnlyCreateInAuthEvents(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create := room.build(mustBuilder(t, "@creator:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@creator:x"}`))

	eb := mustBuilder(t, "@b:y", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"join"}`)
	eb.PrevEvents = []string{create.EventID()}
	eb.AuthEvents = []string{create.EventID()}
	bJoin := room.build(eb)

	err := Allowed(bJoin, NewAuthEvents([]Event{create}))
	require.Error(t, err)
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, BadJoinRule, authErr.Reason)
}

func TestAllowedJoinOnPublicRoom(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create, creatorJoin, joinRules := buildRoom(t, room)

	eb := mustBuilder(t, "@b:y", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"join"}`)
	eb.PrevEvents = []string{joinRules.EventID()}
	eb.AuthEvents = []string{create.EventID(), joinRules.EventID()}
	join := room.build(eb)

	auth := NewAuthEvents([]Event{create, creatorJoin, joinRules})
	require.NoError(t, Allowed(join, auth))
}

// Concrete scenario 2: an m.room.member join by a user on a room whose
// join_rule is invite, with no matching invite event in the auth chain.
func TestUnauthorizedJoinOnInviteOnlyRoomIsDeniedBadJoinRule(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create := room.build(mustBuilder(t, "@creator:x", MRoomCreate, stateKeyPtr(""), `{"creator":"@creator:x"}`))

	eb := mustBuilder(t, "@creator:x", MRoomMember, stateKeyPtr("@creator:x"), `{"membership":"join"}`)
	eb.PrevEvents = []string{create.EventID()}
	eb.AuthEvents = []string{create.EventID()}
	creatorJoin := room.build(eb)

	eb = mustBuilder(t, "@creator:x", MRoomJoinRules, stateKeyPtr(""), `{"join_rule":"invite"}`)
	eb.PrevEvents = []string{creatorJoin.EventID()}
	eb.AuthEvents = []string{create.EventID(), creatorJoin.EventID()}
	joinRules := room.build(eb)

	eb = mustBuilder(t, "@b:y", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"join"}`)
	eb.PrevEvents = []string{joinRules.EventID()}
	eb.AuthEvents = []string{create.EventID(), joinRules.EventID()}
	join := room.build(eb)

	auth := NewAuthEvents([]Event{create, creatorJoin, joinRules})
	err := Allowed(join, auth)
	require.Error(t, err)
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, BadJoinRule, authErr.Reason)
}

func TestAllowedMembershipDeniesJoinAfterBan(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create, creatorJoin, joinRules := buildRoom(t, room)

	eb := mustBuilder(t, "@b:y", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"join"}`)
	eb.PrevEvents = []string{joinRules.EventID()}
	eb.AuthEvents = []string{create.EventID(), joinRules.EventID()}
	bJoin := room.build(eb)

	eb = mustBuilder(t, "@creator:x", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"ban"}`)
	eb.PrevEvents = []string{bJoin.EventID()}
	eb.AuthEvents = []string{create.EventID(), creatorJoin.EventID(), bJoin.EventID()}
	ban := room.build(eb)

	eb = mustBuilder(t, "@b:y", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"join"}`)
	eb.PrevEvents = []string{ban.EventID()}
	eb.AuthEvents = []string{create.EventID(), joinRules.EventID(), ban.EventID()}
	rejoin := room.build(eb)

	auth := NewAuthEvents([]Event{create, creatorJoin, joinRules, ban})
	err := Allowed(rejoin, auth)
	require.Error(t, err)
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, InvalidMembershipTransition, authErr.Reason)
}

func TestAllowedPowerLevelsDeniesDemotingUserAtOrAboveOwnLevel(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	create, creatorJoin, joinRules := buildRoom(t, room)

	eb := mustBuilder(t, "@creator:x", MRoomPowerLevels, stateKeyPtr(""), `{"users":{"@creator:x":100},"users_default":0}`)
	eb.PrevEvents = []string{joinRules.EventID()}
	eb.AuthEvents = []string{create.EventID(), creatorJoin.EventID()}
	pl := room.build(eb)

	eb = mustBuilder(t, "@b:y", MRoomMember, stateKeyPtr("@b:y"), `{"membership":"join"}`)
	eb.PrevEvents = []string{pl.EventID()}
	eb.AuthEvents = []string{create.EventID(), joinRules.EventID()}
	bJoin := room.build(eb)

	// b, at level 0, attempts to strip the creator (level 100) of their
	// power, which the rule set forbids regardless of the resulting level.
	eb = mustBuilder(t, "@b:y", MRoomPowerLevels, stateKeyPtr(""), `{"users":{"@creator:x":0},"users_default":0}`)
	eb.PrevEvents = []string{bJoin.EventID()}
	eb.AuthEvents = []string{create.EventID(), pl.EventID(), bJoin.EventID()}
	attempt := room.build(eb)

	auth := NewAuthEvents([]Event{create, creatorJoin, joinRules, pl, bJoin})
	err := Allowed(attempt, auth)
	require.Error(t, err)
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, InsufficientPower, authErr.Reason)
}

func TestAllowedDeniesEventWithNoCreateInAuthEvents(t *testing.T) {
	room := newTestRoom(t, RoomVersionV5)
	eb := mustBuilder(t, "@a:x", "m.room.message", nil, `{"body":"hi"}`)
	msg := room.build(eb)
	err := Allowed(msg, NewAuthEvents(nil))
	require.Error(t, err)
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, MissingCreate, authErr.Reason)
}
