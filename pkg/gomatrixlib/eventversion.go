package gomatrixlib

import "fmt"

// RoomVersion selects a set of protocol rules: event format, event ID
// format, auth rules, redaction rules and state-resolution algorithm.
type RoomVersion string

// StateResAlgorithm identifies a state-resolution algorithm.
type StateResAlgorithm int

// EventFormat identifies the wire layout of prev_events/auth_events.
type EventFormat int

// EventIDFormat identifies how event IDs are generated.
type EventIDFormat int

// Room version constants. Represented as strings, not an integer enum,
// because the version grammar allows arbitrary future values.
// https://matrix.org/docs/spec/#room-version-grammar
const (
	RoomVersionV1 RoomVersion = "1"
	RoomVersionV2 RoomVersion = "2"
	RoomVersionV3 RoomVersion = "3"
	RoomVersionV4 RoomVersion = "4"
	RoomVersionV5 RoomVersion = "5"
)

const (
	EventFormatV1 EventFormat = iota + 1 // prev_events/auth_events as event references
	EventFormatV2                        // prev_events/auth_events as event ID strings
)

const (
	EventIDFormatV1 EventIDFormat = iota + 1 // randomised
	EventIDFormatV2                          // base64-encoded hash of event
	EventIDFormatV3                          // URL-safe base64-encoded hash of event
)

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

var roomVersionMeta = map[RoomVersion]RoomVersionDescription{
	RoomVersionV1: {
		Supported: true, Stable: true,
		stateResAlgorithm: StateResV1, eventFormat: EventFormatV1, eventIDFormat: EventIDFormatV1,
		enforceSignatureChecks: false,
	},
	RoomVersionV2: {
		Supported: true, Stable: true,
		stateResAlgorithm: StateResV2, eventFormat: EventFormatV1, eventIDFormat: EventIDFormatV1,
		enforceSignatureChecks: false,
	},
	RoomVersionV3: {
		Supported: true, Stable: true,
		stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV2,
		enforceSignatureChecks: false,
	},
	RoomVersionV4: {
		Supported: true, Stable: true,
		stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		enforceSignatureChecks: false,
	},
	RoomVersionV5: {
		Supported: true, Stable: true,
		stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		enforceSignatureChecks: true,
	},
}

// RoomVersions returns descriptions of every room version this build
// recognises.
func RoomVersions() map[RoomVersion]RoomVersionDescription {
	return roomVersionMeta
}

// SupportedRoomVersions returns the subset marked as supported.
func SupportedRoomVersions() map[RoomVersion]RoomVersionDescription {
	versions := make(map[RoomVersion]RoomVersionDescription)
	for id, version := range RoomVersions() {
		if version.Supported {
			versions[id] = version
		}
	}
	return versions
}

// StableRoomVersions returns the subset marked as supported and stable,
// suitable for advertising on a capabilities endpoint.
func StableRoomVersions() map[RoomVersion]RoomVersionDescription {
	versions := make(map[RoomVersion]RoomVersionDescription)
	for id, version := range RoomVersions() {
		if version.Supported && version.Stable {
			versions[id] = version
		}
	}
	return versions
}

// RoomVersionDescription describes the rule set selected by one room
// version.
type RoomVersionDescription struct {
	Supported              bool
	Stable                 bool
	stateResAlgorithm      StateResAlgorithm
	eventFormat            EventFormat
	eventIDFormat          EventIDFormat
	enforceSignatureChecks bool
}

// StateResAlgorithm returns the state resolution algorithm for this room
// version.
func (v RoomVersion) StateResAlgorithm() (StateResAlgorithm, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.stateResAlgorithm, nil
	}
	return 0, UnsupportedRoomVersionError{v}
}

// EventFormat returns the event format for this room version.
func (v RoomVersion) EventFormat() (EventFormat, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.eventFormat, nil
	}
	return 0, UnsupportedRoomVersionError{v}
}

// EventIDFormat returns the event ID format for this room version.
func (v RoomVersion) EventIDFormat() (EventIDFormat, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.eventIDFormat, nil
	}
	return 0, UnsupportedRoomVersionError{v}
}

// StrictValidityChecking reports whether this room version requires a
// signature from every server named in an event's sender/origin (room
// version 5 onward), rather than tolerating historical laxness.
func (v RoomVersion) StrictValidityChecking() (bool, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.enforceSignatureChecks, nil
	}
	return false, UnsupportedRoomVersionError{v}
}

// UnsupportedRoomVersionError is returned when an operation is attempted
// against a room version this build does not recognise.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("gomatrixlib: unsupported room version '%s'", e.Version)
}
