/* Copyright 2016-2017 Vector Creations Ltd
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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// A StateKeyTuple is the combination of an event type and an event state
// key. It is the key type of a StateMap.
type StateKeyTuple struct {
	EventType string
	// StateKey of the event. The empty string is a legitimate value, so
	// take care to initialise this field rather than leaving it at the Go
	// zero value by accident.
	StateKey string
}

// An EventReference is a reference to a matrix event.
type EventReference struct {
	EventID     string
	EventSHA256 Base64String
}

// An EventBuilder is used to build a new event, either locally or as part
// of a federation exchange such as a remote join.
type EventBuilder struct {
	Sender     string      `json:"sender"`
	RoomID     string      `json:"room_id"`
	Type       string      `json:"type"`
	StateKey   *string     `json:"state_key,omitempty"`
	PrevEvents interface{} `json:"prev_events"`
	AuthEvents interface{} `json:"auth_events"`
	Redacts    string      `json:"redacts,omitempty"`
	Depth      int64       `json:"depth"`
	Content    RawJSON     `json:"content"`
	Unsigned   RawJSON     `json:"unsigned,omitempty"`
}

// SetContent sets the JSON content key of the event.
func (eb *EventBuilder) SetContent(content interface{}) (err error) {
	eb.Content, err = json.Marshal(content)
	return
}

// SetUnsigned sets the JSON unsigned key of the event.
func (eb *EventBuilder) SetUnsigned(unsigned interface{}) (err error) {
	eb.Unsigned, err = json.Marshal(unsigned)
	return
}

// An Event is an immutable, content-addressed matrix event. If the content
// hash is invalid the event is held in its redacted form: redacted events
// only ever contain the fields covered by the event signature. Field layout
// differs by room version; see eventFormatV1Fields/eventFormatV2Fields.
type Event struct {
	redacted    bool
	eventJSON   []byte
	fields      interface{}
	roomVersion RoomVersion
}

type eventFields struct {
	EventID        string     `json:"event_id,omitempty"`
	RoomID         string     `json:"room_id"`
	Sender         string     `json:"sender"`
	Type           string     `json:"type"`
	StateKey       *string    `json:"state_key"`
	Content        RawJSON    `json:"content"`
	Redacts        string     `json:"redacts"`
	Depth          int64      `json:"depth"`
	Unsigned       RawJSON    `json:"unsigned"`
	OriginServerTS Timestamp  `json:"origin_server_ts"`
	Origin         ServerName `json:"origin"`
}

// eventFormatV1Fields is used by room versions 1 and 2.
type eventFormatV1Fields struct {
	eventFields
	PrevEvents []EventReference `json:"prev_events"`
	AuthEvents []EventReference `json:"auth_events"`
}

// eventFormatV2Fields is used by room versions 3 onwards.
type eventFormatV2Fields struct {
	eventFields
	PrevEvents []string `json:"prev_events"`
	AuthEvents []string `json:"auth_events"`
}

var emptyEventReferenceList = []EventReference{}

// Build finalises an EventBuilder into a signed, hashed Event for the
// given room version. origin_server_ts is taken from now. Room versions
// with random event IDs get a new ID on every call; for versions that
// derive the ID from the event hash, identical builder contents and now
// produce the same event ID.
func (eb *EventBuilder) Build(
	now time.Time, origin ServerName, keyID KeyID,
	privateKey ed25519.PrivateKey, roomVersion RoomVersion,
) (result Event, err error) {
	eventFormat, err := roomVersion.EventFormat()
	if err != nil {
		return result, err
	}
	eventIDFormat, err := roomVersion.EventIDFormat()
	if err != nil {
		return result, err
	}
	var event struct {
		EventBuilder
		EventID        string     `json:"event_id"`
		OriginServerTS Timestamp  `json:"origin_server_ts"`
		Origin         ServerName `json:"origin"`
		PrevState      *[]EventReference `json:"prev_state,omitempty"`
	}
	event.EventBuilder = *eb
	if eventIDFormat == EventIDFormatV1 {
		event.EventID = fmt.Sprintf("$%s:%s", util.RandomString(16), origin)
	}
	event.OriginServerTS = AsTimestamp(now)
	event.Origin = origin
	switch eventFormat {
	case EventFormatV1:
		if event.PrevEvents == nil {
			event.PrevEvents = []EventReference{}
		}
		if event.AuthEvents == nil {
			event.AuthEvents = []EventReference{}
		}
	case EventFormatV2:
		resPrevEvents, resAuthEvents := []string{}, []string{}
		switch prevEvents := event.PrevEvents.(type) {
		case []EventReference:
			for _, prevEvent := range prevEvents {
				resPrevEvents = append(resPrevEvents, prevEvent.EventID)
			}
		case []string:
			resPrevEvents = append(resPrevEvents, prevEvents...)
		}
		switch authEvents := event.AuthEvents.(type) {
		case []EventReference:
			for _, authEvent := range authEvents {
				resAuthEvents = append(resAuthEvents, authEvent.EventID)
			}
		case []string:
			resAuthEvents = append(resAuthEvents, authEvents...)
		}
		event.PrevEvents, event.AuthEvents = resPrevEvents, resAuthEvents
	}

	if event.StateKey != nil {
		// Early room versions required a "prev_state" key on state events.
		// Its contents are ignored by every implementation, including this
		// one, but the key must still be present for wire compatibility.
		event.PrevState = &emptyEventReferenceList
	}

	var eventJSON []byte
	if eventJSON, err = json.Marshal(&event); err != nil {
		return
	}

	if eventFormat == EventFormatV2 {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
			return
		}
	}

	if eventJSON, err = addContentHashesToEvent(eventJSON); err != nil {
		return
	}

	if eventJSON, err = signEvent(string(origin), keyID, privateKey, eventJSON); err != nil {
		return
	}

	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		return
	}

	result.roomVersion = roomVersion
	result.eventJSON = eventJSON

	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		return
	}

	if err = result.CheckFields(); err != nil {
		return
	}

	return
}

// NewEventFromUntrustedJSON parses an event received from a remote server
// or client. The content hash is checked; on mismatch the event is
// silently redacted rather than rejected, per the federation protocol's
// tamper-tolerance rule (a hostile intermediary strips fields, it cannot
// forge them).
func NewEventFromUntrustedJSON(eventJSON []byte, roomVersion RoomVersion) (result Event, err error) {
	result.roomVersion = roomVersion

	var eventFormat EventFormat
	eventFormat, err = result.roomVersion.EventFormat()
	if err != nil {
		return
	}

	if eventFormat == EventFormatV2 {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
			return
		}
	}

	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		return
	}

	// Strip fields a well-behaved server never sends but a buggy one might
	// have left lying around from a local round-trip.
	for _, key := range []string{"outlier", "destinations", "age_ts"} {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, key); err != nil {
			return
		}
	}

	eventJSON = CanonicalJSONAssumeValid(eventJSON)

	if err = checkEventContentHash(eventJSON); err != nil {
		result.redacted = true

		var redactedJSON []byte
		if redactedJSON, err = RedactEvent(eventJSON, roomVersion); err != nil {
			return
		}

		redactedJSON = CanonicalJSONAssumeValid(redactedJSON)

		// Only reparse if redaction actually changed something; this keeps
		// the common case (unredacted events) on the fast path.
		if !bytes.Equal(redactedJSON, eventJSON) {
			if result, err = NewEventFromTrustedJSON(redactedJSON, true, roomVersion); err != nil {
				return
			}
		}

		eventJSON = redactedJSON
	}

	result.eventJSON = eventJSON

	err = result.CheckFields()
	return
}

// NewEventFromTrustedJSON parses an event already known to be well formed,
// e.g. one loaded back out of the event store. It skips the cryptographic
// checks NewEventFromUntrustedJSON performs.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, roomVersion RoomVersion) (result Event, err error) {
	result.roomVersion = roomVersion
	result.redacted = redacted
	result.eventJSON = eventJSON
	err = result.populateFieldsFromJSON(eventJSON)
	return
}

func (e *Event) populateFieldsFromJSON(eventJSON []byte) error {
	eventFormat, err := e.roomVersion.EventFormat()
	if err != nil {
		return err
	}

	switch eventFormat {
	case EventFormatV1:
		fields := eventFormatV1Fields{}
		if err := json.Unmarshal(eventJSON, &fields); err != nil {
			return err
		}
		fields.fixNilSlices()
		e.fields = fields
	case EventFormatV2:
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
			return err
		}
		fields := eventFormatV2Fields{}
		if err := json.Unmarshal(eventJSON, &fields); err != nil {
			return err
		}
		fields.EventID, err = e.generateEventIDFromFields(fields, eventJSON)
		if err != nil {
			return err
		}
		fields.fixNilSlices()
		e.fields = fields
	default:
		return errors.New("gomatrixlib: room version not supported")
	}

	return nil
}

func (e *Event) generateEventIDFromFields(fields eventFormatV2Fields, eventJSON []byte) (string, error) {
	reference, err := referenceOfEvent(eventJSON, e.roomVersion)
	if err != nil {
		return "", err
	}
	return reference.EventID, nil
}

// Redacted returns whether the event is held in redacted form.
func (e *Event) Redacted() bool { return e.redacted }

// JSON returns the raw JSON bytes backing the event.
func (e *Event) JSON() []byte { return e.eventJSON }

// RoomVersion returns the room version this event was parsed/built under.
func (e *Event) RoomVersion() RoomVersion { return e.roomVersion }

// Redact returns a redacted copy of the event.
func (e *Event) Redact() Event {
	if e.redacted {
		return *e
	}
	eventJSON, err := RedactEvent(e.eventJSON, e.roomVersion)
	if err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v", err))
	}
	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v", err))
	}
	result := Event{
		redacted:    true,
		eventJSON:   eventJSON,
		roomVersion: e.roomVersion,
	}
	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v", err))
	}
	return result
}

// SetUnsigned returns a copy of the event with the "unsigned" key set.
func (e *Event) SetUnsigned(unsigned interface{}) (Event, error) {
	var eventAsMap map[string]RawJSON
	var err error
	if err = json.Unmarshal(e.eventJSON, &eventAsMap); err != nil {
		return Event{}, err
	}
	unsignedJSON, err := json.Marshal(unsigned)
	if err != nil {
		return Event{}, err
	}
	eventAsMap["unsigned"] = unsignedJSON
	eventJSON, err := json.Marshal(eventAsMap)
	if err != nil {
		return Event{}, err
	}
	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		return Event{}, err
	}
	if err = e.updateUnsignedFields(unsignedJSON); err != nil {
		return Event{}, err
	}
	result := *e
	result.eventJSON = eventJSON
	return result, nil
}

// SetUnsignedField inserts a value at a dot-separated path under the
// event's unsigned dict without disturbing signatures or hashes.
func (e *Event) SetUnsignedField(path string, value interface{}) error {
	path = "unsigned." + path
	eventJSON, err := sjson.SetBytes(e.eventJSON, path, value)
	if err != nil {
		return err
	}
	eventJSON = CanonicalJSONAssumeValid(eventJSON)

	res := gjson.GetBytes(eventJSON, "unsigned")
	unsigned := RawJSONFromResult(res, eventJSON)
	if err = e.updateUnsignedFields(unsigned); err != nil {
		return err
	}

	e.eventJSON = eventJSON

	return nil
}

func (e *Event) updateUnsignedFields(unsigned []byte) error {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		fields.Unsigned = unsigned
		fields.fixNilSlices()
		e.fields = fields
	case eventFormatV2Fields:
		fields.Unsigned = unsigned
		fields.fixNilSlices()
		e.fields = fields
	default:
		return UnsupportedRoomVersionError{Version: e.roomVersion}
	}
	return nil
}

// EventReference returns a reference to this event, suitable for citing
// from prev_events/auth_events in room versions that use that format.
func (e *Event) EventReference() EventReference {
	reference, err := referenceOfEvent(e.eventJSON, e.roomVersion)
	if err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v (%q)", err, string(e.eventJSON)))
	}
	return reference
}

// Sign returns a copy of the event with an additional signature.
func (e *Event) Sign(signingName string, keyID KeyID, privateKey ed25519.PrivateKey) Event {
	eventJSON, err := signEvent(signingName, keyID, privateKey, e.eventJSON)
	if err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v (%q)", err, string(e.eventJSON)))
	}
	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v (%q)", err, string(e.eventJSON)))
	}
	return Event{
		redacted:    e.redacted,
		eventJSON:   eventJSON,
		fields:      e.fields,
		roomVersion: e.roomVersion,
	}
}

// KeyIDs returns the key IDs that the named entity has signed the event
// with.
func (e *Event) KeyIDs(signingName string) []KeyID {
	keyIDs, err := ListKeyIDs(signingName, e.eventJSON)
	if err != nil {
		panic(fmt.Errorf("gomatrixlib: invalid event %v", err))
	}
	return keyIDs
}

// Verify checks an ed25519 signature over the event.
func (e *Event) Verify(signingName string, keyID KeyID, publicKey ed25519.PublicKey) error {
	return verifyEventSignature(signingName, keyID, publicKey, e.eventJSON)
}

// StateKey returns the event's state key, or nil if it is not a state event.
func (e *Event) StateKey() *string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.StateKey
	case eventFormatV2Fields:
		return fields.StateKey
	default:
		panic(e.invalidFieldType())
	}
}

// StateKeyEquals returns true if the event is a state event whose
// state_key matches the given value.
func (e *Event) StateKeyEquals(stateKey string) bool {
	sk := e.StateKey()
	if sk == nil {
		return false
	}
	return *sk == stateKey
}

const (
	// https://github.com/matrix-org/synapse/blob/v0.21.0/synapse/event_auth.py#L173-L182
	maxIDLength = 255
	// https://github.com/matrix-org/synapse/blob/v0.21.0/synapse/event_auth.py#L183-184
	maxEventLength = 65536
)

// CheckFields validates ID lengths, total event size, and (for room
// versions that embed the domain in the event ID) that event ID and
// sender domains are consistent with the declared origin.
func (e *Event) CheckFields() error { // nolint: gocyclo
	var fields eventFields
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		if f.AuthEvents == nil || f.PrevEvents == nil {
			return errors.New("gomatrixlib: auth events and prev events must not be nil")
		}
		fields = f.eventFields
	case eventFormatV2Fields:
		if f.AuthEvents == nil || f.PrevEvents == nil {
			return errors.New("gomatrixlib: auth events and prev events must not be nil")
		}
		fields = f.eventFields
	default:
		panic(e.invalidFieldType())
	}

	if len(e.eventJSON) > maxEventLength {
		return fmt.Errorf("gomatrixlib: event is too long, length %d > maximum %d", len(e.eventJSON), maxEventLength)
	}

	if len(fields.Type) > maxIDLength {
		return fmt.Errorf("gomatrixlib: event type is too long, length %d > maximum %d", len(fields.Type), maxIDLength)
	}

	if fields.StateKey != nil && len(*fields.StateKey) > maxIDLength {
		return fmt.Errorf("gomatrixlib: state key is too long, length %d > maximum %d", len(*fields.StateKey), maxIDLength)
	}

	if _, err := checkID(fields.RoomID, "room", '!'); err != nil {
		return err
	}

	origin := fields.Origin

	senderDomain, err := checkID(fields.Sender, "user", '@')
	if err != nil {
		return err
	}

	eventIDFormat, err := e.roomVersion.EventIDFormat()
	if err != nil {
		panic(err)
	}

	if eventIDFormat == EventIDFormatV1 {
		eventDomain, err := checkID(e.fields.(eventFormatV1Fields).EventID, "event", '$')
		if err != nil {
			return err
		}
		if origin != ServerName(eventDomain) {
			return fmt.Errorf("gomatrixlib: event ID domain doesn't match origin: %q != %q", eventDomain, origin)
		}

		if origin != ServerName(senderDomain) {
			// m.room.member events created from third-party invites or
			// legacy helper-server joins may legitimately have a sender
			// domain different from the origin; the signature checks
			// verify both domains regardless.
			if fields.Type != MRoomMember {
				return fmt.Errorf("gomatrixlib: sender domain doesn't match origin: %q != %q", senderDomain, origin)
			}
		}
	}

	return nil
}

func checkID(id, kind string, sigil byte) (domain string, err error) {
	domain, err = domainFromID(id)
	if err != nil {
		return
	}
	if id[0] != sigil {
		err = fmt.Errorf("gomatrixlib: invalid %s ID, wanted first byte to be '%c' got '%c'", kind, sigil, id[0])
		return
	}
	if len(id) > maxIDLength {
		err = fmt.Errorf("gomatrixlib: %s ID is too long, length %d > maximum %d", kind, len(id), maxIDLength)
		return
	}
	return
}

// Origin returns the name of the server that sent the event.
func (e *Event) Origin() ServerName {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.Origin
	case eventFormatV2Fields:
		return fields.Origin
	default:
		panic(e.invalidFieldType())
	}
}

// EventID returns the event ID.
func (e *Event) EventID() string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.EventID
	case eventFormatV2Fields:
		return fields.EventID
	default:
		panic(e.invalidFieldType())
	}
}

// Sender returns the user ID of the sender of the event.
func (e *Event) Sender() string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.Sender
	case eventFormatV2Fields:
		return fields.Sender
	default:
		panic(e.invalidFieldType())
	}
}

// Type returns the event type.
func (e *Event) Type() string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.Type
	case eventFormatV2Fields:
		return fields.Type
	default:
		panic(e.invalidFieldType())
	}
}

// OriginServerTS returns the timestamp (ms resolution) at which the
// originating server created the event.
func (e *Event) OriginServerTS() Timestamp {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.OriginServerTS
	case eventFormatV2Fields:
		return fields.OriginServerTS
	default:
		panic(e.invalidFieldType())
	}
}

// Unsigned returns the raw JSON under the event's "unsigned" key.
func (e *Event) Unsigned() []byte {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.Unsigned
	case eventFormatV2Fields:
		return fields.Unsigned
	default:
		panic(e.invalidFieldType())
	}
}

// Content returns the raw JSON under the event's "content" key.
func (e *Event) Content() []byte {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return []byte(fields.Content)
	case eventFormatV2Fields:
		return []byte(fields.Content)
	default:
		panic(e.invalidFieldType())
	}
}

// PrevEvents returns references to the direct ancestors of the event.
func (e *Event) PrevEvents() []EventReference {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.PrevEvents
	case eventFormatV2Fields:
		var result []EventReference
		for _, id := range fields.PrevEvents {
			result = append(result, EventReference{EventID: id, EventSHA256: Base64String(id[1:])})
		}
		return result
	default:
		panic(e.invalidFieldType())
	}
}

// PrevEventIDs returns the event IDs of the direct ancestors of the event.
func (e *Event) PrevEventIDs() []string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		var result []string
		for _, id := range fields.PrevEvents {
			result = append(result, id.EventID)
		}
		return result
	case eventFormatV2Fields:
		return fields.PrevEvents
	default:
		panic(e.invalidFieldType())
	}
}

// Membership returns the content.membership field of an m.room.member
// event, or an error if the event is not a member event.
func (e *Event) Membership() (string, error) {
	if e.Type() != MRoomMember {
		return "", fmt.Errorf("gomatrixlib: not an m.room.member event")
	}
	var content MemberContent
	if err := json.Unmarshal(e.Content(), &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

// AuthEvents returns references to the events needed to auth this event.
func (e *Event) AuthEvents() []EventReference {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.AuthEvents
	case eventFormatV2Fields:
		var result []EventReference
		for _, id := range fields.AuthEvents {
			result = append(result, EventReference{EventID: id, EventSHA256: Base64String(id[1:])})
		}
		return result
	default:
		panic(e.invalidFieldType())
	}
}

// AuthEventIDs returns the event IDs needed to auth this event.
func (e *Event) AuthEventIDs() []string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		var result []string
		for _, id := range fields.AuthEvents {
			result = append(result, id.EventID)
		}
		return result
	case eventFormatV2Fields:
		return fields.AuthEvents
	default:
		panic(e.invalidFieldType())
	}
}

// Redacts returns the event ID redacted by this event, if it is an
// m.room.redaction.
func (e *Event) Redacts() string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.Redacts
	case eventFormatV2Fields:
		return fields.Redacts
	default:
		panic(e.invalidFieldType())
	}
}

// RoomID returns the room ID of the room the event is in.
func (e *Event) RoomID() string {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.RoomID
	case eventFormatV2Fields:
		return fields.RoomID
	default:
		panic(e.invalidFieldType())
	}
}

// Depth returns the depth of the event.
func (e *Event) Depth() int64 {
	switch fields := e.fields.(type) {
	case eventFormatV1Fields:
		return fields.Depth
	case eventFormatV2Fields:
		return fields.Depth
	default:
		panic(e.invalidFieldType())
	}
}

// MarshalJSON implements json.Marshaller.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.eventJSON == nil {
		return nil, fmt.Errorf("gomatrixlib: cannot serialise uninitialised Event")
	}
	return e.eventJSON, nil
}

// Headered wraps the event with a room-version header.
func (e Event) Headered(roomVersion RoomVersion) HeaderedEvent {
	return HeaderedEvent{
		EventHeader: EventHeader{RoomVersion: roomVersion},
		Event:       e,
	}
}

// UnmarshalJSON implements json.Unmarshaller for the [event_id, {sha256}]
// wire tuple used by room versions 1 and 2.
func (er *EventReference) UnmarshalJSON(data []byte) error {
	var tuple []RawJSON
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("gomatrixlib: invalid event reference, invalid length: %d != 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &er.EventID); err != nil {
		return fmt.Errorf("gomatrixlib: invalid event reference, first element is invalid: %q %v", string(tuple[0]), err)
	}
	var hashes struct {
		SHA256 Base64String `json:"sha256"`
	}
	if err := json.Unmarshal(tuple[1], &hashes); err != nil {
		return fmt.Errorf("gomatrixlib: invalid event reference, second element is invalid: %q %v", string(tuple[1]), err)
	}
	er.EventSHA256 = hashes.SHA256
	return nil
}

// MarshalJSON implements json.Marshaller.
func (er EventReference) MarshalJSON() ([]byte, error) {
	hashes := struct {
		SHA256 Base64String `json:"sha256"`
	}{er.EventSHA256}
	tuple := []interface{}{er.EventID, hashes}
	return json.Marshal(&tuple)
}

// SplitID splits a matrix ID of the form SIGIL LOCALPART ":" DOMAIN into
// its local part and domain.
func SplitID(sigil byte, id string) (local string, domain ServerName, err error) {
	if len(id) == 0 || id[0] != sigil {
		return "", "", fmt.Errorf("gomatrixlib: invalid ID %q doesn't start with %q", id, sigil)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("gomatrixlib: invalid ID %q missing ':'", id)
	}
	return parts[0][1:], ServerName(parts[1]), nil
}

func (f *eventFormatV1Fields) fixNilSlices() {
	if f.AuthEvents == nil {
		f.AuthEvents = []EventReference{}
	}
	if f.PrevEvents == nil {
		f.PrevEvents = []EventReference{}
	}
}

func (f *eventFormatV2Fields) fixNilSlices() {
	if f.AuthEvents == nil {
		f.AuthEvents = []string{}
	}
	if f.PrevEvents == nil {
		f.PrevEvents = []string{}
	}
}

func (e *Event) invalidFieldType() string {
	if e == nil {
		return "gomatrixlib: attempt to call function on nil event"
	}
	if e.fields == nil {
		return fmt.Sprintf("gomatrixlib: event has no fields (room version %q)", e.roomVersion)
	}
	return fmt.Sprintf("gomatrixlib: field type %q invalid", reflect.TypeOf(e.fields).Name())
}
