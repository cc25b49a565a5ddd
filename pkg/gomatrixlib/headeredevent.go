package gomatrixlib

import (
	"encoding/json"
)

// EventHeader carries metadata about an event that isn't part of the
// signed event itself, namely the room version (needed to know how to
// parse the rest of the event).
type EventHeader struct {
	RoomVersion RoomVersion `json:"room_version"`
}

// HeaderedEvent pairs an Event with the room version it was parsed under.
// This is the form events take once they cross a component boundary where
// the room version can't otherwise be inferred (e.g. serialized onto the
// publish stream).
type HeaderedEvent struct {
	EventHeader
	Event
}

// UnmarshalJSON implements json.Unmarshaller.
func (e *HeaderedEvent) UnmarshalJSON(data []byte) error {
	var header EventHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	switch header.RoomVersion {
	case RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5:
		// Recognised; fall through to full parse below.
	default:
		return UnsupportedRoomVersionError{header.RoomVersion}
	}
	e.EventHeader = header
	event, err := NewEventFromTrustedJSON(data, false, header.RoomVersion)
	if err != nil {
		return err
	}
	e.Event = event
	return nil
}

// Unwrap returns the bare Event, discarding the room-version header.
func (e HeaderedEvent) Unwrap() Event {
	return e.Event
}

// MarshalJSON implements json.Marshaller, embedding the room version
// alongside the event's own JSON.
func (e HeaderedEvent) MarshalJSON() ([]byte, error) {
	eventJSON, err := e.Event.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var asMap map[string]RawJSON
	if err := json.Unmarshal(eventJSON, &asMap); err != nil {
		return nil, err
	}
	roomVersionJSON, err := json.Marshal(e.EventHeader.RoomVersion)
	if err != nil {
		return nil, err
	}
	asMap["room_version"] = roomVersionJSON
	return json.Marshal(asMap)
}
