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
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// NewInviteV2Request builds the body of a
// /_matrix/federation/v2/invite/<roomID>/<eventID> request: an invite event
// plus enough stripped state for the invited server's client to identify
// the room before it has joined.
func NewInviteV2Request(event HeaderedEvent, state []InviteV2StrippedState) (request InviteV2Request, err error) {
	if event.EventHeader.RoomVersion == "" {
		err = errors.New("gomatrixlib: malformed headered event")
		return
	}
	request.fields.inviteV2RequestHeaders = inviteV2RequestHeaders{
		RoomVersion:     event.EventHeader.RoomVersion,
		InviteRoomState: state,
	}
	request.fields.Event = event.Unwrap()
	return
}

type inviteV2RequestHeaders struct {
	RoomVersion     RoomVersion             `json:"room_version"`
	InviteRoomState []InviteV2StrippedState `json:"invite_stripped_state"`
}

// InviteV2Request is used in a /_matrix/federation/v2/invite request.
type InviteV2Request struct {
	fields struct {
		inviteV2RequestHeaders
		Event Event `json:"event"`
	}
}

// UnmarshalJSON decodes the headers first to learn the room version, then
// parses the embedded event against that version.
func (i *InviteV2Request) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &i.fields.inviteV2RequestHeaders); err != nil {
		return err
	}
	eventJSON := gjson.GetBytes(data, "event")
	if !eventJSON.Exists() {
		return errors.New("gomatrixlib: invite v2 request doesn't contain event")
	}
	event, err := NewEventFromUntrustedJSON([]byte(eventJSON.String()), i.fields.RoomVersion)
	if err != nil {
		return err
	}
	i.fields.Event = event
	return nil
}

// MarshalJSON serializes the headers alongside the event.
func (i InviteV2Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		inviteV2RequestHeaders
		Event Event `json:"event"`
	}{i.fields.inviteV2RequestHeaders, i.fields.Event})
}

// Event returns the invite event.
func (i *InviteV2Request) Event() Event {
	return i.fields.Event
}

// RoomVersion returns the room version of the invited room.
func (i *InviteV2Request) RoomVersion() RoomVersion {
	return i.fields.RoomVersion
}

// InviteRoomState returns stripped state events for the room, enough for
// an invited user's client to identify the room (name, avatar, join rule)
// before they have joined it.
func (i *InviteV2Request) InviteRoomState() []InviteV2StrippedState {
	return i.fields.InviteRoomState
}

// InviteV2StrippedState is a cut-down set of fields from a room state
// event, enough to identify the room without exposing its full history.
type InviteV2StrippedState struct {
	fields struct {
		Content  RawJSON `json:"content"`
		StateKey *string `json:"state_key"`
		Type     string  `json:"type"`
		Sender   string  `json:"sender"`
	}
}

// NewInviteV2StrippedState strips a state event down to the fields the
// invite API exposes to the invited server.
func NewInviteV2StrippedState(event Event) InviteV2StrippedState {
	var s InviteV2StrippedState
	s.fields.Content = event.Content()
	s.fields.StateKey = event.StateKey()
	s.fields.Type = event.Type()
	s.fields.Sender = event.Sender()
	return s
}

func (i InviteV2StrippedState) Content() RawJSON   { return i.fields.Content }
func (i InviteV2StrippedState) StateKey() *string  { return i.fields.StateKey }
func (i InviteV2StrippedState) Type() string       { return i.fields.Type }
func (i InviteV2StrippedState) Sender() string     { return i.fields.Sender }

func (i InviteV2StrippedState) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.fields)
}

func (i *InviteV2StrippedState) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &i.fields)
}
