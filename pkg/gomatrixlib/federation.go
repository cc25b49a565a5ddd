package gomatrixlib

import "encoding/json"

// Transaction is the wire shape of a federation /send or /backfill
// response: a batch of PDUs (events, still as raw JSON pending room-version
// aware parsing) exchanged between two servers.
type Transaction struct {
	Origin         ServerName `json:"origin"`
	OriginServerTS Timestamp  `json:"origin_server_ts"`
	PDUs           []RawJSON  `json:"pdus"`
}

// RespStateIDs is the wire shape of a /state_ids response: the state at an
// event, as event IDs only (the caller fetches bodies separately for
// whichever it doesn't already have).
type RespStateIDs struct {
	AuthEventIDs  []string `json:"auth_chain_ids"`
	StateEventIDs []string `json:"pdu_ids"`
}

// RespEventAuth is the wire shape of a /event_auth response: the full auth
// chain of one event, as event bodies rather than IDs, since by definition
// the requester doesn't have them yet.
type RespEventAuth struct {
	AuthEvents []RawJSON `json:"auth_chain"`
}

// ParseAuthEvents decodes a RespEventAuth's PDUs against a specific room
// version; the response itself carries no per-event room-version header.
func (r RespEventAuth) ParseAuthEvents(roomVersion RoomVersion) ([]Event, error) {
	events := make([]Event, 0, len(r.AuthEvents))
	for _, raw := range r.AuthEvents {
		event, err := NewEventFromUntrustedJSON(raw, roomVersion)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// UnmarshalJSON accepts either the "auth_chain" shape used by this package
// or a bare JSON array, matching the two wire shapes seen across federation
// implementations of this endpoint.
func (r *RespEventAuth) UnmarshalJSON(data []byte) error {
	var named struct {
		AuthEvents []RawJSON `json:"auth_chain"`
	}
	if err := json.Unmarshal(data, &named); err == nil && len(named.AuthEvents) > 0 {
		r.AuthEvents = named.AuthEvents
		return nil
	}
	var bare []RawJSON
	if err := json.Unmarshal(data, &bare); err != nil {
		return err
	}
	r.AuthEvents = bare
	return nil
}
