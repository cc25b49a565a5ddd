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

// Package gomatrixlib implements the event model, canonical JSON, signing,
// auth rules and state resolution shared by the room server.
package gomatrixlib

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RawJSON is a reimplementation of json.RawMessage that supports being used
// as a struct field value rather than just a pointer.
type RawJSON []byte

// MarshalJSON implements json.Marshaller using a value receiver so that
// embedding this type in another struct still marshals correctly.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON implements json.Unmarshaller using a pointer receiver.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// RawJSONFromResult converts a gjson.Result into a RawJSON by slicing the
// original document rather than re-marshalling.
func RawJSONFromResult(res gjson.Result, document []byte) RawJSON {
	return RawJSON(document[res.Index : res.Index+len(res.Raw)])
}

// Base64String is a string of bytes (not necessarily UTF-8) that is
// marshalled as unpadded base64 when used as JSON.
type Base64String []byte

// Encode encodes the bytes as unpadded base64.
func (b Base64String) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// base64URLEncode encodes bytes as unpadded URL-safe base64, used to
// derive event IDs in room versions 4 and 5.
func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// MarshalJSON implements json.Marshaller
func (b Base64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Encode())
}

// UnmarshalJSON implements json.Unmarshaller
func (b *Base64String) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	// Accept both padded and unpadded encodings, as different servers disagree.
	str = strings.TrimRight(str, "=")
	decoded, err := base64.RawStdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("gomatrixlib: invalid base64 string: %w", err)
	}
	*b = decoded
	return nil
}

// Timestamp represents a unix timestamp in milliseconds, the format used
// throughout the matrix protocol for "origin_server_ts" and similar fields.
type Timestamp int64

// Time returns a Go Time from the timestamp.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// AsTimestamp returns a timestamp truncated to millisecond precision.
func AsTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / 1000000)
}

// KeyID identifies a signing key belonging to a server, e.g. "ed25519:a_1".
type KeyID string

// ServerName is the DNS name (optionally with a port) that identifies a
// homeserver for the purposes of federation and signing key lookup.
type ServerName string

var validServerNamePort = regexp.MustCompile(`^:[0-9]{1,5}$`)

// ParseAndValidateServerName splits a server name into its host and port
// parts (if a port is present) and performs a light sanity check. It does
// not attempt to be a fully conformant DNS name validator.
func ParseAndValidateServerName(serverName ServerName) (host string, port string, err error) {
	s := string(serverName)
	if s == "" {
		return "", "", fmt.Errorf("gomatrixlib: empty server name")
	}
	if idx := strings.LastIndex(s, ":"); idx != -1 {
		if validServerNamePort.MatchString(s[idx:]) {
			if _, convErr := strconv.Atoi(s[idx+1:]); convErr == nil {
				return s[:idx], s[idx+1:], nil
			}
		}
	}
	return s, "", nil
}

// domainFromID returns the domain part of a matrix ID of the form
// SIGIL LOCALPART ":" DOMAIN.
func domainFromID(id string) (string, error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("gomatrixlib: invalid ID %q, missing ':'", id)
	}
	return parts[1], nil
}
