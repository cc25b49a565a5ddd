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
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// FederationClient makes requests to the federation listeners of remote
// matrix homeservers. It implements KeyFetcher (for KeyRing) and
// BackfillRequester (for RequestBackfill). Backfill, state_ids and
// event_auth requests are authenticated under the local server's own
// signing identity; key queries and user-info lookups are sent unsigned.
type FederationClient struct {
	client     http.Client
	origin     ServerName
	keyID      KeyID
	privateKey ed25519.PrivateKey
}

// NewFederationClient makes a new FederationClient that resolves server
// names through SRV records and then a bare host:8448 fallback (an
// explicit port skips both) rather than treating a server name as an
// ordinary DNS name; /.well-known delegation is not consulted. It signs
// backfill, state_ids and event_auth requests as origin using
// (keyID, privateKey).
func NewFederationClient(origin ServerName, keyID KeyID, privateKey ed25519.PrivateKey) *FederationClient {
	tripper := federationTripper{
		transport: &http.Transport{
			DialTLS: func(network, addr string) (net.Conn, error) {
				rawconn, err := net.Dial(network, addr)
				if err != nil {
					return nil, err
				}
				// Avoid the default net/http SNI: crypto/tls defaults
				// ServerName to the dial target, which is wrong once we've
				// resolved a delegated federation address.
				conn := tls.Client(rawconn, &tls.Config{
					ServerName:         "",
					InsecureSkipVerify: true,
				})
				if err := conn.Handshake(); err != nil {
					return nil, err
				}
				return conn, nil
			},
		},
	}
	return &FederationClient{
		client:     http.Client{Transport: &tripper},
		origin:     origin,
		keyID:      keyID,
		privateKey: privateKey,
	}
}

// signRequest attaches an X-Matrix Authorization header per the
// server-server authentication scheme: a JSON object naming the method,
// URI, origin, destination and (for a request body) content is signed
// under the local server's key, and the resulting signature is quoted
// into the header rather than sent as a signed JSON body.
func (fc *FederationClient) signRequest(req *http.Request, destination ServerName, body []byte) error {
	toSign := map[string]interface{}{
		"method":      req.Method,
		"uri":         req.URL.RequestURI(),
		"origin":      string(fc.origin),
		"destination": string(destination),
	}
	if len(body) > 0 {
		var content interface{}
		if err := json.Unmarshal(body, &content); err != nil {
			return fmt.Errorf("gomatrixlib: decoding request body for signing: %w", err)
		}
		toSign["content"] = content
	}
	unsigned, err := json.Marshal(toSign)
	if err != nil {
		return err
	}
	signed, err := SignJSON(string(fc.origin), fc.keyID, fc.privateKey, unsigned)
	if err != nil {
		return fmt.Errorf("gomatrixlib: signing federation request: %w", err)
	}
	var withSigs struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(signed, &withSigs); err != nil {
		return err
	}
	sig := withSigs.Signatures[string(fc.origin)][string(fc.keyID)]
	req.Header.Set("Authorization", fmt.Sprintf(
		`X-Matrix origin=%q,destination=%q,key=%q,sig=%q`,
		fc.origin, destination, fc.keyID, sig,
	))
	return nil
}

type federationTripper struct {
	transport http.RoundTripper
}

func (f *federationTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	host := r.URL.Host
	addrs, err := ResolveServer(ServerName(host))
	if err != nil {
		return nil, err
	}
	var resp *http.Response
	for _, addr := range addrs {
		u := *r.URL
		u.Scheme = "https"
		u.Host = addr
		r.URL = &u
		resp, err = f.transport.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("gomatrixlib: no reachable address for federation host %q: %w", host, err)
}

// ResolveServer resolves a server name to a list of host:port addresses to
// try in order, per the federation server discovery algorithm: an explicit
// port skips delegation; otherwise an SRV record under
// _matrix._tcp.<host> is consulted; otherwise the bare host on port 8448.
func ResolveServer(name ServerName) ([]string, error) {
	host, port, err := ParseAndValidateServerName(name)
	if err != nil {
		return nil, err
	}
	if port != "" {
		return []string{net.JoinHostPort(host, port)}, nil
	}
	_, addrs, err := net.LookupSRV("matrix", "tcp", host)
	if err == nil && len(addrs) > 0 {
		result := make([]string, 0, len(addrs))
		for _, a := range addrs {
			result = append(result, net.JoinHostPort(trimTrailingDot(a.Target), strconv.Itoa(int(a.Port))))
		}
		return result, nil
	}
	return []string{net.JoinHostPort(host, "8448")}, nil
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// UserInfo is the decoded response of the federation OpenID userinfo
// endpoint.
type UserInfo struct {
	Sub string `json:"sub"`
}

// LookupUserInfo gets information about a user from a remote homeserver
// using a bearer access token minted by that server's OpenID endpoint.
func (fc *FederationClient) LookupUserInfo(ctx context.Context, matrixServer, token string) (UserInfo, error) {
	var u UserInfo
	reqURL := url.URL{
		Scheme:   "matrix",
		Host:     matrixServer,
		Path:     "/_matrix/federation/v1/openid/userinfo",
		RawQuery: url.Values{"access_token": []string{token}}.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return u, err
	}
	response, err := fc.client.Do(req)
	if response != nil {
		defer response.Body.Close()
	}
	if err != nil {
		return u, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(response.Body)
		return u, fmt.Errorf("gomatrixlib: HTTP %d: %s", response.StatusCode, body)
	}
	if err := json.NewDecoder(response.Body).Decode(&u); err != nil {
		return u, err
	}
	return u, nil
}

// FetchKeys implements KeyFetcher by querying each requested server's own
// /_matrix/key/v2/query endpoint. A single batch request per origin server
// is sufficient since all requested keys in practice share one origin, but
// the loop tolerates a mixed map.
func (fc *FederationClient) FetchKeys(ctx context.Context, requests map[PublicKeyRequest]Timestamp) (map[PublicKeyRequest]ServerKeys, error) {
	byServer := make(map[string]map[PublicKeyRequest]Timestamp)
	for req, ts := range requests {
		m := byServer[req.ServerName]
		if m == nil {
			m = make(map[PublicKeyRequest]Timestamp)
			byServer[req.ServerName] = m
		}
		m[req] = ts
	}

	result := make(map[PublicKeyRequest]ServerKeys, len(requests))
	for server, reqs := range byServer {
		keys, err := fc.serverKeys(ctx, server, reqs)
		if err != nil {
			continue
		}
		for req, sk := range keys {
			result[req] = sk
		}
	}
	return result, nil
}

func (fc *FederationClient) serverKeys(ctx context.Context, matrixServer string, keyRequests map[PublicKeyRequest]Timestamp) (map[PublicKeyRequest]ServerKeys, error) {
	reqURL := url.URL{
		Scheme: "matrix",
		Host:   matrixServer,
		Path:   "/_matrix/key/v2/query",
	}

	type keyreq struct {
		MinimumValidUntilTS Timestamp `json:"minimum_valid_until_ts"`
	}
	request := struct {
		ServerKeys map[string]map[string]keyreq `json:"server_keys"`
	}{ServerKeys: map[string]map[string]keyreq{}}
	for k, ts := range keyRequests {
		server := request.ServerKeys[k.ServerName]
		if server == nil {
			server = map[string]keyreq{}
			request.ServerKeys[k.ServerName] = server
		}
		server[k.KeyID] = keyreq{ts}
	}

	requestBytes, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(requestBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := fc.client.Do(req)
	if response != nil {
		defer response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if response.StatusCode != 200 {
		body, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("gomatrixlib: HTTP %d: %s", response.StatusCode, body)
	}

	var body struct {
		ServerKeys []ServerKeys `json:"server_keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return nil, err
	}

	result := map[PublicKeyRequest]ServerKeys{}
	for _, keys := range body.ServerKeys {
		for keyID := range keys.VerifyKeys {
			result[PublicKeyRequest{ServerName: keys.ServerName, KeyID: keyID}] = keys
		}
		for keyID := range keys.OldVerifyKeys {
			result[PublicKeyRequest{ServerName: keys.ServerName, KeyID: keyID}] = keys
		}
	}
	return result, nil
}

// ServersAtEvent implements BackfillRequester by returning the domain of
// the room ID only; the event's sender and the room's member list are not
// consulted.
func (fc *FederationClient) ServersAtEvent(ctx context.Context, roomID, eventID string) []ServerName {
	_, domain, err := SplitID('!', roomID)
	if err != nil {
		return nil
	}
	return []ServerName{domain}
}

// Backfill implements BackfillRequester against a remote server's
// /_matrix/federation/v1/backfill/<roomID> endpoint.
func (fc *FederationClient) Backfill(ctx context.Context, server ServerName, roomID string, fromEventIDs []string, limit int) (*Transaction, error) {
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	for _, id := range fromEventIDs {
		q.Add("v", id)
	}
	reqURL := url.URL{
		Scheme:   "matrix",
		Host:     string(server),
		Path:     "/_matrix/federation/v1/backfill/" + roomID,
		RawQuery: q.Encode(),
	}
	var txn Transaction
	if err := fc.getJSON(ctx, server, reqURL, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// StateIDs implements BackfillRequester against
// /_matrix/federation/v1/state_ids/<roomID>.
func (fc *FederationClient) StateIDs(ctx context.Context, server ServerName, roomID, eventID string) (*RespStateIDs, error) {
	reqURL := url.URL{
		Scheme:   "matrix",
		Host:     string(server),
		Path:     "/_matrix/federation/v1/state_ids/" + roomID,
		RawQuery: url.Values{"event_id": []string{eventID}}.Encode(),
	}
	var resp RespStateIDs
	if err := fc.getJSON(ctx, server, reqURL, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EventAuth implements BackfillRequester against
// /_matrix/federation/v1/event_auth/<roomID>/<eventID>.
func (fc *FederationClient) EventAuth(ctx context.Context, server ServerName, roomID, eventID string) (*RespEventAuth, error) {
	reqURL := url.URL{
		Scheme: "matrix",
		Host:   string(server),
		Path:   "/_matrix/federation/v1/event_auth/" + roomID + "/" + eventID,
	}
	var resp RespEventAuth
	if err := fc.getJSON(ctx, server, reqURL, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (fc *FederationClient) getJSON(ctx context.Context, destination ServerName, u url.URL, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if err := fc.signRequest(req, destination, nil); err != nil {
		return err
	}
	response, err := fc.client.Do(req)
	if response != nil {
		defer response.Body.Close()
	}
	if err != nil {
		return err
	}
	if response.StatusCode != 200 {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("gomatrixlib: HTTP %d: %s", response.StatusCode, body)
	}
	return json.NewDecoder(response.Body).Decode(v)
}
