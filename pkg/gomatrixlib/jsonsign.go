package gomatrixlib

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/errgroup"
)

// SignJSON signs the given canonical-izable JSON object with the given
// entity name, key ID and private key, returning a copy of the JSON with a
// "signatures" key added (or amended) for that entity.
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	var object map[string]RawJSON
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, fmt.Errorf("gomatrixlib: SignJSON: %w", err)
	}

	unsigned := object["unsigned"]
	signatures := object["signatures"]
	delete(object, "unsigned")
	delete(object, "signatures")

	canonical, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	canonical, err = CanonicalJSON(canonical)
	if err != nil {
		return nil, err
	}

	signature := ed25519.Sign(privateKey, canonical)

	var sigMap map[string]map[string]Base64String
	if len(signatures) > 0 {
		if err := json.Unmarshal(signatures, &sigMap); err != nil {
			return nil, err
		}
	}
	if sigMap == nil {
		sigMap = map[string]map[string]Base64String{}
	}
	if sigMap[signingName] == nil {
		sigMap[signingName] = map[string]Base64String{}
	}
	sigMap[signingName][string(keyID)] = Base64String(signature)

	sigJSON, err := json.Marshal(sigMap)
	if err != nil {
		return nil, err
	}

	if len(unsigned) > 0 {
		object["unsigned"] = unsigned
	}
	object["signatures"] = RawJSON(sigJSON)

	return json.Marshal(object)
}

// VerifyJSON checks that the JSON object carries a valid signature by the
// named entity and key ID.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, message []byte) error {
	var object map[string]RawJSON
	if err := json.Unmarshal(message, &object); err != nil {
		return fmt.Errorf("gomatrixlib: VerifyJSON: %w", err)
	}

	signaturesJSON := object["signatures"]
	delete(object, "unsigned")
	delete(object, "signatures")

	canonical, err := json.Marshal(object)
	if err != nil {
		return err
	}
	canonical, err = CanonicalJSON(canonical)
	if err != nil {
		return err
	}

	var sigMap map[string]map[string]Base64String
	if err := json.Unmarshal(signaturesJSON, &sigMap); err != nil {
		return fmt.Errorf("gomatrixlib: VerifyJSON: no signatures: %w", err)
	}
	entitySigs, ok := sigMap[signingName]
	if !ok {
		return fmt.Errorf("gomatrixlib: VerifyJSON: no signature from %q", signingName)
	}
	sig, ok := entitySigs[string(keyID)]
	if !ok {
		return fmt.Errorf("gomatrixlib: VerifyJSON: no signature from %q using key %q", signingName, keyID)
	}
	if !ed25519.Verify(publicKey, canonical, []byte(sig)) {
		return fmt.Errorf("gomatrixlib: VerifyJSON: invalid signature from %q using key %q", signingName, keyID)
	}
	return nil
}

// ListKeyIDs returns the key IDs that an entity has signed the JSON object
// with, without verifying any of the signatures.
func ListKeyIDs(signingName string, message []byte) ([]KeyID, error) {
	var object struct {
		Signatures map[string]map[string]RawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}
	var keyIDs []KeyID
	for keyID := range object.Signatures[signingName] {
		keyIDs = append(keyIDs, KeyID(keyID))
	}
	return keyIDs, nil
}

// JSONVerifier is the capability used to verify the signatures of events
// in bulk, typically backed by a KeyRing.
type JSONVerifier interface {
	VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error)
}

// VerifyJSONRequest asks a JSONVerifier to check a signature by a given
// server over a message, valid as of atTS.
type VerifyJSONRequest struct {
	ServerName           ServerName
	AtTS                 Timestamp
	Message              []byte
	ValidityCheckingFunc func(atTS Timestamp, validUntilTS Timestamp) bool
}

// VerifyJSONResult is the outcome of a single VerifyJSONRequest.
type VerifyJSONResult struct {
	Error error
}

// VerifyEventSignatures checks, for each event, that the sender's server
// (or the event's origin, if the sender ID has no server part) has a valid
// signature at the event's origin_server_ts, returning one error (or nil)
// per event in the same order as the input. No other server's signature,
// including the origin's, is checked.
func VerifyEventSignatures(ctx context.Context, events []Event, verifier JSONVerifier) ([]error, error) {
	requests := make([]VerifyJSONRequest, len(events))
	for i, e := range events {
		_, domain, err := SplitID('@', e.Sender())
		if err != nil {
			domain = e.Origin()
		}
		requests[i] = VerifyJSONRequest{
			ServerName: domain,
			AtTS:       e.OriginServerTS(),
			Message:    e.JSON(),
		}
	}
	results, err := verifier.VerifyJSONs(ctx, requests)
	if err != nil {
		return nil, err
	}
	errs := make([]error, len(results))
	for i, r := range results {
		errs[i] = r.Error
	}
	return errs, nil
}

// verifyEventSignaturesConcurrently is a helper retained for callers that
// want to fan out per-event verification against a simple per-request
// verifier rather than a batch JSONVerifier.
func verifyEventSignaturesConcurrently(ctx context.Context, events []Event, verify func(context.Context, Event) error) []error {
	errs := make([]error, len(events))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range events {
		i, e := i, e
		g.Go(func() error {
			errs[i] = verify(gctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
