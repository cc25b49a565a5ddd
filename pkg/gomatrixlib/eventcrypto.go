package gomatrixlib

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// ContentHash computes the content hash of an event: the SHA-256 of the
// canonical form of the event with "unsigned", "signatures" and "hashes"
// stripped. This is the hash that detects whether the unredacted content
// has been tampered with.
func ContentHash(eventJSON []byte) ([]byte, error) {
	var event map[string]rawJSON
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}
	delete(event, "unsigned")
	delete(event, "signatures")
	delete(event, "hashes")

	hashable, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	hashable, err = CanonicalJSON(hashable)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(hashable)
	return sum[:], nil
}

// ReferenceHash computes the reference hash of an event: the SHA-256 of
// the canonical form of the redacted event with "signatures" and
// "unsigned" additionally stripped. This is the hash other events cite
// via prev_events/auth_events (directly, for room versions that use event
// references; indirectly, as the basis of the event ID, for versions that
// derive the event ID from this hash).
func ReferenceHash(eventJSON []byte, roomVersion RoomVersion) ([]byte, error) {
	redacted, err := RedactEvent(eventJSON, roomVersion)
	if err != nil {
		return nil, err
	}
	var event map[string]rawJSON
	if err := json.Unmarshal(redacted, &event); err != nil {
		return nil, err
	}
	delete(event, "signatures")
	delete(event, "unsigned")

	hashable, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	hashable, err = CanonicalJSON(hashable)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(hashable)
	return sum[:], nil
}

// addContentHashesToEvent sets the "hashes" key of the event to the SHA-256
// content hash of the unredacted event.
func addContentHashesToEvent(eventJSON []byte) ([]byte, error) {
	var event map[string]rawJSON
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	unsignedJSON := event["unsigned"]
	delete(event, "unsigned")
	delete(event, "hashes")

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	hashableEventJSON, err = CanonicalJSON(hashableEventJSON)
	if err != nil {
		return nil, err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)
	hashes := struct {
		Sha256 Base64String `json:"sha256"`
	}{Base64String(sha256Hash[:])}
	hashesJSON, err := json.Marshal(&hashes)
	if err != nil {
		return nil, err
	}

	if len(unsignedJSON) > 0 {
		event["unsigned"] = unsignedJSON
	}
	event["hashes"] = rawJSON(hashesJSON)

	return json.Marshal(event)
}

// VerifyContentHash checks an incoming event's content hash before any
// parsing that would otherwise silently fall back to treating a mismatch
// as an implicit redaction (the behavior NewEventFromUntrustedJSON uses
// for events already admitted to a room). Ingress uses this as the
// Received → HashVerified gate, where a mismatch is a permanent,
// reportable failure rather than something to paper over.
func VerifyContentHash(eventJSON []byte) error {
	return checkEventContentHash(eventJSON)
}

// checkEventContentHash checks the unredacted content of an event against
// the SHA-256 hash carried in its "hashes" key.
func checkEventContentHash(eventJSON []byte) error {
	var event map[string]rawJSON
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return err
	}

	hashesJSON := event["hashes"]
	delete(event, "signatures")
	delete(event, "unsigned")
	delete(event, "hashes")

	var hashes struct {
		Sha256 Base64String `json:"sha256"`
	}
	if err := json.Unmarshal(hashesJSON, &hashes); err != nil {
		return err
	}

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}
	hashableEventJSON, err = CanonicalJSON(hashableEventJSON)
	if err != nil {
		return err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)

	if !bytes.Equal(sha256Hash[:], []byte(hashes.Sha256)) {
		return fmt.Errorf("gomatrixlib: invalid sha256 content hash: %x != %x", sha256Hash[:], []byte(hashes.Sha256))
	}

	return nil
}

// referenceOfEvent returns the EventReference (event ID + reference hash)
// for an event.
func referenceOfEvent(eventJSON []byte, roomVersion RoomVersion) (EventReference, error) {
	redactedJSON, err := RedactEvent(eventJSON, roomVersion)
	if err != nil {
		return EventReference{}, err
	}

	var event map[string]rawJSON
	if err = json.Unmarshal(redactedJSON, &event); err != nil {
		return EventReference{}, err
	}
	delete(event, "signatures")
	delete(event, "unsigned")

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return EventReference{}, err
	}
	hashableEventJSON, err = CanonicalJSON(hashableEventJSON)
	if err != nil {
		return EventReference{}, err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)

	eventIDFormat, err := roomVersion.EventIDFormat()
	if err != nil {
		return EventReference{}, err
	}

	var eventID string
	switch eventIDFormat {
	case EventIDFormatV1:
		if err = json.Unmarshal(event["event_id"], &eventID); err != nil {
			return EventReference{}, err
		}
	case EventIDFormatV2:
		eventID = fmt.Sprintf("$%s", Base64String(sha256Hash[:]).Encode())
	case EventIDFormatV3:
		eventID = fmt.Sprintf("$%s", urlSafeBase64(sha256Hash[:]))
	default:
		return EventReference{}, UnsupportedRoomVersionError{roomVersion}
	}

	return EventReference{eventID, sha256Hash[:]}, nil
}

// signEvent adds an ed25519 signature to the event for the given key. The
// signature is computed over the redacted event so that it survives a
// later redaction of the event. Every room version shares the same
// signing-relevant redaction fields today, so the redaction rule set used
// here does not need to match the event's eventual room version exactly;
// RoomVersionV5 (the strictest, most current rule set) is used as the
// canonical choice.
func signEvent(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, eventJSON []byte) ([]byte, error) {
	redactedJSON, err := RedactEvent(eventJSON, RoomVersionV5)
	if err != nil {
		return nil, err
	}

	signedJSON, err := SignJSON(signingName, keyID, privateKey, redactedJSON)
	if err != nil {
		return nil, err
	}

	var signedEvent struct {
		Signatures rawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(signedJSON, &signedEvent); err != nil {
		return nil, err
	}

	var event map[string]rawJSON
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}
	event["signatures"] = signedEvent.Signatures

	return json.Marshal(event)
}

// verifyEventSignature checks that the event was signed by the given
// entity and key.
func verifyEventSignature(signingName string, keyID KeyID, publicKey ed25519.PublicKey, eventJSON []byte) error {
	redactedJSON, err := RedactEvent(eventJSON, RoomVersionV5)
	if err != nil {
		return err
	}
	return VerifyJSON(signingName, keyID, publicKey, redactedJSON)
}

func urlSafeBase64(b []byte) string {
	return base64URLEncode(b)
}
