package gomatrixlib

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"strings"
)

// LoadSigningKey parses a local server's own signing key from the
// "MATRIX PRIVATE KEY" PEM block format: a Key-ID header naming the
// ed25519 key ID, and the PEM body as the seed ed25519.GenerateKey
// expects. Returns an error if no such block is present, so the caller
// can surface a signing-key-unavailable-at-startup failure distinctly
// from a malformed-file failure.
func LoadSigningKey(data []byte) (KeyID, ed25519.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return "", nil, fmt.Errorf("gomatrixlib: no MATRIX PRIVATE KEY PEM block found")
		}
		if block.Type != "MATRIX PRIVATE KEY" {
			continue
		}
		keyID := block.Headers["Key-ID"]
		if keyID == "" {
			return "", nil, fmt.Errorf("gomatrixlib: signing key PEM block missing Key-ID header")
		}
		if !strings.HasPrefix(keyID, "ed25519:") {
			return "", nil, fmt.Errorf("gomatrixlib: signing key ID %q does not start with \"ed25519:\"", keyID)
		}
		_, priv, err := ed25519.GenerateKey(newSeedReader(block.Bytes))
		if err != nil {
			return "", nil, fmt.Errorf("gomatrixlib: deriving signing key from seed: %w", err)
		}
		return KeyID(keyID), priv, nil
	}
}

// seedReader replays a fixed byte slice, matching the deterministic
// seed-as-randomness-source trick ed25519.GenerateKey expects when
// reconstructing a key from a stored seed rather than generating a fresh
// one.
type seedReader struct {
	seed []byte
	pos  int
}

func newSeedReader(seed []byte) *seedReader {
	return &seedReader{seed: seed}
}

func (r *seedReader) Read(p []byte) (int, error) {
	n := copy(p, r.seed[r.pos:])
	r.pos += n
	return n, nil
}
