package gomatrixlib

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/errgroup"
)

// PublicKeyRequest identifies a single signing key of a single server.
type PublicKeyRequest struct {
	ServerName string
	KeyID      string
}

// VerifyKey is the decoded form of a signing key as served under
// verify_keys/old_verify_keys.
type VerifyKey struct {
	Key Base64String `json:"key"`
}

// OldVerifyKey additionally carries the timestamp after which the key
// stopped being used to sign events.
type OldVerifyKey struct {
	VerifyKey
	ExpiredTS Timestamp `json:"expired_ts"`
}

// ServerKeys is the decoded response body of a /_matrix/key/v2 lookup: the
// signing keys a server currently uses, plus any it has retired, together
// with the validity window and the server's own signature over the
// document.
type ServerKeys struct {
	ServerName    string                  `json:"server_name"`
	ValidUntilTS  Timestamp               `json:"valid_until_ts"`
	VerifyKeys    map[string]VerifyKey    `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKey `json:"old_verify_keys"`
	Raw           RawJSON                 `json:"-"`
}

// KeyFetcher retrieves signing keys for servers the local server doesn't
// already have cached, either by asking the server directly or by asking a
// trusted notary server (a "perspective" in the older terminology). Both
// live in this package behind the same interface so the Signature & Hash
// Verifier never has to know which strategy produced a key.
type KeyFetcher interface {
	FetchKeys(ctx context.Context, requests map[PublicKeyRequest]Timestamp) (map[PublicKeyRequest]ServerKeys, error)
}

// VerifyError identifies why VerifyEventSignaturesWithKeys rejected an
// event; it is the §4.2 error taxonomy (content_hash mismatch, unknown key,
// bad signature, key expired before the event was sent).
type VerifyError int

const (
	_ VerifyError = iota
	ErrHashMismatch
	ErrUnknownKey
	ErrBadSignature
	ErrKeyExpired
)

func (e VerifyError) Error() string {
	switch e {
	case ErrHashMismatch:
		return "content hash mismatch"
	case ErrUnknownKey:
		return "unknown signing key"
	case ErrBadSignature:
		return "bad signature"
	case ErrKeyExpired:
		return "signing key expired before event was sent"
	default:
		return "unknown verification error"
	}
}

// KeyRing resolves signing keys through a two-tier cache before falling
// back to a KeyFetcher, and uses them to verify event signatures.
//
// The two tiers serve different purposes and so use different libraries,
// per the teacher corpus: live holds the currently-valid key for a server
// and is bounded by an admission-counted cost policy (ristretto) since a
// server with many rooms may see thousands of distinct remote servers and
// only the active ones are worth keeping hot; historical holds keys that
// have since expired or been rotated out, needed to verify old events
// during backfill, and is never evicted (go-cache, with every entry stored
// without an expiry) since the working set of "servers whose
// history we've ever backfilled" only grows slowly and throwing one away
// means re-fetching it, possibly from a server that's gone for good.
type KeyRing struct {
	Fetcher    KeyFetcher
	live       *ristretto.Cache
	historical *cache.Cache
}

// NewKeyRing constructs a KeyRing backed by the given fetcher. liveMaxCost
// bounds the live tier's approximate memory use in bytes (keys.max_cache_bytes).
func NewKeyRing(fetcher KeyFetcher, liveMaxCost int64) (*KeyRing, error) {
	live, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: liveMaxCost / 8,
		MaxCost:     liveMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("gomatrixlib: constructing live key cache: %w", err)
	}
	return &KeyRing{
		Fetcher:    fetcher,
		live:       live,
		historical: cache.New(0, 10*time.Minute),
	}, nil
}

func liveCacheKey(req PublicKeyRequest) string {
	return req.ServerName + "\x00" + req.KeyID
}

// cachedKey returns a previously fetched ServerKeys document covering the
// given request, preferring the live tier, or ok=false on a miss in both.
func (k *KeyRing) cachedKey(req PublicKeyRequest) (ServerKeys, bool) {
	if v, ok := k.live.Get(liveCacheKey(req)); ok {
		return v.(ServerKeys), true
	}
	if v, ok := k.historical.Get(liveCacheKey(req)); ok {
		return v.(ServerKeys), true
	}
	return ServerKeys{}, false
}

func (k *KeyRing) store(req PublicKeyRequest, keys ServerKeys) {
	cost := int64(len(keys.Raw))
	if cost == 0 {
		cost = 256
	}
	k.live.Set(liveCacheKey(req), keys, cost)
	k.historical.Set(liveCacheKey(req), keys, cache.NoExpiration)
}

// FetchKeys resolves signing keys for the given requests, consulting both
// cache tiers before asking the fetcher for anything still missing.
func (k *KeyRing) FetchKeys(ctx context.Context, requests map[PublicKeyRequest]Timestamp) (map[PublicKeyRequest]ServerKeys, error) {
	result := make(map[PublicKeyRequest]ServerKeys, len(requests))
	missing := make(map[PublicKeyRequest]Timestamp)

	for req, atTS := range requests {
		if keys, ok := k.cachedKey(req); ok {
			if verifyKeyStillValid(keys, req.KeyID, atTS) {
				result[req] = keys
				continue
			}
		}
		missing[req] = atTS
	}

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := k.Fetcher.FetchKeys(ctx, missing)
	if err != nil {
		return nil, err
	}
	for req, keys := range fetched {
		k.store(req, keys)
		result[req] = keys
	}
	return result, nil
}

// verifyKeyStillValid reports whether a key ID within a ServerKeys document
// was valid (current or not yet expired) at the given timestamp.
func verifyKeyStillValid(keys ServerKeys, keyID string, atTS Timestamp) bool {
	if _, ok := keys.VerifyKeys[keyID]; ok {
		return atTS <= keys.ValidUntilTS
	}
	if old, ok := keys.OldVerifyKeys[keyID]; ok {
		return atTS <= old.ExpiredTS
	}
	return false
}

// publicKeyFor returns the raw ed25519 public key bytes for a key ID
// within a ServerKeys document.
func publicKeyFor(keys ServerKeys, keyID string) (ed25519.PublicKey, bool) {
	if vk, ok := keys.VerifyKeys[keyID]; ok {
		return ed25519.PublicKey(vk.Key), true
	}
	if ovk, ok := keys.OldVerifyKeys[keyID]; ok {
		return ed25519.PublicKey(ovk.Key), true
	}
	return nil, false
}

// VerifyEventSignaturesWithKeys checks both the content hash and every
// required signature of each event, fetching keys through the ring as
// needed, and returns one error per event (nil on success) using the
// VerifyError taxonomy. strictValidityChecking (room version 5+) requires
// a signature from the event's origin even when that is not the sender's
// domain; earlier versions tolerate its absence.
func VerifyEventSignaturesWithKeys(ctx context.Context, ring *KeyRing, events []Event) ([]error, error) {
	results := make([]error, len(events))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range events {
		i, e := i, e
		g.Go(func() error {
			results[i] = verifyOneEvent(gctx, ring, e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func verifyOneEvent(ctx context.Context, ring *KeyRing, e Event) error {
	if err := checkEventContentHash(e.JSON()); err != nil {
		return ErrHashMismatch
	}

	strict, err := e.RoomVersion().StrictValidityChecking()
	if err != nil {
		return err
	}

	domains := map[string]bool{}
	if _, d, err := SplitID('@', e.Sender()); err == nil {
		domains[string(d)] = true
	}
	if strict {
		domains[string(e.Origin())] = true
	}

	requests := make(map[PublicKeyRequest]Timestamp)
	keyIDsByDomain := make(map[string][]KeyID)
	for domain := range domains {
		keyIDs := e.KeyIDs(domain)
		if len(keyIDs) == 0 {
			return ErrUnknownKey
		}
		keyIDsByDomain[domain] = keyIDs
		for _, keyID := range keyIDs {
			requests[PublicKeyRequest{ServerName: domain, KeyID: string(keyID)}] = e.OriginServerTS()
		}
	}

	keys, err := ring.FetchKeys(ctx, requests)
	if err != nil {
		return err
	}

	for domain, keyIDs := range keyIDsByDomain {
		var verified bool
		for _, keyID := range keyIDs {
			req := PublicKeyRequest{ServerName: domain, KeyID: string(keyID)}
			serverKeys, ok := keys[req]
			if !ok {
				continue
			}
			if !verifyKeyStillValid(serverKeys, string(keyID), e.OriginServerTS()) {
				return ErrKeyExpired
			}
			pub, ok := publicKeyFor(serverKeys, string(keyID))
			if !ok {
				continue
			}
			if err := e.Verify(domain, keyID, pub); err != nil {
				return ErrBadSignature
			}
			verified = true
		}
		if !verified {
			return ErrUnknownKey
		}
	}

	return nil
}
