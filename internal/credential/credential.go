// Package credential implements the Authentication Service store (C2): the mapping from
// a UserId to its Credential (an Ed25519 verification key the DS and other clients use to
// check a VerifiableAction's Signature). Shaped like uncord's role.Repository —
// context-first methods over sentinel errors — generalized from a SQL-backed table to the
// concurrent in-memory store spec.md's AS calls for (Non-goals rule out a persistence
// layer beyond the DS's own snapshot).
package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// Sentinel errors for the credential package.
var (
	ErrUserIDRequired    = errors.New("user id is required")
	ErrKeyLength         = errors.New("verification key must be an ed25519 public key")
	ErrAlreadyRegistered = errors.New("user id is already registered")
	ErrNotFound          = errors.New("credential not found")
	ErrSignatureInvalid  = errors.New("registration signature does not verify")
	ErrDeplatformed      = errors.New("user has been deplatformed")
)

// Credential is a user's long-term identity: an Ed25519 verification key plus whatever
// the AS needed to prove the registrant controls the matching private key.
type Credential struct {
	UserID          string
	VerificationKey ed25519.PublicKey
}

// Fingerprint returns a stable, human-inspectable identifier for the credential's key,
// used for block-list entries so a deplatformed user can't evade it by merely requesting
// a new UserId for the same key.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256(c.VerificationKey)
	return hex.EncodeToString(sum[:])
}

// record pairs a Credential with the registration sequence number SyncSince filters on.
type record struct {
	Credential
	seq int64
}

// Store is the AS's UserId -> Credential mapping plus the block list that supports
// deplatforming (§4.6's "deplatform" operation, keyed by fingerprint rather than UserId so
// re-registration under a new UserId with the same key is still blocked).
type Store struct {
	mu          sync.RWMutex
	credentials map[string]record
	blocked     map[string]struct{} // fingerprint set
	nextSeq     int64
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]record),
		blocked:     make(map[string]struct{}),
	}
}

// Register verifies that proof was produced by the private key matching key over userID,
// then installs the Credential. It is the AS-side half of UserRegister: the client signs
// its own UserId with the freshly generated private key to prove possession before the AS
// will bind the two together.
func (s *Store) Register(ctx context.Context, userID string, key ed25519.PublicKey, proof []byte) (Credential, error) {
	if userID == "" {
		return Credential{}, ErrUserIDRequired
	}
	if len(key) != ed25519.PublicKeySize {
		return Credential{}, ErrKeyLength
	}
	if !ed25519.Verify(key, []byte(userID), proof) {
		return Credential{}, ErrSignatureInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprint := (Credential{VerificationKey: key}).Fingerprint()
	if _, ok := s.blocked[fingerprint]; ok {
		return Credential{}, ErrDeplatformed
	}
	if _, exists := s.credentials[userID]; exists {
		return Credential{}, ErrAlreadyRegistered
	}

	cred := Credential{UserID: userID, VerificationKey: key}
	s.nextSeq++
	s.credentials[userID] = record{Credential: cred, seq: s.nextSeq}
	return cred, nil
}

// Lookup returns the Credential registered for userID.
func (s *Store) Lookup(ctx context.Context, userID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.credentials[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return rec.Credential, nil
}

// SyncMany resolves a batch of UserIds in one call, the AS side of UserSyncCredentials.
// UserIds that aren't registered are silently omitted from the result rather than failing
// the whole batch, matching the "best-effort bulk refresh" semantics spec.md describes.
func (s *Store) SyncMany(ctx context.Context, userIDs []string) map[string]Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Credential, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := s.credentials[id]; ok {
			out[id] = rec.Credential
		}
	}
	return out
}

// SyncSince returns every Credential registered after the cursor previously returned by
// this method (0 fetches the full set), plus the cursor to pass on the next call. It backs
// GET /api/v1/credentials/sync?since=..., a cheaper catch-up path than SyncMany for a
// client that doesn't already know which UserIds it's missing.
func (s *Store) SyncSince(ctx context.Context, since int64) ([]Credential, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, 0)
	for _, rec := range s.credentials {
		if rec.seq > since {
			out = append(out, rec.Credential)
		}
	}
	return out, s.nextSeq
}

// Deplatform blocks userID's credential (if registered) by fingerprint and removes it from
// the store, so the DS's deplatform operation can reject any further action signed by the
// same key even under a different UserId.
func (s *Store) Deplatform(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.credentials[userID]
	if !ok {
		return ErrNotFound
	}
	s.blocked[rec.Fingerprint()] = struct{}{}
	delete(s.credentials, userID)
	return nil
}

// IsBlocked reports whether key's fingerprint has been deplatformed.
func (s *Store) IsBlocked(key ed25519.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := sha256.Sum256(key)
	_, ok := s.blocked[hex.EncodeToString(sum[:])]
	return ok
}
