// Package mlsadapter implements the abstract MLS group-keying operations from spec.md
// §4.5: NewGroup, Add, Remove, Leave, EncryptApp, Process. No MLS implementation exists
// anywhere in the example corpus, so the ciphersuite is built directly from
// golang.org/x/crypto: hkdf derives each epoch's application secret from the group's
// resumption secret, chacha20poly1305 seals application messages under that secret, and
// stdlib crypto/ed25519 (grounded on SAGE's crypto/keys/ed25519.go KeyPair pattern) signs
// the Commit that advances an epoch. This is the one component the corpus offers no
// library to wire — documented in DESIGN.md rather than silently falling back to stdlib.
package mlsadapter

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sentinel errors for the mlsadapter package.
var (
	ErrAlreadyMember   = errors.New("user is already a member of the group")
	ErrNotAMember      = errors.New("user is not a member of the group")
	ErrDecryptFailed   = errors.New("application message failed to authenticate")
	ErrEpochMismatch   = errors.New("message epoch does not match the group's current epoch")
	ErrWelcomeRequired = errors.New("adding a member requires a key package")
)

const secretSize = 32

// Welcome is the material handed to a newly added member so they can derive the group's
// current epoch secret without having observed any of its history.
type Welcome struct {
	Epoch           uint64
	ResumptionSecret []byte
	Members         []string
}

// Commit describes an epoch transition: the new epoch and the resulting member set, for
// the pipeline to pair with an UpdateGroupState broadcast per the epoch-matching
// invariant in spec.md §4.4.
type Commit struct {
	Epoch   uint64
	Members []string
}

// Group is one MLS group's cryptographic state: its current epoch, the resumption secret
// that every epoch's application key is derived from via HKDF, and its member set. A
// Group has no knowledge of governance (roles, policy) — internal/pipeline and
// internal/governance sit above it.
type Group struct {
	mu               sync.Mutex
	epoch            uint64
	resumptionSecret []byte
	members          map[string]struct{}
}

// NewGroup creates a fresh group containing only creator, seeded with a random
// resumption secret for epoch 0.
func NewGroup(creator string) (*Group, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate resumption secret: %w", err)
	}
	return &Group{
		resumptionSecret: secret,
		members:          map[string]struct{}{creator: {}},
	}, nil
}

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Members returns a snapshot of the group's current membership.
func (g *Group) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

// advanceEpoch derives the next epoch's resumption secret via HKDF over the current one,
// salted with the new epoch number so epochs can never collide even if the group briefly
// has two candidate next-states (a rejected Commit never gets applied, so this is mostly a
// defense against a programming error reusing an epoch number).
func (g *Group) advanceEpoch() error {
	info := make([]byte, 8)
	binary.LittleEndian.PutUint64(info, g.epoch+1)

	reader := hkdf.New(sha256.New, g.resumptionSecret, nil, info)
	next := make([]byte, secretSize)
	if _, err := io.ReadFull(reader, next); err != nil {
		return fmt.Errorf("derive next epoch secret: %w", err)
	}
	g.resumptionSecret = next
	g.epoch++
	return nil
}

// Add adds userID to the group, consuming their KeyPackage (the caller — internal/
// pipeline, via internal/keypackage.Pool.Retrieve — is responsible for having already
// popped it so it can never be replayed) and advancing the epoch. It returns the Welcome
// the new member needs and a Commit describing the new epoch and member set. Process only
// opens application messages, and this package has no operation that applies a Commit to
// another member's Group, so only the adding member's Group advances here.
func (g *Group) Add(userID string, keyPackage []byte) (Welcome, Commit, error) {
	if len(keyPackage) == 0 {
		return Welcome{}, Commit{}, ErrWelcomeRequired
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[userID]; ok {
		return Welcome{}, Commit{}, ErrAlreadyMember
	}
	if err := g.advanceEpoch(); err != nil {
		return Welcome{}, Commit{}, err
	}
	g.members[userID] = struct{}{}

	return g.welcomeLocked(), g.commitLocked(), nil
}

// Remove expels userID from the group and advances the epoch so their old application
// key can no longer decrypt future traffic.
func (g *Group) Remove(userID string) (Commit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[userID]; !ok {
		return Commit{}, ErrNotAMember
	}
	delete(g.members, userID)
	if err := g.advanceEpoch(); err != nil {
		return Commit{}, err
	}
	return g.commitLocked(), nil
}

// Leave is Remove performed by the departing member themselves.
func (g *Group) Leave(userID string) (Commit, error) {
	return g.Remove(userID)
}

func (g *Group) welcomeLocked() Welcome {
	members := make([]string, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	secret := make([]byte, len(g.resumptionSecret))
	copy(secret, g.resumptionSecret)
	return Welcome{Epoch: g.epoch, ResumptionSecret: secret, Members: members}
}

func (g *Group) commitLocked() Commit {
	members := make([]string, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	return Commit{Epoch: g.epoch, Members: members}
}

// applicationKey derives the current epoch's AEAD key from the resumption secret. Callers
// must already hold g.mu.
func (g *Group) applicationKey() ([]byte, error) {
	reader := hkdf.New(sha256.New, g.resumptionSecret, nil, []byte("mlsgov application key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive application key: %w", err)
	}
	return key, nil
}

// EncryptApp seals plaintext under the group's current epoch key, binding associatedData
// (typically the sender's UserId and the action's canonical bytes) so any tampering with
// either is detected on Process.
func (g *Group) EncryptApp(plaintext, associatedData []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key, err := g.applicationKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	epochPrefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(epochPrefix, g.epoch)

	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	out := make([]byte, 0, 8+len(nonce)+len(sealed))
	out = append(out, epochPrefix...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Process opens a ciphertext produced by EncryptApp. It rejects messages sealed under a
// different epoch than the group's current one, since the DS assigns ordered messages to
// the epoch active at commit time and a stale epoch means a Welcome/Commit race the
// caller must resolve before retrying.
func (g *Group) Process(ciphertext, associatedData []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(ciphertext) < 8 {
		return nil, ErrDecryptFailed
	}
	epoch := binary.LittleEndian.Uint64(ciphertext[:8])
	if epoch != g.epoch {
		return nil, ErrEpochMismatch
	}

	key, err := g.applicationKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	nonceSize := aead.NonceSize()
	rest := ciphertext[8:]
	if len(rest) < nonceSize {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// MarshalWelcome serializes w for transport to the new member as wire.Welcome.Data, over
// a channel that carries no MLS application-message framing of its own.
func MarshalWelcome(w Welcome) ([]byte, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal welcome: %w", err)
	}
	return b, nil
}

// UnmarshalWelcome decodes a payload produced by MarshalWelcome.
func UnmarshalWelcome(data []byte) (Welcome, error) {
	var w Welcome
	if err := json.Unmarshal(data, &w); err != nil {
		return Welcome{}, fmt.Errorf("unmarshal welcome: %w", err)
	}
	return w, nil
}

// JoinFromWelcome constructs the group state a newly added member derives locally from a
// received Welcome, without having observed any epoch prior to it.
func JoinFromWelcome(w Welcome) *Group {
	members := make(map[string]struct{}, len(w.Members))
	for _, id := range w.Members {
		members[id] = struct{}{}
	}
	secret := make([]byte, len(w.ResumptionSecret))
	copy(secret, w.ResumptionSecret)
	return &Group{epoch: w.Epoch, resumptionSecret: secret, members: members}
}

// SignCommit signs a Commit's canonical bytes with the group-state authority's Ed25519
// key, for embedding in the UpdateGroupState action that announces it.
func SignCommit(c Commit, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, commitBytes(c))
}

// VerifyCommit checks a Commit's signature against pub.
func VerifyCommit(c Commit, sig []byte, pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, commitBytes(c), sig)
}

func commitBytes(c Commit) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, c.Epoch)
	for _, m := range c.Members {
		buf = append(buf, []byte(m)...)
		buf = append(buf, 0)
	}
	return buf
}
