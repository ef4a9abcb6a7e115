// Package community tracks the per-group candidate state machine that governs who may
// join a group and how members leave it: Absent -> PreApproved -> Added ->
// (Accepted | Declined | Removed). It is pure bookkeeping — the actual MLS Add/Remove
// commits live in internal/mlsadapter, and internal/pipeline is the only caller, already
// holding the group's single logical critical section per spec.md's concurrency model.
package community

import (
	"errors"
)

// State is a candidate's position in the per-(group, UserId) state machine.
type State int

const (
	// Absent is the implicit starting state for any UserId never mentioned for a group.
	Absent State = iota
	PreApproved
	Added
	Accepted
	Declined
	Removed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case PreApproved:
		return "pre_approved"
	case Added:
		return "added"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Sentinel errors for the community package.
var (
	ErrNotPreApproved  = errors.New("candidate is not pre-approved")
	ErrNotAdded        = errors.New("candidate has not been added")
	ErrNotRemovable    = errors.New("candidate is not pending removal")
	ErrAlreadyAdded    = errors.New("candidate has already been added")
	ErrUnknownUserID   = errors.New("unknown user id")
	ErrEmptyKeyPackage = errors.New("stashed key package must not be empty")
)

// candidate is the per-UserId bookkeeping record.
type candidate struct {
	state      State
	keyPackage []byte // stashed at PreApproved, consumed when popped for an Add commit
}

// Community is the candidate ledger for a single governed group. It is not safe for
// concurrent use by itself — callers serialize access the same way they serialize all
// other per-group state (see spec's GroupSlot / local critical-section model).
type Community struct {
	candidates map[string]*candidate
	toRemove   map[string]struct{}
}

// New returns an empty candidate ledger.
func New() *Community {
	return &Community{
		candidates: make(map[string]*candidate),
		toRemove:   make(map[string]struct{}),
	}
}

// State returns the current state of userID, Absent if never mentioned.
func (c *Community) State(userID string) State {
	if cand, ok := c.candidates[userID]; ok {
		return cand.state
	}
	return Absent
}

// PreApprove records that every current member has merged an ordered Invite(KeyPackage,
// UserId) action, moving userID into PreApproved and stashing its KeyPackage. A second
// Invite for an already pre-approved candidate is a no-op (per spec's open-question
// resolution: the set of pre-approved UserIds is idempotent under concurrent duplicate
// Invites).
func (c *Community) PreApprove(userID string, keyPackage []byte) error {
	if len(keyPackage) == 0 {
		return ErrEmptyKeyPackage
	}

	if cand, ok := c.candidates[userID]; ok {
		if cand.state == PreApproved {
			return nil
		}
		// Re-inviting a candidate who previously declined/was removed is allowed; it
		// restarts the pipeline from PreApproved with a fresh KeyPackage.
	}

	c.candidates[userID] = &candidate{state: PreApproved, keyPackage: keyPackage}
	return nil
}

// PopPreApproved is called by the committer (or a receiver verifying a commit) processing
// an MLS Add referencing userID's stashed KeyPackage. It verifies userID is pre-approved,
// returns the stashed KeyPackage, and transitions the candidate to Added. Callers that are
// only verifying a received commit (not the committer) should call this exactly once per
// honest processing of the Add, matching the "pop UserId from list" step in spec.md §4.4.
func (c *Community) PopPreApproved(userID string) ([]byte, error) {
	cand, ok := c.candidates[userID]
	if !ok || cand.state != PreApproved {
		return nil, ErrNotPreApproved
	}
	kp := cand.keyPackage
	cand.state = Added
	cand.keyPackage = nil
	return kp, nil
}

// Accept records that the invitee has recovered SharedGroupState after processing its
// Welcome and queued unordered messages, and is emitting its unordered Accept
// notification.
func (c *Community) Accept(userID string) error {
	cand, ok := c.candidates[userID]
	if !ok || cand.state != Added {
		return ErrNotAdded
	}
	cand.state = Accepted
	return nil
}

// Decline records the invitee's ordered Decline(self), appending userID to the
// to-be-removed set so a subsequent MLS Leave for self can be authorized.
func (c *Community) Decline(userID string) error {
	cand, ok := c.candidates[userID]
	if !ok || cand.state != Added {
		return ErrNotAdded
	}
	cand.state = Declined
	c.toRemove[userID] = struct{}{}
	return nil
}

// Kick records a privileged member's ordered Kick(target), appending target to the
// to-be-removed set. Capability/RBAC authorization for issuing Kick is checked by the
// caller (internal/governance) before this is invoked — Kick itself only tracks the
// resulting removal eligibility.
func (c *Community) Kick(target string) error {
	cand, ok := c.candidates[target]
	if !ok || (cand.state != Added && cand.state != Accepted) {
		return ErrNotAdded
	}
	c.toRemove[target] = struct{}{}
	return nil
}

// AuthorizesRemoval reports whether subject is eligible to be the target of an MLS Leave
// or Remove, per a prior Decline or Kick. Honest peers must call this before authorizing
// a merge of a Leave/Remove proposal.
func (c *Community) AuthorizesRemoval(subject string) bool {
	_, ok := c.toRemove[subject]
	return ok
}

// PopRemoval consumes subject's removal authorization and transitions it to Removed. It
// must only be called after the corresponding MLS Leave/Remove has been merged.
func (c *Community) PopRemoval(subject string) error {
	if _, ok := c.toRemove[subject]; !ok {
		return ErrNotRemovable
	}
	delete(c.toRemove, subject)
	if cand, ok := c.candidates[subject]; ok {
		cand.state = Removed
	} else {
		c.candidates[subject] = &candidate{state: Removed}
	}
	return nil
}

// AdmitSelf bootstraps userID directly into Accepted, bypassing the normal
// PreApprove/PopPreApproved/Accept sequence. It exists only for a client initializing its
// own Community ledger from a just-received Welcome: the joining member was never present
// to observe the ordered Invite that pre-approved it, so it has no PreApproved candidate
// record to pop — it trusts the Welcome itself as proof of admission instead.
func (c *Community) AdmitSelf(userID string) {
	c.candidates[userID] = &candidate{state: Accepted}
}

// PendingRemovals returns the UserIds currently authorized for removal, for diagnostics
// and tests.
func (c *Community) PendingRemovals() []string {
	out := make([]string, 0, len(c.toRemove))
	for id := range c.toRemove {
		out = append(out, id)
	}
	return out
}
