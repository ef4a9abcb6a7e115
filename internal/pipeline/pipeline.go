package pipeline

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mlsgov/platform/internal/action"
	"github.com/mlsgov/platform/internal/community"
	"github.com/mlsgov/platform/internal/governance"
	"github.com/mlsgov/platform/internal/mlsadapter"
	"github.com/mlsgov/platform/internal/policy"
)

// Sentinel errors for the pipeline package.
var (
	ErrRetryNeeded   = errors.New("own commit no longer merges cleanly, retry against current state")
	ErrRBACRejected  = errors.New("sender's role does not authorize this action")
	ErrPolicyDropped = errors.New("every matching policy failed this action")
)

// CredentialResolver looks up a UserId's cached Ed25519 verification key, backed by
// internal/credential.Store at the AS boundary (or a local cache synced from it).
type CredentialResolver interface {
	VerificationKey(userID string) (ed25519.PublicKey, error)
}

// Outgoing is what BuildAndSend hands back for the caller to transmit to the DS. Ordered,
// taken from the action's ordered/unordered classification, picks a reliable or a
// standard send; ExpectedSeq is set only for ordered sends and SealedSender only for
// unordered ones.
type Outgoing struct {
	Ordered      bool
	GroupID      string
	Sender       string
	Recipients   []string
	Ciphertext   []byte
	SealedSender []byte
	ExpectedSeq  uint64 // only meaningful when Ordered
}

// InviteSubmission is the Welcome-bearing half of completing an Add: unlike Outgoing, its
// Welcome has no MLS key to travel under, so it is submitted to the DS as its own frame
// (wire.KindUserInvite) rather than as ciphertext addressed to the group's existing
// members.
type InviteSubmission struct {
	GroupID     string
	RecipientID string
	Epoch       uint64
	Welcome     []byte
}

// sealedSenderContext is the associated data EncryptApp/Process bind a sealed-sender
// token to, scoped to the group so a token sealed for one group can't be replayed as
// another group's sealed sender.
func sealedSenderContext(groupID string) []byte {
	return []byte("sealed-sender:" + groupID)
}

// groupStateWire is the minimal, forward-compatible encoding of SharedGroupState carried
// by an UpdateGroupState action. Roles and Community are reconstructed by each honest
// client from its own ordered-log replay rather than from this snapshot; only the fields
// with no other propagation path (currently just the display name) travel here.
type groupStateWire struct {
	GroupName string `json:"group_name"`
}

func encodeGroupState(s *SharedGroupState) []byte {
	b, err := json.Marshal(groupStateWire{GroupName: s.GroupName})
	if err != nil {
		// groupStateWire has no unmarshalable fields; this can't happen.
		panic(fmt.Sprintf("pipeline: encode group state: %v", err))
	}
	return b
}

// Applied is one action successfully applied to local state during ProcessIncoming, for
// the caller (typically a UI layer) to react to.
type Applied struct {
	Sender string
	Action action.ActionMsg
}

// Dropped records why an incoming or outgoing action didn't make it through the pipeline,
// for local diagnostics (spec.md's "drop with local diagnostic").
type Dropped struct {
	Sender string
	Action action.ActionMsg
	Reason error
}

// IncomingMessage is one server-ordered ciphertext ready for ProcessIncoming, paired with
// whether it arrived via the group's ordered log or a standard send.
type IncomingMessage struct {
	Sender     string
	Ciphertext []byte
	Ordered    bool
}

// Group is one group's action pipeline: its MLS state, its governance state, its policy
// engine, and the bookkeeping BuildAndSend/ProcessIncoming need. The MLS group, the
// SharedGroupState, and the PolicyEngine's proposed-action queue together form one
// logical critical section per spec.md §5 — Mutex is that section's lock.
type Group struct {
	mu sync.Mutex

	GroupID  string
	Baseline bool // baseline feature mode: skip signatures, RBAC, and policy entirely

	MLS      *mlsadapter.Group
	State    *SharedGroupState
	Policies *policy.Engine

	LocalUserID string
	signingKey  ed25519.PrivateKey
	credentials CredentialResolver

	nextProposalID uint64

	// orderedSeen is this client's watermark into the DS's ordered log for GroupID: the
	// count of ordered messages it has processed so far, regardless of whether each one
	// was applied or dropped (a dropped ordered message still consumed a log position at
	// the DS). This is NOT the MLS epoch — epoch only advances on Add/Remove/Leave, while
	// the DS's ExpectedSeq check compares against every ordered entry the group has ever
	// committed (e.g. two successive RenameGroups are two log entries but zero epoch
	// changes) — and using the epoch here would make BuildAndSend submit a stale
	// ExpectedSeq the DS legitimately rejects.
	orderedSeen uint64
}

// NewGroup wires together a fresh group's MLS state, governance state, and policy engine
// for localUserID to drive. creatorID is the group's actual creator (and thus owner in the
// role table) — every honest member's local Group must agree on this, so it is passed
// explicitly rather than assumed to be localUserID. signingKey may be nil in baseline mode.
func NewGroup(groupID, groupName, localUserID, creatorID string, signingKey ed25519.PrivateKey, creds CredentialResolver, mls *mlsadapter.Group, policies *policy.Engine, baseline bool) *Group {
	return &Group{
		GroupID:     groupID,
		Baseline:    baseline,
		MLS:         mls,
		State:       NewSharedGroupState(groupName, creatorID),
		Policies:    policies,
		LocalUserID: localUserID,
		signingKey:  signingKey,
		credentials: creds,
	}
}

func (g *Group) nextProposal() string {
	n := atomic.AddUint64(&g.nextProposalID, 1)
	return fmt.Sprintf("%s:%s:%d", g.GroupID, g.LocalUserID, n)
}

// BuildAndSend implements spec.md §4.2's outgoing path, steps 1-7. A nil Outgoing with a
// nil error means the action was queued as a ProposedAction and nothing should be sent
// yet; a non-nil error means it was rejected or dropped and the caller should surface the
// returned Dropped-shaped error to the user.
func (g *Group) BuildAndSend(a action.ActionMsg, recipients []string) (*Outgoing, error) {
	validated, err := action.Validate(a)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buildAndSendLocked(validated, recipients)
}

// buildAndSendLocked is BuildAndSend's body, factored out so CompleteAdd can build and
// sign a second action (the UpdateGroupState broadcast) without recursively acquiring
// g.mu. Callers must already hold g.mu and must have already run a through action.Validate.
func (g *Group) buildAndSendLocked(a action.ActionMsg, recipients []string) (*Outgoing, error) {
	var va action.VerifiableAction
	var err error
	if g.Baseline {
		va = action.Unsigned(a, g.LocalUserID)
	} else {
		va, err = action.Sign(a, g.LocalUserID, g.signingKey)
		if err != nil {
			return nil, fmt.Errorf("sign action: %w", err)
		}

		if !g.State.Roles.Authorize(g.LocalUserID, a.Kind) {
			outcome := g.Policies.Evaluate(g.nextProposal(), a, g.LocalUserID, g.policyContext())
			switch outcome {
			case policy.Failed:
				return nil, ErrPolicyDropped
			case policy.Proposed:
				return nil, nil
			}
			// Passed falls through to emission below.
		}
	}

	payload, err := action.MarshalVerifiable(va)
	if err != nil {
		return nil, fmt.Errorf("marshal verifiable action: %w", err)
	}
	ciphertext, err := g.MLS.EncryptApp(payload, []byte(g.LocalUserID))
	if err != nil {
		return nil, fmt.Errorf("mls encrypt: %w", err)
	}

	out := &Outgoing{
		Ordered:    a.IsOrdered(),
		GroupID:    g.GroupID,
		Sender:     g.LocalUserID,
		Recipients: recipients,
		Ciphertext: ciphertext,
	}
	if out.Ordered {
		out.ExpectedSeq = g.orderedSeen
	} else {
		sealed, err := g.MLS.EncryptApp([]byte(g.LocalUserID), sealedSenderContext(g.GroupID))
		if err != nil {
			return nil, fmt.Errorf("seal sender: %w", err)
		}
		out.SealedSender = sealed
	}
	return out, nil
}

// CompleteAdd finishes an Add for a candidate already pre-approved by the group's ordered
// Invite (spec.md §4.4): it performs the MLS Add, builds the unordered UpdateGroupState
// broadcast for the group's current members at the Add's epoch (the same-epoch invariant
// with the paired Welcome), and returns the Welcome material as an InviteSubmission for
// the caller to send to the DS as its own frame, since the new member has no MLS key yet
// to decrypt an ordinary Outgoing.
func (g *Group) CompleteAdd(userID string, recipients []string) (*Outgoing, *InviteSubmission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	keyPackage, err := g.State.Community.PopPreApproved(userID)
	if err != nil {
		return nil, nil, err
	}

	welcome, commit, err := g.MLS.Add(userID, keyPackage)
	if err != nil {
		return nil, nil, err
	}

	welcomeBytes, err := mlsadapter.MarshalWelcome(welcome)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal welcome: %w", err)
	}
	sub := &InviteSubmission{
		GroupID:     g.GroupID,
		RecipientID: userID,
		Epoch:       commit.Epoch,
		Welcome:     welcomeBytes,
	}

	broadcast := action.ActionMsg{
		Kind: action.KindUpdateGroupState,
		UpdateGroupState: &action.UpdateGroupState{
			Epoch: commit.Epoch,
			State: encodeGroupState(g.State),
		},
	}
	validated, err := action.Validate(broadcast)
	if err != nil {
		return nil, sub, err
	}
	out, err := g.buildAndSendLocked(validated, recipients)
	return out, sub, err
}

// JoinFromWelcome builds the Group a newly added member derives locally from a received
// Welcome, per spec.md §4.4. The recipient never observed the ordered Invite that
// pre-approved it (it only just became a member), so rather than replaying
// PreApprove/PopPreApproved against a history it doesn't have, its own Community ledger is
// bootstrapped directly into Accepted via AdmitSelf — it trusts the Welcome itself as
// proof of admission. Callers still emit an unordered Accept afterward so existing members
// observe the same transition in their own ledgers via the normal apply(KindAccept) path.
func JoinFromWelcome(groupID, groupName, localUserID string, welcome mlsadapter.Welcome, signingKey ed25519.PrivateKey, creds CredentialResolver, policies *policy.Engine, baseline bool) *Group {
	g := &Group{
		GroupID:     groupID,
		Baseline:    baseline,
		MLS:         mlsadapter.JoinFromWelcome(welcome),
		State:       NewSharedGroupState(groupName, localUserID),
		Policies:    policies,
		LocalUserID: localUserID,
		signingKey:  signingKey,
		credentials: creds,
	}
	g.State.Community.AdmitSelf(localUserID)
	return g
}

// ReconcileReliableResult implements step 8 of the outgoing path: when a DSResult for an
// ordered send carries preceding entries the sender hadn't seen, those are processed
// first (as if they had arrived incoming), and only then is it safe to say the sender's
// own commit still merges. own is the sender's own just-committed message, included for
// callers that want to confirm it is the last entry applied.
func (g *Group) ReconcileReliableResult(preceding []IncomingMessage, own IncomingMessage) ([]Applied, []Dropped, error) {
	if len(preceding) == 0 {
		applied, dropped := g.ProcessIncoming([]IncomingMessage{own})
		return applied, dropped, nil
	}

	applied, dropped := g.ProcessIncoming(preceding)
	for _, d := range dropped {
		if d.Reason != nil {
			return applied, dropped, ErrRetryNeeded
		}
	}

	ownApplied, ownDropped := g.ProcessIncoming([]IncomingMessage{own})
	applied = append(applied, ownApplied...)
	dropped = append(dropped, ownDropped...)
	return applied, dropped, nil
}

// policyContext builds a fresh policy.Context snapshotting the group's current
// membership. Callers must already hold g.mu.
func (g *Group) policyContext() *policy.Context {
	return policy.NewContext(g.MLS.Members())
}

// ProcessIncoming implements spec.md §4.2's incoming path for a batch of
// server-delivered messages, in the order the DS assigned them. It returns what was
// applied, what was dropped (and why), and finally re-evaluates every queued
// ProposedAction once the whole batch has landed (step 6).
func (g *Group) ProcessIncoming(messages []IncomingMessage) ([]Applied, []Dropped) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var applied []Applied
	var dropped []Dropped

	for _, m := range messages {
		if m.Ordered {
			// Every ordered message the client observes consumed exactly one position in
			// the DS's OrderedLog, whether or not it ends up applied below — this
			// watermark is what the next BuildAndSend's ExpectedSeq must match.
			g.orderedSeen++
		}

		plaintext, err := g.MLS.Process(m.Ciphertext, []byte(m.Sender))
		if err != nil {
			dropped = append(dropped, Dropped{Sender: m.Sender, Reason: fmt.Errorf("mls process: %w", err)})
			continue
		}

		va, err := action.UnmarshalVerifiable(plaintext)
		if err != nil {
			dropped = append(dropped, Dropped{Sender: m.Sender, Reason: fmt.Errorf("decode action: %w", err)})
			continue
		}
		a := va.Action

		if !g.Baseline {
			pub, err := g.credentials.VerificationKey(m.Sender)
			if err != nil {
				dropped = append(dropped, Dropped{Sender: m.Sender, Action: a, Reason: fmt.Errorf("resolve credential: %w", err)})
				continue
			}
			if err := action.Verify(va, pub); err != nil {
				dropped = append(dropped, Dropped{Sender: m.Sender, Action: a, Reason: err})
				continue
			}
			if a.Kind == action.KindReport {
				reported, err := action.UnmarshalVerifiable(a.Report.SerializedAction)
				if err == nil {
					if reportedPub, err := g.credentials.VerificationKey(reported.Sender); err == nil {
						if verr := action.Verify(reported, reportedPub); verr != nil {
							dropped = append(dropped, Dropped{Sender: m.Sender, Action: a, Reason: fmt.Errorf("reported action signature invalid: %w", verr)})
							continue
						}
					}
				}
			}
			if !g.State.Roles.Authorize(m.Sender, a.Kind) {
				outcome := g.Policies.Evaluate(g.nextProposal(), a, m.Sender, g.policyContext())
				if outcome != policy.Passed {
					if outcome == policy.Failed {
						dropped = append(dropped, Dropped{Sender: m.Sender, Action: a, Reason: ErrRBACRejected})
					}
					continue
				}
			}
		}

		if err := g.apply(m.Sender, a); err != nil {
			dropped = append(dropped, Dropped{Sender: m.Sender, Action: a, Reason: err})
			continue
		}
		applied = append(applied, Applied{Sender: m.Sender, Action: a})
	}

	toSend, _ := g.Policies.ReEvaluateAll(g.policyContext())
	for _, pa := range toSend {
		if err := g.apply(pa.Sender, pa.Action); err == nil {
			applied = append(applied, Applied{Sender: pa.Sender, Action: pa.Action})
		}
	}

	return applied, dropped
}

// apply mutates SharedGroupState (and, for membership changes, the MLS group) to reflect
// a by-now-authorized action. Callers must already hold g.mu.
func (g *Group) apply(sender string, a action.ActionMsg) error {
	switch a.Kind {
	case action.KindTextMsg, action.KindReport, action.KindCustomAction:
		return nil // no governance state change; the caller's UI layer handles display

	case action.KindRenameGroup:
		g.State.GroupName = a.RenameGroup.NewName
		return nil

	case action.KindInvite:
		return g.State.Community.PreApprove(a.Invite.UserID, a.Invite.KeyPackage)

	case action.KindAccept:
		return g.State.Community.Accept(sender)

	case action.KindDecline:
		return g.State.Community.Decline(sender)

	case action.KindKick:
		if !g.State.Roles.Authorize(sender, action.KindKick) {
			return ErrRBACRejected
		}
		return g.State.Community.Kick(a.Kick.Target)

	case action.KindRemove:
		if !g.State.Community.AuthorizesRemoval(a.Remove.Target) {
			return community.ErrNotRemovable
		}
		if err := g.State.Community.PopRemoval(a.Remove.Target); err != nil {
			return err
		}
		_, err := g.MLS.Remove(a.Remove.Target)
		return err

	case action.KindDefRole:
		caps := governance.Permission(0)
		for _, name := range a.DefRole.Capabilities {
			caps |= capabilityByName(name)
		}
		return g.State.Roles.DefRole(a.DefRole.Role, caps, 250)

	case action.KindSetUserRole:
		return g.State.Roles.SetUserRole(a.SetUserRole.UserID, a.SetUserRole.Role)

	case action.KindUpdateGroupState:
		// A snapshot is only valid at the epoch it was built for (the Add's epoch, which
		// is also the paired Welcome's); anything else is discarded.
		if epoch := g.MLS.Epoch(); a.UpdateGroupState.Epoch != epoch {
			return fmt.Errorf("pipeline: group state epoch %d does not match current epoch %d", a.UpdateGroupState.Epoch, epoch)
		}
		var s groupStateWire
		if err := json.Unmarshal(a.UpdateGroupState.State, &s); err != nil {
			return fmt.Errorf("pipeline: decode group state: %w", err)
		}
		g.State.GroupName = s.GroupName
		return nil

	default:
		return fmt.Errorf("pipeline: unhandled action kind %s", a.Kind)
	}
}

// capabilityByName maps a DefRole capability name to its Permission bit. Unknown names
// are ignored rather than rejecting the whole role definition, since custom policies may
// introduce capability names this build doesn't recognize.
func capabilityByName(name string) governance.Permission {
	switch name {
	case "text_msg":
		return governance.PermTextMsg
	case "rename_group":
		return governance.PermRenameGroup
	case "invite":
		return governance.PermInvite
	case "accept":
		return governance.PermAccept
	case "decline":
		return governance.PermDecline
	case "kick":
		return governance.PermKick
	case "remove":
		return governance.PermRemove
	case "def_role":
		return governance.PermDefRole
	case "set_user_role":
		return governance.PermSetUserRole
	case "update_group_state":
		return governance.PermUpdateGroupState
	case "report":
		return governance.PermReport
	case "custom_action":
		return governance.PermCustomAction
	case "manage_roles":
		return governance.PermManageRoles
	default:
		return 0
	}
}
