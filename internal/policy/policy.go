// Package policy implements the pluggable Policy Engine from spec.md §4.3: a
// Filter/Check/Pass/Fail policy interface evaluated in deterministic order, a
// proposed-action queue re-evaluated whenever ReEvaluateAll is called (internal/pipeline
// calls it after every incoming batch; nothing calls it on a timer, and Vote only records
// a vote without re-evaluating), and the two reference policies named in the spec. It has no direct teacher analogue — uncord
// has no pluggable policy engine — so its evaluation loop is grounded on the *shape* of
// permission/resolver.go's ordered-precedence idiom (a fixed list walked in order, first
// match wins) generalized from "role override then user override" to "policy list,
// first Passed wins."
package policy

import (
	"sync"
	"time"

	"github.com/mlsgov/platform/internal/action"
)

// Outcome is a policy's verdict on a single action.
type Outcome int

const (
	Failed Outcome = iota
	Passed
	Proposed
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Proposed:
		return "proposed"
	default:
		return "unknown"
	}
}

// Context is the read/write surface a Policy's Check/Pass/Fail methods get: group
// membership for quorum math, and a per-proposal scratch map so a policy like
// MajorityVoteOnNameChange can persist a running tally across re-evaluations.
type Context struct {
	mu      sync.Mutex
	Members []string
	scratch map[string]map[string]any // proposalID -> key -> value
}

// NewContext creates a Context over the given (read-only, caller-owned) member list.
func NewContext(members []string) *Context {
	return &Context{Members: members, scratch: make(map[string]map[string]any)}
}

// Scratch returns the mutable scratch map for a single proposal, creating it on first
// use. Policies key their own entries however they like; the engine never inspects them.
func (c *Context) Scratch(proposalID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.scratch[proposalID]
	if !ok {
		m = make(map[string]any)
		c.scratch[proposalID] = m
	}
	return m
}

// Policy is the tagged-variant capability set every policy implements: a uniform
// filter/check/pass/fail bundle rather than an inheritance hierarchy, per spec.md §7's
// "policy polymorphism" note.
type Policy interface {
	// ID uniquely names this policy within an engine's ordered list.
	ID() string
	// Filter reports whether this policy has an opinion on action at all.
	Filter(a action.ActionMsg) bool
	// Check evaluates action, consulting and updating ctx's scratch state for proposalID.
	Check(proposalID string, a action.ActionMsg, ctx *Context) Outcome
	// Pass runs a policy's side effect when an action transitions to Passed.
	Pass(proposalID string, a action.ActionMsg, ctx *Context)
	// Fail runs a policy's side effect when an action transitions to Failed.
	Fail(proposalID string, a action.ActionMsg, ctx *Context)
}

// ProposedAction is an action awaiting a deferred verdict: who proposed sending it, which
// policy is arbitrating it, and when it first entered the queue (for TTL expiry).
type ProposedAction struct {
	ID        string
	Action    action.ActionMsg
	Sender    string
	PolicyID  string
	FirstSeen time.Time
}

// Engine holds an ordered policy list and the queue of actions awaiting a deferred
// verdict. The list order is itself the tie-break: "first Passed wins" is a policy-list
// index, not type identity, matching spec.md §7.
type Engine struct {
	mu       sync.Mutex
	policies []Policy
	byID     map[string]Policy
	proposed []*ProposedAction
	ttl      time.Duration
}

// NewEngine creates an engine over policies, evaluated in the given order. proposedTTL
// bounds how long an action may sit in Proposed before it is dropped as stale.
func NewEngine(policies []Policy, proposedTTL time.Duration) *Engine {
	byID := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byID[p.ID()] = p
	}
	return &Engine{policies: policies, byID: byID, ttl: proposedTTL}
}

// Evaluate runs spec.md §4.2 step 4's evaluate_action: every policy whose Filter matches
// is checked in list order, and the first Passed wins outright; a Failed or Proposed
// result does not stop the walk, so a later policy may still Pass. If nothing Passes and at
// least one Proposed, the action is enqueued under the first policy that proposed it. If
// every matching policy Fails (or nothing matches), the action is dropped.
func (e *Engine) Evaluate(proposalID string, a action.ActionMsg, sender string, ctx *Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx.Scratch(proposalID)["sender"] = sender

	var proposingPolicy Policy
	sawProposal := false

	for _, p := range e.policies {
		if !p.Filter(a) {
			continue
		}
		switch p.Check(proposalID, a, ctx) {
		case Passed:
			return Passed
		case Proposed:
			if !sawProposal {
				proposingPolicy = p
				sawProposal = true
			}
		case Failed:
			// keep checking the rest of the list; a later policy may still Pass or Propose
		}
	}

	if sawProposal {
		e.proposed = append(e.proposed, &ProposedAction{
			ID:        proposalID,
			Action:    a,
			Sender:    sender,
			PolicyID:  proposingPolicy.ID(),
			FirstSeen: time.Now(),
		})
		return Proposed
	}
	return Failed
}

// ReEvaluateAll re-runs spec.md §4.2 step 6's evaluate_all_proposed_actions: every queued
// ProposedAction is checked again against the policy that proposed it. Actions that
// transition to Passed or Failed are removed from the queue (with the corresponding side
// effect invoked) and returned to the caller so it can execute or discard them. Actions
// that are still Proposed stay queued unless they have exceeded the TTL; expired ones are
// removed and returned in toDrop without any Fail side effect, as are actions whose
// policy is no longer registered.
func (e *Engine) ReEvaluateAll(ctx *Context) (toSend []*ProposedAction, toDrop []*ProposedAction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining := e.proposed[:0]
	now := time.Now()
	for _, pa := range e.proposed {
		policy, ok := e.byID[pa.PolicyID]
		if !ok {
			toDrop = append(toDrop, pa)
			continue
		}
		switch policy.Check(pa.ID, pa.Action, ctx) {
		case Passed:
			policy.Pass(pa.ID, pa.Action, ctx)
			toSend = append(toSend, pa)
		case Failed:
			policy.Fail(pa.ID, pa.Action, ctx)
			toDrop = append(toDrop, pa)
		case Proposed:
			if e.ttl > 0 && now.Sub(pa.FirstSeen) > e.ttl {
				toDrop = append(toDrop, pa)
				continue
			}
			remaining = append(remaining, pa)
		}
	}
	e.proposed = remaining
	return toSend, toDrop
}

// Vote records a Vote custom action's yes/no choice against proposalID's scratch state,
// for MajorityVoteOnNameChange to tally on the next re-evaluation. It is a no-op if
// proposalID isn't currently queued.
func (e *Engine) Vote(proposalID, voterID string, yes bool, ctx *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pa := range e.proposed {
		if pa.ID != proposalID {
			continue
		}
		votes, _ := ctx.Scratch(proposalID)["votes"].(map[string]bool)
		if votes == nil {
			votes = make(map[string]bool)
		}
		votes[voterID] = yes
		ctx.Scratch(proposalID)["votes"] = votes
		return
	}
}

// Pending returns a snapshot of every action currently awaiting a deferred verdict.
func (e *Engine) Pending() []*ProposedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ProposedAction, len(e.proposed))
	copy(out, e.proposed)
	return out
}
