package policy

import "github.com/mlsgov/platform/internal/action"

// ReputationScorer looks up a sender's standing for ReputationRename to gate against.
type ReputationScorer interface {
	ReputationOf(userID string) int
}

// ReputationRename filters RenameGroup actions and immediately Passes or Fails based on
// the sender's reputation score against a fixed threshold — unlike
// MajorityVoteOnNameChange, it never returns Proposed, so renames it governs resolve in
// the same evaluation pass that proposed them.
type ReputationRename struct {
	Scorer    ReputationScorer
	Threshold int
}

// ID implements Policy.
func (r *ReputationRename) ID() string { return "reputation-rename" }

// Filter implements Policy.
func (r *ReputationRename) Filter(a action.ActionMsg) bool {
	return a.Kind == action.KindRenameGroup
}

// Check implements Policy.
func (r *ReputationRename) Check(proposalID string, a action.ActionMsg, ctx *Context) Outcome {
	sender, _ := ctx.Scratch(proposalID)["sender"].(string)
	if r.Scorer.ReputationOf(sender) >= r.Threshold {
		return Passed
	}
	return Failed
}

// Pass implements Policy; ReputationRename has no side effect beyond the verdict itself.
func (r *ReputationRename) Pass(proposalID string, a action.ActionMsg, ctx *Context) {}

// Fail implements Policy; ReputationRename has no side effect beyond the verdict itself.
func (r *ReputationRename) Fail(proposalID string, a action.ActionMsg, ctx *Context) {}
