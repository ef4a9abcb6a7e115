package policy

import "github.com/mlsgov/platform/internal/action"

// MajorityVoteOnNameChange filters RenameGroup actions, returns Proposed the first time
// it sees one, and transitions to Passed once strictly more than half the group's
// members have cast a "yes" Vote custom action for that proposal (spec.md §4.3).
type MajorityVoteOnNameChange struct{}

// ID implements Policy.
func (MajorityVoteOnNameChange) ID() string { return "majority-vote-on-name-change" }

// Filter implements Policy.
func (MajorityVoteOnNameChange) Filter(a action.ActionMsg) bool {
	return a.Kind == action.KindRenameGroup
}

// Check implements Policy: Proposed until a strict majority of ctx.Members has voted yes.
func (MajorityVoteOnNameChange) Check(proposalID string, a action.ActionMsg, ctx *Context) Outcome {
	votes, _ := ctx.Scratch(proposalID)["votes"].(map[string]bool)
	yes := 0
	for _, v := range votes {
		if v {
			yes++
		}
	}
	if len(ctx.Members) > 0 && yes*2 > len(ctx.Members) {
		return Passed
	}
	return Proposed
}

// Pass implements Policy; the rename itself is applied by the pipeline once Evaluate/
// ReEvaluateAll reports Passed, so this policy has no additional side effect.
func (MajorityVoteOnNameChange) Pass(proposalID string, a action.ActionMsg, ctx *Context) {}

// Fail implements Policy; MajorityVoteOnNameChange never transitions to Failed on its
// own — it only ever reports Proposed until quorum, or is dropped by the engine's TTL.
func (MajorityVoteOnNameChange) Fail(proposalID string, a action.ActionMsg, ctx *Context) {}
