package policy

import (
	"testing"
	"time"

	"github.com/mlsgov/platform/internal/action"
)

func renameAction(name string) action.ActionMsg {
	return action.ActionMsg{Kind: action.KindRenameGroup, RenameGroup: &action.RenameGroup{NewName: name}}
}

type fakeScorer struct{ scores map[string]int }

func (f fakeScorer) ReputationOf(userID string) int { return f.scores[userID] }

func TestMajorityVoteProposesThenPasses(t *testing.T) {
	t.Parallel()

	engine := NewEngine([]Policy{MajorityVoteOnNameChange{}}, time.Minute)
	ctx := NewContext([]string{"a", "b", "c", "d", "e"})

	outcome := engine.Evaluate("p1", renameAction("new-name"), "alice", ctx)
	if outcome != Proposed {
		t.Fatalf("Evaluate() = %v, want Proposed", outcome)
	}

	engine.Vote("p1", "a", true, ctx)
	engine.Vote("p1", "b", true, ctx)
	engine.Vote("p1", "c", false, ctx)

	toSend, toDrop := engine.ReEvaluateAll(ctx)
	if len(toSend) != 0 || len(toDrop) != 0 {
		t.Fatalf("ReEvaluateAll() with 2/5 yes votes sent=%d drop=%d, want 0/0", len(toSend), len(toDrop))
	}

	engine.Vote("p1", "d", true, ctx)
	toSend, toDrop = engine.ReEvaluateAll(ctx)
	if len(toSend) != 1 {
		t.Fatalf("ReEvaluateAll() with 3/5 yes votes sent=%d, want 1", len(toSend))
	}
	if len(toDrop) != 0 {
		t.Errorf("toDrop = %d, want 0", len(toDrop))
	}
	if len(engine.Pending()) != 0 {
		t.Error("proposal should be removed from the queue once Passed")
	}
}

func TestMajorityVoteExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	engine := NewEngine([]Policy{MajorityVoteOnNameChange{}}, 1*time.Nanosecond)
	ctx := NewContext([]string{"a", "b", "c"})

	if outcome := engine.Evaluate("p1", renameAction("x"), "alice", ctx); outcome != Proposed {
		t.Fatalf("Evaluate() = %v, want Proposed", outcome)
	}

	time.Sleep(2 * time.Millisecond)
	toSend, toDrop := engine.ReEvaluateAll(ctx)
	if len(toSend) != 0 || len(toDrop) != 1 {
		t.Fatalf("ReEvaluateAll() sent=%d drop=%d, want 0/1", len(toSend), len(toDrop))
	}
}

func TestReputationRenamePassesImmediately(t *testing.T) {
	t.Parallel()

	scorer := fakeScorer{scores: map[string]int{"alice": 100, "mallory": 0}}
	engine := NewEngine([]Policy{&ReputationRename{Scorer: scorer, Threshold: 50}}, time.Minute)
	ctx := NewContext([]string{"alice", "bob"})

	if outcome := engine.Evaluate("p1", renameAction("x"), "alice", ctx); outcome != Passed {
		t.Fatalf("Evaluate() for high-reputation sender = %v, want Passed", outcome)
	}
	if outcome := engine.Evaluate("p2", renameAction("y"), "mallory", ctx); outcome != Failed {
		t.Fatalf("Evaluate() for low-reputation sender = %v, want Failed", outcome)
	}
}

func TestEngineDropsUnfilteredAction(t *testing.T) {
	t.Parallel()

	engine := NewEngine([]Policy{MajorityVoteOnNameChange{}}, time.Minute)
	ctx := NewContext([]string{"a", "b"})

	outcome := engine.Evaluate("p1", action.ActionMsg{Kind: action.KindTextMsg, TextMsg: &action.TextMsg{Content: "hi"}}, "alice", ctx)
	if outcome != Failed {
		t.Fatalf("Evaluate() for unmatched action = %v, want Failed", outcome)
	}
}

func TestEngineFirstPassWinsOverLaterProposal(t *testing.T) {
	t.Parallel()

	scorer := fakeScorer{scores: map[string]int{"alice": 100}}
	engine := NewEngine([]Policy{&ReputationRename{Scorer: scorer, Threshold: 50}, MajorityVoteOnNameChange{}}, time.Minute)
	ctx := NewContext([]string{"a", "b"})

	outcome := engine.Evaluate("p1", renameAction("x"), "alice", ctx)
	if outcome != Passed {
		t.Fatalf("Evaluate() = %v, want Passed (reputation policy should win outright)", outcome)
	}
	if len(engine.Pending()) != 0 {
		t.Error("a Passed outcome should never enqueue a ProposedAction")
	}
}
