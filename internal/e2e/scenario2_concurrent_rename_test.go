package e2e

import (
	"testing"
	"time"

	"github.com/mlsgov/platform/internal/action"
	"github.com/mlsgov/platform/internal/clientsession"
	"github.com/mlsgov/platform/internal/mlsadapter"
	"github.com/mlsgov/platform/internal/pipeline"
	"github.com/mlsgov/platform/internal/policy"
)

// Seed scenario 2: alice and carol each build a RenameGroup before either has seen the
// other's attempt — both carry the same stale ExpectedSeq, the DS arbitrates by ordered
// log position, and the loser rebases off the winner's commit on its next DSResult,
// converging on a single name.
func TestSeed2ConcurrentRenameLastWriterWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registerMember(t, "g2", "alice", "carol")

	mlsGroup, err := mlsadapter.NewGroup("alice")
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	welcome, _, err := mlsGroup.Add("carol", []byte("carol-keypackage"))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	carolMLS := mlsadapter.JoinFromWelcome(welcome)

	aliceGroup := pipeline.NewGroup("g2", "general", "alice", "alice", nil, fakeCredentials{}, mlsGroup, policy.NewEngine(nil, time.Minute), true)
	carolGroup := pipeline.NewGroup("g2", "general", "carol", "alice", nil, fakeCredentials{}, carolMLS, policy.NewEngine(nil, time.Minute), true)

	aliceHandler := &recordingHandler{}
	carolHandler := &recordingHandler{}
	aliceRouter := clientsession.NewStaticRouter(map[string]*pipeline.Group{"g2": aliceGroup})
	carolRouter := clientsession.NewStaticRouter(map[string]*pipeline.Group{"g2": carolGroup})

	aliceSess := h.dial(t, "alice", aliceRouter, aliceHandler)
	carolSess := h.dial(t, "carol", carolRouter, carolHandler)

	// Build both renames before transmitting either: both read the same stale watermark
	// (orderedSeen == 0), the way two clients racing without having seen each other's
	// attempt genuinely would.
	aliceOut, err := aliceGroup.BuildAndSend(action.ActionMsg{
		Kind:        action.KindRenameGroup,
		RenameGroup: &action.RenameGroup{NewName: "Alice's Name"},
	}, []string{"carol"})
	if err != nil {
		t.Fatalf("alice BuildAndSend() error = %v", err)
	}
	carolOut, err := carolGroup.BuildAndSend(action.ActionMsg{
		Kind:        action.KindRenameGroup,
		RenameGroup: &action.RenameGroup{NewName: "Carol's Name"},
	}, []string{"alice"})
	if err != nil {
		t.Fatalf("carol BuildAndSend() error = %v", err)
	}
	if aliceOut.ExpectedSeq != 0 || carolOut.ExpectedSeq != 0 {
		t.Fatalf("both renames should race off watermark 0, got alice=%d carol=%d", aliceOut.ExpectedSeq, carolOut.ExpectedSeq)
	}

	renamedTo := func(h *recordingHandler, name string) func() bool {
		return func() bool {
			if h.appliedCount() == 0 {
				return false
			}
			a := h.lastApplied()
			return a.Action.Kind == action.KindRenameGroup && a.Action.RenameGroup.NewName == name
		}
	}

	if err := aliceSess.Transmit(aliceOut); err != nil {
		t.Fatalf("Transmit(alice) error = %v", err)
	}
	if !waitFor(t, 2*time.Second, renamedTo(aliceHandler, "Alice's Name")) {
		t.Fatal("alice never observed her own rename committed")
	}

	// carol transmits the Outgoing she already built against the now-stale watermark: the
	// DS rejects it and hands back alice's commit for carol to rebase onto, which her
	// session applies through the normal incoming path.
	if err := carolSess.Transmit(carolOut); err != nil {
		t.Fatalf("Transmit(carol) error = %v", err)
	}
	if !waitFor(t, 2*time.Second, renamedTo(carolHandler, "Alice's Name")) {
		t.Fatal("carol never converged on alice's name via rebase")
	}
}
