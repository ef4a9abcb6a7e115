package pipeline

import (
	"testing"
	"time"

	"github.com/mlsgov/platform/internal/action"
	"github.com/mlsgov/platform/internal/mlsadapter"
	"github.com/mlsgov/platform/internal/policy"
)

// TestIsOrderedClassificationMatchesOutgoing checks, for every action kind baseline mode
// can emit without extra setup, that Outgoing.Ordered always agrees with
// action.ActionMsg.IsOrdered() — the invariant BuildAndSend's ExpectedSeq-vs-SealedSender
// branch in buildAndSendLocked depends on.
func TestIsOrderedClassificationMatchesOutgoing(t *testing.T) {
	t.Parallel()

	mlsGroup, err := mlsadapter.NewGroup("alice")
	if err != nil {
		t.Fatalf("NewGroup() error = %v", err)
	}
	group := NewGroup("g1", "general", "alice", "alice", nil, fakeCredentials{}, mlsGroup, policy.NewEngine(nil, time.Minute), true)

	cases := []struct {
		name string
		a    action.ActionMsg
	}{
		{"text", action.ActionMsg{Kind: action.KindTextMsg, TextMsg: &action.TextMsg{Content: "hi"}}},
		{"rename", action.ActionMsg{Kind: action.KindRenameGroup, RenameGroup: &action.RenameGroup{NewName: "n"}}},
		{"accept", action.ActionMsg{Kind: action.KindAccept}},
		{"decline", action.ActionMsg{Kind: action.KindDecline}},
		{"report", action.ActionMsg{Kind: action.KindReport, Report: &action.Report{SerializedAction: []byte("x"), Reason: "r"}}},
		{"custom-unordered", action.ActionMsg{Kind: action.KindCustomAction, CustomAction: &action.CustomAction{Tag: "t", Bytes: []byte("b")}}},
		{"custom-ordered", action.ActionMsg{Kind: action.KindCustomAction, CustomAction: &action.CustomAction{Tag: "t", Bytes: []byte("b"), Ordered: true}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := group.BuildAndSend(tc.a, []string{"bob"})
			if err != nil {
				t.Fatalf("BuildAndSend() error = %v", err)
			}
			if out.Ordered != tc.a.IsOrdered() {
				t.Fatalf("out.Ordered = %v, want %v", out.Ordered, tc.a.IsOrdered())
			}
			if out.Ordered && len(out.SealedSender) != 0 {
				t.Error("an ordered Outgoing should carry no SealedSender")
			}
			if !out.Ordered && len(out.SealedSender) == 0 {
				t.Error("an unordered Outgoing should carry a SealedSender token")
			}
		})
	}
}

// TestOrderedSeenAdvancesOnDropToo is finding #2's regression test: a client's DS-log
// watermark must advance for every ordered message it observes, including one that gets
// dropped by RBAC, or its next BuildAndSend will submit a stale ExpectedSeq the DS
// rejects even though the client correctly saw everything up to that point.
func TestOrderedSeenAdvancesOnDropToo(t *testing.T) {
	t.Parallel()

	alice, bob := newTwoPeerGroups(t)

	// bob attempts a Kick he isn't authorized for (default "member" role, no policy
	// configured), sent through a live MLS-encrypted round trip so alice has a genuinely
	// valid ciphertext to reject on RBAC rather than on signature or decrypt failure.
	out, err := bob.group.BuildAndSend(action.ActionMsg{
		Kind: action.KindKick,
		Kick: &action.Kick{Target: "alice"},
	}, []string{"alice"})
	if err != ErrPolicyDropped || out != nil {
		t.Fatalf("bob's own BuildAndSend() should locally reject the Kick, got out=%v err=%v", out, err)
	}

	// Simulate a forged send that bypassed bob's own client: sign and encrypt the same
	// Kick directly, skipping buildAndSendLocked's local Authorize gate.
	forged := forgeOrderedAction(t, bob, action.ActionMsg{Kind: action.KindKick, Kick: &action.Kick{Target: "alice"}})

	applied, dropped := alice.group.ProcessIncoming([]IncomingMessage{
		{Sender: "bob", Ciphertext: forged, Ordered: true},
	})
	if len(applied) != 0 {
		t.Fatalf("ProcessIncoming() applied %d, want 0", len(applied))
	}
	if len(dropped) != 1 || dropped[0].Reason != ErrRBACRejected {
		t.Fatalf("ProcessIncoming() dropped = %+v, want one ErrRBACRejected", dropped)
	}

	// alice's watermark must have advanced despite the drop: her next ordered send should
	// carry ExpectedSeq == 1, matching the one ordered position she has now observed.
	renameOut, err := alice.group.BuildAndSend(action.ActionMsg{
		Kind:        action.KindRenameGroup,
		RenameGroup: &action.RenameGroup{NewName: "renamed"},
	}, []string{"bob"})
	if err != nil {
		t.Fatalf("BuildAndSend() error = %v", err)
	}
	if renameOut.ExpectedSeq != 1 {
		t.Errorf("ExpectedSeq = %d, want 1 (one dropped ordered message already observed)", renameOut.ExpectedSeq)
	}
}

// forgeOrderedAction signs and MLS-encrypts a action as sender.group's member would, but
// skips buildAndSendLocked's RBAC/policy gate entirely — standing in for a forged client
// that talks the wire protocol without using this package's own guardrails.
func forgeOrderedAction(t *testing.T, sender *peer, a action.ActionMsg) []byte {
	t.Helper()
	va, err := action.Sign(a, sender.userID, sender.priv)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	payload, err := action.MarshalVerifiable(va)
	if err != nil {
		t.Fatalf("MarshalVerifiable() error = %v", err)
	}
	ciphertext, err := sender.group.MLS.EncryptApp(payload, []byte(sender.userID))
	if err != nil {
		t.Fatalf("EncryptApp() error = %v", err)
	}
	return ciphertext
}

// TestCompleteAddJoinFromWelcomeRoundTrip exercises the Add/Welcome wiring (finding #4):
// alice pre-approves carol, completes the Add, and carol derives her own Group from the
// resulting Welcome (round-tripped through the same Marshal/UnmarshalWelcome encoding
// cmd/client's OnWelcome uses) well enough to decrypt alice's next message.
func TestCompleteAddJoinFromWelcomeRoundTrip(t *testing.T) {
	t.Parallel()

	alice, _ := newTwoPeerGroups(t)

	if err := alice.group.State.Community.PreApprove("carol", []byte("carol-keypackage")); err != nil {
		t.Fatalf("PreApprove() error = %v", err)
	}

	broadcast, sub, err := alice.group.CompleteAdd("carol", []string{"bob"})
	if err != nil {
		t.Fatalf("CompleteAdd() error = %v", err)
	}
	if broadcast == nil || broadcast.Ordered {
		t.Fatal("CompleteAdd() should emit an unordered UpdateGroupState broadcast")
	}
	if sub.RecipientID != "carol" || sub.Epoch == 0 {
		t.Fatalf("InviteSubmission = %+v", sub)
	}

	welcome, err := mlsadapter.UnmarshalWelcome(sub.Welcome)
	if err != nil {
		t.Fatalf("UnmarshalWelcome() error = %v", err)
	}
	carolGroup := JoinFromWelcome("g1", "general", "carol", welcome, nil, fakeCredentials{}, policy.NewEngine(nil, time.Minute), true)

	if carolGroup.MLS.Epoch() != sub.Epoch {
		t.Errorf("carol's epoch = %d, want %d", carolGroup.MLS.Epoch(), sub.Epoch)
	}

	out, err := alice.group.BuildAndSend(action.ActionMsg{
		Kind:    action.KindTextMsg,
		TextMsg: &action.TextMsg{Content: "welcome carol"},
	}, []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("BuildAndSend() error = %v", err)
	}

	applied, dropped := carolGroup.ProcessIncoming([]IncomingMessage{
		{Sender: "alice", Ciphertext: out.Ciphertext, Ordered: false},
	})
	if len(dropped) != 0 {
		t.Fatalf("carol ProcessIncoming() dropped %d: %+v", len(dropped), dropped)
	}
	if len(applied) != 1 || applied[0].Action.TextMsg.Content != "welcome carol" {
		t.Fatalf("carol applied = %+v", applied)
	}
}
