package community

import "testing"

func TestPreApproveIsIdempotent(t *testing.T) {
	t.Parallel()

	c := New()
	if err := c.PreApprove("alice", []byte("kp-1")); err != nil {
		t.Fatalf("first PreApprove: %v", err)
	}
	if err := c.PreApprove("alice", []byte("kp-2")); err != nil {
		t.Fatalf("second PreApprove (duplicate Invite): %v", err)
	}
	if got := c.State("alice"); got != PreApproved {
		t.Errorf("state = %v, want PreApproved", got)
	}
}

func TestPreApproveRejectsEmptyKeyPackage(t *testing.T) {
	t.Parallel()

	c := New()
	if err := c.PreApprove("alice", nil); err == nil {
		t.Fatal("expected error for empty key package")
	}
}

func TestFullJoinLifecycle(t *testing.T) {
	t.Parallel()

	c := New()
	if err := c.PreApprove("bob", []byte("kp")); err != nil {
		t.Fatalf("PreApprove: %v", err)
	}

	kp, err := c.PopPreApproved("bob")
	if err != nil {
		t.Fatalf("PopPreApproved: %v", err)
	}
	if string(kp) != "kp" {
		t.Errorf("stashed key package = %q, want %q", kp, "kp")
	}
	if got := c.State("bob"); got != Added {
		t.Errorf("state = %v, want Added", got)
	}

	// The key package can only be popped once.
	if _, err := c.PopPreApproved("bob"); err == nil {
		t.Fatal("expected error popping an already-consumed key package")
	}

	if err := c.Accept("bob"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := c.State("bob"); got != Accepted {
		t.Errorf("state = %v, want Accepted", got)
	}
}

func TestDeclineMarksRemovable(t *testing.T) {
	t.Parallel()

	c := New()
	_ = c.PreApprove("carol", []byte("kp"))
	_, _ = c.PopPreApproved("carol")

	if err := c.Decline("carol"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if !c.AuthorizesRemoval("carol") {
		t.Fatal("expected Decline to authorize removal")
	}

	if err := c.PopRemoval("carol"); err != nil {
		t.Fatalf("PopRemoval: %v", err)
	}
	if c.AuthorizesRemoval("carol") {
		t.Fatal("removal authorization should be consumed after PopRemoval")
	}
	if got := c.State("carol"); got != Removed {
		t.Errorf("state = %v, want Removed", got)
	}
}

func TestKickMarksRemovable(t *testing.T) {
	t.Parallel()

	c := New()
	_ = c.PreApprove("dave", []byte("kp"))
	_, _ = c.PopPreApproved("dave")

	if err := c.Kick("dave"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if !c.AuthorizesRemoval("dave") {
		t.Fatal("expected Kick to authorize removal")
	}
}

func TestLeaveRejectedWithoutAuthorization(t *testing.T) {
	t.Parallel()

	c := New()
	_ = c.PreApprove("erin", []byte("kp"))
	_, _ = c.PopPreApproved("erin")

	if c.AuthorizesRemoval("erin") {
		t.Fatal("unsolicited removal should not be authorized")
	}
	if err := c.PopRemoval("erin"); err == nil {
		t.Fatal("expected error popping an unauthorized removal")
	}
}

func TestAddRequiresPreApproval(t *testing.T) {
	t.Parallel()

	c := New()
	if _, err := c.PopPreApproved("frank"); err == nil {
		t.Fatal("expected error adding a candidate who was never invited")
	}
}

func TestAcceptRequiresAdded(t *testing.T) {
	t.Parallel()

	c := New()
	_ = c.PreApprove("grace", []byte("kp"))

	if err := c.Accept("grace"); err == nil {
		t.Fatal("expected error accepting before the Add commit merges")
	}
}

func TestStateDefaultsToAbsent(t *testing.T) {
	t.Parallel()

	c := New()
	if got := c.State("nobody"); got != Absent {
		t.Errorf("state = %v, want Absent", got)
	}
}
