package dsgateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mlsgov/platform/internal/dsdispatch"
	"github.com/mlsgov/platform/internal/dsstate"
	"github.com/mlsgov/platform/internal/wire"
)

// newTestHub builds a Hub over a fresh in-memory dsstate, no Valkey client, matching the
// single-process default cmd/ds falls back to when ValkeyURL is unset.
func newTestHub(t *testing.T, maxConnections int) *Hub {
	t.Helper()
	state := dsstate.New()
	dispatcher := dsdispatch.New(state, nil, zerolog.Nop(), 0, 0, 0, 0)
	return NewHub(dispatcher, maxConnections, 1000, 60, zerolog.Nop())
}

// bareClient builds a Client with no real connection, enough to exercise Hub.register/
// unregister/dispatch, which only ever read userID/send/done off the struct directly.
func bareClient(hub *Hub, userID string) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		log:    zerolog.Nop(),
		userID: userID,
	}
}

func TestRegisterDisplacesExistingConnection(t *testing.T) {
	hub := newTestHub(t, 0)

	old := bareClient(hub, "alice")
	if err := hub.register(old); err != nil {
		t.Fatalf("register(old) error = %v", err)
	}

	newer := bareClient(hub, "alice")
	if err := hub.register(newer); err != nil {
		t.Fatalf("register(newer) error = %v", err)
	}

	select {
	case <-old.done:
	case <-time.After(time.Second):
		t.Fatal("old client's done channel was not closed after displacement")
	}

	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", hub.ClientCount())
	}
}

func TestRegisterMaxConnections(t *testing.T) {
	hub := newTestHub(t, 1)

	if err := hub.register(bareClient(hub, "alice")); err != nil {
		t.Fatalf("register(alice) error = %v", err)
	}
	if err := hub.register(bareClient(hub, "bob")); err != ErrMaxConnections {
		t.Fatalf("register(bob) error = %v, want ErrMaxConnections", err)
	}
}

func TestUnregisterOnlyRemovesCurrentClient(t *testing.T) {
	hub := newTestHub(t, 0)

	first := bareClient(hub, "alice")
	_ = hub.register(first)

	second := bareClient(hub, "alice")
	_ = hub.register(second)

	// The stale first client unregistering after being displaced must not evict second.
	hub.unregister(first)
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d after stale unregister, want 1", hub.ClientCount())
	}

	hub.unregister(second)
	if hub.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d after real unregister, want 0", hub.ClientCount())
	}
}

func TestDispatchUserSyncMarksIdentifiedAndRelaysQueuedMessages(t *testing.T) {
	hub := newTestHub(t, 0)
	alice := bareClient(hub, "alice")

	if err := hub.dispatcher.EnqueueInvite(context.Background(), "bob", "alice", dsstate.InviteEnvelope{GroupID: "g1", Epoch: 1, Welcome: []byte("welcome")}); err != nil {
		t.Fatalf("EnqueueInvite() error = %v", err)
	}

	frame := encodeFrame(t, wire.KindUserSync, wire.UserSync{UserID: "alice"})
	if err := hub.dispatch(alice, frame); err != nil {
		t.Fatalf("dispatch(UserSync) error = %v", err)
	}

	if !alice.IsIdentified() {
		t.Fatal("expected client to be marked identified after UserSync")
	}

	select {
	case raw := <-alice.send:
		got, _, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("decode relayed frame: %v", err)
		}
		if got.Kind != wire.KindWelcome {
			t.Fatalf("frame kind = %v, want KindWelcome", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued welcome to be relayed")
	}
}

func TestDispatchUserReliableSendStampsGroupIDOnResult(t *testing.T) {
	hub := newTestHub(t, 0)
	alice := bareClient(hub, "alice")

	// Seed the group via an invite so alice is a recognized member and the group exists.
	if err := hub.dispatcher.EnqueueInvite(context.Background(), "alice", "alice", dsstate.InviteEnvelope{GroupID: "g1"}); err != nil {
		t.Fatalf("EnqueueInvite() error = %v", err)
	}

	frame := encodeFrame(t, wire.KindUserReliableSend, wire.UserReliableSend{
		GroupID:     "g1",
		Sender:      "alice",
		ExpectedSeq: 0,
		Ciphertext:  []byte("ct"),
	})
	if err := hub.dispatch(alice, frame); err != nil {
		t.Fatalf("dispatch(UserReliableSend) error = %v", err)
	}

	select {
	case raw := <-alice.send:
		decoded, _, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("decode result frame: %v", err)
		}
		var res wire.DSResult
		if err := decoded.Unmarshal(&res); err != nil {
			t.Fatalf("unmarshal DSResult: %v", err)
		}
		if !res.Accepted {
			t.Fatal("expected the send to be accepted")
		}
		if len(res.PrecedingAndSentOrderedMsgs) != 1 {
			t.Fatalf("got %d ordered msgs, want 1", len(res.PrecedingAndSentOrderedMsgs))
		}
		if got := res.PrecedingAndSentOrderedMsgs[0].GroupID; got != "g1" {
			t.Errorf("OrderedEnvelope.GroupID = %q, want g1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DSResult")
	}
}

func TestDispatchUnknownKindReturnsError(t *testing.T) {
	hub := newTestHub(t, 0)
	alice := bareClient(hub, "alice")
	alice.markIdentified()

	frame := encodeFrame(t, wire.Kind(9999), struct{}{})
	if err := hub.dispatch(alice, frame); err != ErrUnknownKind {
		t.Fatalf("dispatch() error = %v, want ErrUnknownKind", err)
	}
}

func encodeFrame(t *testing.T, kind wire.Kind, payload any) wire.Frame {
	t.Helper()
	raw, err := wire.Encode(kind, payload)
	if err != nil {
		t.Fatalf("wire.Encode() error = %v", err)
	}
	frame, _, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("wire.Decode() error = %v", err)
	}
	return frame
}
