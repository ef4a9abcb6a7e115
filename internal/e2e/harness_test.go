// Package e2e drives the full client-DS wire protocol in-process: a real
// dsgateway.Hub fronting a real dsdispatch.Dispatcher and dsstate.State, reached by real
// clientsession.Session clients over httptest-backed WebSocket connections, the same
// net/http/httptest plus fasthttp/websocket pattern internal/clientsession/session_test.go
// already uses for single-session tests. No component here is a stub: the only thing that
// differs from cmd/ds/main.go's production wiring is that the connection ticket itself
// (never validated) doubles as the UserId, since auth.ValidateConnectionTicket needs a
// signing secret this harness has no reason to carry.
package e2e

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fasthttp/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mlsgov/platform/internal/clientsession"
	"github.com/mlsgov/platform/internal/dsdispatch"
	"github.com/mlsgov/platform/internal/dsgateway"
	"github.com/mlsgov/platform/internal/dsstate"
	"github.com/mlsgov/platform/internal/pipeline"
	"github.com/mlsgov/platform/internal/wire"
)

// fakeCredentials is internal/clientsession/session_test.go's fakeCredentials, reused
// here for every scenario that needs a non-baseline pipeline.Group.
type fakeCredentials struct {
	keys map[string]ed25519.PublicKey
}

func (f fakeCredentials) VerificationKey(userID string) (ed25519.PublicKey, error) {
	return f.keys[userID], nil
}

// harness is one in-process Delivery Service plus a URL clients can Dial against.
type harness struct {
	t          *testing.T
	state      *dsstate.State
	dispatcher *dsdispatch.Dispatcher
	hub        *dsgateway.Hub
	server     *httptest.Server
	wsURL      string
}

// newHarness builds a DS backed by miniredis so Hub.Run's Valkey-subscription bridge
// (the same one cmd/ds/main.go wires in production) actually wakes sleeping connections,
// instead of requiring every test client to poll with a second UserSync.
func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	state := dsstate.New()
	dispatcher := dsdispatch.New(state, rdb, zerolog.Nop(), 250, 100, 500, 100)
	hub := dsgateway.NewHub(dispatcher, 0, 1000, 60, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeWebSocket(conn, userID)
	}))
	t.Cleanup(server.Close)

	return &harness{
		t:          t,
		state:      state,
		dispatcher: dispatcher,
		hub:        hub,
		server:     server,
		wsURL:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

// registerMember creates groupID at the DS (if absent) with creatorID as its first
// member and records memberID as a member too, the same side effect a real
// wire.KindUserInvite triggers via Dispatcher.EnqueueInvite. Tests that only care about
// DS-level membership (not the Welcome payload itself) call this directly instead of
// running a full invite handshake through a pipeline.Group.
func (h *harness) registerMember(t *testing.T, groupID, creatorID, memberID string) {
	t.Helper()
	ctx := context.Background()
	if err := h.dispatcher.EnqueueInvite(ctx, creatorID, memberID, dsstate.InviteEnvelope{
		GroupID: groupID,
		Epoch:   0,
		Welcome: []byte("harness-stub-welcome"),
	}); err != nil {
		t.Fatalf("EnqueueInvite(%s, %s) error = %v", creatorID, memberID, err)
	}
}

// recordingHandler is clientsession.session_test.go's recordingHandler, reused here so
// every seed scenario can assert on the same applied/dropped/welcome/error shape a real
// client-side integration would observe.
type recordingHandler struct {
	mu      sync.Mutex
	applied [][]pipeline.Applied
	dropped [][]pipeline.Dropped
	welcome []wire.Welcome
	errs    []wire.ErrorMessage
}

func (h *recordingHandler) OnApplied(groupID string, applied []pipeline.Applied) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, applied)
}

func (h *recordingHandler) OnDropped(groupID string, dropped []pipeline.Dropped) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = append(h.dropped, dropped)
}

func (h *recordingHandler) OnWelcome(w wire.Welcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.welcome = append(h.welcome, w)
}

func (h *recordingHandler) OnError(e wire.ErrorMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, e)
}

func (h *recordingHandler) appliedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, batch := range h.applied {
		n += len(batch)
	}
	return n
}

func (h *recordingHandler) droppedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, batch := range h.dropped {
		n += len(batch)
	}
	return n
}

func (h *recordingHandler) lastApplied() pipeline.Applied {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.applied[len(h.applied)-1]
	return batch[len(batch)-1]
}

func (h *recordingHandler) lastDropped() pipeline.Dropped {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.dropped[len(h.dropped)-1]
	return batch[len(batch)-1]
}

func (h *recordingHandler) errCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

// dial opens a real clientsession.Session against the harness, treating userID itself as
// the bearer connection ticket, and identifies immediately.
func (h *harness) dial(t *testing.T, userID string, router clientsession.GroupRouter, handler clientsession.EventHandler) *clientsession.Session {
	t.Helper()
	sess, err := clientsession.Dial(t.Context(), h.wsURL, userID, router, handler, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", userID, err)
	}
	t.Cleanup(sess.Close)
	if err := sess.Identify(userID); err != nil {
		t.Fatalf("Identify(%s) error = %v", userID, err)
	}
	return sess
}

// waitFor polls cond every 10ms until it reports true or the deadline passes, mirroring
// the wait loop session_test.go already uses to observe asynchronous delivery without a
// fixed sleep.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
