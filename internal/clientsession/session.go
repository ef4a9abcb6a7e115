// Package clientsession implements the Client Session (C9) from spec.md §4.2/§6: the
// WebSocket connection a single user's process holds open to the DS, dispatching every
// inbound DSRelayedUserMsg/OrderedMessage/Welcome into the right group's
// internal/pipeline.Group and reporting the results back to the caller. It is grounded
// directly on gateway/client.go's readPump/writePump-over-a-buffered-send-channel idiom,
// reused here for the client side of the same wire protocol.
package clientsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mlsgov/platform/internal/action"
	"github.com/mlsgov/platform/internal/pipeline"
	"github.com/mlsgov/platform/internal/wire"
)

// Sentinel errors for the clientsession package.
var (
	ErrAlreadyClosed = errors.New("session is already closed")
	ErrUnknownGroup  = errors.New("no pipeline.Group registered for this group id")
	ErrNotIdentified = errors.New("session has not called Identify")
)

const (
	// writeWait mirrors gateway/client.go's write deadline for a single frame.
	writeWait = 10 * time.Second

	// sendBuffer is the size of the outbound channel writePump drains; a client only
	// ever has one DS connection so this can be far smaller than the Hub's per-connection
	// buffer, which fans out to many recipients at once.
	sendBuffer = 64
)

// GroupRouter resolves an incoming message's GroupID to the pipeline.Group driving that
// group's governance and MLS state, so Session never has to know about group lifecycle
// itself.
type GroupRouter interface {
	Group(groupID string) (*pipeline.Group, error)
}

// EventHandler receives the results of dispatching an inbound batch, so a caller (a CLI,
// a GUI, a test harness) can react without Session knowing anything about presentation.
type EventHandler interface {
	OnApplied(groupID string, applied []pipeline.Applied)
	OnDropped(groupID string, dropped []pipeline.Dropped)
	OnWelcome(w wire.Welcome)
	OnError(msg wire.ErrorMessage)
}

// Session is one client's live connection to the DS. The connection ticket is presented
// on the upgrade request (see Dial); Identify then happens over this same connection as
// its first frame.
type Session struct {
	conn *websocket.Conn
	log  zerolog.Logger

	router  GroupRouter
	handler EventHandler

	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	errg *errgroup.Group

	mu         sync.RWMutex
	userID     string
	sessionID  string
	identified bool
	seq        atomic.Int64
}

// Dial opens a WebSocket connection to the DS's gateway endpoint, presenting
// connectionTicket (the AS-issued JWT from SPEC_FULL.md §6) as a bearer credential on
// the upgrade request, and returns an unidentified Session; callers must call Identify
// before any traffic beyond that first frame will be accepted by the DS.
func Dial(ctx context.Context, url, connectionTicket string, router GroupRouter, handler EventHandler, log zerolog.Logger) (*Session, error) {
	header := http.Header{"Authorization": []string{"Bearer " + connectionTicket}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial ds: %w", err)
	}
	s := &Session{
		conn:    conn,
		log:     log,
		router:  router,
		handler: handler,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	s.errg = &errgroup.Group{}
	s.errg.Go(s.readPump)
	s.errg.Go(s.writePump)
	return s, nil
}

// Wait blocks until the read loop and write loop have both exited, returning whichever
// of the two failed first — the result-tagged return spec.md §7 requires of every
// network-facing operation, propagated here instead of left to two unobserved
// goroutines the way a bare `go`-statement pair would.
func (s *Session) Wait() error {
	return s.errg.Wait()
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Identify sends the session's first UserSync frame, which doubles as the DS-level
// identify step: the AS-issued connection ticket travels as the dial request's bearer
// token (validated before the upgrade completes its handshake), and this first frame
// tells the now-open connection which UserId's queues to attach to and drain. The DS's
// reply arrives asynchronously as ordinary traffic, mirroring handleIdentify's
// fire-and-continue shape on the server side. Once the frame is queued the session counts
// as identified, so later sends are no longer rejected with ErrNotIdentified.
func (s *Session) Identify(userID string) error {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	frame, err := wire.Encode(wire.KindUserSync, wire.UserSync{UserID: userID})
	if err != nil {
		return fmt.Errorf("encode identify frame: %w", err)
	}
	s.enqueue(frame)

	s.mu.Lock()
	s.identified = true
	s.mu.Unlock()
	return nil
}

// MarkIdentified records that the DS has accepted this session, the way
// Hub.handleIdentify flips Client.identified once the token validates.
func (s *Session) MarkIdentified(sessionID string) {
	s.mu.Lock()
	s.identified = true
	s.sessionID = sessionID
	s.mu.Unlock()
}

// IsIdentified reports whether Identify or MarkIdentified has been called.
func (s *Session) IsIdentified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identified
}

func (s *Session) localUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SendReliable wraps a pipeline-built Outgoing for an ordered action into a
// UserReliableSend frame and enqueues it for transmission.
func (s *Session) SendReliable(groupID string, expectedSeq uint64, ciphertext []byte, recipients []string) error {
	if !s.IsIdentified() {
		return ErrNotIdentified
	}
	frame, err := wire.Encode(wire.KindUserReliableSend, wire.UserReliableSend{
		GroupID:     groupID,
		Sender:      s.localUserID(),
		ExpectedSeq: expectedSeq,
		Ciphertext:  ciphertext,
		Recipients:  recipients,
	})
	if err != nil {
		return fmt.Errorf("encode reliable send: %w", err)
	}
	s.enqueue(frame)
	return nil
}

// SendStandard wraps a pipeline-built Outgoing for an unordered action into a
// UserStandardSend frame and enqueues it for transmission.
func (s *Session) SendStandard(groupID string, ciphertext, sealedSender []byte, recipients []string) error {
	if !s.IsIdentified() {
		return ErrNotIdentified
	}
	frame, err := wire.Encode(wire.KindUserStandardSend, wire.UserStandardSend{
		GroupID:      groupID,
		Sender:       s.localUserID(),
		Ciphertext:   ciphertext,
		SealedSender: sealedSender,
		Recipients:   recipients,
	})
	if err != nil {
		return fmt.Errorf("encode standard send: %w", err)
	}
	s.enqueue(frame)
	return nil
}

// Send runs a governed action through groupID's pipeline.Group and transmits whatever
// BuildAndSend hands back. A nil Outgoing means the action was queued as a ProposedAction
// rather than sent — not an error, just nothing to transmit yet.
func (s *Session) Send(groupID string, a action.ActionMsg, recipients []string) error {
	group, err := s.router.Group(groupID)
	if err != nil {
		return err
	}
	out, err := group.BuildAndSend(a, recipients)
	if err != nil {
		return err
	}
	return s.Transmit(out)
}

// Transmit sends a pipeline-built Outgoing, routing to a reliable or standard send frame
// per its Ordered classification. Callers that already hold an Outgoing directly — e.g.
// the UpdateGroupState broadcast returned by pipeline.Group.CompleteAdd — use this instead
// of Send so BuildAndSend is never invoked twice for the same action. A nil out is a no-op.
func (s *Session) Transmit(out *pipeline.Outgoing) error {
	if out == nil {
		return nil
	}
	if out.Ordered {
		return s.SendReliable(out.GroupID, out.ExpectedSeq, out.Ciphertext, out.Recipients)
	}
	return s.SendStandard(out.GroupID, out.Ciphertext, out.SealedSender, out.Recipients)
}

// SubmitInvite transmits the Welcome half of a completed Add (built by
// pipeline.Group.CompleteAdd) to the DS as its own frame, since the new member has no MLS
// key yet for an ordinary Outgoing to be encrypted under.
func (s *Session) SubmitInvite(sub *pipeline.InviteSubmission) error {
	if !s.IsIdentified() {
		return ErrNotIdentified
	}
	frame, err := wire.Encode(wire.KindUserInvite, wire.UserInvite{
		GroupID:     sub.GroupID,
		RecipientID: sub.RecipientID,
		Epoch:       sub.Epoch,
		Welcome:     sub.Welcome,
	})
	if err != nil {
		return fmt.Errorf("encode user invite: %w", err)
	}
	s.enqueue(frame)
	return nil
}

// readPump reads wire frames off the connection and dispatches each one, mirroring
// gateway/client.go's readPump loop but routing by wire.Kind instead of events.Opcode.
// Its return value is collected by the errgroup in Dial/Wait.
func (s *Session) readPump() error {
	defer s.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("ds connection read: %w", err)
			}
			return nil
		}

		frame, _, err := wire.Decode(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame from ds")
			continue
		}
		s.dispatch(frame)
	}
}

// writePump drains the send channel onto the connection, mirroring gateway/client.go's
// writePump drain-on-shutdown behavior. Its return value is collected by the errgroup in
// Dial/Wait.
func (s *Session) writePump() error {
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return fmt.Errorf("ds connection write: %w", err)
			}
		case <-s.done:
			for {
				select {
				case msg := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		}
	}
}

func (s *Session) enqueue(msg []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- msg:
	case <-s.done:
	default:
		s.log.Warn().Msg("session send buffer full, closing connection")
		s.Close()
	}
}

// dispatch routes one decoded frame to the appropriate pipeline.Group and surfaces the
// result through the EventHandler.
func (s *Session) dispatch(frame wire.Frame) {
	switch frame.Kind {
	case wire.KindDSRelayedUserMsg:
		var msg wire.DSRelayedUserMsg
		if err := frame.Unmarshal(&msg); err != nil {
			s.log.Warn().Err(err).Msg("malformed ds_relayed_user_msg")
			return
		}
		s.processGroupMessage(msg.GroupID, pipeline.IncomingMessage{
			Sender:     msg.Sender,
			Ciphertext: msg.Ciphertext,
			Ordered:    msg.Ordered,
		})

	case wire.KindDSResult:
		var res wire.DSResult
		if err := frame.Unmarshal(&res); err != nil {
			s.log.Warn().Err(err).Msg("malformed ds_result")
			return
		}
		if res.Error != "" {
			s.handler.OnError(wire.ErrorMessage{Message: res.Error})
			return
		}
		for _, env := range res.PrecedingAndSentOrderedMsgs {
			s.processGroupMessage(env.GroupID, pipeline.IncomingMessage{
				Sender:     env.Sender,
				Ciphertext: env.Ciphertext,
				Ordered:    true,
			})
		}

	case wire.KindWelcome:
		var w wire.Welcome
		if err := frame.Unmarshal(&w); err != nil {
			s.log.Warn().Err(err).Msg("malformed welcome")
			return
		}
		s.handler.OnWelcome(w)

	case wire.KindError:
		var e wire.ErrorMessage
		if err := frame.Unmarshal(&e); err != nil {
			s.log.Warn().Err(err).Msg("malformed error frame")
			return
		}
		s.handler.OnError(e)

	default:
		s.log.Debug().Str("kind", frame.Kind.String()).Msg("ignoring frame kind not handled client-side")
	}
}

func (s *Session) processGroupMessage(groupID string, msg pipeline.IncomingMessage) {
	group, err := s.router.Group(groupID)
	if err != nil {
		s.log.Warn().Err(err).Str("group_id", groupID).Msg("no pipeline.Group for incoming message")
		return
	}
	applied, dropped := group.ProcessIncoming([]pipeline.IncomingMessage{msg})
	if len(applied) > 0 {
		s.handler.OnApplied(groupID, applied)
	}
	if len(dropped) > 0 {
		s.handler.OnDropped(groupID, dropped)
	}
}

// staticRouter is the simplest GroupRouter: a fixed set of groups known up front,
// sufficient for tests and for a client that joins groups synchronously before dialing.
type staticRouter struct {
	mu     sync.RWMutex
	groups map[string]*pipeline.Group
}

// NewStaticRouter builds a GroupRouter over an initial set of groups; use AddGroup to
// register groups discovered later (e.g. via an Invite's Accept).
func NewStaticRouter(groups map[string]*pipeline.Group) GroupRouter {
	r := &staticRouter{groups: make(map[string]*pipeline.Group, len(groups))}
	for id, g := range groups {
		r.groups[id] = g
	}
	return r
}

func (r *staticRouter) Group(groupID string) (*pipeline.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return g, nil
}

// AddGroup registers a newly joined group so later messages for it can be routed. It is
// exported on the concrete type via this package-level helper since GroupRouter itself
// stays read-only from Session's point of view.
func AddGroup(r GroupRouter, groupID string, g *pipeline.Group) error {
	sr, ok := r.(*staticRouter)
	if !ok {
		return fmt.Errorf("clientsession: router does not support dynamic registration")
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.groups[groupID] = g
	return nil
}
