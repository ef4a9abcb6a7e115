// Package dsgateway is the DS's WebSocket front door: the part of the Delivery Service
// that terminates client connections and turns wire.Kind frames into calls against
// internal/dsdispatch, the same way uncord's gateway.Hub terminates connections and turns
// opcodes into calls against its repositories. It is a direct adaptation of
// gateway/hub.go and gateway/client.go: same registry-plus-per-connection-pump shape,
// narrowed from a presence-aware Discord gateway to a single-purpose relay with no
// Hello/Ready handshake (spec.md's "authentication happens inside the WebSocket" is
// satisfied by the DS validating the connection ticket at upgrade time and keying the
// registry by the UserId it names — see cmd/ds).
package dsgateway

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/mlsgov/platform/internal/dsdispatch"
	"github.com/mlsgov/platform/internal/dsstate"
	"github.com/mlsgov/platform/internal/wire"
)

// Hub is the DS's connection registry: one live *Client per UserId, plus the Dispatcher
// every inbound frame is translated into a call against.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex

	dispatcher *dsdispatch.Dispatcher
	log        zerolog.Logger

	maxConnections  int
	rateLimitCount  int
	rateLimitWindow time.Duration
}

// NewHub creates a Hub fronting dispatcher.
func NewHub(dispatcher *dsdispatch.Dispatcher, maxConnections, rateLimitCount, rateLimitWindowSeconds int, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:         make(map[string]*Client),
		dispatcher:      dispatcher,
		log:             logger.With().Str("component", "dsgateway").Logger(),
		maxConnections:  maxConnections,
		rateLimitCount:  rateLimitCount,
		rateLimitWindow: time.Duration(rateLimitWindowSeconds) * time.Second,
	}
}

// ServeWebSocket adopts an upgraded connection already authenticated as userID (by a
// validated connection ticket, checked before the upgrade handshake completes) and runs
// its read/write pumps until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, userID string) {
	client := newClient(h, conn, userID, h.log)

	if err := h.register(client); err != nil {
		client.closeWithCode(CloseMaxConnections, err.Error())
		return
	}

	go client.writePump()
	client.readPump()
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxConnections > 0 && len(h.clients) >= h.maxConnections {
		return ErrMaxConnections
	}

	if existing, ok := h.clients[c.UserID()]; ok {
		h.log.Debug().Str("user_id", c.UserID()).Msg("displacing existing connection")
		existing.closeSend()
	}

	h.clients[c.UserID()] = c
	h.log.Debug().Str("user_id", c.UserID()).Int("total", len(h.clients)).Msg("client registered")
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[c.UserID()]; ok && current == c {
		delete(h.clients, c.UserID())
	}
	c.closeSend()
}

// dispatch translates one inbound frame into a Dispatcher call and enqueues whatever
// response it produces. It runs on the Client's readPump goroutine, so it must never
// block on network I/O beyond the non-blocking enqueue it ends with.
func (h *Hub) dispatch(c *Client, frame wire.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Kind {
	case wire.KindUserSync:
		var req wire.UserSync
		if err := frame.Unmarshal(&req); err != nil {
			return err
		}
		c.markIdentified()
		result := h.dispatcher.UserSync(ctx, c.UserID())
		h.sendSyncResult(c, result)
		return nil

	case wire.KindUserKeyPackagesForDS:
		var req wire.UserKeyPackagesForDS
		if err := frame.Unmarshal(&req); err != nil {
			return err
		}
		return h.dispatcher.UploadKeyPackages(ctx, c.UserID(), req.Packages)

	case wire.KindRetrieveKeyPackage:
		var req wire.RetrieveKeyPackage
		if err := frame.Unmarshal(&req); err != nil {
			return err
		}
		pkg, err := h.dispatcher.RetrieveKeyPackage(ctx, req.TargetUserID)
		available := err == nil
		if err != nil && err != dsdispatch.ErrSenderBlocked {
			err = nil // pool-empty is a normal "not available", not a protocol error
		}
		frameBytes, encErr := wire.Encode(wire.KindDSKeyPackageResponse, wire.DSKeyPackageResponse{Package: pkg, Available: available})
		if encErr != nil {
			return encErr
		}
		c.enqueue(frameBytes)
		return err

	case wire.KindUserStandardSend:
		var req wire.UserStandardSend
		if err := frame.Unmarshal(&req); err != nil {
			return err
		}
		return h.dispatcher.UserStandardSend(ctx, req.GroupID, c.UserID(), req.SealedSender, req.Recipients, req.Ciphertext)

	case wire.KindUserReliableSend:
		var req wire.UserReliableSend
		if err := frame.Unmarshal(&req); err != nil {
			return err
		}
		result, err := h.dispatcher.UserReliableSend(ctx, req.GroupID, c.UserID(), req.ExpectedSeq, req.Recipients, req.Ciphertext)
		if err != nil {
			return err
		}
		return h.sendReliableResult(c, req.GroupID, result)

	case wire.KindUserInvite:
		var req wire.UserInvite
		if err := frame.Unmarshal(&req); err != nil {
			return err
		}
		return h.dispatcher.EnqueueInvite(ctx, c.UserID(), req.RecipientID, dsstate.InviteEnvelope{
			GroupID: req.GroupID,
			Epoch:   req.Epoch,
			Welcome: req.Welcome,
		})

	default:
		return ErrUnknownKind
	}
}

// sendSyncResult relays everything a UserSync drained (unordered messages, invites) to
// the requesting connection as individual frames.
func (h *Hub) sendSyncResult(c *Client, result dsdispatch.SyncResult) {
	for _, msg := range result.Unordered {
		h.relay(c, msg.GroupID, msg.Sender, msg.Ciphertext, msg.Ordered, msg.Sequence)
	}
	for _, inv := range result.Invites {
		frame, err := wire.Encode(wire.KindWelcome, wire.Welcome{GroupID: inv.GroupID, Epoch: inv.Epoch, Data: inv.Welcome})
		if err != nil {
			h.log.Error().Err(err).Msg("encode welcome frame")
			continue
		}
		c.enqueue(frame)
	}
}

// sendReliableResult answers an accepted or rejected UserReliableSend with a DSResult
// frame for the sender alone; the other recipients' queued copies and wake-ups are
// handled by Dispatcher.UserReliableSend, not here. groupID is stamped onto every envelope since dsstate.OrderedMessage
// itself carries no GroupID (a GroupSlot's messages are implicitly all one group) but the
// client dispatches a DSResult's entries by GroupID across potentially many groups.
func (h *Hub) sendReliableResult(c *Client, groupID string, result dsdispatch.ReliableSendResult) error {
	resp := wire.DSResult{Accepted: result.Accepted}
	for _, m := range result.Preceding {
		resp.PrecedingAndSentOrderedMsgs = append(resp.PrecedingAndSentOrderedMsgs, wire.OrderedEnvelope{
			GroupID:    groupID,
			Sender:     m.Sender,
			Ciphertext: m.Ciphertext,
			Sequence:   m.Sequence,
		})
	}
	if result.Accepted {
		resp.PrecedingAndSentOrderedMsgs = append(resp.PrecedingAndSentOrderedMsgs, wire.OrderedEnvelope{
			GroupID:    groupID,
			Sender:     result.Committed.Sender,
			Ciphertext: result.Committed.Ciphertext,
			Sequence:   result.Committed.Sequence,
		})
	}
	frame, err := wire.Encode(wire.KindDSResult, resp)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// relay pushes a single message down to a connected client as a DSRelayedUserMsg frame.
func (h *Hub) relay(c *Client, groupID, sender string, ciphertext []byte, ordered bool, sequence uint64) {
	frame, err := wire.Encode(wire.KindDSRelayedUserMsg, wire.DSRelayedUserMsg{
		GroupID:    groupID,
		Ordered:    ordered,
		Sender:     sender,
		Ciphertext: ciphertext,
		Sequence:   sequence,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("encode relayed message frame")
		return
	}
	c.enqueue(frame)
}

// Run bridges the Dispatcher's cross-process wake-up notifications (published over
// Valkey by a reliable or standard send handled on a different DS process) into pushes
// for any connection this process is holding. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	notifications, err := h.dispatcher.Subscribe(ctx)
	if err != nil {
		// Single-process deployment with no Valkey configured: no wake-ups are
		// published, so a connection receives newly queued messages only in the reply
		// to its own next UserSync. Block until shutdown rather than busy-looping.
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case userID, ok := <-notifications:
			if !ok {
				return nil
			}
			h.pushSync(ctx, userID)
		}
	}
}

func (h *Hub) pushSync(ctx context.Context, userID string) {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.sendSyncResult(c, h.dispatcher.UserSync(ctx, userID))
}

// Shutdown closes every active connection, giving each a chance to drain its send
// buffer first, mirroring gateway.Hub.Shutdown's graceful-close behavior.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, client := range h.clients {
		client.closeSend()
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = client.conn.Close()
		delete(h.clients, userID)
	}
	h.log.Info().Msg("DS gateway hub shut down")
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
