package dsgateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/mlsgov/platform/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = wire.MaxPayloadSize

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// identifySyncTimeout is how long a connection has to send its first UserSync frame
	// before it is closed, mirroring uncord's identify timeout.
	identifySyncTimeout = 30 * time.Second
)

// Client represents a single WebSocket connection to the DS's /gateway endpoint. The
// connecting UserId is already known from its validated connection ticket (see
// Hub.ServeWebSocket); identified only tracks whether the first UserSync frame — this
// protocol's "attach to my queues now" step — has been received yet.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	userID     string
	identified bool

	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, logger zerolog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		log:    logger,
		userID: userID,
	}
}

// UserID returns the UserId this connection authenticated as.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// IsIdentified reports whether the connection has sent its first UserSync frame.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

func (c *Client) markIdentified() {
	c.mu.Lock()
	c.identified = true
	c.mu.Unlock()
}

// closeSend signals the client's write loop to stop. Safe to call more than once.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames from the WebSocket connection and routes them by wire.Kind. It
// runs in its own goroutine and is responsible for unregistering the client when the
// read loop exits, mirroring gateway/client.go's readPump.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(identifySyncTimeout))

	identifyTimer := time.AfterFunc(identifySyncTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Str("user_id", c.UserID()).Msg("connection did not sync in time")
			c.closeWithCode(CloseNotIdentified, "sync timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		frame, _, err := wire.Decode(message)
		if err != nil {
			c.closeWithCode(CloseDecodeError, "invalid frame")
			return
		}

		if frame.Kind == wire.KindUserSync {
			identifyTimer.Stop()
			_ = c.conn.SetReadDeadline(time.Time{})
		} else if !c.IsIdentified() {
			c.closeWithCode(CloseNotIdentified, "must sync before any other frame")
			return
		}

		if err := c.hub.dispatch(c, frame); err != nil {
			c.log.Debug().Err(err).Str("kind", frame.Kind.String()).Msg("dispatch failed")
			c.closeWithCode(CloseUnknownKind, err.Error())
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection, draining
// any buffered frames once done is closed so a client sees everything queued for it
// before the connection actually closes.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue queues msg for delivery to the client. A full send buffer closes the
// connection rather than blocking the hub on a slow reader.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Str("user_id", c.UserID()).Msg("send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.closeSend()
	_ = c.conn.Close()
}

// rateLimited reports whether the connection has exceeded the configured per-window
// message rate, reusing the fixed-window counter uncord's Client.rateLimited uses.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := c.hub.rateLimitWindow
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.rateLimitCount
}
