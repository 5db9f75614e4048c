package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/beingfastian/APD-Listener-Tool/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	configAckTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
	sendQueueSize    = 64
)

// WSChannel speaks the live session protocol over a gorilla websocket.
// One writer goroutine drains a single send queue, which is what keeps
// audio and control frames in send order.
type WSChannel struct {
	serverURL string
	logger    *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sendQueue chan outgoing
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	connected bool
	sessionID string
}

type outgoing struct {
	binary  []byte
	control *wire.ClientMessage
}

func NewWSChannel(serverURL string, logger *log.Logger) *WSChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &WSChannel{
		serverURL: serverURL,
		logger:    logger,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

// Connect dials the session endpoint, retrying the handshake once, and
// completes the config exchange before returning. Nothing else is ever
// retried automatically.
func (c *WSChannel) Connect(ctx context.Context, cfg SessionConfig) error {
	wsURL, err := sessionURL(c.serverURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		c.logger.Warn("dial failed, retrying once", "error", err)
		conn, _, err = dialer.DialContext(ctx, wsURL, http.Header{})
		if err != nil {
			return fmt.Errorf("connect to session endpoint: %w", err)
		}
	}

	if err := conn.WriteJSON(wire.Config(
		cfg.SampleRateHz, cfg.Channels, cfg.SliceIntervalMs)); err != nil {
		conn.Close()
		return fmt.Errorf("send config: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(configAckTimeout))
	var ack wire.ServerMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("await config ack: %w", err)
	}
	if ack.Type == wire.TypeError {
		conn.Close()
		return fmt.Errorf("session refused: %s (%s)", ack.Message, ack.Code)
	}
	if ack.Type != wire.TypeConfigAck {
		conn.Close()
		return fmt.Errorf("unexpected frame %q before config ack", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ack.SessionID
	c.sendQueue = make(chan outgoing, sendQueueSize)
	c.connected = true
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)

	c.logger.Info("session connected", "session", ack.SessionID)
	return nil
}

func (c *WSChannel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *WSChannel) SendAudio(data []byte) error {
	return c.enqueue(outgoing{binary: data})
}

func (c *WSChannel) SendControl(msg wire.ClientMessage) error {
	return c.enqueue(outgoing{control: &msg})
}

func (c *WSChannel) enqueue(out outgoing) error {
	c.mu.Lock()
	connected := c.connected
	queue := c.sendQueue
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("channel not connected")
	}
	select {
	case queue <- out:
		return nil
	case <-c.done:
		return fmt.Errorf("channel closed")
	default:
		// A stalled socket must not stall the caller; slices are safe
		// in the controller's local buffer regardless.
		return fmt.Errorf("send queue full")
	}
}

func (c *WSChannel) Events() <-chan Event {
	return c.events
}

func (c *WSChannel) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				c.logger.Error("keepalive ping", "error", err)
				return
			}
		case out := <-c.sendQueue:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if out.control != nil {
				err = conn.WriteJSON(*out.control)
			} else {
				err = conn.WriteMessage(websocket.BinaryMessage, out.binary)
			}
			if err != nil {
				c.logger.Error("socket write", "error", err)
				return
			}
		}
	}
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Deliberate close, not a drop.
			default:
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Error("connection dropped", "error", err)
				}
				c.deliver(Event{Kind: EventDropped, Err: err})
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := wire.ParseServer(data)
		if err != nil {
			// Malformed server frames must not kill the session.
			c.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		if event, ok := eventFromServer(msg); ok {
			c.deliver(event)
		}
	}
}

func (c *WSChannel) deliver(event Event) {
	select {
	case c.events <- event:
	case <-c.done:
	}
}

// Close sends a normal close frame and tears the socket down. Safe to
// call repeatedly and before Connect.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline)
			_ = conn.Close()
		}
	})
	return nil
}

func sessionURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/session"
	return u.String(), nil
}
