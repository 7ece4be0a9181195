package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	protocolVersion = 1
	sendBuffer      = 256
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxInboundBytes = 64 * 1024
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Envelope frames every outbound message.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is a command sent by the front end.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one front-end websocket. It satisfies session.Channel: Emit queues
// the message for a single writer goroutine and never blocks on the network.
type Conn struct {
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger

	seq       atomic.Int64
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(c *websocket.Conn, logger zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		conn:   c,
		logger: logger.With().Str("channel_id", id).Logger(),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Emit frames payload as event and queues it. A full buffer closes the
// connection rather than stalling the caller.
func (c *Conn) Emit(event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		V:       protocolVersion,
		Type:    event,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Seq:     c.seq.Add(1),
		Payload: payloadBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.logger.Warn().Str("event", event).Msg("send buffer full, closing connection")
		c.Close()
		return ErrSlowConsumer
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes what was queued before Close, best effort.
func (c *Conn) drain() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop calls handle for every well-formed command until the peer goes
// away or the connection is closed.
func (c *Conn) readLoop(handle func(Inbound)) {
	defer c.Close()

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil || in.Type == "" {
			c.logger.Debug().Msg("ignoring malformed message")
			continue
		}
		handle(in)
	}
}
