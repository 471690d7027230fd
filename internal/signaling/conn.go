// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
)

// Conn is one signaling client. Inbound frames are handled in order by its
// read loop; outbound frames go through a bounded FIFO drained by a single
// writer, so a slow client never blocks the sender.
type Conn struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	token   string
	out     chan []byte
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.RWMutex
	identity string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(h *Hub, id string, ws *websocket.Conn, token string) *Conn {
	return &Conn{
		id:      id,
		hub:     h,
		ws:      ws,
		token:   token,
		out:     make(chan []byte, h.opts.OutboundQueue),
		limiter: rate.NewLimiter(rate.Limit(h.opts.FrameRate), h.opts.FrameBurst),
		logger:  h.logger.With().Str(log.FieldConnID, id).Logger(),
		closed:  make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated identity, empty before authenticate.
func (c *Conn) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) setIdentity(id string) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Conn) peer() Peer {
	return Peer{ConnID: c.id, Identity: c.Identity()}
}

func (c *Conn) send(event string, payload any) bool {
	frame, err := encode(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("encode frame")
		return false
	}
	return c.enqueue(frame)
}

func (c *Conn) sendError(code, msg string) {
	c.send(EventError, ErrorPayload{Code: code, Message: msg})
}

// enqueue queues frame without blocking. A full queue disconnects the client.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		metrics.SignalingSlowConsumerTotal.Inc()
		c.logger.Warn().Int("queue", cap(c.out)).Msg("outbound queue full, disconnecting slow consumer")
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) pongWait() time.Duration {
	return c.hub.opts.PingInterval*2 + c.hub.opts.WriteTimeout
}

func (c *Conn) readLoop() {
	defer c.hub.wg.Done()
	defer func() {
		c.close()
		c.hub.disconnect(c)
	}()

	c.ws.SetReadLimit(c.hub.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("signaling read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))

		if !c.limiter.Allow() {
			metrics.RecordSignalingMessage("frame", "rate_limited")
			c.logger.Debug().Msg("frame rate limited")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			metrics.RecordSignalingMessage("frame", "invalid")
			c.sendError("invalid_payload", "frame must be {\"event\":...,\"data\":...}")
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *Conn) writeLoop() {
	defer c.hub.wg.Done()
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case <-c.closed:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case frame := <-c.out:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("signaling write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// drain flushes frames queued before close, such as a final error, within
// one write deadline.
func (c *Conn) drain() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}
