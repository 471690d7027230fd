// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package signaling relays WebRTC negotiation frames between the members of
// a room over websockets and hands negotiation failures to a Listener.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/auth"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
)

// Peer identifies the connection an event came from.
type Peer struct {
	ConnID   string
	Identity string
}

// Listener receives room lifecycle events. Calls for one connection are
// made sequentially from its read loop.
type Listener interface {
	OnJoin(ctx context.Context, p Peer, room string)
	OnNegotiationFailed(ctx context.Context, p Peer, room string)
	// OnLeave reports the rooms p left and which of them are now empty.
	OnLeave(ctx context.Context, p Peer, left, emptied []string)
}

type nopListener struct{}

func (nopListener) OnJoin(context.Context, Peer, string)              {}
func (nopListener) OnNegotiationFailed(context.Context, Peer, string) {}
func (nopListener) OnLeave(context.Context, Peer, []string, []string) {}

// Options configures a Hub.
type Options struct {
	ICEServers      []webrtc.ICEServer
	OutboundQueue   int
	FrameRate       float64
	FrameBurst      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	Verifier        *auth.Verifier
}

func (o *Options) applyDefaults() {
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 64
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 50
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 100
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Verifier == nil {
		o.Verifier = auth.NewVerifier(nil)
	}
}

// Hub owns every signaling connection and the room table.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	rooms    *Rooms
	logger   zerolog.Logger
	ctx      context.Context

	mu       sync.RWMutex
	conns    map[string]*Conn
	listener Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewHub returns a hub. Attach the session layer with SetListener.
func NewHub(opts Options) *Hub {
	opts.applyDefaults()
	return &Hub{
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		rooms:    NewRooms(),
		logger:   log.WithComponent("signaling"),
		ctx:      context.Background(),
		conns:    make(map[string]*Conn),
		listener: nopListener{},
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// SetListener installs l. A nil listener discards events.
func (h *Hub) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

func (h *Hub) currentListener() Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listener
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str(log.FieldRemoteAddr, r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h, uuid.NewString(), ws, auth.ExtractToken(r, true))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	h.mu.Unlock()
	metrics.SignalingConnections.Inc()

	c.logger.Info().Str(log.FieldRemoteAddr, r.RemoteAddr).Msg("signaling connection opened")
	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) dispatch(c *Conn, env Envelope) {
	switch env.Event {
	case EventAuthenticate:
		h.authenticate(c, env.Data)
	case EventJoinRoom:
		room, ok := h.requireRoom(c, env)
		if !ok {
			return
		}
		if c.Identity() == "" {
			c.sendError("unauthenticated", "authenticate before joining a room")
			metrics.RecordSignalingMessage(env.Event, "unauthenticated")
			return
		}
		h.Join(c, room)
	case EventLeaveRoom:
		room, ok := h.requireRoom(c, env)
		if !ok {
			return
		}
		h.leaveRoom(c, room)
	case EventOffer, EventAnswer, EventICECandidate:
		room, ok := h.requireRoom(c, env)
		if !ok {
			return
		}
		h.Relay(env.Event, room, c, env.Data)
	case EventICEFailed:
		room, ok := h.requireRoom(c, env)
		if !ok {
			return
		}
		if c.Identity() == "" {
			c.sendError("unauthenticated", "authenticate before requesting fallback")
			metrics.RecordSignalingMessage(env.Event, "unauthenticated")
			return
		}
		metrics.RecordSignalingMessage(env.Event, "accepted")
		c.logger.Info().Str(log.FieldRoom, room).Str(log.FieldEvent, "signaling.ice_failed").Msg("negotiation failed")
		h.currentListener().OnNegotiationFailed(h.ctx, c.peer(), room)
	default:
		metrics.RecordSignalingMessage("unknown", "rejected")
		c.sendError("unknown_event", env.Event)
	}
}

func (h *Hub) requireRoom(c *Conn, env Envelope) (string, bool) {
	room, err := roomOf(env.Data)
	if err != nil {
		metrics.RecordSignalingMessage(env.Event, "invalid")
		c.logger.Debug().Str(log.FieldEvent, env.Event).Msg("frame without room rejected")
		c.sendError("invalid_payload", env.Event+": room is required")
		return "", false
	}
	return room, true
}

func (h *Hub) authenticate(c *Conn, data json.RawMessage) {
	var p authenticatePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			c.sendError("invalid_payload", "authenticate: malformed")
			c.close()
			return
		}
	}
	token := p.Token
	if token == "" {
		token = c.token
	}
	principal, err := h.opts.Verifier.Authenticate(token, p.DID)
	if err != nil {
		metrics.RecordSignalingMessage(EventAuthenticate, "rejected")
		c.logger.Warn().Err(err).Msg("authentication rejected")
		code := "unauthenticated"
		if errors.Is(err, auth.ErrForbidden) {
			code = "forbidden"
		}
		c.sendError(code, err.Error())
		c.close()
		return
	}
	c.setIdentity(principal.ID)
	metrics.RecordSignalingMessage(EventAuthenticate, "accepted")
	c.send(EventAuthenticated, map[string]any{"success": true, "did": principal.ID})
}

// Join adds c to room, replies with the ICE configuration and notifies the listener.
func (h *Hub) Join(c *Conn, room string) {
	fresh := h.rooms.Join(c.id, room)
	metrics.SignalingRooms.Set(float64(h.rooms.Len()))
	metrics.RecordSignalingMessage(EventJoinRoom, "accepted")
	c.send(EventJoined, JoinedPayload{Room: room, ICEServers: h.opts.ICEServers})
	if fresh {
		c.logger.Debug().Str(log.FieldRoom, room).Msg("joined room")
		h.currentListener().OnJoin(h.ctx, c.peer(), room)
	}
}

func (h *Hub) leaveRoom(c *Conn, room string) {
	left, emptied := h.rooms.LeaveRoom(c.id, room)
	if !left {
		return
	}
	metrics.SignalingRooms.Set(float64(h.rooms.Len()))
	var gone []string
	if emptied {
		gone = []string{room}
	}
	h.currentListener().OnLeave(h.ctx, c.peer(), []string{room}, gone)
}

// Relay forwards data to every other member of room under the relayed name
// of kind. It returns the number of recipients.
func (h *Hub) Relay(kind, room string, sender *Conn, data json.RawMessage) int {
	name, ok := relayedAs[kind]
	if !ok {
		name = kind
	}
	n := h.Broadcast(room, name, data, sender.id)
	if n == 0 {
		metrics.RecordSignalingMessage(kind, "no_recipients")
		sender.logger.Debug().Str(log.FieldRoom, room).Str(log.FieldEvent, kind).Msg("relay with no recipients")
		return 0
	}
	metrics.RecordSignalingMessage(kind, "relayed")
	return n
}

// Broadcast sends event to every member of room except the connection
// with id except. It returns the number of recipients queued.
func (h *Hub) Broadcast(room, event string, payload any, except string) int {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("encode broadcast")
		return 0
	}
	n := 0
	for _, id := range h.rooms.Members(room, except) {
		if c := h.conn(id); c != nil && c.enqueue(frame) {
			n++
		}
	}
	return n
}

// BroadcastAll sends event to every open connection.
func (h *Hub) BroadcastAll(event string, payload any) int {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("encode broadcast")
		return 0
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// SendTo sends event to one connection.
func (h *Hub) SendTo(connID, event string, payload any) bool {
	c := h.conn(connID)
	if c == nil {
		return false
	}
	return c.send(event, payload)
}

// Stats returns the open connection and live room counts.
func (h *Hub) Stats() (conns, rooms int) {
	h.mu.RLock()
	conns = len(h.conns)
	h.mu.RUnlock()
	return conns, h.rooms.Len()
}

func (h *Hub) conn(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// disconnect runs once per connection after its read loop ends.
func (h *Hub) disconnect(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.SignalingConnections.Dec()

	left, emptied := h.rooms.Leave(c.id)
	metrics.SignalingRooms.Set(float64(h.rooms.Len()))
	c.logger.Info().Strs("rooms", left).Msg("signaling connection closed")
	h.currentListener().OnLeave(h.ctx, c.peer(), left, emptied)
}

// Close stops accepting connections, closes every open one and waits for
// their loops to finish.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
