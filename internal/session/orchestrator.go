// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session drives remote-control sessions from negotiation to the
// relay fallback and owns the fallback credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/barrierd/internal/fsm"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
	"github.com/ManuGH/barrierd/internal/platform/keylock"
	"github.com/ManuGH/barrierd/internal/signaling"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/supervisor"
	"github.com/ManuGH/barrierd/internal/telemetry"
)

// State is the lifecycle state of a session.
type State string

const (
	StateNegotiating State = "negotiating"
	StateFallback    State = "fallback"
	StateClosed      State = "closed"
)

type event string

const (
	evFail event = "negotiation_failed"
	evStop event = "stop"
)

// Close reasons.
const (
	ReasonStopped        = "stopped"
	ReasonRoomEmpty      = "room_empty"
	ReasonOwnerLeft      = "owner_disconnected"
	ReasonProcessDied    = "process_died"
	ReasonFallbackFailed = "fallback_failed"
	ReasonShutdown       = "shutdown"
)

const (
	relayPrefix     = "relay/"
	closedRetention = 10 * time.Minute
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when a closed session is asked to fall back.
	ErrClosed = errors.New("session closed")
)

var transitions = func() *fsm.Table[State, event] {
	t, err := fsm.NewTable([]fsm.Transition[State, event]{
		{From: StateNegotiating, Event: evFail, To: StateFallback},
		{From: StateNegotiating, Event: evStop, To: StateClosed},
		{From: StateFallback, Event: evStop, To: StateClosed},
	}, StateClosed)
	if err != nil {
		panic(err)
	}
	t.OnTransition = func(from, to State, _ event) {
		metrics.RecordSessionTransition(string(from), string(to))
	}
	return t
}()

// RelayEntityID is the supervisor entity id of a device's relay pair.
func RelayEntityID(deviceID string) string {
	return relayPrefix + deviceID
}

// Supervisor is the part of the process supervisor the orchestrator drives.
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.GroupSpec) error
	Stop(ctx context.Context, entityID string)
	Running(entityID string) bool
	Snapshot(entityID string) (supervisor.GroupStatus, bool)
}

// Broadcaster delivers server-initiated events to signaling clients.
type Broadcaster interface {
	Broadcast(room, event string, payload any, except string) int
	BroadcastAll(event string, payload any) int
	SendTo(connID, event string, payload any) bool
}

// RelayConfig describes how the relay pair is launched.
type RelayConfig struct {
	Dir            string
	Key            string
	DirectoryBin   string
	RelayBin       string
	DirectoryPorts string
	RelayPorts     string
}

// Deps are the orchestrator's collaborators. Recorder and Credentials are optional.
type Deps struct {
	Supervisor  Supervisor
	Broadcaster Broadcaster
	Recorder    store.SessionStore
	Credentials CredentialSource
}

// Session is one remote-control session. Transitions are serialized by mu;
// the remaining mutable fields are guarded by the orchestrator lock.
type Session struct {
	id        string
	deviceID  string
	room      string
	owner     string
	createdAt time.Time
	machine   *fsm.Machine[State, event]
	mu        sync.Mutex

	cred     *Credential
	closedAt time.Time
	reason   string
}

// View is a read-only copy of a session.
type View struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	Room         string     `json:"room,omitempty"`
	State        State      `json:"state"`
	RustDeskID   string     `json:"rustdesk_id,omitempty"`
	Password     string     `json:"password,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ClosedReason string     `json:"closed_reason,omitempty"`
}

// DeviceStatus summarises the relay state of one device.
type DeviceStatus struct {
	DeviceID  string                  `json:"device_id"`
	Running   bool                    `json:"running"`
	Sessions  []View                  `json:"sessions"`
	History   []store.SessionRecord   `json:"history,omitempty"`
	Processes *supervisor.GroupStatus `json:"processes,omitempty"`
}

// Orchestrator owns the session registry.
type Orchestrator struct {
	cfg    RelayConfig
	sup    Supervisor
	out    Broadcaster
	rec    store.SessionStore
	draw   CredentialSource
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	devices keylock.Map

	mu       sync.Mutex
	sessions map[string]*Session
	byRoom   map[string]*Session
	byCred   map[string]*Session
}

// New returns an orchestrator.
func New(cfg RelayConfig, deps Deps) *Orchestrator {
	draw := deps.Credentials
	if draw == nil {
		draw = RandomCredential
	}
	return &Orchestrator{
		cfg:      cfg,
		sup:      deps.Supervisor,
		out:      deps.Broadcaster,
		rec:      deps.Recorder,
		draw:     draw,
		logger:   log.WithComponent("session"),
		tracer:   telemetry.Tracer("barrierd/session"),
		now:      time.Now,
		sessions: make(map[string]*Session),
		byRoom:   make(map[string]*Session),
		byCred:   make(map[string]*Session),
	}
}

// SetBroadcaster attaches the signaling hub after construction.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	o.mu.Lock()
	o.out = b
	o.mu.Unlock()
}

func (o *Orchestrator) broadcaster() Broadcaster {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.out
}

// RelaySpec is the process group launched for a device's fallback.
func (o *Orchestrator) RelaySpec(deviceID string) supervisor.GroupSpec {
	bin := func(name string) string {
		if o.cfg.Dir == "" {
			return name
		}
		return filepath.Join(o.cfg.Dir, name)
	}
	return supervisor.GroupSpec{
		EntityID: RelayEntityID(deviceID),
		Policy:   supervisor.PolicyAdvisory,
		Processes: []supervisor.ProcessSpec{
			{
				Role:   supervisor.RoleDirectoryServer,
				Binary: bin(o.cfg.DirectoryBin),
				Args:   []string{"-k", o.cfg.Key, "-p", o.cfg.DirectoryPorts},
				Dir:    o.cfg.Dir,
			},
			{
				Role:   supervisor.RoleRelayServer,
				Binary: bin(o.cfg.RelayBin),
				Args:   []string{"-k", o.cfg.Key, "-p", o.cfg.RelayPorts},
				Dir:    o.cfg.Dir,
			},
		},
	}
}

func (o *Orchestrator) newSessionLocked(deviceID, room, owner string) *Session {
	now := o.now()
	for id, s := range o.sessions {
		if !s.closedAt.IsZero() && now.Sub(s.closedAt) > closedRetention {
			delete(o.sessions, id)
		}
	}
	s := &Session{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		room:      room,
		owner:     owner,
		createdAt: now,
		machine:   fsm.New(transitions, StateNegotiating),
	}
	o.sessions[s.id] = s
	if room != "" {
		o.byRoom[room] = s
	}
	metrics.RecordSessionTransition("", string(StateNegotiating))
	return s
}

func (o *Orchestrator) create(ctx context.Context, deviceID string) *Session {
	o.mu.Lock()
	s := o.newSessionLocked(deviceID, "", "")
	o.mu.Unlock()
	o.announceCreated(ctx, s)
	return s
}

// roomSession returns the room's live session, opening one for p when the
// room has none. Lookup and insert share one critical section, so
// concurrent joins of a room agree on a single session.
func (o *Orchestrator) roomSession(ctx context.Context, p signaling.Peer, room string) *Session {
	o.mu.Lock()
	s, ok := o.byRoom[room]
	if !ok {
		s = o.newSessionLocked(p.Identity, room, p.ConnID)
	}
	o.mu.Unlock()
	if !ok {
		o.announceCreated(ctx, s)
	}
	return s
}

func (o *Orchestrator) announceCreated(ctx context.Context, s *Session) {
	o.logger.Info().
		Str(log.FieldSessionID, s.id).
		Str(log.FieldDeviceID, s.deviceID).
		Str(log.FieldRoom, s.room).
		Str(log.FieldEvent, "session.created").
		Msg("session created")
	o.record(ctx, s)
}

// OnJoin opens a negotiating session for a room on its first join.
func (o *Orchestrator) OnJoin(ctx context.Context, p signaling.Peer, room string) {
	o.roomSession(ctx, p, room)
}

// OnNegotiationFailed falls the room's session back to the relay and sends
// the credential to the other members of the room.
func (o *Orchestrator) OnNegotiationFailed(ctx context.Context, p signaling.Peer, room string) {
	s := o.roomSession(ctx, p, room)

	cred, err := o.fallback(ctx, s)
	out := o.broadcaster()
	if err != nil {
		o.logger.Error().Err(err).
			Str(log.FieldSessionID, s.id).
			Str(log.FieldRoom, room).
			Msg("fallback failed")
		if out != nil {
			out.SendTo(p.ConnID, signaling.EventError, signaling.ErrorPayload{Code: "fallback_failed", Message: err.Error()})
		}
		return
	}
	if out != nil {
		out.Broadcast(room, signaling.EventUseRustDesk, useRustDesk{
			RustDeskID: cred.RustDeskID,
			Password:   cred.Password,
			Room:       room,
		}, p.ConnID)
	}
}

type useRustDesk struct {
	RustDeskID string `json:"rustdesk_id"`
	Password   string `json:"password"`
	Room       string `json:"room"`
}

// OnLeave stops the sessions of emptied rooms and the fallback sessions the
// departed connection owned.
func (o *Orchestrator) OnLeave(ctx context.Context, p signaling.Peer, _ []string, emptied []string) {
	type target struct {
		s      *Session
		reason string
	}
	var targets []target

	o.mu.Lock()
	for _, room := range emptied {
		if s, ok := o.byRoom[room]; ok {
			targets = append(targets, target{s, ReasonRoomEmpty})
		}
	}
	for _, s := range o.byCred {
		if s.owner == p.ConnID {
			targets = append(targets, target{s, ReasonOwnerLeft})
		}
	}
	o.mu.Unlock()

	for _, t := range targets {
		if err := o.close(ctx, t.s, t.reason); err != nil {
			o.logger.Warn().Err(err).Str(log.FieldSessionID, t.s.id).Msg("close on leave failed")
			continue
		}
		if t.reason == ReasonOwnerLeft && t.s.room != "" {
			o.announceEnded(t.s.room, t.reason, "")
		}
	}
}

// Generate opens a session for deviceID directly in fallback.
func (o *Orchestrator) Generate(ctx context.Context, deviceID string) (View, error) {
	if strings.TrimSpace(deviceID) == "" {
		return View{}, errors.New("device id is required")
	}
	s := o.create(ctx, deviceID)
	if _, err := o.fallback(ctx, s); err != nil {
		_ = o.close(ctx, s, ReasonFallbackFailed)
		return View{}, err
	}
	return o.view(s, true), nil
}

// fallback moves s to fallback, starting the device's relay pair. It is
// idempotent for a session already in fallback.
func (o *Orchestrator) fallback(ctx context.Context, s *Session) (cred Credential, err error) {
	ctx, span := o.tracer.Start(ctx, "session.fallback",
		trace.WithAttributes(telemetry.SessionAttributes(s.id, s.deviceID, "")...))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.machine.State() {
	case StateFallback:
		metrics.RecordFallback("reused")
		o.mu.Lock()
		defer o.mu.Unlock()
		return *s.cred, nil
	case StateClosed:
		return Credential{}, ErrClosed
	}

	cred, err = o.reserve(s)
	if err != nil {
		metrics.RecordFallback("failed")
		return Credential{}, err
	}

	unlock := o.devices.Lock(s.deviceID)
	err = o.sup.Start(ctx, o.RelaySpec(s.deviceID))
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		err = nil
	}
	if err == nil {
		_, err = s.machine.Fire(ctx, evFail)
	}
	unlock()

	if err != nil {
		o.unreserve(s)
		metrics.RecordFallback("failed")
		return Credential{}, fmt.Errorf("start relay for %s: %w", s.deviceID, err)
	}

	metrics.RecordFallback("started")
	o.logger.Info().
		Str(log.FieldSessionID, s.id).
		Str(log.FieldDeviceID, s.deviceID).
		Str(log.FieldRoom, s.room).
		Str("rustdesk_id", cred.RustDeskID).
		Str(log.FieldEvent, "session.fallback").
		Msg("session fell back to relay")
	o.record(ctx, s)
	return cred, nil
}

// reserve draws a credential unused by any active session and binds it to s.
func (o *Orchestrator) reserve(s *Session) (Credential, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < maxDrawAttempts; i++ {
		c, err := o.draw()
		if err != nil {
			return Credential{}, fmt.Errorf("draw credential: %w", err)
		}
		if _, taken := o.byCred[c.RustDeskID]; taken {
			continue
		}
		s.cred = &c
		o.byCred[c.RustDeskID] = s
		return c, nil
	}
	return Credential{}, ErrCredentialSpace
}

func (o *Orchestrator) unreserve(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.cred != nil && o.byCred[s.cred.RustDeskID] == s {
		delete(o.byCred, s.cred.RustDeskID)
	}
	s.cred = nil
}

// Stop closes a session. Stopping a closed session is a no-op, including
// one already pruned from memory but still on record.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if ok {
		return o.close(ctx, s, ReasonStopped)
	}
	if o.rec != nil {
		if _, err := o.rec.GetSession(ctx, sessionID); err == nil {
			return nil
		}
	}
	return ErrNotFound
}

func (o *Orchestrator) close(ctx context.Context, s *Session, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.machine.State()
	if from == StateClosed {
		return nil
	}
	if _, err := s.machine.Fire(ctx, evStop); err != nil {
		return err
	}

	unlock := o.devices.Lock(s.deviceID)
	defer unlock()

	o.mu.Lock()
	if s.room != "" && o.byRoom[s.room] == s {
		delete(o.byRoom, s.room)
	}
	if s.cred != nil && o.byCred[s.cred.RustDeskID] == s {
		delete(o.byCred, s.cred.RustDeskID)
	}
	s.closedAt = o.now()
	s.reason = reason
	lastRelayUser := from == StateFallback && !o.deviceInFallbackLocked(s.deviceID)
	o.mu.Unlock()

	if lastRelayUser {
		o.sup.Stop(ctx, RelayEntityID(s.deviceID))
	}

	o.logger.Info().
		Str(log.FieldSessionID, s.id).
		Str(log.FieldDeviceID, s.deviceID).
		Str(log.FieldOldState, string(from)).
		Str("reason", reason).
		Str(log.FieldEvent, "session.closed").
		Msg("session closed")
	o.record(ctx, s)
	return nil
}

func (o *Orchestrator) deviceInFallbackLocked(deviceID string) bool {
	for _, s := range o.byCred {
		if s.deviceID == deviceID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) announceEnded(room, reason string, role supervisor.Role) {
	out := o.broadcaster()
	if out == nil {
		return
	}
	payload := map[string]string{"room": room, "reason": reason}
	if role != "" {
		payload["role"] = string(role)
	}
	out.Broadcast(room, signaling.EventFallbackEnded, payload, "")
}

// Get returns a session by id.
func (o *Orchestrator) Get(sessionID string) (View, bool) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return View{}, false
	}
	return o.view(s, false), true
}

// LookupCredential returns the active session bound to rustdeskID,
// password included.
func (o *Orchestrator) LookupCredential(rustdeskID string) (View, bool) {
	o.mu.Lock()
	s, ok := o.byCred[rustdeskID]
	o.mu.Unlock()
	if !ok {
		return View{}, false
	}
	return o.view(s, true), true
}

// ActiveFallback returns the newest fallback session of deviceID.
func (o *Orchestrator) ActiveFallback(deviceID string) (View, bool) {
	views := o.active(deviceID, true)
	if len(views) == 0 {
		return View{}, false
	}
	return views[len(views)-1], true
}

// active lists the non-closed sessions of deviceID, oldest first.
func (o *Orchestrator) active(deviceID string, fallbackOnly bool) []View {
	o.mu.Lock()
	var picked []*Session
	for _, s := range o.sessions {
		if s.deviceID != deviceID || !s.closedAt.IsZero() {
			continue
		}
		if fallbackOnly && s.cred == nil {
			continue
		}
		picked = append(picked, s)
	}
	o.mu.Unlock()

	views := make([]View, 0, len(picked))
	for _, s := range picked {
		v := o.view(s, fallbackOnly)
		if v.State != StateClosed {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// Status reports the relay state and sessions of deviceID.
func (o *Orchestrator) Status(ctx context.Context, deviceID string) (DeviceStatus, error) {
	st := DeviceStatus{
		DeviceID: deviceID,
		Running:  o.sup.Running(RelayEntityID(deviceID)),
		Sessions: o.active(deviceID, false),
	}
	if g, ok := o.sup.Snapshot(RelayEntityID(deviceID)); ok {
		st.Processes = &g
	}
	if o.rec != nil {
		hist, err := o.rec.ListSessions(ctx, deviceID)
		if err != nil {
			return st, fmt.Errorf("list sessions: %w", err)
		}
		st.History = hist
	}
	return st, nil
}

func (o *Orchestrator) view(s *Session, withSecret bool) View {
	state := s.machine.State()
	o.mu.Lock()
	defer o.mu.Unlock()
	v := View{
		ID:           s.id,
		DeviceID:     s.deviceID,
		Room:         s.room,
		State:        state,
		CreatedAt:    s.createdAt,
		ClosedReason: s.reason,
	}
	if s.cred != nil {
		v.RustDeskID = s.cred.RustDeskID
		if withSecret && state == StateFallback {
			v.Password = s.cred.Password
		}
	}
	if !s.closedAt.IsZero() {
		t := s.closedAt
		v.ClosedAt = &t
	}
	return v
}

func (o *Orchestrator) record(ctx context.Context, s *Session) {
	if o.rec == nil {
		return
	}
	v := o.view(s, false)
	rec := store.SessionRecord{
		ID:           v.ID,
		DeviceID:     v.DeviceID,
		Room:         v.Room,
		State:        string(v.State),
		RustDeskID:   v.RustDeskID,
		CreatedAt:    v.CreatedAt,
		ClosedAt:     v.ClosedAt,
		ClosedReason: v.ClosedReason,
	}
	if err := o.rec.PutSession(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldSessionID, s.id).Msg("session record failed")
	}
}

// Shutdown closes every open session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	var open []*Session
	for _, s := range o.sessions {
		if s.closedAt.IsZero() {
			open = append(open, s)
		}
	}
	o.mu.Unlock()
	for _, s := range open {
		if err := o.close(ctx, s, ReasonShutdown); err != nil {
			o.logger.Warn().Err(err).Str(log.FieldSessionID, s.id).Msg("close on shutdown failed")
		}
	}
}
