// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store persists runnable entities and the session audit trail.
package store

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Kind distinguishes environments from emulators.
type Kind string

const (
	KindEnvironment Kind = "environment"
	KindEmulator    Kind = "emulator"

	// KindAny makes RunningMB sum over every kind.
	KindAny Kind = ""
)

// Kinds lists the concrete kinds in display order.
var Kinds = []Kind{KindEnvironment, KindEmulator}

// Status is the lifecycle status of an entity.
type Status string

const (
	StatusAvailable Status = "available"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Entity is a runnable catalog item whose memory requirement counts against
// the admission budget while it is running.
type Entity struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Name       string    `json:"name"`
	Icon       string    `json:"icon,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Version    string    `json:"version,omitempty"`
	RequiredMB int       `json:"ram_required"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionRecord is the persisted view of a remote-control session.
// Fallback passwords are never stored.
type SessionRecord struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	Room         string     `json:"room,omitempty"`
	State        string     `json:"state"`
	RustDeskID   string     `json:"rustdesk_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ClosedReason string     `json:"closed_reason,omitempty"`
}

// EntityStore is the catalog of runnable entities.
type EntityStore interface {
	CreateEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, id string) (Entity, error)
	ListEntities(ctx context.Context, kind Kind) ([]Entity, error)
	SetStatus(ctx context.Context, id string, status Status) error
	RunningMB(ctx context.Context, kind Kind) (int, error)
}

// SessionStore records session lifecycle changes.
type SessionStore interface {
	PutSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context, deviceID string) ([]SessionRecord, error)
}

// Store combines both stores.
type Store interface {
	EntityStore
	SessionStore
	Close() error
}

// DBFile is the database file name inside the data directory.
const DBFile = "barrierd.sqlite"

// Open returns a SQLite store under dataDir, or an in-memory store when
// dataDir is empty.
func Open(ctx context.Context, dataDir string) (Store, error) {
	if dataDir == "" {
		return NewMemoryStore(), nil
	}
	return NewSqliteStore(ctx, filepath.Join(dataDir, DBFile))
}
