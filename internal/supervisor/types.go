// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/barrierd/internal/resource"
)

var (
	// ErrAlreadyRunning is returned by Start when the entity already has a group.
	// Callers that only need the group to exist may treat it as success.
	ErrAlreadyRunning = errors.New("process group already running")

	// ErrBinaryNotFound is returned when an executable cannot be resolved.
	// It is not retried.
	ErrBinaryNotFound = errors.New("binary not found")

	// ErrClosed is returned by Start once Close has begun.
	ErrClosed = errors.New("supervisor closed")
)

// Role names the function of a supervised process.
type Role string

const (
	RoleDirectoryServer Role = "directory-server"
	RoleRelayServer     Role = "relay-server"
	RoleEmulatedDevice  Role = "emulated-device"
)

// Policy selects how a group reacts to resource pressure.
type Policy int

const (
	// PolicyAdvisory publishes backpressure events and never kills.
	PolicyAdvisory Policy = iota
	// PolicyEnforce tears the group down when CPU crosses the hard limit.
	PolicyEnforce
)

func (p Policy) String() string {
	if p == PolicyEnforce {
		return "enforce"
	}
	return "advisory"
}

// Releaser is told when a group's entity stops running, whatever the cause.
type Releaser interface {
	Release(ctx context.Context, entityID string)
}

// ProcessSpec describes one process of a group.
type ProcessSpec struct {
	Role   Role
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// GroupSpec is a set of processes supervised together for one entity.
type GroupSpec struct {
	EntityID  string
	Processes []ProcessSpec
	Policy    Policy
	Releaser  Releaser
}

// Limits are the resource thresholds evaluated on every sample.
type Limits struct {
	SoftCPUPercent float64
	SoftRSSMB      float64
	HardCPUPercent float64
}

// Topics published by the supervisor. All carry an Event.
const (
	TopicDied         = "process.died"
	TopicBackpressure = "process.backpressure"
	TopicKilled       = "process.killed"
)

// Event describes something that happened to a supervised group.
type Event struct {
	EntityID   string
	Role       Role
	Reason     string
	CPUPercent float64
	RSSMB      float64
	ExitCode   int
	Stderr     []string
	At         time.Time
}

// ProcessStatus is a point-in-time view of one supervised process.
type ProcessStatus struct {
	Role    Role                     `json:"role"`
	PID     int                      `json:"pid"`
	Running bool                     `json:"running"`
	Samples []resource.ProcessSample `json:"samples"`
	Stderr  []string                 `json:"stderr,omitempty"`
}

// GroupStatus is a point-in-time view of a supervised group.
type GroupStatus struct {
	EntityID  string          `json:"entity_id"`
	Policy    string          `json:"policy"`
	StartedAt time.Time       `json:"started_at"`
	Processes []ProcessStatus `json:"processes"`
}
