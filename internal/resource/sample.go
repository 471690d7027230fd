// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resource samples host and per-process CPU and memory usage.
package resource

import (
	"context"
	"errors"
	"time"
)

// ErrProcessGone is returned when sampling a pid that no longer exists.
var ErrProcessGone = errors.New("process gone")

// HostSample is a point-in-time view of host utilisation.
type HostSample struct {
	At             time.Time `json:"at"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRatio    float64   `json:"memory_ratio"`
	MemTotalMB     float64   `json:"mem_total_mb"`
	MemAvailableMB float64   `json:"mem_available_mb"`
}

// ProcessSample is a point-in-time view of one process.
type ProcessSample struct {
	At         time.Time `json:"at"`
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSMB      float64   `json:"rss_mb"`
}

// HostSampler reads host-wide utilisation.
type HostSampler interface {
	SampleHost(ctx context.Context) (HostSample, error)
}

// ProcessSampler reads per-process utilisation. Implementations may keep
// per-pid state between calls; Forget releases it.
type ProcessSampler interface {
	SampleProcess(pid int) (ProcessSample, error)
	Forget(pid int)
}

// Ring keeps the last N samples of a process, oldest first.
type Ring struct {
	buf  []ProcessSample
	next int
	full bool
}

// NewRing returns a ring holding at most size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]ProcessSample, size)}
}

// Add appends s, evicting the oldest sample when full.
func (r *Ring) Add(s ProcessSample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Samples returns a copy of the retained samples, oldest first.
func (r *Ring) Samples() []ProcessSample {
	if !r.full {
		return append([]ProcessSample(nil), r.buf[:r.next]...)
	}
	out := make([]ProcessSample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Last returns the newest sample.
func (r *Ring) Last() (ProcessSample, bool) {
	if !r.full && r.next == 0 {
		return ProcessSample{}, false
	}
	i := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[i], true
}
