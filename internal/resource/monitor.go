// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resource

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/barrierd/internal/bus"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
	"github.com/rs/zerolog"
)

// TopicWarning carries a Warning whenever host memory crosses the warn ratio.
const TopicWarning = "resource.warning"

const (
	defaultSampleInterval = 30 * time.Second
	defaultWarnRatio      = 0.8
	publishTimeout        = time.Second
)

// Warning is published on TopicWarning. It is informational only.
type Warning struct {
	MemoryRatio float64
	CPUPercent  float64
	At          time.Time
}

// Monitor periodically samples the host, independent of any session.
type Monitor struct {
	sampler   HostSampler
	publisher bus.Publisher
	interval  time.Duration
	warnRatio atomic.Uint64 // float64 bits
	logger    zerolog.Logger

	mu      sync.RWMutex
	last    HostSample
	hasLast bool
}

// NewMonitor builds a monitor. publisher may be nil when nobody listens.
func NewMonitor(sampler HostSampler, publisher bus.Publisher, interval time.Duration, warnRatio float64) *Monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	m := &Monitor{
		sampler:   sampler,
		publisher: publisher,
		interval:  interval,
		logger:    log.WithComponent("resource"),
	}
	m.SetWarnRatio(warnRatio)
	return m
}

// SetWarnRatio changes the memory ratio above which warnings are published.
func (m *Monitor) SetWarnRatio(ratio float64) {
	if ratio <= 0 || ratio > 1 {
		ratio = defaultWarnRatio
	}
	m.warnRatio.Store(math.Float64bits(ratio))
}

func (m *Monitor) warn() float64 {
	return math.Float64frombits(m.warnRatio.Load())
}

// Sample takes a point-in-time host sample and records it as the latest.
func (m *Monitor) Sample(ctx context.Context) (HostSample, error) {
	s, err := m.sampler.SampleHost(ctx)
	if err != nil {
		return HostSample{}, err
	}
	m.mu.Lock()
	m.last, m.hasLast = s, true
	m.mu.Unlock()
	metrics.SetHostSample(s.CPUPercent, s.MemoryRatio)
	return s, nil
}

// Last returns the most recent sample taken by Sample or Run.
func (m *Monitor) Last() (HostSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

// Run samples immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	s, err := m.Sample(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldEvent, "resource.sample_failed").Msg("host sample failed")
		return
	}
	if s.MemoryRatio <= m.warn() {
		return
	}

	metrics.ResourceWarningsTotal.Inc()
	m.logger.Warn().
		Str(log.FieldEvent, "resource.memory_high").
		Float64(log.FieldMemoryRatio, s.MemoryRatio).
		Float64(log.FieldCPUPercent, s.CPUPercent).
		Msg("host memory above warning ratio")

	if m.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := m.publisher.Publish(pctx, TopicWarning, Warning{
		MemoryRatio: s.MemoryRatio,
		CPUPercent:  s.CPUPercent,
		At:          s.At,
	})
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "resource.warning_undelivered").
			Str("topic", TopicWarning).
			Msg("memory warning not delivered")
	}
}
