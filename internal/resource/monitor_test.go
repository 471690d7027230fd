// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resource

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/barrierd/internal/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHost struct {
	mu      sync.Mutex
	samples []HostSample
	err     error
	calls   int
}

func (f *fakeHost) SampleHost(context.Context) (HostSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return HostSample{}, f.err
	}
	s := f.samples[0]
	if len(f.samples) > 1 {
		f.samples = f.samples[1:]
	}
	return s, nil
}

func (f *fakeHost) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestMonitorPublishesWarningAboveRatio(t *testing.T) {
	b := bus.NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), TopicWarning)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	host := &fakeHost{samples: []HostSample{
		{MemoryRatio: 0.5},
		{MemoryRatio: 0.9, CPUPercent: 12},
	}}
	m := NewMonitor(host, b, time.Hour, 0.8)

	m.tick(context.Background())
	assert.Empty(t, sub.C(), "no warning below ratio")

	m.tick(context.Background())
	select {
	case msg := <-sub.C():
		w, ok := msg.(Warning)
		require.True(t, ok)
		assert.Equal(t, 0.9, w.MemoryRatio)
	case <-time.After(time.Second):
		t.Fatal("expected warning")
	}

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, 0.9, last.MemoryRatio)
}

type refusingPublisher struct{}

func (refusingPublisher) Publish(context.Context, string, bus.Message) error {
	return errors.New("subscriber queue full")
}

func TestMonitorLogsUndeliveredWarning(t *testing.T) {
	var buf bytes.Buffer
	m := NewMonitor(&fakeHost{samples: []HostSample{{MemoryRatio: 0.95}}}, refusingPublisher{}, time.Hour, 0.8)
	m.logger = zerolog.New(&buf)

	m.tick(context.Background())

	out := buf.String()
	assert.Contains(t, out, `"event":"resource.warning_undelivered"`)
	assert.Contains(t, out, "subscriber queue full")
	_, ok := m.Last()
	assert.True(t, ok, "sample kept even when the warning is lost")
}

func TestMonitorRunSamplesImmediatelyAndStops(t *testing.T) {
	host := &fakeHost{samples: []HostSample{{MemoryRatio: 0.1}}}
	m := NewMonitor(host, nil, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return host.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestMonitorSampleErrorKeepsLast(t *testing.T) {
	host := &fakeHost{err: errors.New("boom")}
	m := NewMonitor(host, nil, time.Hour, 0.8)

	_, err := m.Sample(context.Background())
	require.Error(t, err)
	m.tick(context.Background())

	_, ok := m.Last()
	assert.False(t, ok)
}

func TestMonitorSetWarnRatioRejectsOutOfRange(t *testing.T) {
	m := NewMonitor(&fakeHost{}, nil, 0, 2)
	assert.Equal(t, defaultWarnRatio, m.warn())
	m.SetWarnRatio(0.5)
	assert.Equal(t, 0.5, m.warn())
	assert.Equal(t, defaultSampleInterval, m.interval)
}
