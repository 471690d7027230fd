// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuGH/barrierd/internal/bus"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
	"github.com/ManuGH/barrierd/internal/resource"
	"github.com/ManuGH/barrierd/internal/signaling"
	"github.com/ManuGH/barrierd/internal/supervisor"
)

// Run consumes supervisor and host events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, b bus.Bus) error {
	topics := []string{supervisor.TopicDied, supervisor.TopicBackpressure, resource.TopicWarning}
	subs := make([]bus.Subscriber, 0, len(topics))
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()
	for _, topic := range topics {
		sub, err := b.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-subs[0].C():
			if ev, ok := msg.(supervisor.Event); ok {
				o.handleDied(ctx, ev)
			}
		case msg := <-subs[1].C():
			if ev, ok := msg.(supervisor.Event); ok {
				o.handleBackpressure(ev)
			}
		case msg := <-subs[2].C():
			if w, ok := msg.(resource.Warning); ok {
				o.handleWarning(w)
			}
		}
	}
}

func deviceOf(entityID string) (string, bool) {
	if !strings.HasPrefix(entityID, relayPrefix) {
		return "", false
	}
	return strings.TrimPrefix(entityID, relayPrefix), true
}

// handleDied closes every fallback session of the device whose relay died.
func (o *Orchestrator) handleDied(ctx context.Context, ev supervisor.Event) {
	deviceID, ok := deviceOf(ev.EntityID)
	if !ok {
		return
	}
	o.mu.Lock()
	var victims []*Session
	for _, s := range o.byCred {
		if s.deviceID == deviceID {
			victims = append(victims, s)
		}
	}
	o.mu.Unlock()

	o.logger.Warn().
		Str(log.FieldDeviceID, deviceID).
		Str(log.FieldRole, string(ev.Role)).
		Int(log.FieldExitCode, ev.ExitCode).
		Int("sessions", len(victims)).
		Str(log.FieldEvent, "session.relay_died").
		Msg("relay process died, closing fallback sessions")
	metrics.RecordFallback("process_died")

	for _, s := range victims {
		if err := o.close(ctx, s, ReasonProcessDied); err != nil {
			o.logger.Warn().Err(err).Str(log.FieldSessionID, s.id).Msg("close after relay death failed")
			continue
		}
		if s.room != "" {
			o.announceEnded(s.room, ReasonProcessDied, ev.Role)
		}
	}
}

type pausePayload struct {
	Reason     string  `json:"reason"`
	Role       string  `json:"role"`
	Resource   string  `json:"resource"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSMB      float64 `json:"rss_mb"`
}

// handleBackpressure tells the device's rooms to pause; devices without a
// room (REST sessions) get a host-wide broadcast.
func (o *Orchestrator) handleBackpressure(ev supervisor.Event) {
	deviceID, ok := deviceOf(ev.EntityID)
	if !ok {
		return
	}
	out := o.broadcaster()
	if out == nil {
		return
	}
	payload := pausePayload{
		Reason:     "resource_limit",
		Role:       string(ev.Role),
		Resource:   ev.Reason,
		CPUPercent: ev.CPUPercent,
		RSSMB:      ev.RSSMB,
	}

	rooms := map[string]struct{}{}
	for _, v := range o.active(deviceID, false) {
		if v.Room != "" {
			rooms[v.Room] = struct{}{}
		}
	}
	if len(rooms) == 0 {
		out.BroadcastAll(signaling.EventRustDeskPause, payload)
		return
	}
	for room := range rooms {
		out.Broadcast(room, signaling.EventRustDeskPause, payload, "")
	}
}

func (o *Orchestrator) handleWarning(w resource.Warning) {
	out := o.broadcaster()
	if out == nil {
		return
	}
	out.BroadcastAll(signaling.EventResourceWarning, map[string]float64{
		"ram": w.MemoryRatio,
		"cpu": w.CPUPercent,
	})
}
