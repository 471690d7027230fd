// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package admission enforces the host memory budget for runnable entities.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInsufficientResources rejects a start that would exceed the budget.
// State is left unchanged.
var ErrInsufficientResources = errors.New("insufficient resources")

// Reason labels admission outcomes for metrics and logs.
type Reason string

const (
	ReasonAdmitted       Reason = "admitted"
	ReasonAlreadyRunning Reason = "already_running"
	ReasonBudgetExceeded Reason = "insufficient_memory"
	ReasonInternalErr    Reason = "internal_error"
)

// Ledger is the persisted entity status table the controller reads and writes.
type Ledger interface {
	GetEntity(ctx context.Context, id string) (store.Entity, error)
	SetStatus(ctx context.Context, id string, status store.Status) error
	RunningMB(ctx context.Context, kind store.Kind) (int, error)
}

// Usage reports what one kind of entity consumes out of the shared budget.
type Usage struct {
	Pool     store.Kind `json:"pool"`
	UsedMB   int        `json:"used_mb"`
	BudgetMB int        `json:"budget_mb"`
}

// Controller admits environments and emulators against one host memory
// budget. The check and the status write happen in one critical section, so
// concurrent starts of any kind can never overshoot the budget.
type Controller struct {
	ledger   Ledger
	budgetMB int
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu sync.Mutex
}

// New builds the host-wide controller.
func New(ledger Ledger, budgetMB int) *Controller {
	return &Controller{
		ledger:   ledger,
		budgetMB: budgetMB,
		logger:   log.WithComponent("admission"),
		tracer:   telemetry.Tracer("barrierd/admission"),
	}
}

// BudgetMB returns the host budget.
func (c *Controller) BudgetMB() int { return c.budgetMB }

// TryAdmit marks entityID running if its requirement fits the remaining budget.
// Admitting an entity that is already running succeeds without side effects.
func (c *Controller) TryAdmit(ctx context.Context, entityID string, requiredMB int) error {
	ctx, span := c.tracer.Start(ctx, "admission.try_admit")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.ledger.GetEntity(ctx, entityID)
	if err != nil {
		metrics.RecordReject(string(ReasonInternalErr))
		return fmt.Errorf("admit %s: %w", entityID, err)
	}
	span.SetAttributes(telemetry.AdmissionAttributes(string(e.Kind), entityID, requiredMB)...)
	if e.Status == store.StatusRunning {
		metrics.RecordAdmit(string(ReasonAlreadyRunning))
		return nil
	}

	used, err := c.ledger.RunningMB(ctx, store.KindAny)
	if err != nil {
		metrics.RecordReject(string(ReasonInternalErr))
		return fmt.Errorf("admit %s: read usage: %w", entityID, err)
	}

	if used+requiredMB > c.budgetMB {
		span.SetAttributes(attribute.String("admission.outcome", string(ReasonBudgetExceeded)))
		metrics.RecordReject(string(ReasonBudgetExceeded))
		c.logger.Info().
			Str(log.FieldEvent, "admission.rejected").
			Str(log.FieldEntityID, entityID).
			Str("kind", string(e.Kind)).
			Int(log.FieldRequiredMB, requiredMB).
			Int("used_mb", used).
			Int(log.FieldBudgetMB, c.budgetMB).
			Msg("start rejected: memory budget exhausted")
		return fmt.Errorf("admit %s: need %d MB, %d of %d MB in use: %w",
			entityID, requiredMB, used, c.budgetMB, ErrInsufficientResources)
	}

	if err := c.ledger.SetStatus(ctx, entityID, store.StatusRunning); err != nil {
		metrics.RecordReject(string(ReasonInternalErr))
		return fmt.Errorf("admit %s: %w", entityID, err)
	}

	metrics.RecordAdmit(string(ReasonAdmitted))
	metrics.SetAdmissionUsage(used+requiredMB, c.budgetMB)
	c.logger.Info().
		Str(log.FieldEvent, "admission.admitted").
		Str(log.FieldEntityID, entityID).
		Str("kind", string(e.Kind)).
		Int(log.FieldRequiredMB, requiredMB).
		Int("used_mb", used+requiredMB).
		Msg("entity admitted")
	return nil
}

// Release marks entityID stopped. It never fails the caller; ledger errors
// are logged.
func (c *Controller) Release(ctx context.Context, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ledger.SetStatus(ctx, entityID, store.StatusStopped); err != nil {
		c.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "admission.release_failed").
			Str(log.FieldEntityID, entityID).
			Msg("could not mark entity stopped")
		return
	}
	if used, err := c.ledger.RunningMB(ctx, store.KindAny); err == nil {
		metrics.SetAdmissionUsage(used, c.budgetMB)
	}
	c.logger.Info().
		Str(log.FieldEvent, "admission.released").
		Str(log.FieldEntityID, entityID).
		Msg("entity released")
}

// Usage breaks current consumption down by kind. Every entry carries the
// shared budget.
func (c *Controller) Usage(ctx context.Context) ([]Usage, error) {
	out := make([]Usage, 0, len(store.Kinds))
	for _, k := range store.Kinds {
		used, err := c.ledger.RunningMB(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, Usage{Pool: k, UsedMB: used, BudgetMB: c.budgetMB})
	}
	return out, nil
}
