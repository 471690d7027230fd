// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package emulator manages the catalog of OS environments and device
// emulators and starts them under the memory budget.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/admission"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/platform/keylock"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/supervisor"
)

// MinEnvironmentMB is the smallest allocation an environment may declare.
const MinEnvironmentMB = 500

// DefaultEmulatorMB is used when an emulator is created without a requirement.
const DefaultEmulatorMB = 2048

const (
	defaultIcon     = "terminal"
	platformAndroid = "android"
	forwardTimeout  = 10 * time.Second
)

var (
	// ErrInvalidInput rejects a create request that violates catalog rules.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupportedPlatform rejects runs of emulators this host cannot launch.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Supervisor is the subset of the process supervisor the service drives.
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.GroupSpec) error
	Stop(ctx context.Context, entityID string)
	Running(entityID string) bool
}

// Config locates the emulator tooling.
type Config struct {
	BudgetMB    int
	Binary      string
	ADBBinary   string
	ForwardPort int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Entities   store.EntityStore
	Admission  *admission.Controller
	Supervisor Supervisor
}

// EnvironmentInput describes a new OS environment.
type EnvironmentInput struct {
	Name       string `json:"name"`
	Icon       string `json:"icon"`
	RequiredMB int    `json:"ramRequired"`
}

// EmulatorInput describes a new emulator image.
type EmulatorInput struct {
	Platform   string `json:"platform"`
	Version    string `json:"version"`
	RequiredMB int    `json:"ramRequired"`
}

// Service owns the environment and emulator catalogs.
type Service struct {
	cfg      Config
	entities store.EntityStore
	adm      *admission.Controller
	sup      Supervisor
	logger   zerolog.Logger

	// toggles serializes start and stop of one entity.
	toggles keylock.Map

	newID func() string
	now   func() time.Time
}

// New returns a Service.
func New(cfg Config, deps Deps) *Service {
	if cfg.Binary == "" {
		cfg.Binary = "emulator"
	}
	if cfg.ADBBinary == "" {
		cfg.ADBBinary = "adb"
	}
	return &Service{
		cfg:      cfg,
		entities: deps.Entities,
		adm:      deps.Admission,
		sup:      deps.Supervisor,
		logger:   log.WithComponent("emulator"),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// ListEnvironments returns every OS environment.
func (s *Service) ListEnvironments(ctx context.Context) ([]store.Entity, error) {
	return s.entities.ListEntities(ctx, store.KindEnvironment)
}

// CreateEnvironment adds an environment to the catalog in the available state.
func (s *Service) CreateEnvironment(ctx context.Context, in EnvironmentInput) (store.Entity, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Entity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.RequiredMB < MinEnvironmentMB {
		return store.Entity{}, fmt.Errorf("%w: RAM allocation must be at least %d MB", ErrInvalidInput, MinEnvironmentMB)
	}
	icon := in.Icon
	if icon == "" {
		icon = defaultIcon
	}
	e := store.Entity{
		ID:         s.newID(),
		Kind:       store.KindEnvironment,
		Name:       name,
		Icon:       icon,
		RequiredMB: in.RequiredMB,
		Status:     store.StatusAvailable,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.entities.CreateEntity(ctx, e); err != nil {
		return store.Entity{}, err
	}
	s.logger.Info().
		Str(log.FieldEvent, "environment.created").
		Str(log.FieldEntityID, e.ID).
		Int(log.FieldRequiredMB, e.RequiredMB).
		Msg("environment added")
	return e, nil
}

// ToggleEnvironment starts a stopped environment or stops a running one and
// returns the new status. Starting is admission-checked.
func (s *Service) ToggleEnvironment(ctx context.Context, id string) (store.Status, error) {
	defer s.toggles.Lock(id)()

	e, err := s.entities.GetEntity(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Kind != store.KindEnvironment {
		return "", fmt.Errorf("environment %s: %w", id, store.ErrNotFound)
	}
	if e.Status == store.StatusRunning {
		s.adm.Release(ctx, id)
		return store.StatusStopped, nil
	}
	if err := s.adm.TryAdmit(ctx, id, e.RequiredMB); err != nil {
		return "", err
	}
	return store.StatusRunning, nil
}

// ListEmulators returns the emulators whose requirement fits the host budget.
func (s *Service) ListEmulators(ctx context.Context) ([]store.Entity, error) {
	all, err := s.entities.ListEntities(ctx, store.KindEmulator)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.RequiredMB <= s.cfg.BudgetMB {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateEmulator adds an emulator image to the catalog.
func (s *Service) CreateEmulator(ctx context.Context, in EmulatorInput) (store.Entity, error) {
	platform := strings.ToLower(strings.TrimSpace(in.Platform))
	version := strings.TrimSpace(in.Version)
	if platform == "" || version == "" {
		return store.Entity{}, fmt.Errorf("%w: platform and version are required", ErrInvalidInput)
	}
	mb := in.RequiredMB
	if mb == 0 {
		mb = DefaultEmulatorMB
	}
	if mb < 0 || mb > s.cfg.BudgetMB {
		return store.Entity{}, fmt.Errorf("%w: RAM requirement %d MB exceeds the %d MB budget",
			ErrInvalidInput, mb, s.cfg.BudgetMB)
	}
	e := store.Entity{
		ID:         s.newID(),
		Kind:       store.KindEmulator,
		Name:       version,
		Platform:   platform,
		Version:    version,
		RequiredMB: mb,
		Status:     store.StatusAvailable,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.entities.CreateEntity(ctx, e); err != nil {
		return store.Entity{}, err
	}
	s.logger.Info().
		Str(log.FieldEvent, "emulator.created").
		Str(log.FieldEntityID, e.ID).
		Str("platform", platform).
		Int(log.FieldRequiredMB, mb).
		Msg("emulator added")
	return e, nil
}

// ToggleEmulator launches a stopped emulator or stops a running one and
// returns the new status. A launched emulator is supervised under the
// enforcing policy; whatever ends it releases its admission. Toggles of
// the same emulator run one at a time, so a start still in flight is never
// mistaken for a stale ledger entry.
func (s *Service) ToggleEmulator(ctx context.Context, id string) (store.Status, error) {
	defer s.toggles.Lock(id)()

	e, err := s.entities.GetEntity(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Kind != store.KindEmulator {
		return "", fmt.Errorf("emulator %s: %w", id, store.ErrNotFound)
	}
	if e.Platform != platformAndroid {
		return "", fmt.Errorf("%w: %s emulators cannot run on this host", ErrUnsupportedPlatform, e.Platform)
	}

	if s.sup.Running(id) {
		s.sup.Stop(ctx, id)
		return store.StatusStopped, nil
	}
	if e.Status == store.StatusRunning {
		// Running in the ledger without a process group: a stale entry.
		s.adm.Release(ctx, id)
		return store.StatusStopped, nil
	}

	if err := s.adm.TryAdmit(ctx, id, e.RequiredMB); err != nil {
		return "", err
	}
	avd := AVDName(e.Version)
	spec := supervisor.GroupSpec{
		EntityID: id,
		Policy:   supervisor.PolicyEnforce,
		Releaser: s.adm,
		Processes: []supervisor.ProcessSpec{{
			Role:   supervisor.RoleEmulatedDevice,
			Binary: s.cfg.Binary,
			Args:   []string{"-avd", avd, "-memory", strconv.Itoa(e.RequiredMB), "-no-snapshot-load"},
		}},
	}
	if err := s.sup.Start(ctx, spec); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
		s.adm.Release(context.WithoutCancel(ctx), id)
		return "", err
	}
	s.forward(ctx, avd)
	s.logger.Info().
		Str(log.FieldEvent, "emulator.launched").
		Str(log.FieldEntityID, id).
		Str("avd", avd).
		Int(log.FieldRequiredMB, e.RequiredMB).
		Msg("emulator launched")
	return store.StatusRunning, nil
}

// forward maps the relay port into the emulator. Failure is logged only;
// the emulator stays up without it.
func (s *Service) forward(ctx context.Context, avd string) {
	if s.cfg.ForwardPort <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forwardTimeout)
	defer cancel()
	port := "tcp:" + strconv.Itoa(s.cfg.ForwardPort)
	out, err := exec.CommandContext(ctx, s.cfg.ADBBinary, "-s", avd, "forward", port, port).CombinedOutput()
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "emulator.forward_failed").
			Str(log.FieldBinary, s.cfg.ADBBinary).
			Str("avd", avd).
			Str("output", strings.TrimSpace(string(out))).
			Msg("port forward failed")
	}
}

// Reconcile marks emulators stopped that the ledger records as running but
// that have no process group, as after a daemon restart.
func (s *Service) Reconcile(ctx context.Context) error {
	emus, err := s.entities.ListEntities(ctx, store.KindEmulator)
	if err != nil {
		return err
	}
	for _, e := range emus {
		if e.Status != store.StatusRunning {
			continue
		}
		unlock := s.toggles.Lock(e.ID)
		if !s.sup.Running(e.ID) {
			s.adm.Release(ctx, e.ID)
		}
		unlock()
	}
	return nil
}

// Usage reports what each kind consumes of the shared budget.
func (s *Service) Usage(ctx context.Context) ([]admission.Usage, error) {
	return s.adm.Usage(ctx)
}

// AVDName derives the virtual device name from an emulator version label.
func AVDName(version string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(version)), " ", "_")
}
