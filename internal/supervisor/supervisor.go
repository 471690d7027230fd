// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor launches, samples and tears down groups of external
// processes that belong to one entity (a fallback relay pair or an emulated
// device). Each group gets one monitoring loop, cancelled when the group
// leaves the registry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/barrierd/internal/bus"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/metrics"
	"github.com/ManuGH/barrierd/internal/procgroup"
	"github.com/ManuGH/barrierd/internal/resource"
	"github.com/ManuGH/barrierd/internal/telemetry"
)

const (
	stderrLines   = 200
	stderrTail    = 20
	publishBudget = time.Second
)

// Config controls sampling cadence and termination.
type Config struct {
	Interval  time.Duration
	StopGrace time.Duration
	History   int
	Limits    Limits
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Sampler   resource.ProcessSampler
	Publisher bus.Publisher
	// LookPath resolves binaries; defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Supervisor owns the registry of running process groups.
type Supervisor struct {
	cfg      Config
	sampler  resource.ProcessSampler
	pub      bus.Publisher
	lookPath func(string) (string, error)
	limits   atomic.Pointer[Limits]
	logger   zerolog.Logger
	tracer   trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	starts  sync.WaitGroup

	mu       sync.Mutex
	groups   map[string]*group
	starting map[string]struct{}
	closed   bool
}

type process struct {
	spec   ProcessSpec
	cmd    *exec.Cmd
	output *LineRing
	waitCh chan error
	done   chan struct{}

	mu      sync.Mutex
	samples *resource.Ring
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

type group struct {
	spec      GroupSpec
	procs     []*process
	startedAt time.Time
	cancel    context.CancelFunc
	exited    chan *process
	loopDone  chan struct{}
	once      sync.Once
}

// New returns a Supervisor. Call Close to stop every group and loop.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 10
	}
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		sampler:  deps.Sampler,
		pub:      deps.Publisher,
		lookPath: deps.LookPath,
		logger:   log.WithComponent("supervisor"),
		tracer:   telemetry.Tracer("barrierd/supervisor"),
		baseCtx:  ctx,
		cancel:   cancel,
		groups:   make(map[string]*group),
		starting: make(map[string]struct{}),
	}
	limits := cfg.Limits
	s.limits.Store(&limits)
	return s
}

// SetLimits swaps the thresholds used by subsequent ticks.
func (s *Supervisor) SetLimits(l Limits) {
	s.limits.Store(&l)
}

// Start launches every process of spec and begins monitoring the group.
func (s *Supervisor) Start(ctx context.Context, spec GroupSpec) (err error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.start",
		trace.WithAttributes(telemetry.GroupAttributes(spec.EntityID, spec.Policy.String(), len(spec.Processes))...))
	defer func() {
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if spec.EntityID == "" || len(spec.Processes) == 0 {
		return errors.New("supervisor: empty group spec")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.groups[spec.EntityID]; ok {
		s.mu.Unlock()
		metrics.RecordSupervisorStart("already_running")
		return ErrAlreadyRunning
	}
	if _, ok := s.starting[spec.EntityID]; ok {
		s.mu.Unlock()
		metrics.RecordSupervisorStart("already_running")
		return ErrAlreadyRunning
	}
	s.starting[spec.EntityID] = struct{}{}
	s.starts.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, spec.EntityID)
		s.mu.Unlock()
		s.starts.Done()
	}()

	logger := s.logger.With().Str(log.FieldEntityID, spec.EntityID).Logger()

	resolved := make([]string, len(spec.Processes))
	for i, ps := range spec.Processes {
		path, lerr := s.lookPath(ps.Binary)
		if lerr != nil {
			metrics.RecordSupervisorStart("binary_not_found")
			logger.Error().Err(lerr).Str(log.FieldBinary, ps.Binary).Msg("binary not found")
			return fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, ps.Binary, lerr)
		}
		resolved[i] = path
	}

	g := &group{
		spec:      spec,
		startedAt: time.Now(),
		exited:    make(chan *process, len(spec.Processes)),
		loopDone:  make(chan struct{}),
	}
	for i, ps := range spec.Processes {
		p, serr := s.launch(g, ps, resolved[i])
		if serr != nil {
			metrics.RecordSupervisorStart("launch_failed")
			logger.Error().Err(serr).Str(log.FieldRole, string(ps.Role)).Msg("process launch failed")
			s.terminateAll(g.procs)
			return fmt.Errorf("start %s: %w", ps.Role, serr)
		}
		g.procs = append(g.procs, p)
		logger.Info().
			Str(log.FieldRole, string(ps.Role)).
			Int(log.FieldPID, p.pid()).
			Str(log.FieldEvent, "process.started").
			Msg("process started")
	}

	loopCtx, cancel := context.WithCancel(s.baseCtx)
	g.cancel = cancel

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		metrics.RecordSupervisorStart("closed")
		logger.Warn().Str(log.FieldEvent, "group.start_aborted").Msg("supervisor closed during start")
		s.terminateAll(g.procs)
		return ErrClosed
	}
	s.groups[spec.EntityID] = g
	metrics.SupervisorGroups.Set(float64(len(s.groups)))
	s.mu.Unlock()

	s.loops.Add(1)
	go s.monitor(loopCtx, g)

	metrics.RecordSupervisorStart("started")
	return nil
}

func (s *Supervisor) launch(g *group, ps ProcessSpec, path string) (*process, error) {
	// #nosec G204 -- binaries and args come from operator configuration.
	cmd := exec.Command(path, ps.Args...)
	cmd.Dir = ps.Dir
	if len(ps.Env) > 0 {
		cmd.Env = ps.Env
	}
	procgroup.Set(cmd)
	cmd.WaitDelay = time.Second

	p := &process{
		spec:    ps,
		cmd:     cmd,
		output:  NewLineRing(stderrLines),
		waitCh:  make(chan error, 1),
		done:    make(chan struct{}),
		samples: resource.NewRing(s.cfg.History),
	}
	cmd.Stdout = p.output
	cmd.Stderr = p.output

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		err := cmd.Wait()
		p.waitCh <- err
		close(p.done)
		g.exited <- p
	}()
	return p, nil
}

// Stop tears the group down. Unknown or already stopped entities are a no-op.
func (s *Supervisor) Stop(ctx context.Context, entityID string) {
	s.mu.Lock()
	g, ok := s.groups[entityID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !s.detach(entityID, g) {
		return
	}
	s.teardown(ctx, g, "stopped")
	<-g.loopDone
}

// detach removes g from the registry. It reports false when another caller
// already removed it.
func (s *Supervisor) detach(entityID string, g *group) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.groups[entityID]; !ok || cur != g {
		return false
	}
	delete(s.groups, entityID)
	metrics.SupervisorGroups.Set(float64(len(s.groups)))
	return true
}

func (s *Supervisor) teardown(ctx context.Context, g *group, cause string) {
	g.once.Do(func() {
		g.cancel()
		s.terminateAll(g.procs)
		if s.sampler != nil {
			for _, p := range g.procs {
				s.sampler.Forget(p.pid())
			}
		}
		if g.spec.Releaser != nil {
			g.spec.Releaser.Release(context.WithoutCancel(ctx), g.spec.EntityID)
		}
		metrics.RecordSupervisorExit(cause)
		s.logger.Info().
			Str(log.FieldEntityID, g.spec.EntityID).
			Str(log.FieldEvent, "group.teardown").
			Str("cause", cause).
			Dur("uptime", time.Since(g.startedAt)).
			Msg("process group removed")
	})
}

func (s *Supervisor) terminateAll(procs []*process) {
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			_ = procgroup.Terminate(p.cmd, p.waitCh, s.cfg.StopGrace)
		}(p)
	}
	wg.Wait()
}

func (s *Supervisor) monitor(ctx context.Context, g *group) {
	defer s.loops.Done()
	defer close(g.loopDone)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-g.exited:
			s.handleExit(ctx, g, p)
			return
		case <-ticker.C:
			if s.tick(ctx, g) {
				return
			}
		}
	}
}

func (s *Supervisor) handleExit(ctx context.Context, g *group, p *process) {
	if !s.detach(g.spec.EntityID, g) {
		return
	}
	// Output is read before teardown kills the siblings.
	ev := Event{
		EntityID: g.spec.EntityID,
		Role:     p.spec.Role,
		Reason:   "exited",
		ExitCode: p.exitCode(),
		Stderr:   p.output.LastN(stderrTail),
		At:       time.Now(),
	}
	s.teardown(ctx, g, "died")
	s.logger.Warn().
		Str(log.FieldEntityID, ev.EntityID).
		Str(log.FieldRole, string(ev.Role)).
		Int(log.FieldExitCode, ev.ExitCode).
		Strs("stderr", ev.Stderr).
		Str(log.FieldEvent, TopicDied).
		Msg("supervised process exited")
	s.publish(TopicDied, ev)
}

// tick samples the group once. It reports true when the group was removed.
func (s *Supervisor) tick(ctx context.Context, g *group) (removed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str(log.FieldEntityID, g.spec.EntityID).
				Interface("panic", r).
				Msg("monitor tick panicked")
		}
	}()

	if s.sampler == nil {
		return false
	}
	limits := *s.limits.Load()
	for _, p := range g.procs {
		if p.exited() {
			// The exit notification is already queued on g.exited.
			return false
		}
		sample, err := s.sampler.SampleProcess(p.pid())
		if err != nil {
			if !errors.Is(err, resource.ErrProcessGone) {
				s.logger.Debug().Err(err).Str(log.FieldEntityID, g.spec.EntityID).Msg("sample failed")
			}
			continue
		}
		p.mu.Lock()
		p.samples.Add(sample)
		p.mu.Unlock()
		metrics.SetProcessSample(string(p.spec.Role), sample.CPUPercent, sample.RSSMB)

		ev := Event{
			EntityID:   g.spec.EntityID,
			Role:       p.spec.Role,
			CPUPercent: sample.CPUPercent,
			RSSMB:      sample.RSSMB,
			At:         sample.At,
		}

		if g.spec.Policy == PolicyEnforce {
			if limits.HardCPUPercent > 0 && sample.CPUPercent > limits.HardCPUPercent {
				if !s.detach(g.spec.EntityID, g) {
					return true
				}
				ev.Reason = "cpu"
				s.logger.Warn().
					Str(log.FieldEntityID, ev.EntityID).
					Float64(log.FieldCPUPercent, ev.CPUPercent).
					Str(log.FieldEvent, TopicKilled).
					Msg("hard cpu limit exceeded, stopping group")
				s.teardown(ctx, g, "killed")
				s.publish(TopicKilled, ev)
				return true
			}
			continue
		}

		switch {
		case limits.SoftCPUPercent > 0 && sample.CPUPercent > limits.SoftCPUPercent:
			ev.Reason = "cpu"
		case limits.SoftRSSMB > 0 && sample.RSSMB > limits.SoftRSSMB:
			ev.Reason = "memory"
		default:
			continue
		}
		metrics.RecordBackpressure(string(ev.Role), ev.Reason)
		s.logger.Info().
			Str(log.FieldEntityID, ev.EntityID).
			Str(log.FieldRole, string(ev.Role)).
			Float64(log.FieldCPUPercent, ev.CPUPercent).
			Float64(log.FieldRSSMB, ev.RSSMB).
			Str(log.FieldEvent, TopicBackpressure).
			Msg("soft limit exceeded")
		s.publish(TopicBackpressure, ev)
	}
	return false
}

func (s *Supervisor) publish(topic string, ev Event) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishBudget)
	defer cancel()
	if err := s.pub.Publish(ctx, topic, ev); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

// Running reports whether a group exists for entityID.
func (s *Supervisor) Running(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[entityID]
	return ok
}

// Entities lists the ids of every registered group.
func (s *Supervisor) Entities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for id := range s.groups {
		out = append(out, id)
	}
	return out
}

// Snapshot returns the group's processes with their retained samples.
func (s *Supervisor) Snapshot(entityID string) (GroupStatus, bool) {
	s.mu.Lock()
	g, ok := s.groups[entityID]
	s.mu.Unlock()
	if !ok {
		return GroupStatus{}, false
	}
	st := GroupStatus{
		EntityID:  entityID,
		Policy:    g.spec.Policy.String(),
		StartedAt: g.startedAt,
	}
	for _, p := range g.procs {
		p.mu.Lock()
		samples := p.samples.Samples()
		p.mu.Unlock()
		st.Processes = append(st.Processes, ProcessStatus{
			Role:    p.spec.Role,
			PID:     p.pid(),
			Running: !p.exited(),
			Samples: samples,
			Stderr:  p.output.LastN(stderrTail),
		})
	}
	return st, true
}

// StopAll stops every registered group concurrently.
func (s *Supervisor) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range s.Entities() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Close rejects further starts, stops every group and waits for all loops.
// Starts already in flight tear down their own processes.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.starts.Wait()
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
