// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/barrierd/internal/bus"
	"github.com/ManuGH/barrierd/internal/resource"
	"github.com/ManuGH/barrierd/internal/signaling"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSupervisor struct {
	mu       sync.Mutex
	startErr error
	starts   []supervisor.GroupSpec
	stops    []string
	running  map[string]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: map[string]bool{}}
}

func (f *fakeSupervisor) Start(_ context.Context, spec supervisor.GroupSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running[spec.EntityID] {
		return supervisor.ErrAlreadyRunning
	}
	f.starts = append(f.starts, spec)
	f.running[spec.EntityID] = true
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[id] {
		f.stops = append(f.stops, id)
	}
	delete(f.running, id)
}

func (f *fakeSupervisor) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeSupervisor) Snapshot(id string) (supervisor.GroupStatus, bool) {
	if !f.Running(id) {
		return supervisor.GroupStatus{}, false
	}
	return supervisor.GroupStatus{EntityID: id}, true
}

func (f *fakeSupervisor) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.stops)
}

type sent struct {
	room   string
	event  string
	except string
	to     string
	data   any
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeBroadcaster) Broadcast(room, event string, payload any, except string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{room: room, event: event, except: except, data: payload})
	return 1
}

func (f *fakeBroadcaster) BroadcastAll(event string, payload any) int {
	return f.Broadcast("*", event, payload, "")
}

func (f *fakeBroadcaster) SendTo(connID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: connID, event: event, data: payload})
	return true
}

func (f *fakeBroadcaster) events(event string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func sequence(ids ...string) CredentialSource {
	var mu sync.Mutex
	i := 0
	return func() (Credential, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return Credential{RustDeskID: id, Password: "000000"}, nil
	}
}

type fixture struct {
	o   *Orchestrator
	sup *fakeSupervisor
	out *fakeBroadcaster
	rec *store.MemoryStore
}

func newFixture(t *testing.T, creds CredentialSource) *fixture {
	t.Helper()
	f := &fixture{sup: newFakeSupervisor(), out: &fakeBroadcaster{}, rec: store.NewMemoryStore()}
	f.o = New(RelayConfig{
		Dir:            "/opt/rustdesk",
		Key:            "_",
		DirectoryBin:   "hbbs",
		RelayBin:       "hbbr",
		DirectoryPorts: "21115-21117",
		RelayPorts:     "21116-21119",
	}, Deps{Supervisor: f.sup, Broadcaster: f.out, Recorder: f.rec, Credentials: creds})
	return f
}

var (
	peerA = signaling.Peer{ConnID: "conn-a", Identity: "did:a"}
	peerB = signaling.Peer{ConnID: "conn-b", Identity: "did:b"}
)

func TestNegotiationFailure_FallsBackAndNotifiesOthers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.o.OnJoin(ctx, peerA, "r1")
	f.o.OnJoin(ctx, peerB, "r1")
	f.o.OnNegotiationFailed(ctx, peerA, "r1")

	starts, _ := f.sup.counts()
	require.Equal(t, 1, starts)
	spec := f.sup.starts[0]
	assert.Equal(t, RelayEntityID("did:a"), spec.EntityID)
	assert.Equal(t, supervisor.PolicyAdvisory, spec.Policy)
	require.Len(t, spec.Processes, 2)
	assert.Equal(t, "/opt/rustdesk/hbbs", spec.Processes[0].Binary)
	assert.Equal(t, []string{"-k", "_", "-p", "21115-21117"}, spec.Processes[0].Args)
	assert.Equal(t, []string{"-k", "_", "-p", "21116-21119"}, spec.Processes[1].Args)

	use := f.out.events(signaling.EventUseRustDesk)
	require.Len(t, use, 1)
	assert.Equal(t, "r1", use[0].room)
	assert.Equal(t, peerA.ConnID, use[0].except)
	payload := use[0].data.(useRustDesk)
	assert.True(t, ValidRustDeskID(payload.RustDeskID))
	assert.Len(t, payload.Password, 6)

	v, ok := f.o.LookupCredential(payload.RustDeskID)
	require.True(t, ok)
	assert.Equal(t, StateFallback, v.State)
	assert.Equal(t, payload.Password, v.Password)
}

func TestNegotiationFailure_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.o.OnJoin(ctx, peerA, "r1")
	f.o.OnNegotiationFailed(ctx, peerA, "r1")
	f.o.OnNegotiationFailed(ctx, peerB, "r1")

	starts, _ := f.sup.counts()
	assert.Equal(t, 1, starts, "no re-spawn")
	use := f.out.events(signaling.EventUseRustDesk)
	require.Len(t, use, 2)
	assert.Equal(t, use[0].data, use[1].data, "same credential")
}

func TestStop_TwiceIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)
	assert.Equal(t, StateFallback, v.State)
	assert.NotEmpty(t, v.Password)

	require.NoError(t, f.o.Stop(ctx, v.ID))
	require.NoError(t, f.o.Stop(ctx, v.ID))

	_, stops := f.sup.counts()
	assert.Equal(t, 1, stops)
	got, ok := f.o.Get(v.ID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, ReasonStopped, got.ClosedReason)
	assert.Empty(t, got.Password)

	_, ok = f.o.LookupCredential(v.RustDeskID)
	assert.False(t, ok, "credential invalidated")

	assert.ErrorIs(t, f.o.Stop(ctx, "missing"), ErrNotFound)
}

func TestStop_AfterPruneIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	clock := time.Now()
	f.o.now = func() time.Time { return clock }

	v, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)
	require.NoError(t, f.o.Stop(ctx, v.ID))

	clock = clock.Add(closedRetention + time.Minute)
	_, err = f.o.Generate(ctx, "did:b")
	require.NoError(t, err)

	_, ok := f.o.Get(v.ID)
	require.False(t, ok, "closed session pruned from memory")
	assert.NoError(t, f.o.Stop(ctx, v.ID))
	assert.ErrorIs(t, f.o.Stop(ctx, "never-issued"), ErrNotFound)
}

func TestConcurrentJoins_ShareOneSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		peer := signaling.Peer{ConnID: fmt.Sprintf("conn-%d", i), Identity: fmt.Sprintf("did:%d", i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if peer.ConnID == "conn-0" {
				f.o.OnNegotiationFailed(ctx, peer, "r1")
				return
			}
			f.o.OnJoin(ctx, peer, "r1")
		}()
	}
	close(start)
	wg.Wait()

	f.o.mu.Lock()
	n := len(f.o.sessions)
	f.o.mu.Unlock()
	require.Equal(t, 1, n, "one session per room")

	f.o.OnLeave(ctx, peerA, nil, []string{"r1"})
	f.o.mu.Lock()
	defer f.o.mu.Unlock()
	for _, s := range f.o.sessions {
		assert.False(t, s.closedAt.IsZero(), "room-empty closes the only session")
	}
}

func TestClosedSession_NeverFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.o.OnJoin(ctx, peerA, "r1")
	f.o.mu.Lock()
	s := f.o.byRoom["r1"]
	f.o.mu.Unlock()
	require.NoError(t, f.o.close(ctx, s, ReasonStopped))

	_, err := f.o.fallback(ctx, s)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateClosed, s.machine.State())
	starts, _ := f.sup.counts()
	assert.Zero(t, starts)
}

func TestCredential_UniqueAmongActiveSessions(t *testing.T) {
	f := newFixture(t, sequence("AAAA0000", "AAAA0000", "BBBB1111"))
	ctx := context.Background()

	a, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)
	b, err := f.o.Generate(ctx, "did:b")
	require.NoError(t, err)

	assert.Equal(t, "AAAA0000", a.RustDeskID)
	assert.Equal(t, "BBBB1111", b.RustDeskID)

	// A closed session frees its id.
	require.NoError(t, f.o.Stop(ctx, a.ID))
	c, err := f.o.Generate(ctx, "did:c")
	require.NoError(t, err)
	assert.Equal(t, "AAAA0000", c.RustDeskID)
}

func TestCredential_SpaceExhausted(t *testing.T) {
	f := newFixture(t, sequence("AAAA0000"))
	ctx := context.Background()

	_, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)
	_, err = f.o.Generate(ctx, "did:b")
	assert.ErrorIs(t, err, ErrCredentialSpace)
}

func TestGenerate_StartFailureLeavesNoSession(t *testing.T) {
	f := newFixture(t, sequence("AAAA0000"))
	f.sup.startErr = fmt.Errorf("%w: hbbs", supervisor.ErrBinaryNotFound)
	ctx := context.Background()

	_, err := f.o.Generate(ctx, "did:a")
	require.ErrorIs(t, err, supervisor.ErrBinaryNotFound)

	_, ok := f.o.LookupCredential("AAAA0000")
	assert.False(t, ok)
	assert.Empty(t, f.o.active("did:a", false))
}

func TestNegotiationFailure_StartErrorGoesToSender(t *testing.T) {
	f := newFixture(t, nil)
	f.sup.startErr = errors.New("exec: permission denied")
	ctx := context.Background()

	f.o.OnJoin(ctx, peerA, "r1")
	f.o.OnNegotiationFailed(ctx, peerA, "r1")

	errs := f.out.events(signaling.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, peerA.ConnID, errs[0].to)
	assert.Empty(t, f.out.events(signaling.EventUseRustDesk))

	v := f.o.active("did:a", false)
	require.Len(t, v, 1)
	assert.Equal(t, StateNegotiating, v[0].State, "failed fallback keeps state")
}

func TestRelay_StoppedWithLastFallbackSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)
	b, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)
	assert.NotEqual(t, a.RustDeskID, b.RustDeskID)

	starts, _ := f.sup.counts()
	assert.Equal(t, 1, starts)

	require.NoError(t, f.o.Stop(ctx, a.ID))
	assert.True(t, f.sup.Running(RelayEntityID("did:a")))

	require.NoError(t, f.o.Stop(ctx, b.ID))
	assert.False(t, f.sup.Running(RelayEntityID("did:a")))
}

func TestOnLeave(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.o.OnJoin(ctx, peerA, "r1")
	f.o.OnJoin(ctx, peerB, "r1")
	f.o.OnNegotiationFailed(ctx, peerA, "r1")

	// The owner leaves while B stays: the fallback ends for B.
	f.o.OnLeave(ctx, peerA, []string{"r1"}, nil)
	ended := f.out.events(signaling.EventFallbackEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "r1", ended[0].room)
	assert.False(t, f.sup.Running(RelayEntityID("did:a")))

	// Negotiating session closes when its room empties.
	f.o.OnJoin(ctx, peerB, "r2")
	f.o.OnLeave(ctx, peerB, []string{"r1", "r2"}, []string{"r1", "r2"})
	assert.Empty(t, f.o.active("did:b", false))
}

func TestConcurrentFallbackAndStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		room := fmt.Sprintf("room-%d", i)
		peer := signaling.Peer{ConnID: "c" + room, Identity: "did:" + room}
		f.o.OnJoin(ctx, peer, room)
		f.o.mu.Lock()
		id := f.o.byRoom[room].id
		f.o.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); f.o.OnNegotiationFailed(ctx, peer, room) }()
		go func() { defer wg.Done(); _ = f.o.Stop(ctx, id) }()
		wg.Wait()

		v, ok := f.o.Get(id)
		require.True(t, ok)
		require.Equal(t, StateClosed, v.State)
		if v.RustDeskID != "" {
			_, live := f.o.LookupCredential(v.RustDeskID)
			require.False(t, live)
		}
		// A failure signal that lost the race opens a fresh session; the relay
		// may only run while some fallback session of the device is active.
		_, active := f.o.ActiveFallback(peer.Identity)
		require.Equal(t, active, f.sup.Running(RelayEntityID(peer.Identity)), "relay state for %s", room)
	}
}

func TestRun_ReactsToSupervisorAndHostEvents(t *testing.T) {
	f := newFixture(t, nil)
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx, b) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	f.o.OnJoin(ctx, peerA, "r1")
	f.o.OnNegotiationFailed(ctx, peerA, "r1")

	publish := func(topic string, msg bus.Message) {
		// Run subscribes asynchronously; retry until a subscriber takes the message.
		require.Eventually(t, func() bool {
			f.out.mu.Lock()
			before := len(f.out.sent)
			f.out.mu.Unlock()
			pctx, c := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer c()
			_ = b.Publish(pctx, topic, msg)
			time.Sleep(20 * time.Millisecond)
			f.out.mu.Lock()
			defer f.out.mu.Unlock()
			return len(f.out.sent) > before
		}, 3*time.Second, 10*time.Millisecond)
	}

	publish(supervisor.TopicBackpressure, supervisor.Event{
		EntityID: RelayEntityID("did:a"), Role: supervisor.RoleRelayServer, Reason: "cpu", CPUPercent: 88,
	})
	pause := f.out.events(signaling.EventRustDeskPause)
	require.NotEmpty(t, pause)
	assert.Equal(t, "r1", pause[0].room)
	assert.Equal(t, "resource_limit", pause[0].data.(pausePayload).Reason)

	publish(resource.TopicWarning, resource.Warning{MemoryRatio: 0.91})
	warn := f.out.events(signaling.EventResourceWarning)
	require.NotEmpty(t, warn)
	assert.Equal(t, "*", warn[0].room)

	publish(supervisor.TopicDied, supervisor.Event{EntityID: RelayEntityID("did:a"), Role: supervisor.RoleDirectoryServer})
	ended := f.out.events(signaling.EventFallbackEnded)
	require.NotEmpty(t, ended)
	assert.Equal(t, "r1", ended[0].room)
	assert.Empty(t, f.o.active("did:a", false))
}

func TestStatus_IncludesHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v, err := f.o.Generate(ctx, "did:a")
	require.NoError(t, err)

	st, err := f.o.Status(ctx, "did:a")
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.NotNil(t, st.Processes)
	require.Len(t, st.Sessions, 1)
	assert.Empty(t, st.Sessions[0].Password, "status never exposes secrets")
	require.NotEmpty(t, st.History)
	assert.Equal(t, v.ID, st.History[0].ID)

	f.o.Shutdown(ctx)
	st, err = f.o.Status(ctx, "did:a")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, st.Sessions)
}
