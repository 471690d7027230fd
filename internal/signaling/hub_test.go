// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/barrierd/internal/auth"
)

type leaveCall struct {
	peer    Peer
	left    []string
	emptied []string
}

type recordingListener struct {
	hub *Hub

	mu      sync.Mutex
	joins   []string
	failed  []Peer
	leaves  []leaveCall
	leaveCh chan leaveCall
}

func newRecordingListener(h *Hub) *recordingListener {
	l := &recordingListener{hub: h, leaveCh: make(chan leaveCall, 16)}
	h.SetListener(l)
	return l
}

func (l *recordingListener) OnJoin(_ context.Context, p Peer, room string) {
	l.mu.Lock()
	l.joins = append(l.joins, p.Identity+"@"+room)
	l.mu.Unlock()
}

func (l *recordingListener) OnNegotiationFailed(_ context.Context, p Peer, room string) {
	l.mu.Lock()
	l.failed = append(l.failed, p)
	l.mu.Unlock()
	l.hub.Broadcast(room, EventUseRustDesk, map[string]string{
		"room": room, "rustdesk_id": "ABCD1234", "password": "123456",
	}, p.ConnID)
}

func (l *recordingListener) OnLeave(_ context.Context, p Peer, left, emptied []string) {
	c := leaveCall{peer: p, left: left, emptied: emptied}
	l.mu.Lock()
	l.leaves = append(l.leaves, c)
	l.mu.Unlock()
	l.leaveCh <- c
}

func newTestHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := NewHub(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.Close(ctx))
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) emit(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(Envelope{Event: event, Data: raw}))
}

func (c *client) next(timeout time.Duration) (Envelope, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	var env Envelope
	err := c.ws.ReadJSON(&env)
	return env, err
}

func (c *client) expect(event string) Envelope {
	c.t.Helper()
	for {
		env, err := c.next(3 * time.Second)
		require.NoError(c.t, err, "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func (c *client) expectNothing() {
	c.t.Helper()
	env, err := c.next(150 * time.Millisecond)
	require.Error(c.t, err, "unexpected frame %s %s", env.Event, env.Data)
}

func (c *client) join(did, room string) {
	c.t.Helper()
	c.emit(EventAuthenticate, map[string]string{"did": did})
	c.expect(EventAuthenticated)
	c.emit(EventJoinRoom, map[string]string{"room": room})
	c.expect(EventJoined)
}

func TestRelay_OfferReachesOthersOnly(t *testing.T) {
	_, url := newTestHub(t, Options{})
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r1")

	a.emit(EventOffer, map[string]string{"room": "r1", "sdp": "v=0"})

	env := b.expect(EventOffer)
	assert.JSONEq(t, `{"room":"r1","sdp":"v=0"}`, string(env.Data))
	a.expectNothing()
}

func TestRelay_ICECandidateRenamed(t *testing.T) {
	_, url := newTestHub(t, Options{})
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r1")

	a.emit(EventICECandidate, map[string]any{"room": "r1", "candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	env := b.expect(EventRelayedICE)
	assert.Contains(t, string(env.Data), "candidate:1")
}

func TestRelay_MissingRoomRejectedToSender(t *testing.T) {
	_, url := newTestHub(t, Options{})
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r1")

	a.emit(EventAnswer, map[string]string{"sdp": "v=0"})

	env := a.expect(EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "invalid_payload", p.Code)
	b.expectNothing()
}

func TestRelay_PreservesSenderOrder(t *testing.T) {
	_, url := newTestHub(t, Options{})
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r1")

	const n = 40
	for i := 0; i < n; i++ {
		a.emit(EventICECandidate, map[string]any{"room": "r1", "seq": i})
	}
	for i := 0; i < n; i++ {
		env := b.expect(EventRelayedICE)
		var got struct{ Seq int }
		require.NoError(t, json.Unmarshal(env.Data, &got))
		require.Equal(t, i, got.Seq)
	}
}

func TestJoin_RepliesWithICEServers(t *testing.T) {
	_, url := newTestHub(t, Options{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}})
	a := dial(t, url)
	a.emit(EventAuthenticate, map[string]string{"did": "did:a"})
	a.expect(EventAuthenticated)
	a.emit(EventJoinRoom, map[string]string{"room": "r1"})

	env := a.expect(EventJoined)
	var joined struct {
		Room       string `json:"room"`
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"ice_servers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "r1", joined.Room)
	require.Len(t, joined.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, joined.ICEServers[0].URLs)
}

func TestJoin_RequiresAuthentication(t *testing.T) {
	_, url := newTestHub(t, Options{})
	a := dial(t, url)
	a.emit(EventJoinRoom, map[string]string{"room": "r1"})
	env := a.expect(EventError)
	assert.Contains(t, string(env.Data), "unauthenticated")
}

func TestAuthenticate_MissingIdentityCloses(t *testing.T) {
	_, url := newTestHub(t, Options{})
	a := dial(t, url)
	a.emit(EventAuthenticate, map[string]string{})

	a.expect(EventError)
	_, err := a.next(3 * time.Second)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestAuthenticate_TokenMustMatchIdentity(t *testing.T) {
	_, url := newTestHub(t, Options{Verifier: auth.NewVerifier(map[string]string{"tok": "did:a"})})

	a := dial(t, url)
	a.emit(EventAuthenticate, map[string]string{"did": "did:a", "token": "tok"})
	env := a.expect(EventAuthenticated)
	assert.Contains(t, string(env.Data), "did:a")

	b := dial(t, url)
	b.emit(EventAuthenticate, map[string]string{"did": "did:b", "token": "tok"})
	env = b.expect(EventError)
	assert.Contains(t, string(env.Data), "forbidden")

	c := dial(t, url+"?token=tok")
	c.emit(EventAuthenticate, map[string]string{})
	env = c.expect(EventAuthenticated)
	assert.Contains(t, string(env.Data), "did:a")
}

func TestICEFailed_NotifiesListenerAndOthers(t *testing.T) {
	h, url := newTestHub(t, Options{})
	l := newRecordingListener(h)
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r1")

	a.emit(EventICEFailed, map[string]string{"room": "r1"})

	env := b.expect(EventUseRustDesk)
	assert.Contains(t, string(env.Data), "ABCD1234")
	a.expectNothing()

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.failed, 1)
	assert.Equal(t, "did:a", l.failed[0].Identity)
	assert.ElementsMatch(t, []string{"did:a@r1", "did:b@r1"}, l.joins)
}

func TestDisconnect_LeavesRoomsAndReportsEmptied(t *testing.T) {
	h, url := newTestHub(t, Options{})
	l := newRecordingListener(h)
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r1")

	require.NoError(t, a.ws.Close())
	first := <-l.leaveCh
	assert.Equal(t, "did:a", first.peer.Identity)
	assert.Equal(t, []string{"r1"}, first.left)
	assert.Empty(t, first.emptied)

	require.NoError(t, b.ws.Close())
	second := <-l.leaveCh
	assert.Equal(t, []string{"r1"}, second.emptied)

	require.Eventually(t, func() bool {
		conns, rooms := h.Stats()
		return conns == 0 && rooms == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBroadcastAll(t *testing.T) {
	h, url := newTestHub(t, Options{})
	a, b := dial(t, url), dial(t, url)
	a.join("did:a", "r1")
	b.join("did:b", "r2")

	assert.Equal(t, 2, h.BroadcastAll(EventResourceWarning, map[string]float64{"ram": 0.91}))
	a.expect(EventResourceWarning)
	b.expect(EventResourceWarning)
}

func TestEnqueue_SlowConsumerIsDisconnected(t *testing.T) {
	h := NewHub(Options{OutboundQueue: 2})
	c := &Conn{
		id:     "slow",
		hub:    h,
		out:    make(chan []byte, h.opts.OutboundQueue),
		logger: h.logger,
		closed: make(chan struct{}),
	}
	for i := 0; i < 2; i++ {
		require.True(t, c.enqueue([]byte(fmt.Sprint(i))))
	}
	assert.False(t, c.enqueue([]byte("overflow")))

	select {
	case <-c.closed:
	default:
		t.Fatal("slow consumer not closed")
	}
	assert.False(t, c.enqueue([]byte("after close")))
}
