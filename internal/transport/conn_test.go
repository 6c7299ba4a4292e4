package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/boardsync/internal/crdt"
	"github.com/driftworks/boardsync/internal/presence"
)

type memSocket struct {
	once     sync.Once
	closed   chan struct{}
	toClient chan []byte
	toServer chan []byte
}

func newMemSocket() *memSocket {
	return &memSocket{
		closed:   make(chan struct{}),
		toClient: make(chan []byte, 64),
		toServer: make(chan []byte, 64),
	}
}

func (s *memSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("socket closed")
	case frame := <-s.toClient:
		return frame, nil
	}
}

func (s *memSocket) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errors.New("socket closed")
	case s.toServer <- data:
		return nil
	}
}

func (s *memSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeRelay services the server side of dialed sockets against a document of
// its own, mirroring the real relay's handshake.
type fakeRelay struct {
	doc *crdt.Doc

	mu       sync.Mutex
	frames   []Envelope
	sockets  []*memSocket
	dials    int
	rejectN  int // fail this many dials before succeeding
	silentHS bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{doc: crdt.NewDocWithReplica("relay")}
}

func (r *fakeRelay) dial(ctx context.Context, relayURL, workspaceID, token string) (Socket, error) {
	r.mu.Lock()
	r.dials++
	if r.rejectN > 0 {
		r.rejectN--
		r.mu.Unlock()
		return nil, errors.New("relay unavailable")
	}
	socket := newMemSocket()
	r.sockets = append(r.sockets, socket)
	silent := r.silentHS
	r.mu.Unlock()
	if !silent {
		go r.serve(socket)
	}
	return socket, nil
}

func (r *fakeRelay) serve(s *memSocket) {
	handshaking := false
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.toServer:
			env, err := DecodeEnvelope(frame)
			if err != nil {
				continue
			}
			r.mu.Lock()
			r.frames = append(r.frames, env)
			r.mu.Unlock()
			switch env.Type {
			case MsgSyncRequest:
				sv, _ := crdt.DecodeStateVector(env.StateVector)
				s.toClient <- EncodeEnvelope(Envelope{
					Type:        MsgSyncResponse,
					Update:      r.doc.EncodeUpdateSince(sv),
					StateVector: r.doc.StateVector().Encode(),
				})
				handshaking = true
			case MsgUpdate:
				_ = r.doc.ApplyUpdate(env.Update, "client")
				if handshaking {
					handshaking = false
					s.toClient <- EncodeEnvelope(Envelope{Type: MsgSyncDone})
				}
			}
		}
	}
}

func (r *fakeRelay) receivedTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, env := range r.frames {
		out[i] = env.Type
	}
	return out
}

func (r *fakeRelay) lastSocket() *memSocket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets[len(r.sockets)-1]
}

func newTestConn(t *testing.T, relay *fakeRelay, doc *crdt.Doc) (*Conn, *presence.Channel) {
	t.Helper()
	ch := presence.NewChannel("session-local")
	conn := NewConn(Options{
		RelayURL:       "ws://relay.test",
		WorkspaceID:    "ws1",
		Token:          func() string { return "tok" },
		Doc:            doc,
		Presence:       ch,
		Logger:         zerolog.Nop(),
		ConnectTimeout: 200 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffMax:     8 * time.Millisecond,
		MaxAttempts:    3,
		Dial:           relay.dial,
	})
	t.Cleanup(conn.Close)
	return conn, ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectHandshake(t *testing.T) {
	relay := newFakeRelay()
	require.NoError(t, relay.doc.Transact("seed", func(tx *crdt.Txn) {
		tx.SetNode("remote-node", map[string]any{"type": "note", "x": 7.0})
	}))

	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Contains(t, doc.Nodes(), "remote-node", "handshake pulls relay state")
	assert.Equal(t, 0, conn.attempts, "attempt counter resets on success")
}

func TestOfflineEditsReachRelayOnConnect(t *testing.T) {
	relay := newFakeRelay()
	doc := crdt.NewDocWithReplica("client")
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("offline-node", map[string]any{"type": "task", "x": 1.0})
	}))

	conn, _ := newTestConn(t, relay, doc)
	require.NoError(t, conn.Connect(context.Background()))
	assert.Contains(t, relay.doc.Nodes(), "offline-node", "handshake pushes offline edits")
}

func TestConnectTimeoutBecomesError(t *testing.T) {
	relay := newFakeRelay()
	relay.silentHS = true // relay accepts the socket but never acknowledges

	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)

	start := time.Now()
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusError, conn.Status(), "must not stay in connecting forever")
}

func TestLocalUpdateForwardedNotEchoed(t *testing.T) {
	relay := newFakeRelay()
	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)
	require.NoError(t, conn.Connect(context.Background()))

	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n1", map[string]any{"type": "note"})
	}))
	waitFor(t, func() bool {
		_, ok := relay.doc.Nodes()["n1"]
		return ok
	})

	// A remote push must be applied locally without being sent back.
	before := len(relay.receivedTypes())
	require.NoError(t, relay.doc.Transact("other", func(tx *crdt.Txn) {
		tx.SetNode("n2", map[string]any{"type": "note"})
	}))
	relay.lastSocket().toClient <- EncodeEnvelope(Envelope{
		Type:   MsgUpdate,
		Update: relay.doc.EncodeUpdateSince(doc.StateVector()),
	})
	waitFor(t, func() bool {
		_, ok := doc.Nodes()["n2"]
		return ok
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, relay.receivedTypes(), before, "remote update must not be echoed back")
}

func TestGoOfflineKeepsStateAndCounter(t *testing.T) {
	relay := newFakeRelay()
	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n1", map[string]any{"type": "note"})
	}))

	conn.GoOffline()
	assert.Equal(t, StatusDisconnected, conn.Status())
	assert.Equal(t, 0, conn.attempts)
	assert.Contains(t, doc.Nodes(), "n1", "local state survives going offline")

	// Edits while offline still work and sync on the next connect.
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n2", map[string]any{"type": "task"})
	}))
	require.NoError(t, conn.GoOnline(context.Background()))
	waitFor(t, func() bool {
		_, ok := relay.doc.Nodes()["n2"]
		return ok
	})
}

func TestGoOnlineExhaustsAttemptBudget(t *testing.T) {
	relay := newFakeRelay()
	relay.rejectN = 1 << 30 // relay never accepts
	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)

	for i := 0; i < 3; i++ {
		err := conn.GoOnline(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
	}
	err := conn.GoOnline(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StatusError, conn.Status())
}

func TestPresenceReannouncedOnReconnect(t *testing.T) {
	relay := newFakeRelay()
	doc := crdt.NewDocWithReplica("client")
	conn, ch := newTestConn(t, relay, doc)

	conn.SendPresence(ch.SetLocal(presence.State{UserID: "u1", Name: "Sam"}))
	require.NoError(t, conn.Connect(context.Background()))
	waitFor(t, func() bool {
		for _, typ := range relay.receivedTypes() {
			if typ == MsgPresence {
				return true
			}
		}
		return false
	})
}

func TestSupersededConnectLeavesOneSession(t *testing.T) {
	relay := newFakeRelay()
	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)

	require.NoError(t, conn.Connect(context.Background()))
	first := conn.sess
	require.NoError(t, conn.Connect(context.Background()))
	second := conn.sess

	assert.NotSame(t, first, second, "sessions are recreated, never reused")
	select {
	case <-first.ctx.Done():
	default:
		t.Fatal("superseded session must be torn down")
	}
	assert.Equal(t, StatusConnected, conn.Status())
}

func TestBackoffMonotonicUpToCap(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		delay := backoffDelay(base, max, attempt)
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, max)
		prev = delay
	}
	assert.Equal(t, max, backoffDelay(base, max, 11))
	assert.Equal(t, base, backoffDelay(base, max, 0))
}

func TestCancelMidHandshakeAborts(t *testing.T) {
	relay := newFakeRelay()
	relay.silentHS = true
	doc := crdt.NewDocWithReplica("client")
	conn, _ := newTestConn(t, relay, doc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Connect(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect did not abort on cancellation")
	}
	// The abandoned socket is closed, not leaked.
	select {
	case <-relay.lastSocket().closed:
	case <-time.After(time.Second):
		t.Fatal("in-flight socket not released")
	}
}
