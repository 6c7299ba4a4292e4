package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/boardsync/internal/board"
	"github.com/driftworks/boardsync/internal/credential"
	"github.com/driftworks/boardsync/internal/crdt"
	"github.com/driftworks/boardsync/internal/presence"
	"github.com/driftworks/boardsync/internal/transport"
)

type stubSocket struct {
	once     sync.Once
	closed   chan struct{}
	toClient chan []byte
	toServer chan []byte
}

func (s *stubSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("socket closed")
	case frame := <-s.toClient:
		return frame, nil
	}
}

func (s *stubSocket) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errors.New("socket closed")
	case s.toServer <- data:
		return nil
	}
}

func (s *stubSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stubRelay answers the sync handshake against its own document, keeps
// applying updates afterwards, and records presence frames it receives.
type stubRelay struct {
	doc *crdt.Doc

	mu       sync.Mutex
	presence [][]byte
}

func (r *stubRelay) presenceFrames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := make([][]byte, len(r.presence))
	copy(frames, r.presence)
	return frames
}

func (r *stubRelay) dial(ctx context.Context, relayURL, workspaceID, token string) (transport.Socket, error) {
	s := &stubSocket{
		closed:   make(chan struct{}),
		toClient: make(chan []byte, 64),
		toServer: make(chan []byte, 64),
	}
	go func() {
		handshaking := false
		for {
			select {
			case <-s.closed:
				return
			case frame := <-s.toServer:
				env, err := transport.DecodeEnvelope(frame)
				if err != nil {
					continue
				}
				switch env.Type {
				case transport.MsgSyncRequest:
					sv, _ := crdt.DecodeStateVector(env.StateVector)
					s.toClient <- transport.EncodeEnvelope(transport.Envelope{
						Type:        transport.MsgSyncResponse,
						Update:      r.doc.EncodeUpdateSince(sv),
						StateVector: r.doc.StateVector().Encode(),
					})
					handshaking = true
				case transport.MsgUpdate:
					_ = r.doc.ApplyUpdate(env.Update, "client")
					if handshaking {
						handshaking = false
						s.toClient <- transport.EncodeEnvelope(transport.Envelope{Type: transport.MsgSyncDone})
					}
				case transport.MsgPresence:
					r.mu.Lock()
					r.presence = append(r.presence, env.Presence)
					r.mu.Unlock()
				}
			}
		}
	}()
	return s, nil
}

type appStore struct {
	mu    sync.Mutex
	nodes []board.Node
	edges []board.Edge
	subs  []func()
}

func (s *appStore) Snapshot() ([]board.Node, []board.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]board.Node(nil), s.nodes...), append([]board.Edge(nil), s.edges...)
}

func (s *appStore) Replace(nodes []board.Node, edges []board.Edge, fromSync bool) {
	s.mu.Lock()
	s.nodes = nodes
	s.edges = edges
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *appStore) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.subs)
	s.subs = append(s.subs, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[idx] = func() {}
	}
}

func (s *appStore) edit(nodes []board.Node, edges []board.Edge) {
	s.mu.Lock()
	s.nodes = nodes
	s.edges = edges
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

type stubCredClient struct{}

func (stubCredClient) ValidateToken(ctx context.Context, workspaceID, token string) (credential.Validation, error) {
	return credential.Validation{Valid: true, ExpiresIn: time.Hour}, nil
}

func (stubCredClient) RefreshToken(ctx context.Context, workspaceID, token string) (credential.Token, error) {
	return credential.Token{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newCollabUnderTest(t *testing.T, relay *stubRelay) (*Collab, *appStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cred, err := credential.NewLifecycle(credential.Options{
		WorkspaceID: "ws1",
		Client:      stubCredClient{},
		Redis:       rdb,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	cred.SetToken(credential.Token{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)})
	t.Cleanup(cred.Close)

	store := &appStore{}
	collab, err := NewCollab(CollabOptions{
		RelayURL:   "ws://relay.test",
		DataDir:    t.TempDir(),
		UserID:     "u1",
		UserName:   "Sam",
		Store:      store,
		Credential: cred,
		Logger:     zerolog.Nop(),
		Dial:       relay.dial,
	})
	require.NoError(t, err)
	t.Cleanup(collab.Disconnect)
	return collab, store
}

func TestCollabConnectPullsRelayStateIntoStore(t *testing.T) {
	relay := &stubRelay{doc: crdt.NewDocWithReplica("relay")}
	require.NoError(t, relay.doc.Transact("seed", func(tx *crdt.Txn) {
		tx.SetNode("remote", board.NodeFields(board.Node{ID: "remote", Type: board.NodeTask}))
	}))

	collab, store := newCollabUnderTest(t, relay)
	require.NoError(t, collab.Connect(context.Background(), "ws1"))
	assert.Equal(t, transport.StatusConnected, collab.Status())

	nodes, _ := store.Snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, "remote", nodes[0].ID)

	doc, err := collab.Load(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)
	assert.Equal(t, float64(board.SchemaVersion), doc.Meta[board.MetaSchemaVersion])
}

func TestCollabUserEditReachesRelay(t *testing.T) {
	relay := &stubRelay{doc: crdt.NewDocWithReplica("relay")}
	collab, store := newCollabUnderTest(t, relay)
	require.NoError(t, collab.Connect(context.Background(), "ws1"))

	store.edit([]board.Node{{ID: "mine", Type: board.NodeNote}}, nil)
	require.Eventually(t, func() bool {
		_, ok := relay.doc.Nodes()["mine"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, collab.SaveImmediate(Document{}))
}

func TestCollabExternalChangeFiresOnRemoteNotOwnEdit(t *testing.T) {
	relay := &stubRelay{doc: crdt.NewDocWithReplica("relay")}
	require.NoError(t, relay.doc.Transact("seed", func(tx *crdt.Txn) {
		tx.SetNode("remote", board.NodeFields(board.Node{ID: "remote", Type: board.NodeNote}))
	}))

	collab, store := newCollabUnderTest(t, relay)
	var mu sync.Mutex
	fired := 0
	collab.OnExternalChange(func(Document) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, collab.Connect(context.Background(), "ws1"))
	mu.Lock()
	seenDuringConnect := fired
	mu.Unlock()
	assert.Greater(t, seenDuringConnect, 0, "handshake merge is an external change")

	store.edit([]board.Node{{ID: "mine", Type: board.NodeNote}, {ID: "remote", Type: board.NodeNote}}, nil)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, seenDuringConnect, fired, "own edits are not external changes")
	mu.Unlock()
}

func TestCollabDisconnectThenReconnectBuildsFreshStack(t *testing.T) {
	relay := &stubRelay{doc: crdt.NewDocWithReplica("relay")}
	collab, store := newCollabUnderTest(t, relay)

	require.NoError(t, collab.Connect(context.Background(), "ws1"))
	store.edit([]board.Node{{ID: "n1", Type: board.NodeNote}}, nil)
	require.Eventually(t, func() bool {
		_, ok := relay.doc.Nodes()["n1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	collab.Disconnect()
	assert.Equal(t, transport.StatusDisconnected, collab.Status())
	_, err := collab.Load(context.Background(), "ws1")
	assert.Error(t, err, "no document outside a connection cycle")

	require.NoError(t, collab.Connect(context.Background(), "ws1"))
	doc, err := collab.Load(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1, "offline persistence restores state into the fresh document")
	assert.Equal(t, "n1", doc.Nodes[0].ID)
}

func TestLoadExcludesDanglingEdges(t *testing.T) {
	relay := &stubRelay{doc: crdt.NewDocWithReplica("relay")}
	require.NoError(t, relay.doc.Transact("seed", func(tx *crdt.Txn) {
		tx.SetNode("a", board.NodeFields(board.Node{ID: "a", Type: board.NodeNote}))
		tx.SetNode("b", board.NodeFields(board.Node{ID: "b", Type: board.NodeNote}))
		tx.AddEdge("a-b", map[string]any{"source": "a", "target": "b"})
		tx.AddEdge("a-gone", map[string]any{"source": "a", "target": "gone"})
	}))

	collab, _ := newCollabUnderTest(t, relay)
	require.NoError(t, collab.Connect(context.Background(), "ws1"))

	doc, err := collab.Load(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, doc.Edges, 1, "edges to missing nodes stay out of the projection")
	assert.Equal(t, "a-b", doc.Edges[0].ID)
}

func TestUpdatePresenceAnnouncesNewState(t *testing.T) {
	relay := &stubRelay{doc: crdt.NewDocWithReplica("relay")}
	collab, _ := newCollabUnderTest(t, relay)

	require.Error(t, collab.UpdatePresence(presence.State{UserID: "u1"}))

	require.NoError(t, collab.Connect(context.Background(), "ws1"))
	require.Eventually(t, func() bool {
		return len(relay.presenceFrames()) > 0
	}, 2*time.Second, 10*time.Millisecond, "connect announces the initial state")

	require.NoError(t, collab.UpdatePresence(presence.State{
		UserID: "u1",
		Name:   "Sam",
		Cursor: &presence.Point{X: 40, Y: 8},
	}))

	observer := presence.NewChannel("observer")
	require.Eventually(t, func() bool {
		frames := relay.presenceFrames()
		require.NoError(t, observer.Apply(frames[len(frames)-1]))
		peers := observer.Peers()
		return len(peers) == 1 && peers[0].State.Cursor != nil
	}, 2*time.Second, 10*time.Millisecond)

	peers := observer.Peers()
	assert.Equal(t, "Sam", peers[0].State.Name)
	assert.Equal(t, 40.0, peers[0].State.Cursor.X)
}
