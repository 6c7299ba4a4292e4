package binding

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/boardsync/internal/board"
	"github.com/driftworks/boardsync/internal/crdt"
)

// memStore mimics the application state container: any change, including one
// applied by Replace, notifies subscribers.
type memStore struct {
	mu           sync.Mutex
	nodes        []board.Node
	edges        []board.Edge
	replaceCalls int
	lastFromSync bool
	subs         []func()
}

func (s *memStore) Snapshot() ([]board.Node, []board.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]board.Node(nil), s.nodes...), append([]board.Edge(nil), s.edges...)
}

func (s *memStore) Replace(nodes []board.Node, edges []board.Edge, fromSync bool) {
	s.mu.Lock()
	s.nodes = nodes
	s.edges = edges
	s.replaceCalls++
	s.lastFromSync = fromSync
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *memStore) Subscribe(fn func()) func() {
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

// edit simulates a user mutation: new state, then change notification.
func (s *memStore) edit(nodes []board.Node, edges []board.Edge) {
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

func (s *memStore) replaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceCalls
}

func noteAt(id string, x, y float64) board.Node {
	return board.Node{ID: id, Type: board.NodeNote, Position: board.Position{X: x, Y: y}}
}

func TestBindSeedsStoreFromDocument(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	require.NoError(t, doc.Transact("seed", func(tx *crdt.Txn) {
		tx.SetNode("n1", board.NodeFields(noteAt("n1", 10, 20)))
		tx.AddEdge("e1", board.EdgeFields(board.Edge{ID: "e1", Source: "n1", Target: "n1"}))
	}))

	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	defer b.Close()

	nodes, edges := store.Snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, 10.0, nodes[0].Position.X)
	require.Len(t, edges, 1)
	assert.True(t, store.lastFromSync)
}

func TestOutboundEditLandsWithoutEcho(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	defer b.Close()
	seedReplaces := store.replaces()

	var selfBatches int
	doc.Observe(func(info crdt.TxnInfo) {
		if info.Origin == b.Origin() {
			selfBatches++
		}
	})

	store.edit([]board.Node{noteAt("n1", 1, 2)}, nil)

	assert.Contains(t, doc.Nodes(), "n1")
	assert.Equal(t, 1, selfBatches, "user edit becomes one tagged transaction")
	assert.Equal(t, seedReplaces, store.replaces(), "own transaction must not re-enter the store")
}

func TestInboundForeignChangeReplacesStore(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	defer b.Close()

	var selfBatches int
	doc.Observe(func(info crdt.TxnInfo) {
		if info.Origin == b.Origin() {
			selfBatches++
		}
	})

	remote := crdt.NewDocWithReplica("b")
	require.NoError(t, remote.Transact("seed", func(tx *crdt.Txn) {
		tx.SetNode("n1", board.NodeFields(noteAt("n1", 5, 5)))
	}))
	require.NoError(t, doc.ApplyUpdate(remote.EncodeUpdateSince(doc.StateVector()), "transport:remote"))

	nodes, _ := store.Snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.True(t, store.lastFromSync)
	assert.Zero(t, selfBatches, "inbound apply must not trigger an outbound transaction")
}

func TestConcurrentPositionAndDataMerge(t *testing.T) {
	docA := crdt.NewDocWithReplica("a")
	docB := crdt.NewDocWithReplica("b")
	storeA := &memStore{}
	storeB := &memStore{}
	ba := Bind(docA, storeA, zerolog.Nop())
	defer ba.Close()
	bb := Bind(docB, storeB, zerolog.Nop())
	defer bb.Close()

	shuttle := func(from, to *crdt.Doc) {
		require.NoError(t, to.ApplyUpdate(from.EncodeUpdateSince(to.StateVector()), "transport:remote"))
	}

	base := noteAt("n1", 0, 0)
	base.Data = map[string]any{"text": "hello"}
	storeA.edit([]board.Node{base}, nil)
	shuttle(docA, docB)

	// A moves the node while B rewrites its payload.
	moved := base
	moved.Position = board.Position{X: 100, Y: 200}
	storeA.edit([]board.Node{moved}, nil)

	nodesB, _ := storeB.Snapshot()
	edited := nodesB[0]
	edited.Data = map[string]any{"text": "edited"}
	storeB.edit([]board.Node{edited}, nil)

	shuttle(docA, docB)
	shuttle(docB, docA)

	for _, store := range []*memStore{storeA, storeB} {
		nodes, _ := store.Snapshot()
		require.Len(t, nodes, 1)
		assert.Equal(t, 100.0, nodes[0].Position.X, "position edit survives")
		assert.Equal(t, "edited", nodes[0].Data["text"], "payload edit survives")
	}
}

func TestOutboundDeletesAndEdgeUpdates(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	defer b.Close()

	n1, n2 := noteAt("n1", 0, 0), noteAt("n2", 1, 1)
	edge := board.Edge{ID: "e1", Source: "n1", Target: "n2", Data: map[string]any{"style": "solid"}}
	store.edit([]board.Node{n1, n2}, []board.Edge{edge})
	require.Contains(t, doc.Nodes(), "n1")

	// Edge payload update flows as a field write, not a re-add.
	edge.Data = map[string]any{"style": "dashed"}
	store.edit([]board.Node{n1, n2}, []board.Edge{edge})
	recs := doc.Edges()
	require.Len(t, recs, 1)
	data, ok := recs[0].Fields["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dashed", data["style"])

	store.edit([]board.Node{n2}, nil)
	assert.NotContains(t, doc.Nodes(), "n1")
	assert.Contains(t, doc.Nodes(), "n2")
	assert.Empty(t, doc.Edges())
}

func TestMalformedInboundRecordSkipped(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	defer b.Close()

	require.NoError(t, doc.Transact("test", func(tx *crdt.Txn) {
		tx.SetNode("good", board.NodeFields(noteAt("good", 1, 1)))
		tx.SetNodeField("broken", "x", 4.0) // no type field
		tx.AddEdge("dangling-ok", map[string]any{"source": "good", "target": "missing"})
		tx.AddEdge("broken-edge", map[string]any{"source": "good"}) // no target
	}))

	nodes, edges := store.Snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, "good", nodes[0].ID)
	require.Len(t, edges, 1, "dangling edges pass; structurally broken ones do not")
	assert.Equal(t, "dangling-ok", edges[0].ID)
}

func TestInboundRecordFailingSchemaSkipped(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	defer b.Close()

	// Both records reconstruct fine structurally; only the schema catches a
	// negative dimension and a mistyped coordinate.
	require.NoError(t, doc.Transact("test", func(tx *crdt.Txn) {
		tx.SetNode("good", board.NodeFields(noteAt("good", 1, 1)))
		tx.SetNode("shrunk", map[string]any{"type": "note", "width": -5.0})
		tx.SetNode("warped", map[string]any{"type": "note", "x": "far left"})
	}))

	nodes, _ := store.Snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, "good", nodes[0].ID)
}

func TestCloseDetachesFromStore(t *testing.T) {
	doc := crdt.NewDocWithReplica("a")
	store := &memStore{}
	b := Bind(doc, store, zerolog.Nop())
	b.Close()

	store.edit([]board.Node{noteAt("n1", 0, 0)}, nil)
	assert.NotContains(t, doc.Nodes(), "n1", "closed binding must not write the document")
}
