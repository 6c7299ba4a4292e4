package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/boardsync/internal/crdt"
)

func testOptions(t *testing.T) Options {
	return Options{
		DataDir: t.TempDir(),
		Logger:  zerolog.Nop(),
	}
}

func TestOpenEmptyWorkspace(t *testing.T) {
	doc := crdt.NewDoc()
	store, err := Open(context.Background(), "ws1", doc, testOptions(t))
	require.NoError(t, err)
	defer store.Close()

	assert.False(t, store.Degraded())
	assert.Empty(t, doc.Nodes())
}

func TestMutationsSurviveReopen(t *testing.T) {
	opts := testOptions(t)

	doc := crdt.NewDoc()
	store, err := Open(context.Background(), "ws1", doc, opts)
	require.NoError(t, err)
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n1", map[string]any{"type": "note", "x": 42.0})
		tx.AddEdge("e1", map[string]any{"source": "n1", "target": "n1"})
		tx.SetMeta("name", "my board")
	}))
	require.NoError(t, store.Close())

	reloaded := crdt.NewDoc()
	store2, err := Open(context.Background(), "ws1", reloaded, opts)
	require.NoError(t, err)
	defer store2.Close()

	assert.Equal(t, doc.Nodes(), reloaded.Nodes())
	assert.Equal(t, doc.Edges(), reloaded.Edges())
	assert.Equal(t, doc.Meta(), reloaded.Meta())
}

func TestWorkspacesAreIsolated(t *testing.T) {
	opts := testOptions(t)

	docA := crdt.NewDoc()
	storeA, err := Open(context.Background(), "ws-a", docA, opts)
	require.NoError(t, err)
	require.NoError(t, docA.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("only-in-a", map[string]any{"type": "note"})
	}))
	require.NoError(t, storeA.Close())

	docB := crdt.NewDoc()
	storeB, err := Open(context.Background(), "ws-b", docB, opts)
	require.NoError(t, err)
	defer storeB.Close()
	assert.Empty(t, docB.Nodes())
}

func TestCompactionPreservesState(t *testing.T) {
	opts := testOptions(t)
	opts.CompactThreshold = 5

	doc := crdt.NewDoc()
	store, err := Open(context.Background(), "ws1", doc, opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i%10))
		require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
			tx.SetNodeField(id, "x", float64(i))
		}))
	}
	require.NoError(t, store.Close())

	reloaded := crdt.NewDoc()
	store2, err := Open(context.Background(), "ws1", reloaded, opts)
	require.NoError(t, err)
	defer store2.Close()
	assert.Equal(t, doc.Nodes(), reloaded.Nodes())
}

func TestFlushThenReopenWithoutClose(t *testing.T) {
	opts := testOptions(t)

	doc := crdt.NewDoc()
	store, err := Open(context.Background(), "ws1", doc, opts)
	require.NoError(t, err)
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n1", map[string]any{"type": "task"})
	}))
	require.NoError(t, store.Flush(context.Background()))

	// A second reader sees the flushed state even though the first store is
	// still open.
	other := crdt.NewDoc()
	store2, err := Open(context.Background(), "ws1", other, opts)
	require.NoError(t, err)
	assert.Equal(t, doc.Nodes(), other.Nodes())
	require.NoError(t, store2.Close())
	require.NoError(t, store.Close())
}

func TestUnusableDataDirDegrades(t *testing.T) {
	opts := testOptions(t)
	// A file where the data dir should be makes MkdirAll fail.
	opts.DataDir = filepath.Join(opts.DataDir, "occupied")
	writeFile(t, opts.DataDir)

	doc := crdt.NewDoc()
	store, err := Open(context.Background(), "ws1", doc, opts)
	require.NoError(t, err, "storage failure must not abort the engine")
	defer store.Close()
	assert.True(t, store.Degraded())

	// The document still works in memory.
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n1", map[string]any{"type": "note"})
	}))
	assert.Contains(t, doc.Nodes(), "n1")
	assert.NoError(t, store.Flush(context.Background()))
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestWriteFailureAfterOpenDegrades(t *testing.T) {
	opts := testOptions(t)

	doc := crdt.NewDoc()
	store, err := Open(context.Background(), "ws1", doc, opts)
	require.NoError(t, err)

	// Closing the handle out from under the store makes the next append fail.
	store.mu.Lock()
	require.NoError(t, store.db.Close())
	store.mu.Unlock()

	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n1", map[string]any{"type": "note"})
	}))
	assert.True(t, store.Degraded())

	// Subsequent mutations keep succeeding in memory.
	require.NoError(t, doc.Transact("ui", func(tx *crdt.Txn) {
		tx.SetNode("n2", map[string]any{"type": "task"})
	}))
	assert.Len(t, doc.Nodes(), 2)
}
