// Package binding keeps the application's state container and the replicated
// document in step, in both directions, without echo loops. It is the only
// component that reads and writes both sides.
package binding

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/board"
	"github.com/driftworks/boardsync/internal/crdt"
)

// Store is the application state container the binding mirrors. Replace sets
// both collections wholesale; fromSync tells downstream consumers the change
// came from the document, not from the user, so they do not re-save it.
type Store interface {
	Snapshot() ([]board.Node, []board.Edge)
	Replace(nodes []board.Node, edges []board.Edge, fromSync bool)
	Subscribe(fn func()) (unsubscribe func())
}

// recordValidator compiles the shared inbound record validator once. The
// schemas are embedded constants; a compile failure means a broken build, and
// the binding then falls back to the structural checks in NodeFromFields.
var recordValidator = sync.OnceValues(board.NewValidator)

// Binding is the bidirectional adapter for one document/store pair. Outbound
// changes are applied as field-level diffs inside one transaction tagged with
// the binding's origin; the inbound observer drops batches carrying that tag,
// which is what breaks the loop, including under reentrancy.
type Binding struct {
	origin    string
	doc       *crdt.Doc
	store     Store
	validator *board.Validator
	logger    zerolog.Logger

	mu        sync.Mutex
	prevNodes map[string]board.Node
	prevEdges map[string]board.Edge
	unsub     func()
	closed    bool
}

// Bind connects the store to the document. The document is the source of
// truth at bind time: the store is replaced with the document's current
// contents before any change flows in either direction.
func Bind(doc *crdt.Doc, store Store, logger zerolog.Logger) *Binding {
	b := &Binding{
		origin:    "binding:" + uuid.NewString(),
		doc:       doc,
		store:     store,
		logger:    logger.With().Str("component", "binding").Logger(),
		prevNodes: map[string]board.Node{},
		prevEdges: map[string]board.Edge{},
	}
	validator, err := recordValidator()
	if err != nil {
		b.logger.Error().Err(err).Msg("record schemas failed to compile; inbound schema validation disabled")
	} else {
		b.validator = validator
	}
	b.applyInbound()
	b.unsub = store.Subscribe(b.syncOutbound)
	doc.Observe(b.onDocChange)
	return b
}

// Origin returns the transaction tag identifying this binding's own writes.
func (b *Binding) Origin() string {
	return b.origin
}

// Close detaches the binding from the store. Document observers stay
// registered but turn inert; the document itself is discarded wholesale on a
// connection cycle, which is what retires them.
func (b *Binding) Close() {
	b.mu.Lock()
	b.closed = true
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (b *Binding) onDocChange(info crdt.TxnInfo) {
	if info.Origin == b.origin {
		return
	}
	b.applyInbound()
}

// applyInbound rebuilds both collections from the document and replaces the
// store's state wholesale. Malformed records are skipped with a log line; the
// rest of the batch still lands.
func (b *Binding) applyInbound() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	docNodes := b.doc.Nodes()
	nodes := make([]board.Node, 0, len(docNodes))
	nodeIndex := make(map[string]board.Node, len(docNodes))
	for id, fields := range docNodes {
		if b.validator != nil {
			if err := b.validator.ValidateNodeFields(id, fields); err != nil {
				b.logger.Warn().Err(err).Str("node", id).Msg("skipping node record failing schema validation")
				continue
			}
		}
		node, err := board.NodeFromFields(id, fields)
		if err != nil {
			b.logger.Warn().Err(err).Str("node", id).Msg("skipping malformed node record")
			continue
		}
		nodes = append(nodes, node)
		nodeIndex[id] = node
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	docEdges := b.doc.Edges()
	edges := make([]board.Edge, 0, len(docEdges))
	edgeIndex := make(map[string]board.Edge, len(docEdges))
	for _, rec := range docEdges {
		if b.validator != nil {
			if err := b.validator.ValidateEdgeFields(rec.ID, rec.Fields); err != nil {
				b.logger.Warn().Err(err).Str("edge", rec.ID).Msg("skipping edge record failing schema validation")
				continue
			}
		}
		edge, err := board.EdgeFromFields(rec.ID, rec.Fields)
		if err != nil {
			b.logger.Warn().Err(err).Str("edge", rec.ID).Msg("skipping malformed edge record")
			continue
		}
		edges = append(edges, edge)
		edgeIndex[edge.ID] = edge
	}

	// Prime the diff baseline before touching the store, so the store change
	// notification triggered by Replace diffs to nothing.
	b.prevNodes = nodeIndex
	b.prevEdges = edgeIndex
	b.mu.Unlock()

	b.store.Replace(nodes, edges, true)
}

// syncOutbound diffs the store's snapshot against the last state this binding
// saw and applies only the differences, in one transaction.
func (b *Binding) syncOutbound() {
	nodes, edges := b.store.Snapshot()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	nextNodes := make(map[string]board.Node, len(nodes))
	for _, n := range nodes {
		nextNodes[n.ID] = n
	}
	nextEdges := make(map[string]board.Edge, len(edges))
	for _, e := range edges {
		nextEdges[e.ID] = e
	}

	type nodeWrite struct {
		id     string
		fields map[string]any
	}
	type edgeWrite struct {
		id     string
		fields map[string]any
		add    bool
	}
	var nodeWrites []nodeWrite
	var nodeDeletes []string
	var edgeWrites []edgeWrite
	var edgeDeletes []string

	for _, n := range nodes {
		prev, ok := b.prevNodes[n.ID]
		if !ok {
			nodeWrites = append(nodeWrites, nodeWrite{id: n.ID, fields: board.NodeFields(n)})
			continue
		}
		if diff := board.DiffNodeFields(prev, n); len(diff) > 0 {
			nodeWrites = append(nodeWrites, nodeWrite{id: n.ID, fields: diff})
		}
	}
	for id := range b.prevNodes {
		if _, ok := nextNodes[id]; !ok {
			nodeDeletes = append(nodeDeletes, id)
		}
	}
	for _, e := range edges {
		prev, ok := b.prevEdges[e.ID]
		if !ok {
			edgeWrites = append(edgeWrites, edgeWrite{id: e.ID, fields: board.EdgeFields(e), add: true})
			continue
		}
		if diff := board.DiffEdgeFields(prev, e); len(diff) > 0 {
			edgeWrites = append(edgeWrites, edgeWrite{id: e.ID, fields: diff})
		}
	}
	for id := range b.prevEdges {
		if _, ok := nextEdges[id]; !ok {
			edgeDeletes = append(edgeDeletes, id)
		}
	}

	b.prevNodes = nextNodes
	b.prevEdges = nextEdges
	b.mu.Unlock()

	if len(nodeWrites) == 0 && len(nodeDeletes) == 0 && len(edgeWrites) == 0 && len(edgeDeletes) == 0 {
		return
	}
	sort.Strings(nodeDeletes)
	sort.Strings(edgeDeletes)

	err := b.doc.Transact(b.origin, func(tx *crdt.Txn) {
		for _, w := range nodeWrites {
			tx.SetNode(w.id, w.fields)
		}
		for _, id := range nodeDeletes {
			tx.DeleteNode(id)
		}
		for _, w := range edgeWrites {
			if w.add {
				tx.AddEdge(w.id, w.fields)
				continue
			}
			fields := make([]string, 0, len(w.fields))
			for field := range w.fields {
				fields = append(fields, field)
			}
			sort.Strings(fields)
			for _, field := range fields {
				tx.SetEdgeField(w.id, field, w.fields[field])
			}
		}
		for _, id := range edgeDeletes {
			tx.RemoveEdge(id)
		}
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("outbound sync transaction failed")
	}
}
