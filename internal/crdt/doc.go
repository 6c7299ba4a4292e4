// Package crdt implements the replicated document backing a workspace: a
// field-level last-writer-wins map of nodes, an observed-remove set of edges,
// and a last-writer-wins scalar map of workspace metadata. Concurrent edits
// from any number of replicas merge deterministically; two replicas that have
// seen the same set of updates materialize identical state.
package crdt

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrInvalidUpdate = errors.New("invalid update")
	ErrReentrantTxn  = errors.New("reentrant transaction")
)

// Stamp is a lamport timestamp with a replica-id tiebreak. Ordering is total:
// higher clock wins, equal clocks break on replica id.
type Stamp struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Replica == ""
}

// Newer reports whether s should win over other.
func (s Stamp) Newer(other Stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.Replica > other.Replica
}

type register struct {
	Value any   `json:"v"`
	Stamp Stamp `json:"s"`
}

type nodeEntry struct {
	Fields    map[string]register `json:"f"`
	Tombstone Stamp               `json:"t"`
}

// live reports whether the node is visible. A field write newer than the
// tombstone resurrects the record; this keeps delete/update races convergent.
func (e *nodeEntry) live() bool {
	if e.Tombstone.IsZero() {
		return true
	}
	for _, reg := range e.Fields {
		if reg.Stamp.Newer(e.Tombstone) {
			return true
		}
	}
	return false
}

type edgeEntry struct {
	Tags        map[string]Stamp    `json:"a"`
	RemovedTags map[string]Stamp    `json:"d"`
	Fields      map[string]register `json:"f"`
}

func (e *edgeEntry) live() bool {
	for tag := range e.Tags {
		if _, removed := e.RemovedTags[tag]; !removed {
			return true
		}
	}
	return false
}

// orderStamp is the deterministic sort key for a live edge: the oldest
// surviving add tag. Edge order carries no meaning but must be stable.
func (e *edgeEntry) orderStamp() Stamp {
	var best Stamp
	first := true
	for tag, st := range e.Tags {
		if _, removed := e.RemovedTags[tag]; removed {
			continue
		}
		if first || best.Newer(st) {
			best = st
			first = false
		}
	}
	return best
}

// TxnInfo describes one committed transaction to observers. Local is true for
// transactions produced by this process; Origin identifies the component that
// produced the batch and is the loop-breaking mechanism for bound consumers.
type TxnInfo struct {
	Origin  string
	Local   bool
	Changes ChangeSet
}

// ChangeSet summarizes which records a transaction touched.
type ChangeSet struct {
	Nodes        map[string]struct{}
	RemovedNodes map[string]struct{}
	Edges        map[string]struct{}
	RemovedEdges map[string]struct{}
	Meta         map[string]struct{}
}

func newChangeSet() ChangeSet {
	return ChangeSet{
		Nodes:        map[string]struct{}{},
		RemovedNodes: map[string]struct{}{},
		Edges:        map[string]struct{}{},
		RemovedEdges: map[string]struct{}{},
		Meta:         map[string]struct{}{},
	}
}

func (c ChangeSet) Empty() bool {
	return len(c.Nodes) == 0 && len(c.RemovedNodes) == 0 &&
		len(c.Edges) == 0 && len(c.RemovedEdges) == 0 && len(c.Meta) == 0
}

// Observer receives a notification per committed transaction.
type Observer func(info TxnInfo)

// UpdateObserver receives the encoded delta of each committed local
// transaction and each applied remote update, with its origin tag.
type UpdateObserver func(update []byte, info TxnInfo)

// Doc is a replicated workspace document. All methods are safe for concurrent
// use; mutations are serialized and observers fire once per transaction, in
// commit order, outside the document lock.
type Doc struct {
	mu      sync.Mutex
	replica string
	clock   uint64

	nodes map[string]*nodeEntry
	edges map[string]*edgeEntry
	meta  map[string]register

	seen map[string]uint64

	// txnOwner holds the goroutine id of the transaction body currently
	// running under mu, zero when idle. Reentrancy is detected against it
	// before blocking on mu, so a nested call errors instead of deadlocking.
	txnOwner atomic.Int64

	dispatchMu  sync.Mutex
	observers   []Observer
	updateObses []UpdateObserver
}

// NewDoc creates an empty document with a fresh replica identity.
func NewDoc() *Doc {
	return NewDocWithReplica(uuid.NewString())
}

func NewDocWithReplica(replica string) *Doc {
	return &Doc{
		replica: replica,
		nodes:   map[string]*nodeEntry{},
		edges:   map[string]*edgeEntry{},
		meta:    map[string]register{},
		seen:    map[string]uint64{},
	}
}

// Replica returns the document's replica id.
func (d *Doc) Replica() string {
	return d.replica
}

// Observe registers a structural observer. Observers must not assume they run
// on any particular goroutine.
func (d *Doc) Observe(fn Observer) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	d.observers = append(d.observers, fn)
}

// ObserveUpdates registers an encoded-delta observer. Persistence and
// transport use this to mirror every transaction without polling.
func (d *Doc) ObserveUpdates(fn UpdateObserver) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	d.updateObses = append(d.updateObses, fn)
}

// Txn collects mutations for one atomic batch.
type Txn struct {
	doc     *Doc
	ops     []Op
	changes ChangeSet
}

// Transact runs fn, applies its mutations atomically, and notifies observers
// once with the given origin tag. Calling Transact from inside a transaction
// body returns ErrReentrantTxn. Transacting from an observer callback is
// allowed and serializes behind the committing transaction.
func (d *Doc) Transact(origin string, fn func(tx *Txn)) error {
	gid := goroutineID()
	if d.txnOwner.Load() == gid {
		return ErrReentrantTxn
	}
	d.mu.Lock()
	d.txnOwner.Store(gid)
	tx := &Txn{doc: d, changes: newChangeSet()}
	fn(tx)
	d.txnOwner.Store(0)
	info := TxnInfo{Origin: origin, Local: true, Changes: tx.changes}
	ops := tx.ops
	d.mu.Unlock()

	if len(ops) > 0 {
		d.dispatch(encodeOps(ops), info)
	}
	return nil
}

func (d *Doc) dispatch(update []byte, info TxnInfo) {
	d.dispatchMu.Lock()
	observers := append([]Observer(nil), d.observers...)
	updateObses := append([]UpdateObserver(nil), d.updateObses...)
	d.dispatchMu.Unlock()
	for _, fn := range observers {
		fn(info)
	}
	for _, fn := range updateObses {
		fn(update, info)
	}
}

// goroutineID parses the calling goroutine's id from the runtime stack
// header. The runtime offers no direct accessor; the header format
// ("goroutine N [state]:") is stable across releases.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (d *Doc) nextStamp() Stamp {
	d.clock++
	return Stamp{Clock: d.clock, Replica: d.replica}
}

func (d *Doc) witness(s Stamp) {
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
	if s.Clock > d.seen[s.Replica] {
		d.seen[s.Replica] = s.Clock
	}
}

// SetNodeField writes one field of a node, creating the node if absent.
func (tx *Txn) SetNodeField(id, field string, value any) {
	st := tx.doc.nextStamp()
	op := Op{Kind: OpNodeSet, ID: id, Field: field, Value: value, Stamp: st}
	tx.doc.applyOp(op, tx.changes)
	tx.ops = append(tx.ops, op)
}

// SetNode writes a set of node fields in one go.
func (tx *Txn) SetNode(id string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tx.SetNodeField(id, k, fields[k])
	}
}

// DeleteNode tombstones a node.
func (tx *Txn) DeleteNode(id string) {
	st := tx.doc.nextStamp()
	op := Op{Kind: OpNodeDelete, ID: id, Stamp: st}
	tx.doc.applyOp(op, tx.changes)
	tx.ops = append(tx.ops, op)
}

// AddEdge inserts an edge with the given fields. Re-adding an existing id is
// harmless; the new tag keeps the edge alive across concurrent removes.
func (tx *Txn) AddEdge(id string, fields map[string]any) {
	st := tx.doc.nextStamp()
	tag := fmt.Sprintf("%s:%d", tx.doc.replica, st.Clock)
	op := Op{Kind: OpEdgeAdd, ID: id, Tag: tag, Stamp: st}
	tx.doc.applyOp(op, tx.changes)
	tx.ops = append(tx.ops, op)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tx.SetEdgeField(id, k, fields[k])
	}
}

// SetEdgeField writes one field of an edge.
func (tx *Txn) SetEdgeField(id, field string, value any) {
	st := tx.doc.nextStamp()
	op := Op{Kind: OpEdgeSet, ID: id, Field: field, Value: value, Stamp: st}
	tx.doc.applyOp(op, tx.changes)
	tx.ops = append(tx.ops, op)
}

// RemoveEdge removes all currently observed add tags of an edge. A concurrent
// add on another replica survives the remove.
func (tx *Txn) RemoveEdge(id string) {
	entry, ok := tx.doc.edges[id]
	if !ok {
		return
	}
	st := tx.doc.nextStamp()
	for tag := range entry.Tags {
		if _, removed := entry.RemovedTags[tag]; removed {
			continue
		}
		op := Op{Kind: OpEdgeRemove, ID: id, Tag: tag, Stamp: st}
		tx.doc.applyOp(op, tx.changes)
		tx.ops = append(tx.ops, op)
	}
}

// SetMeta writes a workspace metadata key (last-writer-wins).
func (tx *Txn) SetMeta(key string, value any) {
	st := tx.doc.nextStamp()
	op := Op{Kind: OpMetaSet, ID: key, Value: value, Stamp: st}
	tx.doc.applyOp(op, tx.changes)
	tx.ops = append(tx.ops, op)
}

// applyOp merges a single op into document state. Idempotent and commutative:
// replaying an op or applying concurrent ops in any order yields the same
// state. Caller holds d.mu.
func (d *Doc) applyOp(op Op, changes ChangeSet) bool {
	d.witness(op.Stamp)
	switch op.Kind {
	case OpNodeSet:
		entry, ok := d.nodes[op.ID]
		if !ok {
			entry = &nodeEntry{Fields: map[string]register{}}
			d.nodes[op.ID] = entry
		}
		current, exists := entry.Fields[op.Field]
		if exists && !op.Stamp.Newer(current.Stamp) {
			return false
		}
		entry.Fields[op.Field] = register{Value: op.Value, Stamp: op.Stamp}
		if entry.live() {
			changes.Nodes[op.ID] = struct{}{}
		}
		return true
	case OpNodeDelete:
		entry, ok := d.nodes[op.ID]
		if !ok {
			entry = &nodeEntry{Fields: map[string]register{}}
			d.nodes[op.ID] = entry
		}
		if !entry.Tombstone.IsZero() && !op.Stamp.Newer(entry.Tombstone) {
			return false
		}
		wasLive := entry.live()
		entry.Tombstone = op.Stamp
		if wasLive && !entry.live() {
			changes.RemovedNodes[op.ID] = struct{}{}
			delete(changes.Nodes, op.ID)
		}
		return true
	case OpEdgeAdd:
		entry, ok := d.edges[op.ID]
		if !ok {
			entry = &edgeEntry{Tags: map[string]Stamp{}, RemovedTags: map[string]Stamp{}, Fields: map[string]register{}}
			d.edges[op.ID] = entry
		}
		if _, seen := entry.Tags[op.Tag]; seen {
			return false
		}
		entry.Tags[op.Tag] = op.Stamp
		if entry.live() {
			changes.Edges[op.ID] = struct{}{}
		}
		return true
	case OpEdgeRemove:
		entry, ok := d.edges[op.ID]
		if !ok {
			entry = &edgeEntry{Tags: map[string]Stamp{}, RemovedTags: map[string]Stamp{}, Fields: map[string]register{}}
			d.edges[op.ID] = entry
		}
		if _, seen := entry.RemovedTags[op.Tag]; seen {
			return false
		}
		wasLive := entry.live()
		entry.RemovedTags[op.Tag] = op.Stamp
		if wasLive && !entry.live() {
			changes.RemovedEdges[op.ID] = struct{}{}
			delete(changes.Edges, op.ID)
		}
		return true
	case OpEdgeSet:
		entry, ok := d.edges[op.ID]
		if !ok {
			entry = &edgeEntry{Tags: map[string]Stamp{}, RemovedTags: map[string]Stamp{}, Fields: map[string]register{}}
			d.edges[op.ID] = entry
		}
		current, exists := entry.Fields[op.Field]
		if exists && !op.Stamp.Newer(current.Stamp) {
			return false
		}
		entry.Fields[op.Field] = register{Value: op.Value, Stamp: op.Stamp}
		if entry.live() {
			changes.Edges[op.ID] = struct{}{}
		}
		return true
	case OpMetaSet:
		current, exists := d.meta[op.ID]
		if exists && !op.Stamp.Newer(current.Stamp) {
			return false
		}
		d.meta[op.ID] = register{Value: op.Value, Stamp: op.Stamp}
		changes.Meta[op.ID] = struct{}{}
		return true
	default:
		return false
	}
}

// Nodes materializes the live node collection as id -> field map. The returned
// maps are copies; callers may mutate them freely.
func (d *Doc) Nodes() map[string]map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]map[string]any, len(d.nodes))
	for id, entry := range d.nodes {
		if !entry.live() {
			continue
		}
		fields := make(map[string]any, len(entry.Fields))
		for k, reg := range entry.Fields {
			fields[k] = reg.Value
		}
		out[id] = fields
	}
	return out
}

// EdgeRecord is a materialized edge.
type EdgeRecord struct {
	ID     string
	Fields map[string]any
}

// Edges materializes the live edge collection in deterministic order.
func (d *Doc) Edges() []EdgeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	type ordered struct {
		rec EdgeRecord
		st  Stamp
	}
	list := make([]ordered, 0, len(d.edges))
	for id, entry := range d.edges {
		if !entry.live() {
			continue
		}
		fields := make(map[string]any, len(entry.Fields))
		for k, reg := range entry.Fields {
			fields[k] = reg.Value
		}
		list = append(list, ordered{rec: EdgeRecord{ID: id, Fields: fields}, st: entry.orderStamp()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].st != list[j].st {
			return list[j].st.Newer(list[i].st)
		}
		return list[i].rec.ID < list[j].rec.ID
	})
	out := make([]EdgeRecord, len(list))
	for i, item := range list {
		out[i] = item.rec
	}
	return out
}

// Meta materializes the workspace metadata map.
func (d *Doc) Meta() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.meta))
	for k, reg := range d.meta {
		out[k] = reg.Value
	}
	return out
}

// MetaValue returns one metadata key.
func (d *Doc) MetaValue(key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.meta[key]
	if !ok {
		return nil, false
	}
	return reg.Value, true
}
