package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpKind identifies a single merge operation.
type OpKind string

const (
	OpNodeSet    OpKind = "node_set"
	OpNodeDelete OpKind = "node_del"
	OpEdgeAdd    OpKind = "edge_add"
	OpEdgeRemove OpKind = "edge_rm"
	OpEdgeSet    OpKind = "edge_set"
	OpMetaSet    OpKind = "meta_set"
)

// Op is the unit of replication. Ops are idempotent and commutative; an
// update is a JSON-encoded op batch and a snapshot is the canonical op batch
// reconstructing the full document, so both travel in one format.
type Op struct {
	Kind  OpKind `json:"k"`
	ID    string `json:"id"`
	Field string `json:"f,omitempty"`
	Value any    `json:"v,omitempty"`
	Tag   string `json:"g,omitempty"`
	Stamp Stamp  `json:"s"`
}

type updateEnvelope struct {
	Ops []Op `json:"ops"`
}

func encodeOps(ops []Op) []byte {
	data, err := json.Marshal(updateEnvelope{Ops: ops})
	if err != nil {
		// Ops only hold JSON-typed values written through this package.
		panic(fmt.Sprintf("crdt: encode ops: %v", err))
	}
	return data
}

// DecodeOps parses an encoded update without applying it.
func DecodeOps(update []byte) ([]Op, error) {
	var env updateEnvelope
	if err := json.Unmarshal(update, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return env.Ops, nil
}

// StateVector records the highest clock applied per replica. It is the
// client's half of the sync handshake: the remote answers with every op the
// vector has not seen.
type StateVector map[string]uint64

// Covers reports whether the vector has seen the given stamp.
func (sv StateVector) Covers(s Stamp) bool {
	return s.Clock <= sv[s.Replica]
}

func (sv StateVector) Encode() []byte {
	data, _ := json.Marshal(sv)
	return data
}

func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrInvalidUpdate, err)
	}
	return sv, nil
}

// StateVector returns a copy of the document's applied-clock vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.seen))
	for replica, clock := range d.seen {
		sv[replica] = clock
	}
	return sv
}

// ApplyUpdate merges an encoded op batch into the document and notifies
// observers with the given origin tag. Already-applied and stale ops are
// ignored; applying the same update twice is a no-op.
func (d *Doc) ApplyUpdate(update []byte, origin string) error {
	ops, err := DecodeOps(update)
	if err != nil {
		return err
	}
	if d.txnOwner.Load() == goroutineID() {
		return ErrReentrantTxn
	}
	d.mu.Lock()
	changes := newChangeSet()
	var effective []Op
	for _, op := range ops {
		if d.applyOp(op, changes) {
			effective = append(effective, op)
		}
	}
	info := TxnInfo{Origin: origin, Local: false, Changes: changes}
	d.mu.Unlock()

	if len(effective) > 0 {
		d.dispatch(encodeOps(effective), info)
	}
	return nil
}

// EncodeUpdateSince returns an update containing every op the given state
// vector has not seen. With a nil or empty vector this is a full snapshot.
func (d *Doc) EncodeUpdateSince(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sv == nil {
		sv = StateVector{}
	}
	ops := d.snapshotOpsLocked()
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		if sv.Covers(op.Stamp) {
			continue
		}
		out = append(out, op)
	}
	return encodeOps(out)
}

// EncodeSnapshot returns the canonical op batch reconstructing the full
// document state, tombstones included.
func (d *Doc) EncodeSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.snapshotOpsLocked())
}

func (d *Doc) snapshotOpsLocked() []Op {
	var ops []Op
	nodeIDs := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		entry := d.nodes[id]
		fields := make([]string, 0, len(entry.Fields))
		for f := range entry.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			reg := entry.Fields[f]
			ops = append(ops, Op{Kind: OpNodeSet, ID: id, Field: f, Value: reg.Value, Stamp: reg.Stamp})
		}
		if !entry.Tombstone.IsZero() {
			ops = append(ops, Op{Kind: OpNodeDelete, ID: id, Stamp: entry.Tombstone})
		}
	}

	edgeIDs := make([]string, 0, len(d.edges))
	for id := range d.edges {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Strings(edgeIDs)
	for _, id := range edgeIDs {
		entry := d.edges[id]
		tags := make([]string, 0, len(entry.Tags))
		for tag := range entry.Tags {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			ops = append(ops, Op{Kind: OpEdgeAdd, ID: id, Tag: tag, Stamp: entry.Tags[tag]})
		}
		removed := make([]string, 0, len(entry.RemovedTags))
		for tag := range entry.RemovedTags {
			removed = append(removed, tag)
		}
		sort.Strings(removed)
		for _, tag := range removed {
			ops = append(ops, Op{Kind: OpEdgeRemove, ID: id, Tag: tag, Stamp: entry.RemovedTags[tag]})
		}
		fields := make([]string, 0, len(entry.Fields))
		for f := range entry.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			reg := entry.Fields[f]
			ops = append(ops, Op{Kind: OpEdgeSet, ID: id, Field: f, Value: reg.Value, Stamp: reg.Stamp})
		}
	}

	metaKeys := make([]string, 0, len(d.meta))
	for k := range d.meta {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		reg := d.meta[k]
		ops = append(ops, Op{Kind: OpMetaSet, ID: k, Value: reg.Value, Stamp: reg.Stamp})
	}
	return ops
}
