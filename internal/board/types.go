// Package board defines the workspace graph data model: typed nodes with
// free-form payloads, edges between them, and workspace metadata.
package board

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrMalformedRecord = errors.New("malformed record")

// NodeType is the closed set of node variants. Records carrying an unknown
// type fail validation and are skipped by consumers, never fatal.
type NodeType string

const (
	NodeNote  NodeType = "note"
	NodeTask  NodeType = "task"
	NodeGroup NodeType = "group"
	NodeImage NodeType = "image"
	NodeLink  NodeType = "link"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeNote, NodeTask, NodeGroup, NodeImage, NodeLink:
		return true
	}
	return false
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is one record of the workspace graph. Data holds the variant-specific
// payload; fields this build does not know about round-trip opaquely so newer
// schema versions are not stripped by older clients.
type Node struct {
	ID         string         `json:"id"`
	Type       NodeType       `json:"type"`
	Position   Position       `json:"position"`
	Dimensions Dimensions     `json:"dimensions"`
	Data       map[string]any `json:"data,omitempty"`
}

// Edge connects two nodes. Endpoints may reference ids that have not arrived
// yet; dangling references are tolerated, not an error.
type Edge struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// Workspace metadata keys stored in the replicated document's meta map.
const (
	MetaName          = "name"
	MetaViewport      = "viewport"
	MetaSchemaVersion = "schemaVersion"
	MetaPreferences   = "preferences"
)

// SchemaVersion identifies the data model shape this build writes.
const SchemaVersion = 1

// Replicated field names for node records.
const (
	fieldType   = "type"
	fieldX      = "x"
	fieldY      = "y"
	fieldWidth  = "width"
	fieldHeight = "height"
	fieldData   = "data"
	fieldSource = "source"
	fieldTarget = "target"
)

// NodeFields flattens a node into the replicated field map. Position and
// dimension components are separate fields so concurrent edits to disjoint
// aspects of one node merge instead of overwriting each other.
func NodeFields(n Node) map[string]any {
	fields := map[string]any{
		fieldType:   string(n.Type),
		fieldX:      n.Position.X,
		fieldY:      n.Position.Y,
		fieldWidth:  n.Dimensions.Width,
		fieldHeight: n.Dimensions.Height,
	}
	if n.Data != nil {
		fields[fieldData] = n.Data
	}
	return fields
}

// PositionFields returns only the position portion of the field map.
func PositionFields(n Node) map[string]any {
	return map[string]any{fieldX: n.Position.X, fieldY: n.Position.Y}
}

// DiffNodeFields returns the replicated fields that differ between two
// versions of a node. Position components, dimensions, type, and data are
// compared independently so an edit to one aspect never rewrites the others.
func DiffNodeFields(old, next Node) map[string]any {
	fields := map[string]any{}
	if next.Type != old.Type {
		fields[fieldType] = string(next.Type)
	}
	if next.Position.X != old.Position.X {
		fields[fieldX] = next.Position.X
	}
	if next.Position.Y != old.Position.Y {
		fields[fieldY] = next.Position.Y
	}
	if next.Dimensions.Width != old.Dimensions.Width {
		fields[fieldWidth] = next.Dimensions.Width
	}
	if next.Dimensions.Height != old.Dimensions.Height {
		fields[fieldHeight] = next.Dimensions.Height
	}
	if !reflect.DeepEqual(next.Data, old.Data) {
		fields[fieldData] = next.Data
	}
	return fields
}

// DiffEdgeFields returns the replicated fields that differ between two
// versions of an edge.
func DiffEdgeFields(old, next Edge) map[string]any {
	fields := map[string]any{}
	if next.Source != old.Source {
		fields[fieldSource] = next.Source
	}
	if next.Target != old.Target {
		fields[fieldTarget] = next.Target
	}
	if !reflect.DeepEqual(next.Data, old.Data) {
		fields[fieldData] = next.Data
	}
	return fields
}

// NodeFromFields reconstructs a node from a replicated field map. A missing
// or mistyped required field yields ErrMalformedRecord; unknown payload
// fields are preserved in Data untouched.
func NodeFromFields(id string, fields map[string]any) (Node, error) {
	if id == "" {
		return Node{}, fmt.Errorf("%w: empty node id", ErrMalformedRecord)
	}
	rawType, ok := fields[fieldType].(string)
	if !ok {
		return Node{}, fmt.Errorf("%w: node %s missing type", ErrMalformedRecord, id)
	}
	nodeType := NodeType(rawType)
	if !nodeType.Valid() {
		return Node{}, fmt.Errorf("%w: node %s has unknown type %q", ErrMalformedRecord, id, rawType)
	}
	node := Node{ID: id, Type: nodeType}
	node.Position.X = floatField(fields, fieldX)
	node.Position.Y = floatField(fields, fieldY)
	node.Dimensions.Width = floatField(fields, fieldWidth)
	node.Dimensions.Height = floatField(fields, fieldHeight)
	if data, ok := fields[fieldData].(map[string]any); ok {
		node.Data = data
	}
	return node, nil
}

// EdgeFields flattens an edge into the replicated field map.
func EdgeFields(e Edge) map[string]any {
	fields := map[string]any{
		fieldSource: e.Source,
		fieldTarget: e.Target,
	}
	if e.Data != nil {
		fields[fieldData] = e.Data
	}
	return fields
}

// EdgeFromFields reconstructs an edge from a replicated field map.
func EdgeFromFields(id string, fields map[string]any) (Edge, error) {
	if id == "" {
		return Edge{}, fmt.Errorf("%w: empty edge id", ErrMalformedRecord)
	}
	source, ok := fields[fieldSource].(string)
	if !ok || source == "" {
		return Edge{}, fmt.Errorf("%w: edge %s missing source", ErrMalformedRecord, id)
	}
	target, ok := fields[fieldTarget].(string)
	if !ok || target == "" {
		return Edge{}, fmt.Errorf("%w: edge %s missing target", ErrMalformedRecord, id)
	}
	edge := Edge{ID: id, Source: source, Target: target}
	if data, ok := fields[fieldData].(map[string]any); ok {
		edge.Data = data
	}
	return edge, nil
}

// PruneDanglingEdges returns the edges whose endpoints both exist in nodes.
// The document itself keeps dangling edges; this is the explicit cleanup pass
// for callers that want one.
func PruneDanglingEdges(nodes map[string]Node, edges []Edge) []Edge {
	kept := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if _, ok := nodes[e.Source]; !ok {
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func floatField(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
