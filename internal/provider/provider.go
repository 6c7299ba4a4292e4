// Package provider exposes exactly one persistence/sync backend to the rest
// of the application: a plain local file, or the full collaborative stack.
// Whichever is active, the application sees the same small interface.
package provider

import (
	"context"

	"github.com/driftworks/boardsync/internal/board"
)

// Mode selects the active backend.
type Mode string

const (
	ModeLocal         Mode = "local"
	ModeCollaborative Mode = "collaborative"
)

// Document is the materialized workspace projection the application consumes.
type Document struct {
	Nodes []board.Node   `json:"nodes"`
	Edges []board.Edge   `json:"edges"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Provider is the backend surface. Save is debounced and may return before
// the write lands; SaveImmediate does not return until the data is durable
// (or the backend has degraded and logged why).
type Provider interface {
	Connect(ctx context.Context, workspaceID string) error
	Disconnect()
	Load(ctx context.Context, workspaceID string) (Document, error)
	Save(doc Document)
	SaveImmediate(doc Document) error
	OnExternalChange(fn func(Document))
}
