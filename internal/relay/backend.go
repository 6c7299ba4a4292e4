// Package relay implements the synchronization relay: one hub per workspace
// fanning out document updates and presence between connected peers, with the
// authoritative document state held in a pluggable backend.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrInvalidDSN = errors.New("invalid state backend dsn")

// StateBackend stores each workspace's document snapshot. Snapshots are
// opaque encoded op batches; the backend never inspects them.
type StateBackend interface {
	Load(ctx context.Context, workspaceID string) ([]byte, error)
	Save(ctx context.Context, workspaceID string, snapshot []byte) error
	Close() error
}

// InMemoryStateBackend keeps snapshots in process memory. Suitable for tests
// and single-node development relays.
type InMemoryStateBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{snapshots: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(ctx context.Context, workspaceID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, ok := b.snapshots[workspaceID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), snapshot...), nil
}

func (b *InMemoryStateBackend) Save(ctx context.Context, workspaceID string, snapshot []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[workspaceID] = append([]byte(nil), snapshot...)
	return nil
}

func (b *InMemoryStateBackend) Close() error { return nil }

// FileStateBackend stores one snapshot file per workspace under a directory.
type FileStateBackend struct {
	dir string
}

func NewFileStateBackend(dir string) *FileStateBackend {
	return &FileStateBackend{dir: dir}
}

func (b *FileStateBackend) path(workspaceID string) string {
	return filepath.Join(b.dir, "workspace-"+workspaceID+".snapshot")
}

func (b *FileStateBackend) Load(ctx context.Context, workspaceID string) ([]byte, error) {
	data, err := os.ReadFile(b.path(workspaceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b *FileStateBackend) Save(ctx context.Context, workspaceID string, snapshot []byte) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(b.path(workspaceID), snapshot, 0o644)
}

func (b *FileStateBackend) Close() error { return nil }

// BuildStateBackendFromDSN selects a backend by scheme: memory://,
// file:///path, or a postgres connection string. An empty DSN means memory.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryStateBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "", "file":
		path := parsed.Path
		if path == "" {
			path = strings.TrimPrefix(dsn, "file://")
		}
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("%w: file dsn needs a path", ErrInvalidDSN)
		}
		return NewFileStateBackend(path), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}
