package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultSaveDebounce = 500 * time.Millisecond

// LocalOptions configures the single-user file backend.
type LocalOptions struct {
	DataDir      string
	SaveDebounce time.Duration
	Logger       zerolog.Logger
}

// Local persists the board as one JSON document under the data dir. Writes
// are debounced and atomic; an fsnotify watcher reports edits made by other
// programs, with this backend's own writes filtered out by content hash.
type Local struct {
	opts   LocalOptions
	logger zerolog.Logger

	mu          sync.Mutex
	workspaceID string
	watcher     *fsnotify.Watcher
	watchDone   chan struct{}
	timer       *time.Timer
	pending     *Document
	lastHash    string
	subs        []func(Document)
	connected   bool
}

func NewLocal(opts LocalOptions) *Local {
	if opts.DataDir == "" {
		opts.DataDir = ".boardsync"
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = defaultSaveDebounce
	}
	return &Local{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "provider").Str("mode", "local").Logger(),
	}
}

func (l *Local) path(workspaceID string) string {
	return filepath.Join(l.opts.DataDir, "board-"+workspaceID+".json")
}

// Connect starts watching the workspace file for external edits.
func (l *Local) Connect(ctx context.Context, workspaceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return errors.New("local backend already connected")
	}
	if err := os.MkdirAll(l.opts.DataDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: atomic saves replace the inode.
	if err := watcher.Add(l.opts.DataDir); err != nil {
		_ = watcher.Close()
		return err
	}
	l.workspaceID = workspaceID
	l.watcher = watcher
	l.watchDone = make(chan struct{})
	l.connected = true
	go l.watch(watcher, l.path(workspaceID), l.watchDone)
	return nil
}

// Disconnect flushes any pending debounced save and stops the watcher.
func (l *Local) Disconnect() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	watcher := l.watcher
	done := l.watchDone
	l.watcher = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	pending := l.pending
	l.pending = nil
	workspaceID := l.workspaceID
	l.mu.Unlock()

	if pending != nil {
		if err := l.write(workspaceID, *pending); err != nil {
			l.logger.Error().Err(err).Msg("final save failed on disconnect")
		}
	}
	if watcher != nil {
		_ = watcher.Close()
		<-done
	}
}

// Load reads the workspace document. A missing file is an empty board, not an
// error.
func (l *Local) Load(ctx context.Context, workspaceID string) (Document, error) {
	data, err := os.ReadFile(l.path(workspaceID))
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Save schedules a debounced write. Back-to-back edits collapse into one.
func (l *Local) Save(doc Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return
	}
	l.pending = &doc
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.opts.SaveDebounce, l.flushPending)
}

// SaveImmediate cancels any pending debounce and writes synchronously.
func (l *Local) SaveImmediate(doc Document) error {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.pending = nil
	workspaceID := l.workspaceID
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return errors.New("local backend not connected")
	}
	return l.write(workspaceID, doc)
}

// OnExternalChange registers a callback for edits made outside this process.
func (l *Local) OnExternalChange(fn func(Document)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Local) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	workspaceID := l.workspaceID
	connected := l.connected
	l.mu.Unlock()
	if pending == nil || !connected {
		return
	}
	if err := l.write(workspaceID, *pending); err != nil {
		l.logger.Error().Err(err).Msg("debounced save failed")
	}
}

func (l *Local) write(workspaceID string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	sum := contentHash(data)
	l.mu.Lock()
	l.lastHash = sum
	l.mu.Unlock()
	return writeFileAtomic(l.path(workspaceID), data, 0o644)
}

// watch reports external modifications of the workspace file. Our own atomic
// writes show up here too; they are dropped when the file's content hash
// matches the last write.
func (l *Local) watch(watcher *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			l.handleFileEvent(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (l *Local) handleFileEvent(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	sum := contentHash(data)
	l.mu.Lock()
	self := sum == l.lastHash
	subs := make([]func(Document), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()
	if self {
		return
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.logger.Warn().Err(err).Msg("ignoring malformed external edit")
		return
	}
	l.logger.Info().Msg("external edit detected")
	for _, fn := range subs {
		fn(doc)
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
