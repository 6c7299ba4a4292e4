package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/crdt"
	"github.com/driftworks/boardsync/internal/transport"
)

const (
	clientSendBuffer = 256
	saveInterval     = time.Second
)

// Hub routes every workspace's traffic through its workspaceHub, creating
// hubs lazily and restoring their documents from the state backend.
type Hub struct {
	backend StateBackend
	logger  zerolog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspaceHub
	closed     bool
}

func NewHub(backend StateBackend, logger zerolog.Logger) *Hub {
	return &Hub{
		backend:    backend,
		logger:     logger.With().Str("component", "hub").Logger(),
		workspaces: map[string]*workspaceHub{},
	}
}

// Workspace returns the hub for one workspace, creating and restoring it on
// first use.
func (h *Hub) Workspace(ctx context.Context, workspaceID string) (*workspaceHub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ws, ok := h.workspaces[workspaceID]; ok {
		return ws, nil
	}
	doc := crdt.NewDocWithReplica("relay:" + workspaceID)
	snapshot, err := h.backend.Load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := doc.ApplyUpdate(snapshot, "backend:load"); err != nil {
			h.logger.Warn().Err(err).Str("workspace", workspaceID).Msg("stored snapshot unreadable; starting empty")
		}
	}
	ws := &workspaceHub{
		id:       workspaceID,
		doc:      doc,
		backend:  h.backend,
		logger:   h.logger.With().Str("workspace", workspaceID).Logger(),
		clients:  map[string]*client{},
		presence: map[string]presenceEntry{},
		stop:     make(chan struct{}),
	}
	go ws.saveLoop()
	h.workspaces[workspaceID] = ws
	return ws, nil
}

// Close flushes and stops every workspace hub.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	workspaces := make([]*workspaceHub, 0, len(h.workspaces))
	for _, ws := range h.workspaces {
		workspaces = append(workspaces, ws)
	}
	h.mu.Unlock()
	for _, ws := range workspaces {
		ws.shutdown()
	}
}

// client is one live relay connection.
type client struct {
	id   string
	send chan []byte
	// sessions announced over this connection, reported left on disconnect
	sessions map[string]struct{}
}

type presenceEntry struct {
	owner string // client id
	frame []byte // last announcement, replayed to late joiners
}

// workspaceHub owns one workspace: the authoritative document, the connected
// clients, and the last presence announcement per session.
type workspaceHub struct {
	id      string
	doc     *crdt.Doc
	backend StateBackend
	logger  zerolog.Logger

	mu       sync.Mutex
	clients  map[string]*client
	presence map[string]presenceEntry
	dirty    bool
	stopped  bool
	stop     chan struct{}
}

// Sync answers a client's handshake request: the delta it is missing plus
// the document's state vector, so the client can send its own missing ops
// back.
func (ws *workspaceHub) Sync(clientSV crdt.StateVector) (update []byte, sv crdt.StateVector) {
	return ws.doc.EncodeUpdateSince(clientSV), ws.doc.StateVector()
}

// Join registers a connection after its handshake completed. The returned
// channel carries every frame the relay wants delivered; pending presence of
// already-connected peers is queued onto it immediately.
func (ws *workspaceHub) Join(clientID string) (<-chan []byte, error) {
	cl := &client{
		id:       clientID,
		send:     make(chan []byte, clientSendBuffer),
		sessions: map[string]struct{}{},
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.clients[clientID] = cl
	for _, entry := range ws.presence {
		select {
		case cl.send <- entry.frame:
		default:
		}
	}
	return cl.send, nil
}

// Leave drops a connection and tells everyone its presence sessions are gone.
func (ws *workspaceHub) Leave(clientID string) {
	ws.mu.Lock()
	cl, ok := ws.clients[clientID]
	if !ok {
		ws.mu.Unlock()
		return
	}
	delete(ws.clients, clientID)
	close(cl.send)
	var gone []string
	for sessionID := range cl.sessions {
		if entry, ok := ws.presence[sessionID]; ok && entry.owner == clientID {
			delete(ws.presence, sessionID)
			gone = append(gone, sessionID)
		}
	}
	ws.mu.Unlock()

	for _, sessionID := range gone {
		ws.broadcast(clientID, transport.EncodeEnvelope(transport.Envelope{
			Type:      transport.MsgPeerLeft,
			SessionID: sessionID,
		}))
	}
}

// ApplyUpdate merges a client's update into the authoritative document and
// fans it out to every other connection.
func (ws *workspaceHub) ApplyUpdate(clientID string, update []byte) error {
	if err := ws.doc.ApplyUpdate(update, "client:"+clientID); err != nil {
		return err
	}
	ws.mu.Lock()
	ws.dirty = true
	ws.mu.Unlock()
	ws.broadcast(clientID, transport.EncodeEnvelope(transport.Envelope{
		Type:   transport.MsgUpdate,
		Update: update,
	}))
	return nil
}

// HandlePresence records the announcement for replay and forwards it.
func (ws *workspaceHub) HandlePresence(clientID string, raw []byte) {
	var msg struct {
		SessionID string          `json:"sessionId"`
		State     json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.SessionID == "" {
		ws.logger.Warn().Msg("dropping malformed presence frame")
		return
	}
	frame := transport.EncodeEnvelope(transport.Envelope{Type: transport.MsgPresence, Presence: raw})

	ws.mu.Lock()
	if cl, ok := ws.clients[clientID]; ok {
		cl.sessions[msg.SessionID] = struct{}{}
	}
	if len(msg.State) == 0 || string(msg.State) == "null" {
		delete(ws.presence, msg.SessionID)
	} else {
		ws.presence[msg.SessionID] = presenceEntry{owner: clientID, frame: frame}
	}
	ws.mu.Unlock()

	ws.broadcast(clientID, frame)
}

// broadcast queues a frame to every connection except the origin. A client
// that cannot keep up is dropped rather than allowed to stall the workspace.
func (ws *workspaceHub) broadcast(originID string, frame []byte) {
	ws.mu.Lock()
	var stalled []string
	for id, cl := range ws.clients {
		if id == originID {
			continue
		}
		select {
		case cl.send <- frame:
		default:
			stalled = append(stalled, id)
		}
	}
	for _, id := range stalled {
		if cl, ok := ws.clients[id]; ok {
			close(cl.send)
			delete(ws.clients, id)
			ws.logger.Warn().Str("client", id).Msg("dropping client with full send buffer")
		}
	}
	ws.mu.Unlock()
}

// saveLoop persists the document whenever it changed since the last tick.
func (ws *workspaceHub) saveLoop() {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.stop:
			return
		case <-ticker.C:
			ws.saveIfDirty()
		}
	}
}

func (ws *workspaceHub) saveIfDirty() {
	ws.mu.Lock()
	dirty := ws.dirty
	ws.dirty = false
	ws.mu.Unlock()
	if !dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if err := ws.backend.Save(ctx, ws.id, ws.doc.EncodeSnapshot()); err != nil {
		ws.logger.Error().Err(err).Msg("snapshot save failed")
		ws.mu.Lock()
		ws.dirty = true
		ws.mu.Unlock()
	}
}

func (ws *workspaceHub) shutdown() {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.stopped = true
	ws.dirty = true
	for id, cl := range ws.clients {
		close(cl.send)
		delete(ws.clients, id)
	}
	ws.mu.Unlock()
	close(ws.stop)
	ws.saveIfDirty()
}
