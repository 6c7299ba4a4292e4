package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/binding"
	"github.com/driftworks/boardsync/internal/board"
	"github.com/driftworks/boardsync/internal/credential"
	"github.com/driftworks/boardsync/internal/crdt"
	"github.com/driftworks/boardsync/internal/persist"
	"github.com/driftworks/boardsync/internal/presence"
	"github.com/driftworks/boardsync/internal/transport"
)

// CollabOptions configures the collaborative backend.
type CollabOptions struct {
	RelayURL string
	DataDir  string

	// Identity announced on the presence channel.
	UserID   string
	UserName string
	Color    string

	Store      binding.Store
	Credential *credential.Lifecycle
	Logger     zerolog.Logger

	// Dial overrides the websocket dialer, for tests.
	Dial transport.DialFunc
}

// Collab is the collaborative backend: a replicated document kept durable by
// the persistence layer, mirrored into the application store by the binding,
// and synchronized through the relay transport. Saving is implicit; every
// document transaction is persisted and broadcast as it commits.
type Collab struct {
	opts   CollabOptions
	logger zerolog.Logger

	mu          sync.Mutex
	workspaceID string
	doc         *crdt.Doc
	store       *persist.Store
	bind        *binding.Binding
	conn        *transport.Conn
	pres        *presence.Channel
	subs        []func(Document)
	connected   bool
}

func NewCollab(opts CollabOptions) (*Collab, error) {
	if opts.Store == nil {
		return nil, errors.New("collaborative backend requires a store")
	}
	if opts.Credential == nil {
		return nil, errors.New("collaborative backend requires a credential lifecycle")
	}
	c := &Collab{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "provider").Str("mode", "collaborative").Logger(),
	}
	// When another process refreshes the shared token, re-dial so the relay
	// sees the new credential before the old one expires server-side.
	opts.Credential.OnTokenUpdate(func(credential.Token) {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.Connect(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect with refreshed token failed")
		}
	})
	return c, nil
}

// Connect brings up the whole stack for one workspace. The document and every
// observer wired to it are created fresh; nothing survives from a previous
// connection cycle.
func (c *Collab) Connect(ctx context.Context, workspaceID string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("collaborative backend already connected")
	}
	c.mu.Unlock()

	v, err := c.opts.Credential.Validate(ctx)
	if err != nil {
		return fmt.Errorf("credential validation: %w", err)
	}
	if !v.Valid {
		if _, err := c.opts.Credential.Refresh(ctx); err != nil {
			return fmt.Errorf("credential refresh: %w", err)
		}
	} else {
		c.opts.Credential.ScheduleRefresh(v.ExpiresIn)
	}

	doc := crdt.NewDoc()
	store, err := persist.Open(ctx, workspaceID, doc, persist.Options{
		DataDir: c.opts.DataDir,
		Logger:  c.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("open offline storage: %w", err)
	}

	pres := presence.NewChannel(uuid.NewString())
	bind := binding.Bind(doc, c.opts.Store, c.opts.Logger)
	conn := transport.NewConn(transport.Options{
		RelayURL:    c.opts.RelayURL,
		WorkspaceID: workspaceID,
		Token:       c.opts.Credential.Token,
		Doc:         doc,
		Presence:    pres,
		Logger:      c.opts.Logger,
		Dial:        c.opts.Dial,
	})

	ownOrigin := bind.Origin()
	doc.Observe(func(info crdt.TxnInfo) {
		if info.Origin == ownOrigin {
			return
		}
		c.notifyExternal(doc)
	})

	pres.SetLocal(presence.State{
		UserID: c.opts.UserID,
		Name:   c.opts.UserName,
		Color:  c.opts.Color,
	})

	if err := conn.Connect(ctx); err != nil {
		// Offline start is not fatal; edits keep landing locally and the
		// caller can go online later.
		c.logger.Warn().Err(err).Msg("relay unreachable; starting offline")
	}

	c.stampSchemaVersion(doc)

	c.mu.Lock()
	c.workspaceID = workspaceID
	c.doc = doc
	c.store = store
	c.bind = bind
	c.conn = conn
	c.pres = pres
	c.connected = true
	c.mu.Unlock()
	return nil
}

// stampSchemaVersion writes the data model version on first contact and warns
// when the document was written by a newer build. The write is never blocked.
func (c *Collab) stampSchemaVersion(doc *crdt.Doc) {
	raw, ok := doc.MetaValue(board.MetaSchemaVersion)
	if !ok {
		err := doc.Transact("provider:schema", func(tx *crdt.Txn) {
			tx.SetMeta(board.MetaSchemaVersion, float64(board.SchemaVersion))
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to stamp schema version")
		}
		return
	}
	if version, ok := raw.(float64); ok && int(version) > board.SchemaVersion {
		c.logger.Warn().
			Int("document", int(version)).
			Int("supported", board.SchemaVersion).
			Msg("workspace written by a newer build; proceeding anyway")
	}
}

// Disconnect tears the stack down whole: transport first so no remote update
// arrives mid-teardown, then the binding, then storage with a final flush.
// The document is discarded; a later Connect builds a fresh one.
func (c *Collab) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	conn, bind, store, pres := c.conn, c.bind, c.store, c.pres
	c.conn, c.bind, c.store, c.pres, c.doc = nil, nil, nil, nil, nil
	c.connected = false
	c.mu.Unlock()

	if pres != nil {
		conn.SendPresence(pres.EncodeLeave())
	}
	conn.Close()
	bind.Close()
	if err := store.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("offline storage close failed")
	}
}

// Load materializes the current projection. The backend must be connected;
// the document does not exist outside a connection cycle.
func (c *Collab) Load(ctx context.Context, workspaceID string) (Document, error) {
	c.mu.Lock()
	doc := c.doc
	current := c.workspaceID
	c.mu.Unlock()
	if doc == nil {
		return Document{}, errors.New("collaborative backend not connected")
	}
	if workspaceID != current {
		return Document{}, fmt.Errorf("workspace %s is not the connected workspace", workspaceID)
	}
	return materialize(doc), nil
}

// Save is a no-op: every document transaction is already persisted and
// broadcast by its observers.
func (c *Collab) Save(Document) {}

// SaveImmediate forces the offline persistence layer to flush.
func (c *Collab) SaveImmediate(Document) error {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return errors.New("collaborative backend not connected")
	}
	return store.Flush(context.Background())
}

// OnExternalChange registers a callback fired when the document changes from
// anywhere but the application itself: remote peers, storage load, schema
// stamping.
func (c *Collab) OnExternalChange(fn func(Document)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Collab) notifyExternal(doc *crdt.Doc) {
	c.mu.Lock()
	subs := make([]func(Document), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	snapshot := materialize(doc)
	for _, fn := range subs {
		fn(snapshot)
	}
}

// Status reports the transport state, or disconnected when no stack is up.
func (c *Collab) Status() transport.Status {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.StatusDisconnected
	}
	return conn.Status()
}

// OnStatus registers a transport status callback on the current connection.
func (c *Collab) OnStatus(fn func(transport.Status)) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.OnStatus(fn)
	}
}

// ConnectedUsers lists the peers currently announced on the presence channel.
func (c *Collab) ConnectedUsers() []presence.Peer {
	c.mu.Lock()
	pres := c.pres
	c.mu.Unlock()
	if pres == nil {
		return nil
	}
	return pres.Peers()
}

// UpdatePresence replaces the local presence state and announces it to peers.
// Offline the frame is dropped by the transport; the next connection replays
// the current state during its handshake.
func (c *Collab) UpdatePresence(state presence.State) error {
	c.mu.Lock()
	conn, pres := c.conn, c.pres
	c.mu.Unlock()
	if pres == nil {
		return errors.New("collaborative backend not connected")
	}
	conn.SendPresence(pres.SetLocal(state))
	return nil
}

// GoOffline and GoOnline forward the user's explicit connectivity requests.
func (c *Collab) GoOffline() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.GoOffline()
	}
}

func (c *Collab) GoOnline(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("collaborative backend not connected")
	}
	return conn.GoOnline(ctx)
}

// materialize builds the application projection from the document, skipping
// malformed records the same way the binding does. Unlike the binding, which
// keeps dangling edges in the document so a late-arriving endpoint can heal
// them, the projection handed to the application excludes them.
func materialize(doc *crdt.Doc) Document {
	out := Document{Meta: doc.Meta()}
	byID := make(map[string]board.Node)
	for id, fields := range doc.Nodes() {
		node, err := board.NodeFromFields(id, fields)
		if err != nil {
			continue
		}
		byID[id] = node
		out.Nodes = append(out.Nodes, node)
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })
	for _, rec := range doc.Edges() {
		edge, err := board.EdgeFromFields(rec.ID, rec.Fields)
		if err != nil {
			continue
		}
		out.Edges = append(out.Edges, edge)
	}
	out.Edges = board.PruneDanglingEdges(byID, out.Edges)
	return out
}
