// Package transport manages the websocket connection between a workspace and
// the relay: the connect/disconnect state machine, the sync handshake, and
// backoff-based reconnection. Local edits never block on this layer; anything
// missed while offline is recovered by the state-vector diff on reconnect.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/crdt"
	"github.com/driftworks/boardsync/internal/presence"
)

// OriginRemote tags document transactions produced by relay traffic. The
// outbound mirror skips them, so a received update is never echoed back.
const OriginRemote = "transport:remote"

var (
	ErrClosed           = errors.New("connection closed")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultMaxAttempts    = 7
	outboundBuffer        = 256
)

type Options struct {
	RelayURL    string
	WorkspaceID string
	// Token returns the current bearer token. Re-read on every dial so a
	// refreshed credential takes effect without restarting the engine.
	Token    func() string
	Doc      *crdt.Doc
	Presence *presence.Channel
	Logger   zerolog.Logger

	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int

	// Dial defaults to DialWebsocket.
	Dial DialFunc
}

// Conn is the transport connection for one open workspace. Each successful
// connect creates a fresh session; sessions are torn down whole on any
// disconnect and never reused.
type Conn struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	status   Status
	attempts int
	sess     *session
	offline  bool
	closed   bool

	subMu sync.Mutex
	subs  []func(Status)
}

type session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	socket   Socket
	outbound chan []byte
}

func NewConn(opts Options) *Conn {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	c := &Conn{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "transport").Str("workspace", opts.WorkspaceID).Logger(),
		status: StatusDisconnected,
	}
	opts.Doc.ObserveUpdates(c.onDocUpdate)
	return c
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers a status-change callback.
func (c *Conn) OnStatus(fn func(Status)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Conn) setStatus(status Status) {
	c.mu.Lock()
	changed := c.setStatusLocked(status)
	c.mu.Unlock()
	if changed {
		c.notifyStatus(status)
	}
}

// setStatusLocked records the transition; the caller must invoke notifyStatus
// after releasing the lock when it returns true.
func (c *Conn) setStatusLocked(status Status) bool {
	if c.status == status {
		return false
	}
	c.status = status
	return true
}

func (c *Conn) notifyStatus(status Status) {
	c.subMu.Lock()
	subs := make([]func(Status), len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// Connect dials the relay and runs the sync handshake. It returns once the
// relay has acknowledged that local and remote state are merged, or with an
// error after the connect timeout. A connect supersedes any live session:
// the old one is fully torn down before the new socket is created.
func (c *Conn) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// connect implements Connect. Internally-triggered reconnects do not override
// an explicit offline request.
func (c *Conn) connect(ctx context.Context, userInitiated bool) error {
	c.mu.Lock()
	if c.closed || (c.offline && !userInitiated) {
		c.mu.Unlock()
		return ErrClosed
	}
	c.offline = false
	if c.sess != nil {
		c.teardownLocked()
	}
	changed := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	if changed {
		c.notifyStatus(StatusConnecting)
	}

	sess, err := c.establish(ctx)
	if err != nil {
		c.setStatus(StatusError)
		return err
	}

	c.mu.Lock()
	if c.closed || c.offline {
		c.mu.Unlock()
		killSession(sess)
		return ErrClosed
	}
	if c.sess != nil {
		c.teardownLocked()
	}
	c.sess = sess
	c.attempts = 0
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()
	c.notifyStatus(StatusConnected)

	go c.readLoop(sess)
	go c.writeLoop(sess)

	// Re-announce ourselves so peers see us after a reconnect.
	if local := c.opts.Presence.EncodeLocal(); local != nil {
		c.enqueue(sess, EncodeEnvelope(Envelope{Type: MsgPresence, Presence: local}))
	}
	return nil
}

// establish dials and completes the handshake under the connect timeout. A
// relay that never acknowledges trips the deadline instead of hanging in
// connecting forever.
func (c *Conn) establish(ctx context.Context) (*session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	socket, err := c.opts.Dial(hsCtx, c.opts.RelayURL, c.opts.WorkspaceID, c.opts.Token())
	if err != nil {
		return nil, err
	}
	c.setStatus(StatusSyncing)

	request := Envelope{Type: MsgSyncRequest, StateVector: c.opts.Doc.StateVector().Encode()}
	if err := socket.Write(hsCtx, EncodeEnvelope(request)); err != nil {
		_ = socket.Close()
		return nil, err
	}

	for {
		raw, err := socket.Read(hsCtx)
		if err != nil {
			_ = socket.Close()
			return nil, err
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed handshake frame")
			continue
		}
		switch env.Type {
		case MsgSyncResponse:
			if len(env.Update) > 0 {
				if applyErr := c.opts.Doc.ApplyUpdate(env.Update, OriginRemote); applyErr != nil {
					c.logger.Warn().Err(applyErr).Msg("skipping malformed sync response update")
				}
			}
			remoteSV, svErr := crdt.DecodeStateVector(env.StateVector)
			if svErr != nil {
				c.logger.Warn().Err(svErr).Msg("relay sent malformed state vector; sending full state")
				remoteSV = crdt.StateVector{}
			}
			reply := Envelope{Type: MsgUpdate, Update: c.opts.Doc.EncodeUpdateSince(remoteSV)}
			if writeErr := socket.Write(hsCtx, EncodeEnvelope(reply)); writeErr != nil {
				_ = socket.Close()
				return nil, writeErr
			}
		case MsgSyncDone:
			sctx, scancel := context.WithCancel(context.Background())
			return &session{
				id:       uuid.NewString(),
				ctx:      sctx,
				cancel:   scancel,
				socket:   socket,
				outbound: make(chan []byte, outboundBuffer),
			}, nil
		case MsgUpdate:
			if applyErr := c.opts.Doc.ApplyUpdate(env.Update, OriginRemote); applyErr != nil {
				c.logger.Warn().Err(applyErr).Msg("skipping malformed update during handshake")
			}
		case MsgPresence:
			if applyErr := c.opts.Presence.Apply(env.Presence); applyErr != nil {
				c.logger.Warn().Err(applyErr).Msg("skipping malformed presence during handshake")
			}
		}
	}
}

func (c *Conn) readLoop(sess *session) {
	for {
		raw, err := sess.socket.Read(sess.ctx)
		if err != nil {
			c.handleDrop(sess, err)
			return
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch env.Type {
		case MsgUpdate:
			if applyErr := c.opts.Doc.ApplyUpdate(env.Update, OriginRemote); applyErr != nil {
				c.logger.Warn().Err(applyErr).Msg("skipping malformed remote update")
			}
		case MsgPresence:
			if applyErr := c.opts.Presence.Apply(env.Presence); applyErr != nil {
				c.logger.Warn().Err(applyErr).Msg("skipping malformed presence message")
			}
		case MsgPeerLeft:
			c.opts.Presence.Remove(env.SessionID)
		}
	}
}

func (c *Conn) writeLoop(sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case frame := <-sess.outbound:
			if err := sess.socket.Write(sess.ctx, frame); err != nil {
				c.handleDrop(sess, err)
				return
			}
		}
	}
}

// onDocUpdate mirrors local transactions to the relay. Remote-applied and
// storage-loaded batches are not local and are skipped, which is the
// transport's half of the echo-loop prevention.
func (c *Conn) onDocUpdate(update []byte, info crdt.TxnInfo) {
	if !info.Local {
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.enqueue(sess, EncodeEnvelope(Envelope{Type: MsgUpdate, Update: update}))
}

// SendPresence broadcasts an encoded presence message. Silently dropped while
// offline; presence is ephemeral and re-announced on reconnect.
func (c *Conn) SendPresence(raw []byte) {
	if raw == nil {
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.enqueue(sess, EncodeEnvelope(Envelope{Type: MsgPresence, Presence: raw}))
}

// enqueue hands a frame to the session writer. If the buffer is full the
// session is cancelled: the reconnect handshake resynchronizes state, which
// is cheaper than blocking a document transaction on the network.
func (c *Conn) enqueue(sess *session, frame []byte) {
	select {
	case sess.outbound <- frame:
	default:
		c.logger.Warn().Msg("outbound buffer full; recycling connection")
		sess.cancel()
	}
}

// handleDrop reacts to an unexpected socket failure. Superseded or
// intentionally closed sessions are ignored.
func (c *Conn) handleDrop(sess *session, err error) {
	c.mu.Lock()
	if c.sess != sess || c.closed || c.offline {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.opts.Presence.Reset()
	c.logger.Warn().Err(err).Msg("connection dropped; reconnecting")
	go c.autoReconnect()
}

func (c *Conn) autoReconnect() {
	for {
		c.mu.Lock()
		if c.closed || c.offline {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		if attempt > c.opts.MaxAttempts {
			changed := c.setStatusLocked(StatusError)
			c.mu.Unlock()
			if changed {
				c.notifyStatus(StatusError)
			}
			c.logger.Error().Int("attempts", attempt-1).Msg("giving up on reconnect; manual action required")
			return
		}
		delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffMax, attempt-1)
		c.mu.Unlock()

		time.Sleep(delay)
		if err := c.connect(context.Background(), false); err == nil {
			return
		} else if errors.Is(err, ErrClosed) {
			return
		}
	}
}

// GoOffline disconnects on user request. Local state is kept, the attempt
// counter is untouched, and no automatic reconnection happens until GoOnline.
func (c *Conn) GoOffline() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.offline = true
	c.teardownLocked()
	changed := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	c.opts.Presence.Reset()
	if changed {
		c.notifyStatus(StatusDisconnected)
	}
}

// GoOnline requests an explicit reconnect: it waits the backoff delay for the
// current attempt count, increments it, then connects. Past the attempt
// budget it reports ErrRetriesExhausted and stays in error until the caller
// intervenes again.
func (c *Conn) GoOnline(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.offline = false
	c.attempts++
	attempt := c.attempts
	if attempt > c.opts.MaxAttempts {
		changed := c.setStatusLocked(StatusError)
		c.mu.Unlock()
		if changed {
			c.notifyStatus(StatusError)
		}
		return ErrRetriesExhausted
	}
	c.mu.Unlock()

	// The first explicit attempt connects immediately; each retry after a
	// failure waits base<<(failures-1), capped.
	if attempt > 1 {
		delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffMax, attempt-2)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return c.Connect(ctx)
}

// ResetAttempts clears the reconnect budget, used when the user explicitly
// asks to retry after a terminal error.
func (c *Conn) ResetAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
}

// Close tears the connection down permanently.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	changed := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	c.opts.Presence.Reset()
	if changed {
		c.notifyStatus(StatusDisconnected)
	}
}

// teardownLocked destroys the current session. Caller holds c.mu.
func (c *Conn) teardownLocked() {
	if c.sess == nil {
		return
	}
	killSession(c.sess)
	c.sess = nil
}

func killSession(sess *session) {
	sess.cancel()
	_ = sess.socket.Close()
}
