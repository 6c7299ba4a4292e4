package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// refreshBuffer is how far ahead of expiry a refresh is scheduled.
	refreshBuffer = 60 * time.Second
	// minRefreshDelay keeps a nearly-expired token from triggering a hot
	// refresh loop.
	minRefreshDelay = 30 * time.Second
	// maxRefreshAttempts bounds retries on transient refresh failures.
	maxRefreshAttempts = 3
	// peerRefreshWait bounds how long a losing refresher waits for the
	// winner's broadcast before giving up.
	peerRefreshWait = 20 * time.Second
)

type Options struct {
	WorkspaceID string
	Client      Client
	Redis       *redis.Client
	// Store is optional; without it the token lives in memory only.
	Store  Store
	Logger zerolog.Logger
}

// Lifecycle owns one workspace's access token: it validates it, refreshes it
// ahead of expiry, and coordinates with other processes so a shared
// single-use refresh grant is consumed exactly once.
type Lifecycle struct {
	opts   Options
	bcast  *broadcast
	logger zerolog.Logger

	// retryBase scales the wait between refresh attempts.
	retryBase time.Duration

	mu    sync.Mutex
	token Token
	timer *time.Timer

	subs   []func(Token)
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewLifecycle(opts Options) (*Lifecycle, error) {
	if opts.Client == nil {
		return nil, errors.New("credential: client is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("credential: redis client is required")
	}
	l := &Lifecycle{
		opts:      opts,
		bcast:     newBroadcast(opts.Redis, opts.WorkspaceID, uuid.NewString()),
		logger:    opts.Logger.With().Str("component", "credential").Str("workspace", opts.WorkspaceID).Logger(),
		retryBase: time.Second,
		closed:    make(chan struct{}),
	}
	if opts.Store != nil {
		if tok, ok, err := opts.Store.Load(); err != nil {
			l.logger.Warn().Err(err).Msg("stored token unreadable; starting without one")
		} else if ok {
			l.token = tok
		}
	}
	l.wg.Add(1)
	go l.watchBroadcast()
	return l, nil
}

// Token returns the current access token. Suitable as the transport's token
// source: each dial picks up whatever the latest refresh produced.
func (l *Lifecycle) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token.Token
}

// SetToken installs a token obtained outside the refresh flow, typically at
// initial sign-in.
func (l *Lifecycle) SetToken(tok Token) {
	l.storeToken(tok)
}

// OnTokenUpdate registers a callback fired whenever the token changes, from
// this process's refresh or from a broadcast by another process.
func (l *Lifecycle) OnTokenUpdate(fn func(Token)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

// Validate asks the credential service whether the current token is usable
// and for how long.
func (l *Lifecycle) Validate(ctx context.Context) (Validation, error) {
	return l.opts.Client.ValidateToken(ctx, l.opts.WorkspaceID, l.Token())
}

// ScheduleRefresh arms a refresh ahead of the given expiry. The refresh fires
// at expiresIn minus a safety buffer, never sooner than a floor delay.
// Rearming replaces any previously armed refresh.
func (l *Lifecycle) ScheduleRefresh(expiresIn time.Duration) {
	delay := refreshDelay(expiresIn)
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := l.Refresh(ctx); err != nil {
			if errors.Is(err, ErrReauthRequired) {
				l.logger.Error().Err(err).Msg("scheduled refresh needs reauthentication; stopping")
				return
			}
			l.logger.Warn().Err(err).Msg("scheduled refresh failed")
		}
	})
	l.mu.Unlock()
	l.logger.Debug().Dur("delay", delay).Msg("refresh scheduled")
}

// refreshDelay computes when to refresh a token that expires in expiresIn.
func refreshDelay(expiresIn time.Duration) time.Duration {
	delay := expiresIn - refreshBuffer
	if delay < minRefreshDelay {
		return minRefreshDelay
	}
	return delay
}

// Refresh obtains a fresh token, exactly once across all processes sharing
// the workspace credential. The caller that wins the claim talks to the
// credential service; everyone else waits for the winner's broadcast and
// adopts its result. Transient failures are retried within a bounded budget;
// ErrReauthRequired is terminal and ends all automatic retrying.
func (l *Lifecycle) Refresh(ctx context.Context) (Token, error) {
	sub, err := l.bcast.Subscribe(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("broadcast unavailable; refreshing uncoordinated")
		return l.refreshDirect(ctx)
	}
	defer func() { _ = sub.Close() }()

	won, err := l.bcast.NotifyRefreshing(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("refresh claim unavailable; refreshing uncoordinated")
		return l.refreshDirect(ctx)
	}
	if !won {
		return l.awaitPeerRefresh(ctx, sub)
	}

	tok, err := l.refreshDirect(ctx)
	if err != nil {
		code := "transient"
		if errors.Is(err, ErrReauthRequired) {
			code = "reauth_required"
		}
		if notifyErr := l.bcast.NotifyRefreshFailed(context.WithoutCancel(ctx), code); notifyErr != nil {
			l.logger.Warn().Err(notifyErr).Msg("failed to broadcast refresh failure")
		}
		return Token{}, err
	}
	if notifyErr := l.bcast.NotifyRefreshed(context.WithoutCancel(ctx), tok); notifyErr != nil {
		l.logger.Warn().Err(notifyErr).Msg("failed to broadcast refreshed token")
	}
	return tok, nil
}

// refreshDirect calls the credential service with the retry budget and
// installs the result locally.
func (l *Lifecycle) refreshDirect(ctx context.Context) (Token, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		tok, err := l.opts.Client.RefreshToken(ctx, l.opts.WorkspaceID, l.Token())
		if err == nil {
			l.storeToken(tok)
			return tok, nil
		}
		if errors.Is(err, ErrReauthRequired) {
			return Token{}, err
		}
		lastErr = err
		l.logger.Warn().Err(err).Int("attempt", attempt).Msg("token refresh attempt failed")
		if attempt < maxRefreshAttempts {
			if waitErr := waitWithContext(ctx, time.Duration(attempt)*l.retryBase); waitErr != nil {
				return Token{}, waitErr
			}
		}
	}
	return Token{}, lastErr
}

// awaitPeerRefresh waits for the refresh winner's broadcast.
func (l *Lifecycle) awaitPeerRefresh(ctx context.Context, sub *redis.PubSub) (Token, error) {
	timer := time.NewTimer(peerRefreshWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-timer.C:
			return Token{}, errors.New("timed out waiting for another process to refresh the token")
		case msg, ok := <-sub.Channel():
			if !ok {
				return Token{}, errors.New("token broadcast channel closed")
			}
			bm, err := decodeBroadcast(msg.Payload)
			if err != nil {
				l.logger.Warn().Err(err).Msg("skipping malformed token broadcast")
				continue
			}
			switch bm.Event {
			case eventRefreshed:
				tok := Token{Token: bm.Token, ExpiresAt: bm.ExpiresAt}
				l.storeToken(tok)
				return tok, nil
			case eventRefreshFailed:
				if bm.ErrorCode == "reauth_required" {
					return Token{}, ErrReauthRequired
				}
				return Token{}, errors.New("token refresh failed in the owning process")
			}
		}
	}
}

// storeToken installs the token, persists it, re-arms the scheduled refresh
// ahead of the new expiry, and notifies subscribers. Every path that produces
// a token funnels through here, so a long-lived process keeps refreshing each
// replacement token, not just the first one.
func (l *Lifecycle) storeToken(tok Token) {
	l.mu.Lock()
	l.token = tok
	subs := make([]func(Token), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()
	if l.opts.Store != nil {
		if err := l.opts.Store.Save(tok); err != nil {
			l.logger.Warn().Err(err).Msg("failed to persist token")
		}
	}
	if !tok.ExpiresAt.IsZero() {
		select {
		case <-l.closed:
		default:
			l.ScheduleRefresh(time.Until(tok.ExpiresAt))
		}
	}
	for _, fn := range subs {
		fn(tok)
	}
}

// RemoveToken forgets the token locally and in the store, used at sign-out.
func (l *Lifecycle) RemoveToken() {
	l.mu.Lock()
	l.token = Token{}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	if l.opts.Store != nil {
		if err := l.opts.Store.Remove(); err != nil {
			l.logger.Warn().Err(err).Msg("failed to remove stored token")
		}
	}
}

// watchBroadcast adopts tokens refreshed by other processes even when this
// process never asked, keeping long-lived agents in step.
func (l *Lifecycle) watchBroadcast() {
	defer l.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.closed
		cancel()
	}()

	sub, err := l.bcast.Subscribe(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("token broadcast watcher unavailable")
		return
	}
	defer func() { _ = sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			bm, err := decodeBroadcast(msg.Payload)
			if err != nil || bm.Event != eventRefreshed || bm.Origin == l.bcast.origin {
				continue
			}
			l.storeToken(Token{Token: bm.Token, ExpiresAt: bm.ExpiresAt})
		}
	}
}

// Close stops the scheduled refresh and the broadcast watcher.
func (l *Lifecycle) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.mu.Unlock()
		close(l.closed)
		l.wg.Wait()
	})
}
