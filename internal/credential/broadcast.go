package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventRefreshed     = "refreshed"
	eventRefreshFailed = "refresh_failed"

	// refreshFlagTTL bounds how long a crashed winner can block everyone
	// else. After expiry the next refresher takes over.
	refreshFlagTTL = 30 * time.Second
)

// broadcastMessage is the wire format on the per-workspace token channel.
type broadcastMessage struct {
	Event     string    `json:"event"`
	Origin    string    `json:"origin"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
}

// broadcast coordinates token refreshes across processes through redis: a
// SETNX flag elects one refresher, a pub/sub channel carries the outcome to
// everyone else.
type broadcast struct {
	rdb         *redis.Client
	workspaceID string
	origin      string
}

func newBroadcast(rdb *redis.Client, workspaceID, origin string) *broadcast {
	return &broadcast{rdb: rdb, workspaceID: workspaceID, origin: origin}
}

func (b *broadcast) refreshingKey() string {
	return fmt.Sprintf("boardsync:cred:%s:refreshing", b.workspaceID)
}

func (b *broadcast) tokenChannel() string {
	return fmt.Sprintf("boardsync:cred:%s:token", b.workspaceID)
}

// NotifyRefreshing claims the refresh. It returns true for exactly one caller
// across all processes until the claim is released or expires.
func (b *broadcast) NotifyRefreshing(ctx context.Context) (bool, error) {
	return b.rdb.SetNX(ctx, b.refreshingKey(), b.origin, refreshFlagTTL).Result()
}

// IsRefreshing reports whether some process currently holds the refresh claim.
func (b *broadcast) IsRefreshing(ctx context.Context) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.refreshingKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NotifyRefreshed publishes the new token and releases the claim.
func (b *broadcast) NotifyRefreshed(ctx context.Context, tok Token) error {
	payload, err := json.Marshal(broadcastMessage{
		Event:     eventRefreshed,
		Origin:    b.origin,
		Token:     tok.Token,
		ExpiresAt: tok.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.tokenChannel(), payload).Err(); err != nil {
		return err
	}
	return b.rdb.Del(ctx, b.refreshingKey()).Err()
}

// NotifyRefreshFailed publishes the failure and releases the claim so waiters
// stop blocking on a token that will not arrive.
func (b *broadcast) NotifyRefreshFailed(ctx context.Context, errorCode string) error {
	payload, err := json.Marshal(broadcastMessage{
		Event:     eventRefreshFailed,
		Origin:    b.origin,
		ErrorCode: errorCode,
	})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.tokenChannel(), payload).Err(); err != nil {
		return err
	}
	return b.rdb.Del(ctx, b.refreshingKey()).Err()
}

// Subscribe opens the token channel. The caller owns the returned PubSub and
// must close it.
func (b *broadcast) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := b.rdb.Subscribe(ctx, b.tokenChannel())
	// Force the subscription onto the wire before the caller races a publish.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	return sub, nil
}

func decodeBroadcast(payload string) (broadcastMessage, error) {
	var msg broadcastMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return broadcastMessage{}, fmt.Errorf("malformed token broadcast: %w", err)
	}
	return msg, nil
}
