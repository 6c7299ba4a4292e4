// Package presence tracks ephemeral shared state: who is connected, their
// cursors, selections and viewports. Nothing here is persisted; peer entries
// are garbage-collected when the peer disconnects or goes stale.
package presence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is one participant's ephemeral state.
type State struct {
	UserID    string   `json:"userId"`
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	Cursor    *Point   `json:"cursor,omitempty"`
	Selection []string `json:"selection,omitempty"`
	Viewport  *Bounds  `json:"viewport,omitempty"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Message is the wire form of one presence update. A nil State announces the
// peer left.
type Message struct {
	SessionID string `json:"sessionId"`
	Clock     uint64 `json:"clock"`
	State     *State `json:"state"`
}

// Peer is a materialized remote participant.
type Peer struct {
	SessionID  string
	State      State
	LastActive time.Time
}

type peerEntry struct {
	state      State
	clock      uint64
	lastActive time.Time
}

// Channel is the presence state for one workspace connection.
type Channel struct {
	mu        sync.Mutex
	sessionID string
	local     *State
	clock     uint64
	peers     map[string]*peerEntry
	now       func() time.Time

	subMu sync.Mutex
	subs  []func()
}

func NewChannel(sessionID string) *Channel {
	return &Channel{
		sessionID: sessionID,
		peers:     map[string]*peerEntry{},
		now:       time.Now,
	}
}

func (c *Channel) SessionID() string {
	return c.sessionID
}

// Subscribe registers a callback fired after any presence change.
func (c *Channel) Subscribe(fn func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Channel) notify() {
	c.subMu.Lock()
	subs := make([]func(), len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// SetLocal replaces the local participant state and returns the encoded
// message to broadcast.
func (c *Channel) SetLocal(state State) []byte {
	c.mu.Lock()
	c.clock++
	c.local = &state
	msg := Message{SessionID: c.sessionID, Clock: c.clock, State: &state}
	c.mu.Unlock()
	c.notify()
	return encodeMessage(msg)
}

// EncodeLocal re-encodes the current local state, used to re-announce
// ourselves after a reconnect. Returns nil if no local state was ever set.
func (c *Channel) EncodeLocal() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	return encodeMessage(Message{SessionID: c.sessionID, Clock: c.clock, State: c.local})
}

// EncodeLeave encodes the departure announcement for the local session.
func (c *Channel) EncodeLeave() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	return encodeMessage(Message{SessionID: c.sessionID, Clock: c.clock, State: nil})
}

// Apply merges a remote presence message. Stale clocks are ignored; a nil
// state removes the peer.
func (c *Channel) Apply(raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode presence message: %w", err)
	}
	if msg.SessionID == "" || msg.SessionID == c.sessionID {
		return nil
	}
	c.mu.Lock()
	entry, ok := c.peers[msg.SessionID]
	if ok && msg.Clock <= entry.clock {
		c.mu.Unlock()
		return nil
	}
	if msg.State == nil {
		delete(c.peers, msg.SessionID)
	} else {
		c.peers[msg.SessionID] = &peerEntry{
			state:      *msg.State,
			clock:      msg.Clock,
			lastActive: c.now(),
		}
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// Remove drops a peer, used when the relay reports a session closed.
func (c *Channel) Remove(sessionID string) {
	c.mu.Lock()
	_, ok := c.peers[sessionID]
	delete(c.peers, sessionID)
	c.mu.Unlock()
	if ok {
		c.notify()
	}
}

// Reset drops all remote peers, used when our own connection closes.
func (c *Channel) Reset() {
	c.mu.Lock()
	changed := len(c.peers) > 0
	c.peers = map[string]*peerEntry{}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Prune removes peers whose last update is older than maxAge and returns how
// many were dropped.
func (c *Channel) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	cutoff := c.now().Add(-maxAge)
	dropped := 0
	for id, entry := range c.peers {
		if entry.lastActive.Before(cutoff) {
			delete(c.peers, id)
			dropped++
		}
	}
	c.mu.Unlock()
	if dropped > 0 {
		c.notify()
	}
	return dropped
}

// Peers returns the connected remote participants in stable order.
func (c *Channel) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Peer, 0, len(c.peers))
	for id, entry := range c.peers {
		out = append(out, Peer{SessionID: id, State: entry.state, LastActive: entry.lastActive})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// PeerCount reports how many remote participants are connected.
func (c *Channel) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func encodeMessage(msg Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}
