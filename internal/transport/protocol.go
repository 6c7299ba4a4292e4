package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"nhooyr.io/websocket"
)

// Message types exchanged with the relay. The sync handshake is three-way:
// the client offers its state vector, the relay answers with the ops the
// client is missing plus its own vector, the client replies with the ops the
// relay is missing, and the relay acknowledges once they are merged.
const (
	MsgSyncRequest  = "sync_request"
	MsgSyncResponse = "sync_response"
	MsgSyncDone     = "sync_done"
	MsgUpdate       = "update"
	MsgPresence     = "presence"
	MsgPeerLeft     = "peer_left"
)

// Envelope is the wire frame for all relay traffic.
type Envelope struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	StateVector json.RawMessage `json:"stateVector,omitempty"`
	Update      []byte          `json:"update,omitempty"`
	Presence    json.RawMessage `json:"presence,omitempty"`
}

func EncodeEnvelope(env Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Socket is the minimal connection surface the state machine needs. The
// production implementation wraps a websocket; tests substitute an in-memory
// pipe.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc establishes a socket to the relay for the given workspace,
// authenticated by the bearer token.
type DialFunc func(ctx context.Context, relayURL, workspaceID, token string) (Socket, error)

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

// DialWebsocket is the production DialFunc.
func DialWebsocket(ctx context.Context, relayURL, workspaceID, token string) (Socket, error) {
	target := fmt.Sprintf("%s/v1/workspaces/%s/sync?token=%s", relayURL, url.PathEscape(workspaceID), url.QueryEscape(token))
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	return &wsSocket{conn: conn}, nil
}
