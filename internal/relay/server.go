package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/driftworks/boardsync/internal/crdt"
	"github.com/driftworks/boardsync/internal/transport"
)

const (
	readLimit    = 16 << 20
	tokenTTL     = time.Hour
	writeTimeout = 10 * time.Second
)

// ServerOptions configures the relay server.
type ServerOptions struct {
	Secret  string
	Backend StateBackend
	Logger  zerolog.Logger
	// Now is the clock used for token checks, injectable for tests.
	Now func() time.Time
}

// Server terminates websocket sync connections and, for single-node
// deployments, doubles as the credential service issuing and refreshing the
// tokens it later verifies.
type Server struct {
	opts ServerOptions
	hub  *Hub
	log  zerolog.Logger
	mux  *http.ServeMux
}

func NewServer(opts ServerOptions) (*Server, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("relay secret is required")
	}
	if opts.Backend == nil {
		opts.Backend = NewInMemoryStateBackend()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts: opts,
		hub:  NewHub(opts.Backend, opts.Logger),
		log:  opts.Logger.With().Str("component", "relay").Logger(),
		mux:  http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/workspaces/{workspace}/sync", s.handleSync)
	s.mux.HandleFunc("POST /v1/workspaces/{workspace}/token", s.handleIssueToken)
	s.mux.HandleFunc("POST /v1/workspaces/{workspace}/token/validate", s.handleValidateToken)
	s.mux.HandleFunc("POST /v1/workspaces/{workspace}/token/refresh", s.handleRefreshToken)
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

// Close flushes workspace state and drops every connection.
func (s *Server) Close() { s.hub.Close() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := VerifyToken(token, s.opts.Secret, workspaceID, s.opts.Now())
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrForbidden) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]string{"code": "unauthorized", "message": err.Error()})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(readLimit)
	s.serveConn(r.Context(), conn, workspaceID, claims)
}

// serveConn runs one connection: handshake first, then the steady fan-out
// loop until either side drops.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn, workspaceID string, claims TokenClaims) {
	clientID := uuid.NewString()
	logger := s.log.With().Str("workspace", workspaceID).Str("user", claims.UserID).Str("client", clientID).Logger()

	ws, err := s.hub.Workspace(ctx, workspaceID)
	if err != nil {
		logger.Error().Err(err).Msg("workspace unavailable")
		_ = conn.Close(websocket.StatusInternalError, "workspace unavailable")
		return
	}

	// Join before the handshake: updates committed by other clients while
	// this one is still syncing queue on its send channel instead of being
	// lost in the gap.
	send, err := ws.Join(clientID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return
	}
	defer ws.Leave(clientID)

	if err := s.handshake(ctx, conn, ws, clientID); err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return
	}
	logger.Info().Msg("client connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for frame := range send {
			writeCtx, done := context.WithTimeout(connCtx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			done()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.Read(connCtx)
		if err != nil {
			logger.Info().Msg("client disconnected")
			return
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch env.Type {
		case transport.MsgUpdate:
			if err := ws.ApplyUpdate(clientID, env.Update); err != nil {
				logger.Warn().Err(err).Msg("skipping malformed update")
			}
		case transport.MsgPresence:
			ws.HandlePresence(clientID, env.Presence)
		}
	}
}

// handshake implements the server half of the sync exchange: answer the
// client's state vector with its missing delta, absorb the client's reply,
// acknowledge with sync_done.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, ws *workspaceHub, clientID string) error {
	hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for {
		_, raw, err := conn.Read(hsCtx)
		if err != nil {
			return err
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if env.Type != transport.MsgSyncRequest {
			continue
		}
		clientSV, err := crdt.DecodeStateVector(env.StateVector)
		if err != nil {
			clientSV = crdt.StateVector{}
		}
		update, sv := ws.Sync(clientSV)
		response := transport.EncodeEnvelope(transport.Envelope{
			Type:        transport.MsgSyncResponse,
			Update:      update,
			StateVector: sv.Encode(),
		})
		if err := conn.Write(hsCtx, websocket.MessageText, response); err != nil {
			return err
		}
		break
	}

	// The client replies with everything the relay was missing.
	for {
		_, raw, err := conn.Read(hsCtx)
		if err != nil {
			return err
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if env.Type != transport.MsgUpdate {
			continue
		}
		if err := ws.ApplyUpdate(clientID, env.Update); err != nil {
			return err
		}
		break
	}
	return conn.Write(hsCtx, websocket.MessageText, transport.EncodeEnvelope(transport.Envelope{Type: transport.MsgSyncDone}))
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	var body struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": "userId is required"})
		return
	}
	s.issueToken(w, workspaceID, body.UserID, body.UserName)
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	var body struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	claims, err := VerifyToken(body.Token, s.opts.Secret, workspaceID, s.opts.Now())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "expiresIn": 0})
		return
	}
	expiresIn := claims.Exp - s.opts.Now().Unix()
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "expiresIn": expiresIn})
}

// handleRefreshToken exchanges a token for a fresh one. The signature must
// verify but expiry gets a grace window, so a client that slept past expiry
// can still rotate instead of forcing the user to sign in again.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	var body struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	const expiryGrace = 24 * time.Hour
	claims, err := VerifyToken(body.Token, s.opts.Secret, workspaceID, s.opts.Now().Add(-expiryGrace))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "reauth_required", "message": "token cannot be refreshed"})
		return
	}
	s.issueToken(w, workspaceID, claims.UserID, claims.UserName)
}

func (s *Server) issueToken(w http.ResponseWriter, workspaceID, userID, userName string) {
	expiresAt := s.opts.Now().Add(tokenTTL)
	token, err := MintToken(s.opts.Secret, TokenClaims{
		WorkspaceID: workspaceID,
		UserID:      userID,
		UserName:    userName,
		Exp:         expiresAt.Unix(),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "internal", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
