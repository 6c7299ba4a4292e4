package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/board"
	"github.com/driftworks/boardsync/internal/config"
	"github.com/driftworks/boardsync/internal/credential"
	"github.com/driftworks/boardsync/internal/provider"
)

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.LoadAgent()

	relayURL := flag.String("relay-url", cfg.RelayURL, "relay base URL")
	workspaceID := flag.String("workspace", cfg.WorkspaceID, "workspace ID")
	userID := flag.String("user", cfg.UserID, "user ID announced on presence")
	userName := flag.String("user-name", cfg.UserName, "display name")
	dataDir := flag.String("data-dir", cfg.DataDir, "local state directory")
	redisAddr := flag.String("redis-addr", cfg.RedisAddr, "redis address for cross-process token coordination")
	mode := flag.String("mode", "collaborative", "sync mode: local or collaborative")
	flag.Parse()

	if strings.TrimSpace(*workspaceID) == "" {
		logger.Fatal().Msg("workspace is required (--workspace or BOARDSYNC_WORKSPACE)")
	}
	if strings.TrimSpace(*userID) == "" {
		logger.Fatal().Msg("user is required (--user or BOARDSYNC_USER_ID)")
	}
	if *userName == "" {
		*userName = *userID
	}

	store := newAgentStore(logger)

	local := provider.NewLocal(provider.LocalOptions{
		DataDir:      *dataDir,
		SaveDebounce: cfg.SaveDebounce,
		Logger:       logger,
	})

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()

	lifecycle, err := credential.NewLifecycle(credential.Options{
		WorkspaceID: *workspaceID,
		Client:      credential.NewHTTPClient(*relayURL, nil),
		Redis:       rdb,
		Store:       credential.NewFileStore(*dataDir, *workspaceID),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build credential lifecycle")
	}
	defer lifecycle.Close()

	if lifecycle.Token() == "" {
		token := strings.TrimSpace(cfg.Token)
		if token == "" {
			tok, err := requestToken(*relayURL, *workspaceID, *userID, *userName)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to obtain workspace token")
			}
			lifecycle.SetToken(tok)
		} else {
			lifecycle.SetToken(credential.Token{Token: token, ExpiresAt: time.Now().Add(time.Hour)})
		}
	}

	collab, err := provider.NewCollab(provider.CollabOptions{
		RelayURL:   *relayURL,
		DataDir:    *dataDir,
		UserID:     *userID,
		UserName:   *userName,
		Color:      cfg.Color,
		Store:      store,
		Credential: lifecycle,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build collaborative backend")
	}

	for _, backend := range []provider.Provider{local, collab} {
		backend.OnExternalChange(func(doc provider.Document) {
			logger.Info().
				Int("nodes", len(doc.Nodes)).
				Int("edges", len(doc.Edges)).
				Msg("external change applied")
		})
	}

	manager := provider.NewManager(local, collab, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Switch(ctx, provider.Mode(*mode), *workspaceID); err != nil {
		logger.Fatal().Err(err).Str("mode", *mode).Msg("failed to open workspace")
	}
	logger.Info().Str("workspace", *workspaceID).Str("mode", *mode).Msg("boardsync agent running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	manager.Disconnect()
}

// requestToken asks the relay to issue a workspace token for this user.
func requestToken(relayURL, workspaceID, userID, userName string) (credential.Token, error) {
	body, err := json.Marshal(map[string]string{"userId": userID, "userName": userName})
	if err != nil {
		return credential.Token{}, err
	}
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/token", strings.TrimRight(relayURL, "/"), workspaceID)
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return credential.Token{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return credential.Token{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return credential.Token{}, err
	}
	expiresAt, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		expiresAt = time.Now().Add(time.Hour)
	}
	return credential.Token{Token: out.Token, ExpiresAt: expiresAt}, nil
}

// agentStore is the in-process board container the sync engine binds to. The
// agent is headless, so it only tracks the current nodes and edges and logs
// incoming rebuilds; a UI would put its reactive state container here.
type agentStore struct {
	mu     sync.Mutex
	nodes  []board.Node
	edges  []board.Edge
	subs   []func()
	logger zerolog.Logger
}

func newAgentStore(logger zerolog.Logger) *agentStore {
	return &agentStore{logger: logger.With().Str("component", "store").Logger()}
}

func (s *agentStore) Snapshot() ([]board.Node, []board.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]board.Node, len(s.nodes))
	copy(nodes, s.nodes)
	edges := make([]board.Edge, len(s.edges))
	copy(edges, s.edges)
	return nodes, edges
}

func (s *agentStore) Replace(nodes []board.Node, edges []board.Edge, fromSync bool) {
	s.mu.Lock()
	s.nodes = nodes
	s.edges = edges
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	if fromSync {
		s.logger.Debug().Int("nodes", len(nodes)).Int("edges", len(edges)).Msg("board replaced from sync")
	}
	for _, fn := range subs {
		fn()
	}
}

func (s *agentStore) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[idx] = func() {}
	}
}
