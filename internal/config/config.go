package config

import (
	"os"
	"strings"
	"time"
)

// Relay holds the relay server configuration.
type Relay struct {
	Addr     string
	Secret   string
	StateDSN string
}

// Agent holds the client engine configuration.
type Agent struct {
	RelayURL    string
	WorkspaceID string
	UserID      string
	UserName    string
	Color       string
	DataDir     string
	RedisAddr   string
	Token       string

	SaveDebounce time.Duration
}

func LoadRelay() Relay {
	return Relay{
		Addr:     getenv("BOARDSYNC_ADDR", ":8090"),
		Secret:   getenv("BOARDSYNC_JWT_SECRET", ""),
		StateDSN: getenv("BOARDSYNC_STATE_DSN", "memory://"),
	}
}

func LoadAgent() Agent {
	return Agent{
		RelayURL:    getenv("BOARDSYNC_RELAY_URL", "http://127.0.0.1:8090"),
		WorkspaceID: getenv("BOARDSYNC_WORKSPACE", ""),
		UserID:      getenv("BOARDSYNC_USER_ID", ""),
		UserName:    getenv("BOARDSYNC_USER_NAME", ""),
		Color:       getenv("BOARDSYNC_USER_COLOR", "#4f86f7"),
		DataDir:     getenv("BOARDSYNC_DATA_DIR", ".boardsync"),
		RedisAddr:   getenv("BOARDSYNC_REDIS_ADDR", "127.0.0.1:6379"),
		Token:       getenv("BOARDSYNC_TOKEN", ""),

		SaveDebounce: getenvDuration("BOARDSYNC_SAVE_DEBOUNCE", 500*time.Millisecond),
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
