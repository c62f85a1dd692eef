// Package memory holds per-session conversation history bounded to the most
// recent turns. Backends: in-process map, SQLite and Redis.
package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"orgbot/internal/domain"
)

// DefaultMaxTurns is the number of turns kept per session.
const DefaultMaxTurns = 5

type Config struct {
	Backend  string // "inmemory" (default), "sqlite", "redis"
	MaxTurns int

	DB *sql.DB // sqlite backend

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	TTL           time.Duration // redis key expiry, 0 keeps forever

	Logger *slog.Logger
}

// New builds the configured SessionStore.
func New(cfg Config) (domain.SessionStore, error) {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "inmemory", "memory":
		return NewInMemory(cfg.MaxTurns), nil
	case "sqlite":
		if cfg.DB == nil {
			return nil, fmt.Errorf("sqlite memory backend requires a database")
		}
		return NewSQLiteStore(cfg.DB, cfg.MaxTurns, cfg.Logger), nil
	case "redis":
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.TTL,
			MaxTurns: cfg.MaxTurns,
		})
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

func checkAppend(sessionID string, turns []Turn) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: empty session id", domain.ErrInvalidInput)
	}
	for _, t := range turns {
		if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
			return fmt.Errorf("%w: unsupported turn role %q", domain.ErrInvalidInput, t.Role)
		}
	}
	return nil
}

// Turn is a domain.Turn.
type Turn = domain.Turn

type Role = domain.Role

// tail returns the last n turns, or all of them when there are fewer.
func tail(turns []Turn, n int) []Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
