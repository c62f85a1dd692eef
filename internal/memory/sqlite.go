package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SQLiteStore keeps history in the turns table. Appends run in one
// transaction that inserts the new turns and trims the session to the bound,
// under a lock striped by session id so appends to one session never race on
// its sequence numbers whatever the pool size. SQLite still admits a single
// writer, and store.Open uses one connection, so writes from different
// sessions queue behind each other at the database.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
	logger   *slog.Logger
	locks    [shardCount]sync.Mutex
}

// NewSQLiteStore expects db to have been opened with store.Open.
func NewSQLiteStore(db *sql.DB, maxTurns int, logger *slog.Logger) *SQLiteStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, maxTurns: maxTurns, logger: logger}
}

func (s *SQLiteStore) lockFor(sessionID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(sessionID)%shardCount]
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if err := checkAppend(sessionID, turns); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}

	for i, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, role, text) VALUES (?, ?, ?, ?)`,
			sessionID, last+int64(i)+1, string(t.Role), t.Text,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	last += int64(len(turns))

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id = ? AND seq <= ?`, sessionID, last-int64(s.maxTurns),
	); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID, s.maxTurns,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var rev []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&role, &t.Text); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		rev = append(rev, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first
	out := make([]Turn, len(rev))
	for i, t := range rev {
		out[len(rev)-1-i] = t
	}
	return out, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	s.logger.Debug("session history cleared", "session", sessionID)
	return nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLiteStore) Close() error { return nil }
