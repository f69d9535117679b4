package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS outbound (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	frame        TEXT    NOT NULL,
	project_path TEXT    NOT NULL DEFAULT '',
	session_id   TEXT    NOT NULL DEFAULT '',
	created_at   TEXT    NOT NULL,
	retryable    INTEGER NOT NULL,
	max_retries  INTEGER NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0
);`

// Store persists queued commands in SQLite so the queue survives process
// restarts. WAL mode and a busy timeout keep concurrent access from the
// submission and flush paths from erroring out.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the queue database at path and applies the
// schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(cmd *Command) error {
	frame, err := cmd.Frame.Encode()
	if err != nil {
		return fmt.Errorf("encode queued frame: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO outbound (id, kind, frame, project_path, session_id, created_at, retryable, max_retries, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID.String(), cmd.Kind, string(frame), cmd.ProjectPath, cmd.SessionID,
		cmd.CreatedAt.UTC().Format(time.RFC3339Nano), boolToInt(cmd.Retryable), cmd.MaxRetries, cmd.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert queued command: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("queued command seq: %w", err)
	}
	cmd.seq = seq
	return nil
}

func (s *Store) delete(seq int64) error {
	if _, err := s.db.Exec(`DELETE FROM outbound WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("delete queued command: %w", err)
	}
	return nil
}

func (s *Store) updateAttempts(seq int64, attempts int) error {
	if _, err := s.db.Exec(`UPDATE outbound SET attempts = ? WHERE seq = ?`, attempts, seq); err != nil {
		return fmt.Errorf("update queued command attempts: %w", err)
	}
	return nil
}

// loadAll returns persisted commands in FIFO order.
func (s *Store) loadAll() ([]*Command, error) {
	rows, err := s.db.Query(
		`SELECT seq, id, kind, frame, project_path, session_id, created_at, retryable, max_retries, attempts
		 FROM outbound ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load queued commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		var (
			cmd       Command
			id        string
			frame     string
			createdAt string
			retryable int
		)
		if err := rows.Scan(&cmd.seq, &id, &cmd.Kind, &frame, &cmd.ProjectPath,
			&cmd.SessionID, &createdAt, &retryable, &cmd.MaxRetries, &cmd.Attempts); err != nil {
			return nil, fmt.Errorf("scan queued command: %w", err)
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			// A corrupt row is skipped, not fatal to the whole load.
			continue
		}
		cmd.ID = parsed
		if cmd.Frame, err = decodeStoredFrame(frame); err != nil {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			cmd.CreatedAt = t
		}
		cmd.Retryable = retryable != 0
		cmds = append(cmds, &cmd)
	}
	return cmds, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
