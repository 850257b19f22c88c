// Package transcript keeps a local SQLite record of every turn and the
// server events it produced.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tcdent/codey/pkg/protocol"
)

// ErrTurnNotFound is returned when a turn id is unknown.
var ErrTurnNotFound = errors.New("turn not found")

// Store reads and writes transcripts.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the transcript database at path.
func Open(path string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transcript schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id                    TEXT PRIMARY KEY,
		session_id            TEXT NOT NULL,
		agent_id              INTEGER,
		content               TEXT NOT NULL,
		started_at            TIMESTAMP NOT NULL,
		ended_at              TIMESTAMP,
		end_reason            TEXT NOT NULL DEFAULT '',
		event_count           INTEGER NOT NULL DEFAULT 0,
		output_tokens         INTEGER NOT NULL DEFAULT 0,
		context_tokens        INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		error                 TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, started_at);

	CREATE TABLE IF NOT EXISTS turn_events (
		turn_id    TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		agent_id   INTEGER,
		payload    BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (turn_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartTurn inserts a new, still-running turn.
func (s *Store) StartTurn(ctx context.Context, t *Turn) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, agent_id, content, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.AgentID, t.Content, t.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// AppendEvent records one server event of a turn.
func (s *Store) AppendEvent(ctx context.Context, turnID string, seq int, ev protocol.ServerEvent) error {
	payload, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	var agentID *uint32
	if ae, ok := ev.(protocol.AgentEvent); ok {
		id := ae.Agent()
		agentID = &id
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turn_events (turn_id, seq, type, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turnID, seq, ev.EventType(), agentID, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn event: %w", err)
	}
	return nil
}

// EndTurn stores how a turn ended.
func (s *Store) EndTurn(ctx context.Context, turnID string, endedAt time.Time, reason string, events int, usage *protocol.Usage, turnErr error) error {
	var u protocol.Usage
	if usage != nil {
		u = *usage
	}
	errText := ""
	if turnErr != nil {
		errText = turnErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE turns SET ended_at = ?, end_reason = ?, event_count = ?,
			output_tokens = ?, context_tokens = ?, cache_creation_tokens = ?, cache_read_tokens = ?,
			error = ?
		WHERE id = ?`,
		endedAt, reason, events,
		u.OutputTokens, u.ContextTokens, u.CacheCreationTokens, u.CacheReadTokens,
		errText, turnID,
	)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	return nil
}

// GetTurn returns one turn.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	var t Turn
	err := s.db.GetContext(ctx, &t, `SELECT * FROM turns WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
		}
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return &t, nil
}

// ListTurns returns turns newest first. An empty sessionID lists every
// session; limit <= 0 means no limit.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	query := `SELECT * FROM turns`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var turns []*Turn
	if err := s.db.SelectContext(ctx, &turns, query, args...); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// Events returns the events of a turn in arrival order.
func (s *Store) Events(ctx context.Context, turnID string) ([]*Event, error) {
	var events []*Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT turn_id, seq, type, agent_id, payload, created_at
		FROM turn_events WHERE turn_id = ? ORDER BY seq`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	return events, nil
}

// Decode parses the stored payload back into a server event.
func (e *Event) Decode() (protocol.ServerEvent, error) {
	return protocol.Decode(e.Payload)
}
