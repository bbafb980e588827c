package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionSucceeded SessionStatus = "SUCCEEDED"
	SessionFailed    SessionStatus = "FAILED"
	SessionTimedOut  SessionStatus = "TIMED_OUT"
)

// SessionRecord is one agent invocation as seen from outside the runtime.
type SessionRecord struct {
	SessionID    string        `json:"session_id"`
	TraceID      string        `json:"trace_id,omitempty"`
	Model        string        `json:"model,omitempty"`
	Policy       string        `json:"policy,omitempty"`
	Status       SessionStatus `json:"status"`
	LastTool     string        `json:"last_tool,omitempty"`
	ToolCalls    int           `json:"tool_calls"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// ErrSessionNotFound is returned by FinishSession and GetSession for
// unknown IDs.
var ErrSessionNotFound = errors.New("session not found")

// StartSession inserts a RUNNING row.
func (s *Store) StartSession(ctx context.Context, rec SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("start session: empty session id")
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (session_id, trace_id, model, policy, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.SessionID, rec.TraceID, rec.Model, rec.Policy, SessionRunning, started.UTC())
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		return nil
	})
}

// FinishSession moves a RUNNING row to its terminal status. Finishing an
// already finished session is an error.
func (s *Store) FinishSession(ctx context.Context, rec SessionRecord) error {
	if rec.Status == SessionRunning || rec.Status == "" {
		return fmt.Errorf("finish session %s: status %q is not terminal", rec.SessionID, rec.Status)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions
			SET status = ?, last_tool = ?, tool_calls = ?, input_tokens = ?, output_tokens = ?,
				error = ?, finished_at = ?
			WHERE session_id = ? AND status = ?;
		`, rec.Status, rec.LastTool, rec.ToolCalls, rec.InputTokens, rec.OutputTokens,
			rec.Error, time.Now().UTC(), rec.SessionID, SessionRunning)
		if err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("finish session %s: %w", rec.SessionID, ErrSessionNotFound)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE session_id = ?;`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	return rec, err
}

// ListSessions returns the most recently started sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions rows: %w", err)
	}
	return out, nil
}

// MarkAbandoned fails RUNNING rows started before cutoff, left behind by a
// crashed process. It returns the number of rows changed.
func (s *Store) MarkAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions SET status = ?, error = 'abandoned', finished_at = ?
		WHERE status = ? AND started_at < ?;
	`, SessionFailed, time.Now().UTC(), SessionRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark abandoned sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const sessionSelect = `
	SELECT session_id, trace_id, model, policy, status, last_tool, tool_calls,
		input_tokens, output_tokens, error, started_at, finished_at
	FROM agent_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var finished sql.NullTime
	if err := r.Scan(&rec.SessionID, &rec.TraceID, &rec.Model, &rec.Policy, &rec.Status, &rec.LastTool, &rec.ToolCalls,
		&rec.InputTokens, &rec.OutputTokens, &rec.Error, &rec.StartedAt, &finished); err != nil {
		return rec, fmt.Errorf("scan session: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
