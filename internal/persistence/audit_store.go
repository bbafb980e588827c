package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/audit"
)

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	Context string
	Skill   string
	Since   time.Time
	Limit   int
}

// AuditSummary aggregates audit rows for `skillgate audit stats`.
type AuditSummary struct {
	Total         int64   `json:"total"`
	Failed        int64   `json:"failed"`
	FallbackUsed  int64   `json:"fallback_used"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
}

const defaultAuditLimit = 50

// InsertAudit implements audit.Store.
func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (
				context, model, success, duration_ms, input_tokens, output_tokens, error,
				tool, skill, fallback_used, fallback_tool, policy, session_id, trace_id, identity, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.Context, e.Model, e.Success, e.DurationMS, e.InputTokens, e.OutputTokens, e.Error,
			e.Tool, e.Skill, e.FallbackUsed, e.FallbackTool, e.Policy, e.SessionID, e.TraceID, e.Identity, ts.UTC())
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns matching rows, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]audit.Entry, error) {
	where, args := f.clause()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT context, model, success, duration_ms, input_tokens, output_tokens, error,
			tool, skill, fallback_used, fallback_tool, policy, session_id, trace_id, identity, created_at
		FROM audit_log`+where+`
		ORDER BY audit_id DESC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.Context, &e.Model, &e.Success, &e.DurationMS, &e.InputTokens, &e.OutputTokens, &e.Error,
			&e.Tool, &e.Skill, &e.FallbackUsed, &e.FallbackTool, &e.Policy, &e.SessionID, &e.TraceID, &e.Identity, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	return out, nil
}

// SummarizeAudit aggregates over the rows matching f. Limit is ignored.
func (s *Store) SummarizeAudit(ctx context.Context, f AuditFilter) (AuditSummary, error) {
	where, args := f.clause()
	var sum AuditSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(fallback_used), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM audit_log`+where+`;
	`, args...).Scan(&sum.Total, &sum.Failed, &sum.FallbackUsed, &sum.AvgDurationMS, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return sum, fmt.Errorf("summarize audit: %w", err)
	}
	return sum, nil
}

// ModelUsage is the token total for one model across agent rows.
type ModelUsage struct {
	Model        string `json:"model"`
	Calls        int64  `json:"calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// UsageByModel groups token usage by model, largest input first. Rows
// without a model are skipped.
func (s *Store) UsageByModel(ctx context.Context, f AuditFilter) ([]ModelUsage, error) {
	where, args := f.clause()
	if where == "" {
		where = " WHERE model <> ''"
	} else {
		where += " AND model <> ''"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM audit_log`+where+`
		GROUP BY model
		ORDER BY 3 DESC, model;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Calls, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (f AuditFilter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.Context != "" {
		conds = append(conds, "context = ?")
		args = append(args, f.Context)
	}
	if f.Skill != "" {
		conds = append(conds, "skill = ?")
		args = append(args, f.Skill)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
