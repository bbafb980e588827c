package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
	PurgedSessions  int64 `json:"purged_sessions"`
}

// RunRetention deletes audit rows and finished sessions older than the given
// windows. A window <= 0 keeps everything. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, sessionDays int) (RetentionResult, error) {
	var result RetentionResult

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if sessionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -sessionDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE status <> ? AND started_at < ?;`, SessionRunning, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge agent_sessions: %w", err)
		}
		result.PurgedSessions, _ = res.RowsAffected()
	}

	return result, nil
}
