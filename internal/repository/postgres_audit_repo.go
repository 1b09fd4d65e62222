package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vendorcal/internal/model"
)

// PostgresAuditRepo はPostgreSQLのaudit_logsテーブルを使用した監査ログリポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Insert は監査ログを1件追記する。
func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditEntry) error {
	var eventCount sql.NullInt64
	if entry.EventCount != nil {
		eventCount = sql.NullInt64{Int64: int64(*entry.EventCount), Valid: true}
	}
	var rangeStart, rangeEnd sql.NullTime
	if entry.RangeStart != nil {
		rangeStart = sql.NullTime{Time: *entry.RangeStart, Valid: true}
	}
	if entry.RangeEnd != nil {
		rangeEnd = sql.NullTime{Time: *entry.RangeEnd, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, user_id, sanitized_url, event_count, range_start, range_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, string(entry.Action), entry.UserID, entry.SanitizedURL,
		eventCount, rangeStart, rangeEnd, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
