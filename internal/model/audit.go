// Package model はドメインモデルを定義する。
package model

import "time"

// AuditAction は監査ログのアクション種別。
type AuditAction string

const (
	AuditCalendarURLUpdated       AuditAction = "calendar_url_updated"
	AuditCalendarURLRemoved       AuditAction = "calendar_url_removed"
	AuditCalendarEventsFetched    AuditAction = "calendar_events_fetched"
	AuditCalendarConnectionTested AuditAction = "calendar_connection_tested"
)

// AuditEntry は追記専用の監査ログ1件を表す。
// SanitizedURLにはスキームとホストのみを含め、平文URLを含めてはならない。
type AuditEntry struct {
	ID           string
	Action       AuditAction
	UserID       string
	SanitizedURL string
	EventCount   *int
	RangeStart   *time.Time
	RangeEnd     *time.Time
	CreatedAt    time.Time
}
