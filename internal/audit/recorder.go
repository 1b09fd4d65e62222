// Package audit は外部カレンダー操作の監査ログを記録する。
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/vendorcal/internal/model"
	"github.com/hitoshi/vendorcal/internal/repository"
)

// Recorder は監査ログを永続化し、同じ内容を構造化ログにも出力する。
// 永続化の失敗はログに記録するのみで、呼び出し元の操作を失敗させない。
type Recorder struct {
	repo   repository.AuditRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder はRecorderを生成する。repoがnilの場合は構造化ログへの出力のみ行う。
func NewRecorder(repo repository.AuditRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Record は監査ログを1件記録する。IDと作成日時が未設定の場合は補完する。
func (r *Recorder) Record(ctx context.Context, entry model.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	attrs := []any{
		slog.String("audit_id", entry.ID),
		slog.String("action", string(entry.Action)),
		slog.String("user_id", entry.UserID),
	}
	if entry.SanitizedURL != "" {
		attrs = append(attrs, slog.String("calendar_host", entry.SanitizedURL))
	}
	if entry.EventCount != nil {
		attrs = append(attrs, slog.Int("event_count", *entry.EventCount))
	}
	if entry.RangeStart != nil && entry.RangeEnd != nil {
		attrs = append(attrs,
			slog.Time("range_start", *entry.RangeStart),
			slog.Time("range_end", *entry.RangeEnd),
		)
	}
	r.logger.Info("監査ログ", attrs...)

	if r.repo == nil {
		return
	}
	if err := r.repo.Insert(ctx, &entry); err != nil {
		r.logger.Warn("監査ログの保存に失敗しました",
			slog.String("audit_id", entry.ID),
			slog.String("action", string(entry.Action)),
			slog.String("error", err.Error()),
		)
	}
}
