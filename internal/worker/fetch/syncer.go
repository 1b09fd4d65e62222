package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/vendorcal/internal/calendar"
	"github.com/hitoshi/vendorcal/internal/metrics"
	"github.com/hitoshi/vendorcal/internal/model"
)

// Prober は保存済みblobのフィードを取得・解析してイベント数を返す。
// calendar.Serviceが実装する。
type Prober interface {
	Probe(ctx context.Context, encryptedURL string, rng model.DateRange, loc *time.Location) (int, error)
}

// KeyRotator は旧鍵で暗号化されたblobの検出と再暗号化を行う。
// secret.AEADCodecが実装する。
type KeyRotator interface {
	NeedsRotation(blob string) (bool, error)
	Decrypt(blob string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// SyncStateStore は同期結果と再暗号化したblobを永続化する。
type SyncStateStore interface {
	UpdateSyncState(ctx context.Context, ownerID string, status model.SyncStatus, at time.Time) error
	ReplaceEncryptedURL(ctx context.Context, ownerID, oldEncrypted, newEncrypted string) (bool, error)
}

// SyncerConfig はSyncerの設定。
type SyncerConfig struct {
	// Window は同期時に解析する期間の長さ。[now, now+Window)
	Window time.Duration
	// DefaultLocation は連携にタイムゾーンが無い場合に使用する。
	DefaultLocation *time.Location
}

// Syncer は1件の連携についてフィードの疎通確認と同期状態の記録を行う。
type Syncer struct {
	prober  Prober
	store   SyncStateStore
	rotator KeyRotator
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     SyncerConfig
	now     func() time.Time
}

var _ LinkSyncer = (*Syncer)(nil)

// NewSyncer はSyncerの新しいインスタンスを生成する。
// rotatorがnilの場合は再暗号化を行わない。
func NewSyncer(
	prober Prober,
	store SyncStateStore,
	rotator KeyRotator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg SyncerConfig,
) *Syncer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	return &Syncer{
		prober:  prober,
		store:   store,
		rotator: rotator,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Sync は連携1件を同期する。
func (s *Syncer) Sync(ctx context.Context, link *model.CalendarLink) error {
	if !link.IsConnected() {
		return nil
	}

	now := s.now()
	rng := model.DateRange{Start: now, End: now.Add(s.cfg.Window)}

	count, probeErr := s.prober.Probe(ctx, link.EncryptedURL, rng, s.locationFor(link))
	status := calendar.SyncStatusFor(probeErr)

	// シャットダウンによる中断は記録しない
	if probeErr != nil && ctx.Err() != nil {
		return nil
	}

	if err := s.store.UpdateSyncState(ctx, link.OwnerID, status, now); err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	s.metrics.RecordSyncResult(string(status))

	if probeErr != nil {
		s.logger.Warn("外部カレンダーの同期に失敗しました",
			slog.String("owner_id", link.OwnerID),
			slog.String("status", string(status)),
			slog.String("error", probeErr.Error()),
		)
		return nil
	}

	s.logger.Debug("外部カレンダーを同期しました",
		slog.String("owner_id", link.OwnerID),
		slog.Int("event_count", count),
	)

	s.rotate(ctx, link)
	return nil
}

// rotate は旧鍵で暗号化されたblobを現行鍵で再暗号化する。
// 失敗しても同期結果には影響させず、次のサイクルで再試行される。
func (s *Syncer) rotate(ctx context.Context, link *model.CalendarLink) {
	if s.rotator == nil {
		return
	}

	needs, err := s.rotator.NeedsRotation(link.EncryptedURL)
	if err != nil || !needs {
		return
	}

	plain, err := s.rotator.Decrypt(link.EncryptedURL)
	if err != nil {
		s.logger.Warn("再暗号化のための復号に失敗しました", slog.String("owner_id", link.OwnerID))
		return
	}
	sealed, err := s.rotator.Encrypt(plain)
	if err != nil {
		s.logger.Warn("再暗号化に失敗しました", slog.String("owner_id", link.OwnerID))
		return
	}

	replaced, err := s.store.ReplaceEncryptedURL(ctx, link.OwnerID, link.EncryptedURL, sealed)
	if err != nil {
		s.logger.Error("再暗号化したURLの保存に失敗しました",
			slog.String("owner_id", link.OwnerID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !replaced {
		// 同期中にURLが更新・削除された
		return
	}

	s.logger.Info("カレンダーURLを現行鍵で再暗号化しました", slog.String("owner_id", link.OwnerID))
}

func (s *Syncer) locationFor(link *model.CalendarLink) *time.Location {
	if link.Timezone == "" {
		return s.cfg.DefaultLocation
	}
	loc, err := time.LoadLocation(link.Timezone)
	if err != nil {
		return s.cfg.DefaultLocation
	}
	return loc
}
