// Package fetch は外部カレンダーのバックグラウンド同期処理を提供する。
// スケジューラと連携ごとの同期処理（鍵ローテーションを含む）で構成される。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/vendorcal/internal/model"
)

// ConnectedLister は同期対象の連携情報を列挙するインターフェース。
type ConnectedLister interface {
	ListConnected(ctx context.Context) ([]*model.CalendarLink, error)
}

// LinkSyncer は1件の連携を同期するインターフェース。
type LinkSyncer interface {
	// Sync は指定連携のフィードを取得・解析し、同期状態を記録する。
	// フィード側の失敗は同期状態として記録し、エラーを返すのは記録自体に失敗した場合のみ。
	Sync(ctx context.Context, link *model.CalendarLink) error
}

// Scheduler は外部カレンダー同期のスケジューリングと並列制御を行う。
// ティッカーで連携済みの一覧を取得し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
// サイクル内でのリトライは行わず、次のティックを再試行とする。
type Scheduler struct {
	links          ConnectedLister
	syncer         LinkSyncer
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewScheduler(
	links ConnectedLister,
	syncer LinkSyncer,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		links:          links,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は連携済みの一覧を1回取得し、並列で同期を実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	links, err := s.links.ListConnected(ctx)
	if err != nil {
		return err
	}

	if len(links) == 0 {
		s.logger.Info("同期対象の連携はありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("link_count", len(links)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, link := range links {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(l *model.CalendarLink) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.syncer.Sync(ctx, l); err != nil {
				s.logger.Error("同期結果の記録に失敗しました",
					slog.String("owner_id", l.OwnerID),
					slog.String("error", err.Error()),
				)
			}
		}(link)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("link_count", len(links)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
