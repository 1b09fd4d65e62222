package app

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/hitoshi/vendorcal/internal/audit"
	"github.com/hitoshi/vendorcal/internal/calendar"
	"github.com/hitoshi/vendorcal/internal/config"
	"github.com/hitoshi/vendorcal/internal/database"
	"github.com/hitoshi/vendorcal/internal/handler"
	"github.com/hitoshi/vendorcal/internal/ics"
	"github.com/hitoshi/vendorcal/internal/logger"
	"github.com/hitoshi/vendorcal/internal/metrics"
	"github.com/hitoshi/vendorcal/internal/middleware"
	"github.com/hitoshi/vendorcal/internal/privacy"
	"github.com/hitoshi/vendorcal/internal/repository"
	"github.com/hitoshi/vendorcal/internal/secret"
	"github.com/hitoshi/vendorcal/internal/security"
	"github.com/hitoshi/vendorcal/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/vendorcal/internal/worker/fetch"
)

const (
	dbPingTimeout       = 5 * time.Second
	shutdownTimeout     = 30 * time.Second
	cleanupRunTimeout   = 5 * time.Minute
	dotEnvPath          = ".env"
	defaultHealthPort   = "8080"
	healthcheckTimeout  = 5 * time.Second
	metricsReadTimeout  = 5 * time.Second
	metricsWriteTimeout = 10 * time.Second
)

// Init は.envと環境変数から設定を読み込み、wへのJSONログを構成する。
// 設定の読み込み中もログを出せるよう、最初はinfoレベルで仮設定する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w, "info")

	// 既存の環境変数は上書きしない
	if err := config.LoadDotEnv(dotEnvPath); err != nil {
		return nil, fmt.Errorf("failed to load dotenv: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はargs（os.Args[1:]）のサブコマンドに応じてserve、worker、migrateのいずれかを実行する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		PrintUsage(w)
		return nil
	}

	// DBや鍵を必要としないため設定の検証を行わない
	if cmd == CommandHealthcheck {
		return runHealthcheck(cmp.Or(os.Getenv("SERVER_PORT"), defaultHealthPort))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("vendorcalを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// calendarComponents はserve/workerで共有するカレンダー関連の依存関係。
type calendarComponents struct {
	service *calendar.Service
	codec   *secret.AEADCodec
}

// buildCalendarComponents は暗号化、URL検証、フェッチ、解析、公開設定フィルタ、
// 監査ログをワイヤリングしたカレンダーサービスを構築する。
func buildCalendarComponents(cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector, log *slog.Logger) (*calendarComponents, error) {
	codec, err := secret.NewAEADCodec(cfg.EncryptionKey, cfg.EncryptionKeysPrevious...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret codec: %w", err)
	}

	guard := security.NewSSRFGuard()
	if cfg.AllowPrivateFeeds {
		log.Warn("プライベートアドレスへのフィード取得が許可されています。本番環境では無効にしてください")
		guard = security.NewDevSSRFGuard()
	}

	fetcher := ics.NewFetcher(guard, collector, log, cfg.FetchTimeout, cfg.FetchMaxSize)
	filter := privacy.NewFilter(security.NewContentSanitizer())
	recorder := audit.NewRecorder(repository.NewPostgresAuditRepo(db), log)

	service := calendar.NewService(
		codec, guard, fetcher, nil, filter, recorder, collector, log,
		calendar.Limits{
			MaxRange:       cfg.MaxRange(),
			MaxOccurrences: cfg.CalendarMaxOccurrences,
		},
	)

	return &calendarComponents{service: service, codec: codec}, nil
}

// runServe はベンダー向けAPIを提供する。SIGINT/SIGTERMで処理中のリクエストを待って停止する。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established")

	sessionRepo := repository.NewPostgresSessionRepo(db)
	linkRepo := repository.NewPostgresCalendarLinkRepo(db)

	reg, collector := newMetricsRegistry()
	components, err := buildCalendarComponents(cfg, db, collector, log)
	if err != nil {
		return err
	}

	// RATE_LIMIT_*はreq/min単位
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitEventsRefresh),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		Logger:      log,

		CalendarService: components.service,
		CalendarLinks:   linkRepo,
		DefaultLocation: cfg.DefaultLocation(),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	})

	// WriteTimeoutはフィード取得のタイムアウトより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	log.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown API server: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker は連携済みカレンダーの定期同期と監査ログの削除ジョブを実行する。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established (worker)")

	linkRepo := repository.NewPostgresCalendarLinkRepo(db)
	reg, collector := newMetricsRegistry()

	components, err := buildCalendarComponents(cfg, db, collector, log)
	if err != nil {
		return err
	}

	syncer := fetchpkg.NewSyncer(components.service, linkRepo, components.codec, collector, log, fetchpkg.SyncerConfig{
		Window:          time.Duration(cfg.SyncWindowDays) * 24 * time.Hour,
		DefaultLocation: cfg.DefaultLocation(),
	})
	scheduler := fetchpkg.NewScheduler(linkRepo, syncer, log, cfg.SyncMaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 監査ログの削除
	cleanupJob := cleanup.NewCleanupJob(db, log)
	cleanupJob.RetentionDays = cfg.AuditRetentionDays

	c := cron.New()
	if _, err := cleanupJob.Schedule(ctx, c, cfg.AuditCleanupSchedule, cleanupRunTimeout); err != nil {
		return err
	}
	c.Start()
	defer func() {
		// 実行中のジョブの完了を待つ
		<-c.Stop().Done()
	}()

	// WORKER_METRICS_PORT未設定なら公開しない
	if cfg.WorkerMetricsPort != "" {
		metricsServer := newWorkerMetricsServer(cfg.WorkerMetricsPort, reg)
		go func() {
			log.Info("worker metrics server starting", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("worker metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), dbPingTimeout)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	log.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
		slog.Int("sync_window_days", cfg.SyncWindowDays),
		slog.String("audit_cleanup_schedule", cfg.AuditCleanupSchedule),
	)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	log.Info("shutting down worker...")
	return nil
}

// newWorkerMetricsServer はワーカーの/metricsのみを公開するHTTPサーバーを生成する。
func newWorkerMetricsServer(port string, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	return &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  metricsReadTimeout,
		WriteTimeout: metricsWriteTimeout,
	}
}

// runMigrate は未適用のマイグレーションをすべて適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("マイグレーションを実行します", slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)))

	res, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("マイグレーションが完了しました",
		slog.Uint64("schema_version", uint64(res.Version)),
		slog.Bool("applied", res.Applied),
	)
	return nil
}

// runHealthcheck はローカルの/healthを叩き、200以外ならエラーを返す。
// distrolessイメージにはcurlが無いため、DockerのHEALTHCHECKから呼ばれる。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: healthcheckTimeout}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
