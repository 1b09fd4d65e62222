package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/vendorcal/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 外部カレンダー
	CalendarService CalendarServiceInterface
	CalendarLinks   CalendarLinkStore
	DefaultLocation *time.Location

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS
//	  → (認証ルートのみ) Session → RateLimit(General) → CSRF
//
// /health, /metrics, /api/csrf-token は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	calendarHandler := NewCalendarHandler(deps.CalendarService, deps.CalendarLinks, deps.DefaultLocation)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Route("/vendor/calendar-link", func(r chi.Router) {
			r.Get("/", calendarHandler.GetCalendarLink)
			r.Post("/", calendarHandler.SaveCalendarLink)
			r.Delete("/", calendarHandler.DeleteCalendarLink)

			// 接続テストも外部フィードへアクセスするため取得用のレート制限を追加
			r.With(deps.RateLimiter.EventsRefreshMiddleware()).Post("/test", calendarHandler.TestConnection)
		})

		// GET /vendor/external-events - 外部イベント取得（取得専用レート制限を追加）
		r.With(deps.RateLimiter.EventsRefreshMiddleware()).Get("/vendor/external-events", calendarHandler.GetExternalEvents)
	})

	return r
}
