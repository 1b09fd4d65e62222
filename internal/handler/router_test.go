package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/vendorcal/internal/calendar"
	"github.com/hitoshi/vendorcal/internal/middleware"
	"github.com/hitoshi/vendorcal/internal/model"
)

// mockSessionFinderForRouter はRouter統合テスト用のSessionFinderモック。
type mockSessionFinderForRouter struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinderForRouter) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, nil
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter(t *testing.T, limiterCfg middleware.RateLimiterConfig) (http.Handler, *mockCalendarService) {
	t.Helper()

	sessionFinder := &mockSessionFinderForRouter{
		sessions: map[string]*model.Session{
			"valid-session": {
				ID:        "valid-session",
				UserID:    "vendor-1",
				ExpiresAt: time.Now().Add(1 * time.Hour),
			},
		},
	}

	rl := middleware.NewRateLimiter(limiterCfg)
	t.Cleanup(rl.Stop)

	svc := &mockCalendarService{
		testConnFn: func(ctx context.Context, userID, rawURL string) calendar.TestResult {
			return calendar.TestResult{Success: true, Provider: model.ProviderGeneric}
		},
	}

	deps := &RouterDeps{
		SessionFinder:     sessionFinder,
		CORSAllowedOrigin: "http://localhost:3000",
		CSRFConfig:        middleware.CSRFConfig{CookieSecure: false},
		RateLimiter:       rl,
		CalendarService:   svc,
		CalendarLinks:     &mockCalendarLinkStore{},
		HealthChecker:     &mockHealthChecker{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
	}

	return NewRouter(deps), svc
}

func authed(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	return req
}

func withCSRF(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "test-token"})
	req.Header.Set("X-CSRF-Token", "test-token")
	return req
}

func TestNewRouter_PublicEndpoints_NoAuthRequired(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	for _, path := range []string{"/health", "/metrics", "/api/csrf-token"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestNewRouter_CSRFTokenEndpoint_ReturnsToken(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["token"] == "" {
		t.Error("expected non-empty CSRF token")
	}
}

func TestNewRouter_ProtectedRoutes_NoSession_Returns401(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	routes := []struct{ method, path string }{
		{http.MethodGet, "/vendor/calendar-link"},
		{http.MethodPost, "/vendor/calendar-link"},
		{http.MethodDelete, "/vendor/calendar-link"},
		{http.MethodPost, "/vendor/calendar-link/test"},
		{http.MethodGet, "/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31"},
	}
	for _, rt := range routes {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s (no session) status = %d, want %d", rt.method, rt.path, w.Code, http.StatusUnauthorized)
		}
	}
}

func TestNewRouter_GetCalendarLink_WithSession_Succeeds(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/vendor/calendar-link", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNewRouter_StateChanging_RequiresCSRF(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	body := `{"url": "https://example.com/calendar.ics"}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/vendor/calendar-link", strings.NewReader(body))))
	if w.Code != http.StatusForbidden {
		t.Errorf("POST without CSRF status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, withCSRF(authed(httptest.NewRequest(http.MethodPost, "/vendor/calendar-link", strings.NewReader(body)))))
	if w.Code != http.StatusOK {
		t.Errorf("POST with CSRF status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, withCSRF(authed(httptest.NewRequest(http.MethodDelete, "/vendor/calendar-link", nil))))
	if w.Code != http.StatusOK {
		t.Errorf("DELETE with CSRF status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_MiddlewareOrder_SessionBeforeCSRF(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/vendor/calendar-link/test", strings.NewReader(`{"url":"x"}`)))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d (session check before CSRF)", w.Code, http.StatusUnauthorized)
	}
}

func TestNewRouter_TestConnectionRoute(t *testing.T) {
	router, _ := createTestRouter(t, middleware.DefaultRateLimiterConfig())

	req := withCSRF(authed(httptest.NewRequest(http.MethodPost, "/vendor/calendar-link/test", strings.NewReader(`{"url":"https://example.com/a.ics"}`))))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp calendar.TestResult
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !resp.Success {
		t.Error("expected success")
	}
}

func TestNewRouter_ExternalEvents_RefreshLimit(t *testing.T) {
	router, svc := createTestRouter(t, middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		RefreshRate:     1,
		RefreshBurst:    2,
		CleanupInterval: time.Minute,
	})

	target := "/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31"
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, target, nil)))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, target, nil)))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if svc.getEventsCnt != 2 {
		t.Errorf("GetEvents called %d times, want 2", svc.getEventsCnt)
	}

	// 接続状態の取得は取得用の制限を受けない
	w = httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/vendor/calendar-link", nil)))
	if w.Code != http.StatusOK {
		t.Errorf("GET /vendor/calendar-link status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_HealthUnavailable_Returns503(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rl.Stop()

	router := NewRouter(&RouterDeps{
		SessionFinder: &mockSessionFinderForRouter{},
		RateLimiter:   rl,
		HealthChecker: &mockHealthChecker{err: context.DeadlineExceeded},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
