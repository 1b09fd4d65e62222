package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/vendorcal/internal/calendar"
	"github.com/hitoshi/vendorcal/internal/middleware"
	"github.com/hitoshi/vendorcal/internal/model"
)

// --- モック定義 ---

// mockCalendarService はCalendarServiceInterfaceのモック実装。
type mockCalendarService struct {
	validateFn   func(rawURL string) error
	saveFn       func(ctx context.Context, userID, rawURL string, settings *model.PrivacySettings) (*calendar.SaveResult, error)
	removeFn     func(ctx context.Context, userID string) (*calendar.RemoveResult, error)
	statusFn     func(ctx context.Context, encryptedURL string) calendar.ConnectionStatus
	getEventsFn  func(ctx context.Context, req calendar.EventsRequest) ([]model.ExternalEvent, error)
	testConnFn   func(ctx context.Context, userID, rawURL string) calendar.TestResult
	getEventsCnt int
}

func (m *mockCalendarService) ValidateCalendarURL(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

func (m *mockCalendarService) SaveCalendarURL(ctx context.Context, userID, rawURL string, settings *model.PrivacySettings) (*calendar.SaveResult, error) {
	if m.saveFn != nil {
		return m.saveFn(ctx, userID, rawURL, settings)
	}
	return &calendar.SaveResult{EncryptedURL: "blob", SavedAt: time.Now(), Provider: model.ProviderGeneric, Privacy: *settings}, nil
}

func (m *mockCalendarService) RemoveCalendarURL(ctx context.Context, userID string) (*calendar.RemoveResult, error) {
	if m.removeFn != nil {
		return m.removeFn(ctx, userID)
	}
	return &calendar.RemoveResult{Removed: true}, nil
}

func (m *mockCalendarService) GetConnectionStatus(ctx context.Context, encryptedURL string) calendar.ConnectionStatus {
	if m.statusFn != nil {
		return m.statusFn(ctx, encryptedURL)
	}
	return calendar.ConnectionStatus{Status: model.ConnectionDisconnected}
}

func (m *mockCalendarService) GetEvents(ctx context.Context, req calendar.EventsRequest) ([]model.ExternalEvent, error) {
	m.getEventsCnt++
	if m.getEventsFn != nil {
		return m.getEventsFn(ctx, req)
	}
	return []model.ExternalEvent{}, nil
}

func (m *mockCalendarService) TestConnection(ctx context.Context, userID, rawURL string) calendar.TestResult {
	if m.testConnFn != nil {
		return m.testConnFn(ctx, userID, rawURL)
	}
	return calendar.TestResult{}
}

// mockCalendarLinkStore はCalendarLinkStoreのモック実装。
type mockCalendarLinkStore struct {
	findFn   func(ctx context.Context, ownerID string) (*model.CalendarLink, error)
	updateFn func(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error
	clearFn  func(ctx context.Context, ownerID string, at time.Time) error
}

func (m *mockCalendarLinkStore) FindByOwnerID(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
	if m.findFn != nil {
		return m.findFn(ctx, ownerID)
	}
	return &model.CalendarLink{OwnerID: ownerID, Privacy: model.DefaultPrivacySettings()}, nil
}

func (m *mockCalendarLinkStore) UpdateCalendarURL(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, ownerID, encryptedURL, privacy, at)
	}
	return nil
}

func (m *mockCalendarLinkStore) ClearCalendarURL(ctx context.Context, ownerID string, at time.Time) error {
	if m.clearFn != nil {
		return m.clearFn(ctx, ownerID, at)
	}
	return nil
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// parseAPIErrorResponse はレスポンスボディから統一エラーフォーマットをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func noProfileStore() *mockCalendarLinkStore {
	return &mockCalendarLinkStore{
		findFn: func(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
			return nil, nil
		},
	}
}

// --- POST /vendor/calendar-link ---

func TestCalendarHandler_SaveCalendarLink_Success(t *testing.T) {
	savedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var stored struct {
		blob    string
		privacy model.PrivacySettings
	}

	svc := &mockCalendarService{
		saveFn: func(ctx context.Context, userID, rawURL string, settings *model.PrivacySettings) (*calendar.SaveResult, error) {
			if userID != "vendor-1" {
				t.Errorf("userID = %q, want vendor-1", userID)
			}
			if rawURL != "https://calendar.google.com/calendar/ical/x/basic.ics" {
				t.Errorf("rawURL = %q", rawURL)
			}
			return &calendar.SaveResult{
				EncryptedURL: "v1.sealed",
				SavedAt:      savedAt,
				Provider:     model.ProviderGoogle,
				Privacy:      *settings,
			}, nil
		},
	}
	store := &mockCalendarLinkStore{
		updateFn: func(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error {
			stored.blob = encryptedURL
			stored.privacy = privacy
			return nil
		},
	}

	h := NewCalendarHandler(svc, store, nil)

	body := `{"url": "https://calendar.google.com/calendar/ical/x/basic.ics", "privacySettings": {"showEventDetails": true}}`
	req := withUserID(httptest.NewRequest(http.MethodPost, "/vendor/calendar-link", bytes.NewBufferString(body)), "vendor-1")
	w := httptest.NewRecorder()

	h.SaveCalendarLink(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp saveCalendarLinkResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !resp.Success || resp.Provider != model.ProviderGoogle || !resp.LastSync.Equal(savedAt) {
		t.Errorf("unexpected response: %+v", resp)
	}
	if stored.blob != "v1.sealed" {
		t.Errorf("stored blob = %q, want v1.sealed", stored.blob)
	}
	want := model.PrivacySettings{ShowEventDetails: true, ExternalCalendarEnabled: true}
	if stored.privacy != want {
		t.Errorf("stored privacy = %+v, want %+v", stored.privacy, want)
	}
}

func TestCalendarHandler_SaveCalendarLink_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		svc      *mockCalendarService
		store    *mockCalendarLinkStore
		wantCode int
		wantErr  string
	}{
		{
			name:     "不正なJSON",
			body:     `{`,
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidRequest,
		},
		{
			name:     "URLが空",
			body:     `{"url": ""}`,
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidURL,
		},
		{
			name:     "公開設定に不明なキー",
			body:     `{"url": "https://example.com/a.ics", "privacySettings": {"shareAll": true}}`,
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidPrivacySettings,
		},
		{
			name: "URL検証エラー",
			body: `{"url": "ftp://example.com/a.ics"}`,
			svc: &mockCalendarService{
				saveFn: func(ctx context.Context, userID, rawURL string, settings *model.PrivacySettings) (*calendar.SaveResult, error) {
					return nil, model.NewValidationError("url", "http または https のURLを指定してください")
				},
			},
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidURL,
		},
		{
			name: "プロフィールがなくても不正なURLは400",
			body: `{"url": "not-a-url"}`,
			svc: &mockCalendarService{
				validateFn: func(rawURL string) error {
					return model.NewValidationError("url", "http または https のURLのみ利用できます")
				},
			},
			store: &mockCalendarLinkStore{
				findFn: func(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
					t.Error("URLが不正な場合はプロフィールを参照してはならない")
					return nil, nil
				},
			},
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidURL,
		},
		{
			name:     "プロフィールなし",
			body:     `{"url": "https://example.com/a.ics"}`,
			store:    noProfileStore(),
			wantCode: http.StatusNotFound,
			wantErr:  model.ErrCodeProfileNotFound,
		},
		{
			name: "保存失敗",
			body: `{"url": "https://example.com/a.ics"}`,
			store: &mockCalendarLinkStore{
				updateFn: func(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error {
					return errors.New("connection reset")
				},
			},
			wantCode: http.StatusInternalServerError,
			wantErr:  model.ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := tt.svc
			if svc == nil {
				svc = &mockCalendarService{}
			}
			store := tt.store
			if store == nil {
				store = &mockCalendarLinkStore{}
			}
			h := NewCalendarHandler(svc, store, nil)

			req := withUserID(httptest.NewRequest(http.MethodPost, "/vendor/calendar-link", bytes.NewBufferString(tt.body)), "vendor-1")
			w := httptest.NewRecorder()
			h.SaveCalendarLink(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := parseAPIErrorResponse(t, w); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
		})
	}
}

func TestCalendarHandler_SaveCalendarLink_NoUser_Returns401(t *testing.T) {
	h := NewCalendarHandler(&mockCalendarService{}, &mockCalendarLinkStore{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/vendor/calendar-link", bytes.NewBufferString(`{"url":"https://example.com/a.ics"}`))
	w := httptest.NewRecorder()
	h.SaveCalendarLink(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- GET /vendor/calendar-link ---

func TestCalendarHandler_GetCalendarLink_Connected(t *testing.T) {
	plain := "https://outlook.office365.com/owa/calendar/abc/calendar.ics"
	updated := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	svc := &mockCalendarService{
		statusFn: func(ctx context.Context, encryptedURL string) calendar.ConnectionStatus {
			if encryptedURL != "v1.sealed" {
				t.Errorf("encryptedURL = %q, want v1.sealed", encryptedURL)
			}
			return calendar.ConnectionStatus{URL: &plain, Status: model.ConnectionConnected, Provider: model.ProviderOutlook, LooksLikeCalendarExport: true}
		},
	}
	store := &mockCalendarLinkStore{
		findFn: func(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
			return &model.CalendarLink{
				OwnerID:      ownerID,
				EncryptedURL: "v1.sealed",
				Privacy:      model.DefaultPrivacySettings(),
				UpdatedAt:    &updated,
			}, nil
		},
	}

	h := NewCalendarHandler(svc, store, nil)
	w := httptest.NewRecorder()
	h.GetCalendarLink(w, withUserID(httptest.NewRequest(http.MethodGet, "/vendor/calendar-link", nil), "vendor-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp calendarLinkResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.URL == nil || *resp.URL != plain {
		t.Errorf("url = %v, want %q", resp.URL, plain)
	}
	if resp.Status != model.ConnectionConnected {
		t.Errorf("status = %q, want connected", resp.Status)
	}
	if resp.LastSync == nil || !resp.LastSync.Equal(updated) {
		t.Errorf("lastSync = %v, want %v", resp.LastSync, updated)
	}
	if resp.HelpText == "" {
		t.Error("expected helpText")
	}
	if !resp.LooksLikeCalendarExport {
		t.Error("looksLikeCalendarExport should be passed through from the service")
	}
}

func TestCalendarHandler_GetCalendarLink_Corrupted(t *testing.T) {
	svc := &mockCalendarService{
		statusFn: func(ctx context.Context, encryptedURL string) calendar.ConnectionStatus {
			return calendar.ConnectionStatus{Status: model.ConnectionDisconnected, Error: calendar.ConnectionErrorCorrupted}
		},
	}
	store := &mockCalendarLinkStore{
		findFn: func(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
			return &model.CalendarLink{OwnerID: ownerID, EncryptedURL: "garbage"}, nil
		},
	}

	h := NewCalendarHandler(svc, store, nil)
	w := httptest.NewRecorder()
	h.GetCalendarLink(w, withUserID(httptest.NewRequest(http.MethodGet, "/vendor/calendar-link", nil), "vendor-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["url"] != nil {
		t.Errorf("url = %v, want null", body["url"])
	}
	if body["error"] != "corrupted" {
		t.Errorf("error = %v, want corrupted", body["error"])
	}
}

func TestCalendarHandler_GetCalendarLink_NoProfile_Returns404(t *testing.T) {
	h := NewCalendarHandler(&mockCalendarService{}, noProfileStore(), nil)
	w := httptest.NewRecorder()
	h.GetCalendarLink(w, withUserID(httptest.NewRequest(http.MethodGet, "/vendor/calendar-link", nil), "vendor-1"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- DELETE /vendor/calendar-link ---

func TestCalendarHandler_DeleteCalendarLink_Idempotent(t *testing.T) {
	clearCalls := 0
	removeCalls := 0
	store := &mockCalendarLinkStore{
		clearFn: func(ctx context.Context, ownerID string, at time.Time) error {
			clearCalls++
			return nil
		},
	}
	svc := &mockCalendarService{
		removeFn: func(ctx context.Context, userID string) (*calendar.RemoveResult, error) {
			removeCalls++
			return &calendar.RemoveResult{Removed: true}, nil
		},
	}
	h := NewCalendarHandler(svc, store, nil)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.DeleteCalendarLink(w, withUserID(httptest.NewRequest(http.MethodDelete, "/vendor/calendar-link", nil), "vendor-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
		var resp removeCalendarLinkResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if !resp.Success {
			t.Errorf("call %d: success = false", i)
		}
	}
	if clearCalls != 2 || removeCalls != 2 {
		t.Errorf("clear=%d remove=%d, want 2/2", clearCalls, removeCalls)
	}
}

func TestCalendarHandler_DeleteCalendarLink_StorageFailure_Returns500(t *testing.T) {
	store := &mockCalendarLinkStore{
		clearFn: func(ctx context.Context, ownerID string, at time.Time) error {
			return errors.New("db down")
		},
	}
	h := NewCalendarHandler(&mockCalendarService{}, store, nil)

	w := httptest.NewRecorder()
	h.DeleteCalendarLink(w, withUserID(httptest.NewRequest(http.MethodDelete, "/vendor/calendar-link", nil), "vendor-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- GET /vendor/external-events ---

func TestCalendarHandler_GetExternalEvents_Success(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	var got calendar.EventsRequest
	svc := &mockCalendarService{
		getEventsFn: func(ctx context.Context, req calendar.EventsRequest) ([]model.ExternalEvent, error) {
			got = req
			return []model.ExternalEvent{
				{ID: "e1", Title: "Busy", Start: req.Range.Start, End: req.Range.Start.Add(time.Hour), IsExternal: true},
			}, nil
		},
	}
	store := &mockCalendarLinkStore{
		findFn: func(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
			return &model.CalendarLink{
				OwnerID:      ownerID,
				EncryptedURL: "v1.sealed",
				Privacy:      model.PrivacySettings{ShowEventDetails: false, ExternalCalendarEnabled: true},
				Timezone:     "Asia/Tokyo",
			}, nil
		},
	}

	h := NewCalendarHandler(svc, store, nil)
	target := `/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31&privacySettings={"showEventDetails":true}`
	w := httptest.NewRecorder()
	h.GetExternalEvents(w, withUserID(httptest.NewRequest(http.MethodGet, target, nil), "vendor-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	wantStart := time.Date(2025, 1, 1, 0, 0, 0, 0, tokyo)
	wantEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, tokyo)
	if !got.Range.Start.Equal(wantStart) || !got.Range.End.Equal(wantEnd) {
		t.Errorf("range = [%v, %v), want [%v, %v)", got.Range.Start, got.Range.End, wantStart, wantEnd)
	}
	if got.Location == nil || got.Location.String() != "Asia/Tokyo" {
		t.Errorf("location = %v, want Asia/Tokyo", got.Location)
	}
	if !got.Privacy.ShowEventDetails || !got.Privacy.ExternalCalendarEnabled {
		t.Errorf("privacy = %+v, want query override merged over stored", got.Privacy)
	}
	if got.EncryptedURL != "v1.sealed" || got.UserID != "vendor-1" {
		t.Errorf("unexpected request: %+v", got)
	}

	var resp externalEventsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.TotalCount != 1 || len(resp.Events) != 1 {
		t.Errorf("totalCount = %d, events = %d, want 1/1", resp.TotalCount, len(resp.Events))
	}
	if !resp.PrivacySettings.ShowEventDetails {
		t.Error("response privacySettings should reflect merged settings")
	}
}

func TestCalendarHandler_GetExternalEvents_RFC3339Range(t *testing.T) {
	var got calendar.EventsRequest
	svc := &mockCalendarService{
		getEventsFn: func(ctx context.Context, req calendar.EventsRequest) ([]model.ExternalEvent, error) {
			got = req
			return []model.ExternalEvent{}, nil
		},
	}
	h := NewCalendarHandler(svc, &mockCalendarLinkStore{}, nil)

	target := "/vendor/external-events?startDate=2025-01-01T00:00:00Z&endDate=2025-01-02T12:00:00Z"
	w := httptest.NewRecorder()
	h.GetExternalEvents(w, withUserID(httptest.NewRequest(http.MethodGet, target, nil), "vendor-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	wantEnd := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	if !got.Range.End.Equal(wantEnd) {
		t.Errorf("end = %v, want %v (RFC 3339 should not be extended)", got.Range.End, wantEnd)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	events, ok := body["events"].([]any)
	if !ok || len(events) != 0 {
		t.Errorf("events = %v, want empty array", body["events"])
	}
}

func TestCalendarHandler_GetExternalEvents_Errors(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		store     *mockCalendarLinkStore
		eventsErr error
		wantCode  int
		wantErr   string
		retryable bool
	}{
		{
			name:     "期間なし",
			target:   "/vendor/external-events",
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidDateRange,
		},
		{
			name:     "不正な日付",
			target:   "/vendor/external-events?startDate=yesterday&endDate=2025-01-31",
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidDateRange,
		},
		{
			name:     "不正な公開設定",
			target:   `/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31&privacySettings={"showEventDetails":"yes"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  model.ErrCodeInvalidPrivacySettings,
		},
		{
			name:     "プロフィールなし",
			target:   "/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31",
			store:    noProfileStore(),
			wantCode: http.StatusNotFound,
			wantErr:  model.ErrCodeProfileNotFound,
		},
		{
			name:      "サービスの期間検証エラー",
			target:    "/vendor/external-events?startDate=2025-01-31&endDate=2025-01-01",
			eventsErr: model.NewValidationError("range", "startDate は endDate より前である必要があります"),
			wantCode:  http.StatusBadRequest,
			wantErr:   model.ErrCodeInvalidDateRange,
		},
		{
			name:      "ICSではないフィード",
			target:    "/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31",
			eventsErr: &model.InvalidFeedError{Reason: model.InvalidFeedNotICS},
			wantCode:  http.StatusUnprocessableEntity,
			wantErr:   model.ErrCodeInvalidFeed,
		},
		{
			name:      "復号失敗",
			target:    "/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31",
			eventsErr: &model.DecryptionError{Reason: model.DecryptReasonAuthFailed},
			wantCode:  http.StatusInternalServerError,
			wantErr:   model.ErrCodeDecryptionFailed,
		},
		{
			name:      "タイムアウト",
			target:    "/vendor/external-events?startDate=2025-01-01&endDate=2025-01-31",
			eventsErr: &model.FetchError{Class: model.FetchErrorTimeout},
			wantCode:  http.StatusInternalServerError,
			wantErr:   model.ErrCodeFetchFailed,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCalendarService{
				getEventsFn: func(ctx context.Context, req calendar.EventsRequest) ([]model.ExternalEvent, error) {
					return nil, tt.eventsErr
				},
			}
			store := tt.store
			if store == nil {
				store = &mockCalendarLinkStore{}
			}
			h := NewCalendarHandler(svc, store, nil)

			w := httptest.NewRecorder()
			h.GetExternalEvents(w, withUserID(httptest.NewRequest(http.MethodGet, tt.target, nil), "vendor-1"))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", w.Code, tt.wantCode, w.Body.String())
			}
			body := parseAPIErrorResponse(t, w)
			if body.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", body.Code, tt.wantErr)
			}
			if body.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", body.Retryable, tt.retryable)
			}
		})
	}
}

func TestCalendarHandler_GetExternalEvents_InvalidDate_DoesNotCallService(t *testing.T) {
	svc := &mockCalendarService{}
	h := NewCalendarHandler(svc, &mockCalendarLinkStore{}, nil)

	w := httptest.NewRecorder()
	h.GetExternalEvents(w, withUserID(httptest.NewRequest(http.MethodGet, "/vendor/external-events?startDate=2025-01-01", nil), "vendor-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if svc.getEventsCnt != 0 {
		t.Errorf("GetEvents called %d times, want 0", svc.getEventsCnt)
	}
}

// --- POST /vendor/calendar-link/test ---

func TestCalendarHandler_TestConnection(t *testing.T) {
	svc := &mockCalendarService{
		testConnFn: func(ctx context.Context, userID, rawURL string) calendar.TestResult {
			if rawURL == "not-a-url" {
				return calendar.TestResult{Success: false, Message: "無効なURLです"}
			}
			return calendar.TestResult{Success: true, Message: "ok", Provider: model.ProviderICloud, EventCount: 3}
		},
	}
	h := NewCalendarHandler(svc, &mockCalendarLinkStore{}, nil)

	tests := []struct {
		body        string
		wantSuccess bool
		wantCount   int
	}{
		{`{"url": "webcal://p01-caldav.icloud.com/published/2/abc"}`, true, 3},
		{`{"url": "not-a-url"}`, false, 0},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.TestConnection(w, withUserID(httptest.NewRequest(http.MethodPost, "/vendor/calendar-link/test", bytes.NewBufferString(tt.body)), "vendor-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var resp calendar.TestResult
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if resp.Success != tt.wantSuccess || resp.EventCount != tt.wantCount {
			t.Errorf("body %s: got %+v", tt.body, resp)
		}
	}
}

// --- parseDateRange ---

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{
			name:      "日付のみはその日の終わりまで",
			start:     "2025-03-01",
			end:       "2025-03-01",
			wantStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "RFC3339",
			start:     "2025-03-01T10:00:00+09:00",
			end:       "2025-03-01T12:00:00+09:00",
			wantStart: time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC),
		},
		{name: "開始なし", end: "2025-03-01", wantErr: true},
		{name: "不正な終了", start: "2025-03-01", end: "03/02/2025", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := parseDateRange(tt.start, tt.end, time.UTC)
			if tt.wantErr {
				var ve *model.ValidationError
				if !errors.As(err, &ve) || ve.Field != "range" {
					t.Fatalf("err = %v, want range ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !rng.Start.Equal(tt.wantStart) || !rng.End.Equal(tt.wantEnd) {
				t.Errorf("range = [%v, %v), want [%v, %v)", rng.Start, rng.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}
