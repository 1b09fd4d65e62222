package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/vendorcal/internal/calendar"
	"github.com/hitoshi/vendorcal/internal/middleware"
	"github.com/hitoshi/vendorcal/internal/model"
	"github.com/hitoshi/vendorcal/internal/privacy"
	"github.com/hitoshi/vendorcal/internal/security"
)

// CalendarServiceInterface はカレンダーハンドラーが必要とするサービスインターフェース。
type CalendarServiceInterface interface {
	ValidateCalendarURL(rawURL string) error
	SaveCalendarURL(ctx context.Context, userID, rawURL string, settings *model.PrivacySettings) (*calendar.SaveResult, error)
	RemoveCalendarURL(ctx context.Context, userID string) (*calendar.RemoveResult, error)
	GetConnectionStatus(ctx context.Context, encryptedURL string) calendar.ConnectionStatus
	GetEvents(ctx context.Context, req calendar.EventsRequest) ([]model.ExternalEvent, error)
	TestConnection(ctx context.Context, userID, rawURL string) calendar.TestResult
}

// CalendarLinkStore はベンダープロフィール上の連携情報の読み書きインターフェース。
// repository.CalendarLinkRepositoryの部分集合として定義する。
type CalendarLinkStore interface {
	FindByOwnerID(ctx context.Context, ownerID string) (*model.CalendarLink, error)
	UpdateCalendarURL(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error
	ClearCalendarURL(ctx context.Context, ownerID string, at time.Time) error
}

var _ CalendarServiceInterface = (*calendar.Service)(nil)

// CalendarHandler は外部カレンダー連携のHTTPハンドラー。
type CalendarHandler struct {
	service         CalendarServiceInterface
	store           CalendarLinkStore
	defaultLocation *time.Location
	now             func() time.Time
}

// NewCalendarHandler はCalendarHandlerを生成する。
// defaultLocationはベンダーのタイムゾーンが未設定の場合に使う。nilの場合はUTC。
func NewCalendarHandler(service CalendarServiceInterface, store CalendarLinkStore, defaultLocation *time.Location) *CalendarHandler {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	return &CalendarHandler{
		service:         service,
		store:           store,
		defaultLocation: defaultLocation,
		now:             time.Now,
	}
}

// saveCalendarLinkRequest はカレンダーURL登録リクエストのボディ。
type saveCalendarLinkRequest struct {
	URL             string          `json:"url"`
	PrivacySettings json.RawMessage `json:"privacySettings"`
}

// testConnectionRequest は接続テストリクエストのボディ。
type testConnectionRequest struct {
	URL string `json:"url"`
}

type saveCalendarLinkResponse struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	LastSync time.Time      `json:"lastSync"`
	Provider model.Provider `json:"provider"`
}

type calendarLinkResponse struct {
	URL             *string               `json:"url"`
	Status          model.ConnectionState `json:"status"`
	LastSync        *time.Time            `json:"lastSync"`
	SyncStatus      model.SyncStatus      `json:"syncStatus,omitempty"`
	Provider        model.Provider        `json:"provider,omitempty"`
	HelpText        string                `json:"helpText"`
	PrivacySettings model.PrivacySettings `json:"privacySettings"`
	Error           string                `json:"error,omitempty"`
	// エクスポート形式らしくないURLへの注意表示用。検証の合否とは無関係。
	LooksLikeCalendarExport bool `json:"looksLikeCalendarExport"`
}

type removeCalendarLinkResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type externalEventsResponse struct {
	Events          []model.ExternalEvent `json:"events"`
	LastSync        time.Time             `json:"lastSync"`
	TotalCount      int                   `json:"totalCount"`
	PrivacySettings model.PrivacySettings `json:"privacySettings"`
}

// SaveCalendarLink は外部カレンダーURLを登録する。
// POST /vendor/calendar-link
func (h *CalendarHandler) SaveCalendarLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req saveCalendarLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if req.URL == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが空です"))
		return
	}

	// プロフィールの有無より先に、ベンダーが直せる入力エラーを返す
	if err := h.service.ValidateCalendarURL(req.URL); err != nil {
		writeServiceError(w, err)
		return
	}
	override, err := privacy.ParseSettings(req.PrivacySettings)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	link, ok := h.findLink(w, r, userID)
	if !ok {
		return
	}
	settings := privacy.Merge(link.Privacy, override)

	result, err := h.service.SaveCalendarURL(r.Context(), userID, req.URL, &settings)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.store.UpdateCalendarURL(r.Context(), userID, result.EncryptedURL, result.Privacy, result.SavedAt); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saveCalendarLinkResponse{
		Success:  true,
		Message:  "外部カレンダーを連携しました。",
		LastSync: result.SavedAt,
		Provider: result.Provider,
	})
}

// GetCalendarLink は外部カレンダーの接続状態を返す。
// GET /vendor/calendar-link
func (h *CalendarHandler) GetCalendarLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	link, ok := h.findLink(w, r, userID)
	if !ok {
		return
	}

	status := h.service.GetConnectionStatus(r.Context(), link.EncryptedURL)
	provider := status.Provider
	if provider == "" {
		provider = model.ProviderGeneric
	}

	lastSync := link.LastSyncAt
	if lastSync == nil {
		lastSync = link.UpdatedAt
	}

	writeJSON(w, http.StatusOK, calendarLinkResponse{
		URL:                     status.URL,
		Status:                  status.Status,
		LastSync:                lastSync,
		SyncStatus:              link.LastSyncStatus,
		Provider:                status.Provider,
		HelpText:                security.ProviderHelp(provider),
		PrivacySettings:         link.Privacy,
		Error:                   status.Error,
		LooksLikeCalendarExport: status.LooksLikeCalendarExport,
	})
}

// DeleteCalendarLink は外部カレンダーの連携を解除する。
// 既に解除済みでも成功を返す。
// DELETE /vendor/calendar-link
func (h *CalendarHandler) DeleteCalendarLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.store.ClearCalendarURL(r.Context(), userID, h.now()); err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := h.service.RemoveCalendarURL(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, removeCalendarLinkResponse{
		Success: result.Removed,
		Message: "外部カレンダーの連携を解除しました。",
	})
}

// GetExternalEvents は期間内の外部カレンダーイベントを返す。
// GET /vendor/external-events?startDate=...&endDate=...&privacySettings=<json>
func (h *CalendarHandler) GetExternalEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	link, ok := h.findLink(w, r, userID)
	if !ok {
		return
	}
	loc := h.locationFor(link)

	q := r.URL.Query()
	rng, err := parseDateRange(q.Get("startDate"), q.Get("endDate"), loc)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	override, err := privacy.ParseSettings(json.RawMessage(q.Get("privacySettings")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	settings := privacy.Merge(link.Privacy, override)

	events, err := h.service.GetEvents(r.Context(), calendar.EventsRequest{
		UserID:       userID,
		EncryptedURL: link.EncryptedURL,
		Range:        rng,
		Privacy:      settings,
		Location:     loc,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, externalEventsResponse{
		Events:          events,
		LastSync:        h.now().UTC(),
		TotalCount:      len(events),
		PrivacySettings: settings,
	})
}

// TestConnection は保存前のURLで接続テストを行う。結果は成否に関わらず200で返す。
// POST /vendor/calendar-link/test
func (h *CalendarHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	writeJSON(w, http.StatusOK, h.service.TestConnection(r.Context(), userID, req.URL))
}

// findLink はベンダープロフィールの連携情報を取得する。
// 見つからない場合や取得に失敗した場合はレスポンスを書き込んでfalseを返す。
func (h *CalendarHandler) findLink(w http.ResponseWriter, r *http.Request, userID string) (*model.CalendarLink, bool) {
	link, err := h.store.FindByOwnerID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if link == nil {
		writeServiceError(w, model.ErrProfileNotFound)
		return nil, false
	}
	return link, true
}

// locationFor はベンダーのタイムゾーンを返す。未設定や不正な値の場合はデフォルトを使う。
func (h *CalendarHandler) locationFor(link *model.CalendarLink) *time.Location {
	if link.Timezone == "" {
		return h.defaultLocation
	}
	loc, err := time.LoadLocation(link.Timezone)
	if err != nil {
		slog.Warn("ベンダーのタイムゾーンを読み込めません。デフォルトを使用します",
			slog.String("user_id", link.OwnerID),
			slog.String("timezone", link.Timezone),
		)
		return h.defaultLocation
	}
	return loc
}

// requireUserID はコンテキストからユーザーIDを取得する。取得できない場合は401を書き込む。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// parseDateRange はstartDateとendDateのクエリ値を期間に変換する。
// YYYY-MM-DD はベンダーのタイムゾーンの日付として解釈し、endDateの日付はその日の終わりまでを含む。
// RFC 3339 はそのまま使う。
func parseDateRange(startRaw, endRaw string, loc *time.Location) (model.DateRange, error) {
	if startRaw == "" || endRaw == "" {
		return model.DateRange{}, model.NewValidationError("range", "startDate と endDate の両方が必要です")
	}

	start, _, err := parseDateParam(startRaw, loc)
	if err != nil {
		return model.DateRange{}, model.NewValidationError("range", "startDate の形式が正しくありません")
	}
	end, dateOnly, err := parseDateParam(endRaw, loc)
	if err != nil {
		return model.DateRange{}, model.NewValidationError("range", "endDate の形式が正しくありません")
	}
	if dateOnly {
		end = end.AddDate(0, 0, 1)
	}
	return model.DateRange{Start: start, End: end}, nil
}

func parseDateParam(value string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(time.DateOnly, value, loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, false, nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}
