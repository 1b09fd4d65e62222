// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code      string // エラーコード
	Message   string // エラーメッセージ
	Category  string // カテゴリ: auth, validation, calendar, system
	Action    string // ユーザー向け対処方法
	Retryable bool   // 一時的な障害で再試行が有効な場合にtrue
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeInvalidURL             = "INVALID_URL"
	ErrCodeInvalidPrivacySettings = "INVALID_PRIVACY_SETTINGS"
	ErrCodeInvalidDateRange       = "INVALID_DATE_RANGE"
	ErrCodeProfileNotFound        = "PROFILE_NOT_FOUND"
	ErrCodeInvalidFeed            = "INVALID_FEED"
	ErrCodeDecryptionFailed       = "DECRYPTION_FAILED"
	ErrCodeFetchFailed            = "FETCH_FAILED"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeCSRFInvalid            = "CSRF_INVALID"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// ErrProfileNotFound はベンダープロフィールが存在しない場合のエラー。
var ErrProfileNotFound = errors.New("vendor profile not found")

// ValidationError はユーザーが修正可能な入力エラーを表す。
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError はValidationErrorを生成する。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecryptionError は保存済みの暗号化URLを復号できない場合のエラー。
// blobの内容はエラーメッセージに含めない。
type DecryptionError struct {
	Reason string
}

// 復号失敗の理由
const (
	DecryptReasonMalformed          = "malformed"
	DecryptReasonUnsupportedVersion = "unsupported_version"
	DecryptReasonAuthFailed         = "authentication_failed"
	DecryptReasonNoKey              = "no_key"
)

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// FetchErrorClass はネットワークレベルの取得失敗の分類。
type FetchErrorClass string

const (
	FetchErrorTimeout     FetchErrorClass = "timeout"
	FetchErrorUnreachable FetchErrorClass = "unreachable"
	FetchErrorHTTP        FetchErrorClass = "http_error"
)

// FetchError は外部カレンダーフィードの取得失敗を表す。
type FetchError struct {
	Class      FetchErrorClass
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Class == FetchErrorHTTP {
		return fmt.Sprintf("fetch failed (%s): status %d", e.Class, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch failed (%s): %v", e.Class, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s)", e.Class)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable は再試行で回復する可能性がある失敗かを返す。
// タイムアウト、到達不能、429、5xxが対象。
func (e *FetchError) Retryable() bool {
	switch e.Class {
	case FetchErrorTimeout, FetchErrorUnreachable:
		return true
	case FetchErrorHTTP:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// InvalidFeedError は取得したボディがICSとして扱えない場合のエラー。
type InvalidFeedError struct {
	Reason string
}

// フィード不正の理由
const (
	InvalidFeedNotICS   = "not_ics"
	InvalidFeedTooLarge = "too_large"
)

func (e *InvalidFeedError) Error() string {
	return "invalid calendar feed: " + e.Reason
}

// ParseWarning は1件のVEVENTを破棄または縮退させた理由を表す。
// フィード全体のエラーにはならない。
type ParseWarning struct {
	Index  int
	UID    string
	Reason string
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidURLError は無効なカレンダーURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なカレンダーURLです: %s", reason),
		Category: "validation",
		Action:   "カレンダーアプリの「公開URL」または「iCal形式のURL」（http:// または https://）を入力してください。",
	}
}

// NewInvalidPrivacySettingsError は無効な公開設定エラーを生成する。
func NewInvalidPrivacySettingsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPrivacySettings,
		Message:  fmt.Sprintf("無効な公開設定です: %s", reason),
		Category: "validation",
		Action:   "showEventDetails と externalCalendarEnabled には true または false を指定してください。",
	}
}

// NewInvalidDateRangeError は無効な期間指定エラーを生成する。
func NewInvalidDateRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDateRange,
		Message:  fmt.Sprintf("無効な期間です: %s", reason),
		Category: "validation",
		Action:   "startDate と endDate を YYYY-MM-DD または RFC 3339 形式で指定してください。",
	}
}

// NewProfileNotFoundError はベンダープロフィール未登録エラーを生成する。
func NewProfileNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "ベンダープロフィールが見つかりません。",
		Category: "calendar",
		Action:   "ベンダープロフィールを作成してから外部カレンダーを連携してください。",
	}
}

// NewInvalidFeedError はICSではないフィードのエラーを生成する。
func NewInvalidFeedError(reason string) *APIError {
	msg := "指定されたURLはカレンダー（iCal）形式のデータを返しませんでした。"
	if reason == InvalidFeedTooLarge {
		msg = "カレンダーデータのサイズが上限を超えています。"
	}
	return &APIError{
		Code:     ErrCodeInvalidFeed,
		Message:  msg,
		Category: "calendar",
		Action:   "カレンダーの共有設定からiCal形式のURLをコピーし直してください。",
	}
}

// NewDecryptionFailedError は保存済みURLの復号失敗エラーを生成する。
func NewDecryptionFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeDecryptionFailed,
		Message:  "保存されているカレンダー連携情報を読み取れませんでした。",
		Category: "calendar",
		Action:   "カレンダーURLを再登録してください。",
	}
}

// NewFetchFailedError はフィード取得失敗エラーを生成する。
func NewFetchFailedError(fe *FetchError) *APIError {
	reason := string(fe.Class)
	if fe.Class == FetchErrorHTTP {
		reason = fmt.Sprintf("HTTPステータス %d", fe.StatusCode)
	}
	return &APIError{
		Code:      ErrCodeFetchFailed,
		Message:   fmt.Sprintf("外部カレンダーの取得に失敗しました: %s", reason),
		Category:  "calendar",
		Action:    "しばらく待ってから再読み込みしてください。解決しない場合はURLを確認してください。",
		Retryable: fe.Retryable(),
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:      ErrCodeRateLimited,
		Message:   "リクエストが多すぎます。",
		Category:  "system",
		Action:    "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
