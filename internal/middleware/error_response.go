package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/vendorcal/internal/model"
)

// ErrorResponseBody はすべてのエラーレスポンスの本文。
// Retryableは上流のカレンダー側の一時的な失敗やレート制限の場合のみ出力され、
// ベンダー管理画面はこれを見て再読み込みボタンを出す。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable,omitempty"`
}

func bodyOf(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Retryable: apiErr.Retryable,
	}
}

// WriteErrorResponse はapiErrを統一フォーマットで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(bodyOf(apiErr)); err != nil {
		// ヘッダー送信後なのでクライアントには伝えられない
		slog.Debug("エラーレスポンスの書き込みに失敗しました",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
}

// WriteRetryAfterResponse はRetry-After（秒、切り上げ・最小1）を付けてエラーを書き込む。
func WriteRetryAfterResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteErrorResponse(w, statusCode, apiErr)
}

// WriteInternalServerError は原因を伏せた500を書き込む。原因は呼び出し側でログに残すこと。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
