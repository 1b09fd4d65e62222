package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/vendorcal/internal/middleware"
	"github.com/hitoshi/vendorcal/internal/model"
)

// writeServiceError はサービス層・永続化層のエラーを統一エラーフォーマットで書き込む。
// 500系のエラーのみ詳細をログに残す。
func writeServiceError(w http.ResponseWriter, err error) {
	status, apiErr := toAPIError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("リクエストの処理に失敗しました",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

// toAPIError はエラーをHTTPステータスコードとAPIErrorに変換する。
func toAPIError(err error) (int, *model.APIError) {
	var (
		apiErr *model.APIError
		ve     *model.ValidationError
		de     *model.DecryptionError
		fe     *model.FetchError
		ife    *model.InvalidFeedError
	)
	switch {
	case errors.As(err, &apiErr):
		return mapAPIErrorToHTTPStatus(apiErr), apiErr
	case errors.As(err, &ve):
		switch ve.Field {
		case "range":
			return http.StatusBadRequest, model.NewInvalidDateRangeError(ve.Reason)
		case "privacySettings":
			return http.StatusBadRequest, model.NewInvalidPrivacySettingsError(ve.Reason)
		default:
			return http.StatusBadRequest, model.NewInvalidURLError(ve.Reason)
		}
	case errors.Is(err, model.ErrProfileNotFound):
		return http.StatusNotFound, model.NewProfileNotFoundError()
	case errors.As(err, &ife):
		return http.StatusUnprocessableEntity, model.NewInvalidFeedError(ife.Reason)
	case errors.As(err, &de):
		return http.StatusInternalServerError, model.NewDecryptionFailedError()
	case errors.As(err, &fe):
		return http.StatusInternalServerError, model.NewFetchFailedError(fe)
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidURL,
		model.ErrCodeInvalidPrivacySettings, model.ErrCodeInvalidDateRange:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeCSRFInvalid:
		return http.StatusForbidden
	case model.ErrCodeProfileNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidFeed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
