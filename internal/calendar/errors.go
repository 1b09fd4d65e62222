package calendar

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/vendorcal/internal/model"
)

// UserMessage はエラーをベンダー向けの説明文に変換する。
// URLやblobの内容は含めない。
func UserMessage(err error) string {
	var (
		ve  *model.ValidationError
		de  *model.DecryptionError
		fe  *model.FetchError
		ife *model.InvalidFeedError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Reason
	case errors.As(err, &de):
		return "保存されているカレンダー連携情報を読み取れませんでした。URLを再登録してください。"
	case errors.As(err, &ife):
		if ife.Reason == model.InvalidFeedTooLarge {
			return "カレンダーデータのサイズが上限を超えています。"
		}
		return "指定されたURLはiCal形式のデータを返しませんでした。カレンダーの共有設定からiCal形式のURLをコピーしてください。"
	case errors.As(err, &fe):
		return fetchMessage(fe)
	default:
		return "予期しないエラーが発生しました。しばらく待ってから再度お試しください。"
	}
}

func fetchMessage(fe *model.FetchError) string {
	switch fe.Class {
	case model.FetchErrorTimeout:
		return "カレンダーサーバーが時間内に応答しませんでした。"
	case model.FetchErrorUnreachable:
		return "カレンダーサーバーに接続できませんでした。"
	}
	switch fe.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "カレンダーへのアクセスが拒否されました。カレンダーが公開されているか確認してください。"
	case http.StatusNotFound, http.StatusGone:
		return "カレンダーが見つかりませんでした。URLを確認してください。"
	}
	return fmt.Sprintf("カレンダーサーバーがエラーを返しました（HTTP %d）。", fe.StatusCode)
}

// SyncStatusFor は同期結果のエラーを記録用のステータスに変換する。nilはokとなる。
func SyncStatusFor(err error) model.SyncStatus {
	if err == nil {
		return model.SyncStatusOK
	}

	var (
		de  *model.DecryptionError
		fe  *model.FetchError
		ife *model.InvalidFeedError
	)
	switch {
	case errors.As(err, &de):
		return model.SyncStatusCorrupted
	case errors.As(err, &ife):
		return model.SyncStatusInvalidFeed
	case errors.As(err, &fe):
		switch fe.Class {
		case model.FetchErrorTimeout:
			return model.SyncStatusTimeout
		case model.FetchErrorUnreachable:
			return model.SyncStatusUnreachable
		default:
			return model.SyncStatusHTTPError
		}
	default:
		return model.SyncStatusUnreachable
	}
}
