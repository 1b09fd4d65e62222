// Package model はドメインモデルを定義する。
package model

import "time"

// CalendarLink はベンダーが登録した外部カレンダーURLの保存状態を表す。
// EncryptedURLは暗号化済みの不透明なblobであり、平文URLを保持してはならない。
// 切断時はEncryptedURLが空文字列になる。
type CalendarLink struct {
	OwnerID        string
	EncryptedURL   string
	Privacy        PrivacySettings
	Timezone       string
	UpdatedAt      *time.Time
	LastSyncAt     *time.Time
	LastSyncStatus SyncStatus
}

// IsConnected は暗号化URLが保存されているかを返す。
func (l *CalendarLink) IsConnected() bool {
	return l != nil && l.EncryptedURL != ""
}

// SyncStatus は直近の同期結果を表す。
type SyncStatus string

const (
	SyncStatusNone        SyncStatus = ""
	SyncStatusOK          SyncStatus = "ok"
	SyncStatusCorrupted   SyncStatus = "corrupted"
	SyncStatusTimeout     SyncStatus = "timeout"
	SyncStatusUnreachable SyncStatus = "unreachable"
	SyncStatusHTTPError   SyncStatus = "http_error"
	SyncStatusInvalidFeed SyncStatus = "invalid_feed"
)

// PrivacySettings は外部カレンダーの公開設定を表す。
// リクエスト単位でイミュータブルとして扱う。
type PrivacySettings struct {
	ShowEventDetails        bool `json:"showEventDetails"`
	ExternalCalendarEnabled bool `json:"externalCalendarEnabled"`
}

// DefaultPrivacySettings は公開設定のデフォルト値を返す。
// 詳細は非表示（安全側）、外部カレンダーは有効。
func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{
		ShowEventDetails:        false,
		ExternalCalendarEnabled: true,
	}
}

// RawEvent はICSパーサーが生成する中間表現のイベント。
// 永続化されることはない。
type RawEvent struct {
	UID            string
	Summary        string
	Description    string
	Start          time.Time
	End            time.Time
	AllDay         bool
	RecurrenceRule string
	// Seq はフィード内での出現順。同一開始時刻のソートを安定させるために使う。
	Seq int
}

// ExternalEvent は外部カレンダー由来のイベントの公開表現。
// Start <= End が常に成り立つ。
type ExternalEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
	AllDay      bool      `json:"allDay"`
	IsExternal  bool      `json:"isExternal"`
}

// DateRange はイベント取得の対象期間 [Start, End) を表す。
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate は期間の両端が指定され、Start < End であることを検証する。
// maxSpanが正の場合は期間長の上限も検証する。
func (r DateRange) Validate(maxSpan time.Duration) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return NewValidationError("range", "startDate と endDate の両方が必要です")
	}
	if !r.Start.Before(r.End) {
		return NewValidationError("range", "startDate は endDate より前である必要があります")
	}
	if maxSpan > 0 && r.End.Sub(r.Start) > maxSpan {
		return NewValidationError("range", "指定された期間が長すぎます")
	}
	return nil
}

// Provider は外部カレンダーの提供元を表す。
// UIのヘルプ表示にのみ使用し、パース処理の分岐には使わない。
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
	ProviderYahoo   Provider = "yahoo"
	ProviderICloud  Provider = "icloud"
	ProviderGeneric Provider = "generic"
)

// ConnectionState は外部カレンダーの接続状態を表す。
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)
