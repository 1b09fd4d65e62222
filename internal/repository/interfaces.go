// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/vendorcal/internal/model"
)

// CalendarLinkRepository はベンダープロフィール上の外部カレンダー連携情報の永続化インターフェース。
// 暗号化URLは不透明なblobとして扱い、平文URLは一切保存しない。
type CalendarLinkRepository interface {
	// FindByOwnerID は指定ユーザーのベンダープロフィールから連携情報を取得する。
	// プロフィールが見つからない場合はnilを返す。
	FindByOwnerID(ctx context.Context, ownerID string) (*model.CalendarLink, error)

	// UpdateCalendarURL は暗号化URLと公開設定を保存する。
	// プロフィールが存在しない場合はmodel.ErrProfileNotFoundを返す。
	UpdateCalendarURL(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error

	// ClearCalendarURL は暗号化URLと同期状態を消去する。
	// 既に未連携の場合やプロフィールが存在しない場合もエラーにしない。
	ClearCalendarURL(ctx context.Context, ownerID string, at time.Time) error

	// ListConnected は暗号化URLが保存されている連携情報を全件返す。
	ListConnected(ctx context.Context) ([]*model.CalendarLink, error)

	// UpdateSyncState は直近の同期日時と結果を記録する。
	UpdateSyncState(ctx context.Context, ownerID string, status model.SyncStatus, at time.Time) error

	// ReplaceEncryptedURL は保存済みblobがoldEncryptedと一致する場合のみnewEncryptedに置き換える。
	// 置き換えた場合にtrueを返す。鍵ローテーション時の再暗号化に使用する。
	ReplaceEncryptedURL(ctx context.Context, ownerID, oldEncrypted, newEncrypted string) (bool, error)
}

// AuditRepository は監査ログの永続化インターフェース。追記のみを行う。
type AuditRepository interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
}

// SessionRepository はセッションの参照インターフェース。
// セッションの発行はマーケットプレイスの認証基盤が行う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}
