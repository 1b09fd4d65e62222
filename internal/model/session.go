package model

import "time"

// Session はユーザーのログインセッションを表す。
// セッションはマーケットプレイスの認証基盤が発行し、本サービスは参照のみ行う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
