package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/vendorcal/internal/model"
)

// PostgresCalendarLinkRepo はPostgreSQLのvendor_profilesテーブルを使用した連携情報リポジトリ。
type PostgresCalendarLinkRepo struct {
	db *sql.DB
}

// NewPostgresCalendarLinkRepo はPostgresCalendarLinkRepoを生成する。
func NewPostgresCalendarLinkRepo(db *sql.DB) *PostgresCalendarLinkRepo {
	return &PostgresCalendarLinkRepo{db: db}
}

const calendarLinkColumns = `owner_id, encrypted_calendar_url, calendar_privacy, timezone,
	calendar_updated_at, last_sync_at, last_sync_status`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendarLink(s rowScanner) (*model.CalendarLink, error) {
	var (
		link       model.CalendarLink
		privacyRaw []byte
		updatedAt  sql.NullTime
		lastSyncAt sql.NullTime
		syncStatus string
	)
	if err := s.Scan(
		&link.OwnerID, &link.EncryptedURL, &privacyRaw, &link.Timezone,
		&updatedAt, &lastSyncAt, &syncStatus,
	); err != nil {
		return nil, err
	}

	link.Privacy = model.DefaultPrivacySettings()
	if len(privacyRaw) > 0 {
		if err := json.Unmarshal(privacyRaw, &link.Privacy); err != nil {
			return nil, fmt.Errorf("failed to decode privacy settings: %w", err)
		}
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		link.UpdatedAt = &t
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		link.LastSyncAt = &t
	}
	link.LastSyncStatus = model.SyncStatus(syncStatus)
	return &link, nil
}

// FindByOwnerID は指定ユーザーの連携情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCalendarLinkRepo) FindByOwnerID(ctx context.Context, ownerID string) (*model.CalendarLink, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+calendarLinkColumns+`
		 FROM vendor_profiles
		 WHERE owner_id = $1`,
		ownerID,
	)
	link, err := scanCalendarLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar link: %w", err)
	}
	return link, nil
}

// UpdateCalendarURL は暗号化URLと公開設定を保存し、前回の同期状態をリセットする。
func (r *PostgresCalendarLinkRepo) UpdateCalendarURL(ctx context.Context, ownerID, encryptedURL string, privacy model.PrivacySettings, at time.Time) error {
	privacyJSON, err := json.Marshal(privacy)
	if err != nil {
		return fmt.Errorf("failed to encode privacy settings: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE vendor_profiles
		 SET encrypted_calendar_url = $2, calendar_privacy = $3,
		     calendar_updated_at = $4, last_sync_at = NULL, last_sync_status = '',
		     updated_at = $4
		 WHERE owner_id = $1`,
		ownerID, encryptedURL, privacyJSON, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update calendar url: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrProfileNotFound
	}
	return nil
}

// ClearCalendarURL は暗号化URLと同期状態を消去する。冪等。
func (r *PostgresCalendarLinkRepo) ClearCalendarURL(ctx context.Context, ownerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE vendor_profiles
		 SET encrypted_calendar_url = '', calendar_updated_at = $2,
		     last_sync_at = NULL, last_sync_status = '', updated_at = $2
		 WHERE owner_id = $1`,
		ownerID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to clear calendar url: %w", err)
	}
	return nil
}

// ListConnected は暗号化URLが保存されている連携情報を全件返す。
func (r *PostgresCalendarLinkRepo) ListConnected(ctx context.Context) ([]*model.CalendarLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+calendarLinkColumns+`
		 FROM vendor_profiles
		 WHERE encrypted_calendar_url <> ''
		 ORDER BY last_sync_at ASC NULLS FIRST`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected calendar links: %w", err)
	}
	defer rows.Close()

	var links []*model.CalendarLink
	for rows.Next() {
		link, err := scanCalendarLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calendar links: %w", err)
	}
	return links, nil
}

// UpdateSyncState は直近の同期日時と結果を記録する。
func (r *PostgresCalendarLinkRepo) UpdateSyncState(ctx context.Context, ownerID string, status model.SyncStatus, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE vendor_profiles
		 SET last_sync_at = $2, last_sync_status = $3
		 WHERE owner_id = $1`,
		ownerID, at, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

// ReplaceEncryptedURL は保存済みblobが一致する場合のみ置き換える。
// 同期中にベンダーがURLを更新した場合、新しいURLを上書きしないためのCAS操作。
func (r *PostgresCalendarLinkRepo) ReplaceEncryptedURL(ctx context.Context, ownerID, oldEncrypted, newEncrypted string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE vendor_profiles
		 SET encrypted_calendar_url = $3
		 WHERE owner_id = $1 AND encrypted_calendar_url = $2`,
		ownerID, oldEncrypted, newEncrypted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to replace encrypted url: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// compile-time interface check
var _ CalendarLinkRepository = (*PostgresCalendarLinkRepo)(nil)
