package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗したまま残っている場合のエラー。
// 手動で修復してから migrate コマンドを再実行する。
var ErrDirtySchema = errors.New("schema is dirty")

// MigrationResult はマイグレーション実行後のスキーマ状態。
type MigrationResult struct {
	Version uint
	// Applied は今回の実行で1件以上のマイグレーションを適用したかを表す。
	Applied bool
}

// NewMigrator は埋め込みSQLを読み込むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect migrator: %w", err)
	}
	return m, nil
}

// RunMigrations はvendor_profiles・sessions・audit_logsのスキーマを最新にする。
// dirtyな状態のスキーマには手を付けずErrDirtySchemaを返す。
func RunMigrations(databaseURL string) (MigrationResult, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationResult{}, err
	}
	defer m.Close()

	before, dirty, err := schemaVersion(m)
	if err != nil {
		return MigrationResult{}, err
	}
	if dirty {
		return MigrationResult{Version: before}, fmt.Errorf("version %d: %w", before, ErrDirtySchema)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationResult{Version: before}, fmt.Errorf("apply migrations: %w", err)
	}

	after, _, err := schemaVersion(m)
	if err != nil {
		return MigrationResult{}, err
	}
	return MigrationResult{Version: after, Applied: after != before}, nil
}

// schemaVersion は未適用のデータベースではバージョン0を返す。
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}
