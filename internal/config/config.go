package config

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/hitoshi/vendorcal/internal/secret"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Encryption
	EncryptionKey          string
	EncryptionKeysPrevious []string

	// Fetch
	FetchTimeout      time.Duration
	FetchMaxSize      int64
	AllowPrivateFeeds bool

	// Calendar
	DefaultTimezone        string
	CalendarMaxRangeDays   int
	CalendarMaxOccurrences int

	// Sync worker
	SyncInterval      time.Duration
	SyncMaxConcurrent int
	SyncWindowDays    int
	// WorkerMetricsPort が空の場合、ワーカーはメトリクスを公開しない
	WorkerMetricsPort string

	// Rate Limit
	RateLimitGeneral       int
	RateLimitEventsRefresh int

	// Audit
	AuditRetentionDays   int
	AuditCleanupSchedule string

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv は.envファイルが存在する場合に環境変数へ読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if cfg.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.EncryptionKey) < secret.MinKeyLength {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be at least %d bytes", secret.MinKeyLength)
	}
	cfg.EncryptionKeysPrevious = getEnvList("ENCRYPTION_KEY_PREVIOUS")

	// Optional fields with defaults
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 8*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.AllowPrivateFeeds = getEnvBool("ALLOW_PRIVATE_FEEDS", false)
	cfg.DefaultTimezone = getEnvString("DEFAULT_TIMEZONE", "UTC")
	cfg.CalendarMaxRangeDays = getEnvInt("CALENDAR_MAX_RANGE_DAYS", 400)
	cfg.CalendarMaxOccurrences = getEnvInt("CALENDAR_MAX_OCCURRENCES", 5000)
	cfg.SyncInterval = getEnvDuration("CALENDAR_SYNC_INTERVAL", 30*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("CALENDAR_SYNC_MAX_CONCURRENT", 5)
	cfg.SyncWindowDays = getEnvInt("CALENDAR_SYNC_WINDOW_DAYS", 30)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitEventsRefresh = getEnvInt("RATE_LIMIT_EVENTS_REFRESH", 30)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 365)
	cfg.AuditCleanupSchedule = getEnvString("AUDIT_CLEANUP_SCHEDULE", "0 3 * * *")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("DEFAULT_TIMEZONE is not a known timezone: %q", cfg.DefaultTimezone)
	}
	if _, err := cron.ParseStandard(cfg.AuditCleanupSchedule); err != nil {
		return nil, fmt.Errorf("AUDIT_CLEANUP_SCHEDULE is invalid: %w", err)
	}

	return cfg, nil
}

// DefaultLocation はDEFAULT_TIMEZONEの*time.Locationを返す。
// Loadで検証済みのため、失敗時はUTCを返す。
func (c *Config) DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxRange はイベント取得で許可する最大期間を返す。
func (c *Config) MaxRange() time.Duration {
	return time.Duration(c.CalendarMaxRangeDays) * 24 * time.Hour
}

func getEnvString(key, defaultVal string) string {
	return cmp.Or(os.Getenv(key), defaultVal)
}

// getEnvList はカンマ区切りの環境変数を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvParsed はkeyの値をparseで変換する。未設定または変換失敗時はdefaultValを返す。
func getEnvParsed[T any](key string, defaultVal T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := parse(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getEnvInt(key string, defaultVal int) int {
	return getEnvParsed(key, defaultVal, strconv.Atoi)
}

func getEnvInt64(key string, defaultVal int64) int64 {
	return getEnvParsed(key, defaultVal, func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

func getEnvBool(key string, defaultVal bool) bool {
	return getEnvParsed(key, defaultVal, strconv.ParseBool)
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	return getEnvParsed(key, defaultVal, time.ParseDuration)
}
