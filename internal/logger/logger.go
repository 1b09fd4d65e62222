package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hitoshi/vendorcal/internal/security"
)

// RedactedValue は秘匿対象の属性値を置き換える文字列。
const RedactedValue = "[REDACTED]"

// urlKeys はスキームとホストのみに縮退させる属性キー。
// カレンダーURLのパスやクエリにはアクセストークンが含まれるため、そのまま出力してはならない。
var urlKeys = map[string]bool{
	"url":          true,
	"calendar_url": true,
	"feed_url":     true,
}

// secretKeys は値を完全に伏せる属性キー。
var secretKeys = map[string]bool{
	"encrypted_url":  true,
	"encryption_key": true,
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	return New(w, slog.LevelInfo)
}

// New は指定レベル以上を出力するJSONロガーを生成する。
// URLを含む属性は出力前に伏せる。
func New(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := New(w, ParseLevel(level))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel はLOG_LEVELの文字列をslog.Levelに変換する。未知の値はinfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	switch {
	case secretKeys[a.Key]:
		return slog.String(a.Key, RedactedValue)
	case urlKeys[a.Key]:
		if a.Value.Kind() != slog.KindString {
			return slog.String(a.Key, RedactedValue)
		}
		return slog.String(a.Key, security.SanitizeURLForLogging(a.Value.String()))
	}
	return a
}
