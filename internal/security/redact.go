package security

import (
	"net/url"
	"strings"
)

// InvalidURLPlaceholder は解析できないURLをログに出す際の代替文字列。
const InvalidURLPlaceholder = "[invalid-url]"

// SanitizeURLForLogging はURLから scheme://host のみを残した文字列を返す。
// パス、クエリ、フラグメント、ユーザー情報、ポートは除去する。
// カレンダーURLのパスやクエリにはアクセストークンが含まれることがあるため、
// ログと監査ログには必ずこの関数を通した値を記録する。
func SanitizeURLForLogging(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return InvalidURLPlaceholder
	}
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(host)
}
