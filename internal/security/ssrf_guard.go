// Package security はカレンダーURLの検証とSSRF対策を提供する。
package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"golang.org/x/net/idna"

	"github.com/hitoshi/vendorcal/internal/model"
)

// MaxCalendarURLLength はカレンダーURLとして受け付ける最大文字数。
// 暗号化・保存レイヤーに過大な入力が届かないようにする。
const MaxCalendarURLLength = 2048

// SSRFGuardService はカレンダーURLの登録時検証と、取得時の安全なクライアント生成をまとめる。
type SSRFGuardService interface {
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
	// ValidateURL は失敗時に*model.ValidationErrorを返す。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は登録時にIPリテラルとして拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC 1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC 1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC 1918
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // メタデータIPを含む
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// suspiciousChars はURLに含まれてはならない文字。
// 空白と制御文字は別途判定する。
const suspiciousChars = "<>\"'`{}|\\^"

type ssrfGuard struct {
	allowPrivate bool
}

// NewSSRFGuard はダイヤル時にも非公開アドレスを遮断するガードを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewDevSSRFGuard はダイヤル時のプライベートIP遮断を無効化したガードを生成する。
// ローカル開発でのテスト用フィード取得のみを想定している。
// 登録時の静的なURL検証は無効化されない。
func NewDevSSRFGuard() *ssrfGuard {
	return &ssrfGuard{allowPrivate: true}
}

// NewSafeClient はフィード取得用のHTTPクライアントを返す。
// safeurlがダイヤル直前に解決済みIPを検査するので、DNSの差し替えで内部アドレスへ誘導されても接続しない。
// 許可するのはhttp/httpsの80番と443番のみ。
// maxResponseSizeはフェッチャー側のio.LimitReaderで適用する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はカレンダーURLを検証し、失敗時は*model.ValidationErrorを返す。
// DNS解決を伴わない静的な検証のみを行う。
// 注意: DNS再バインディング攻撃はNewSafeClientが生成するクライアント側で防止される。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	return ValidateCalendarURL(rawURL)
}

// ValidateCalendarURL はカレンダーURLを以下の順に検証し、最初の失敗で打ち切る。
//  1. 空でなく、最大長以内であり、不審な文字を含まないこと
//  2. http または https の整形式URLであること
//  3. ホストが存在し、ループバック・リンクローカル・プライベートアドレスのリテラルでないこと
//
// カレンダー形式らしいパスかどうか（LooksLikeCalendarExport）は判定に使わない。
func ValidateCalendarURL(rawURL string) error {
	trimmed := strings.TrimSpace(rawURL)

	// 1. 長さと文字種
	if trimmed == "" {
		return model.NewValidationError("url", "URLが空です")
	}
	if len(trimmed) > MaxCalendarURLLength {
		return model.NewValidationError("url", fmt.Sprintf("URLが長すぎます（最大%d文字）", MaxCalendarURLLength))
	}
	if hasSuspiciousChars(trimmed) {
		return model.NewValidationError("url", "URLに使用できない文字が含まれています")
	}

	// 2. スキーム
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return model.NewValidationError("url", "URLの形式が正しくありません")
	}
	if !slices.Contains(allowedSchemes, strings.ToLower(parsed.Scheme)) {
		return model.NewValidationError("url", "http または https のURLのみ利用できます")
	}
	if parsed.Opaque != "" {
		return model.NewValidationError("url", "URLの形式が正しくありません")
	}

	// 3. ホスト
	host := parsed.Hostname()
	if host == "" {
		return model.NewValidationError("url", "ホスト名がありません")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return model.NewValidationError("url", "プライベートネットワークのアドレスは利用できません")
		}
		return nil
	}
	// 2130706433 や 0x7f.0.0.1 のような非標準表記もリゾルバーはIPv4として解釈する
	if isNumericIPv4Form(host) {
		return model.NewValidationError("url", "IPアドレスの表記が正しくありません")
	}

	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return model.NewValidationError("url", "ホスト名が正しくありません")
	}
	if isBlockedHostname(asciiHost) {
		return model.NewValidationError("url", "ローカルホストは利用できません")
	}

	return nil
}

// isNumericIPv4Form はホストが10進・8進・16進の数値だけで構成されているかを返す。
func isNumericIPv4Form(host string) bool {
	parts := strings.Split(strings.TrimSuffix(host, "."), ".")
	if len(parts) > 4 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		digits, hex := p, "0123456789"
		if len(p) > 1 && (p[:2] == "0x" || p[:2] == "0X") {
			digits, hex = p[2:], "0123456789abcdefABCDEF"
		}
		if strings.Trim(digits, hex) != "" {
			return false
		}
	}
	return true
}

// blockedAddr はIPv4射影とゾーンを取り除いてから遮断範囲と照合する。
func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	return slices.ContainsFunc(blockedPrefixes, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}

var blockedHostnames = []string{"localhost", "localhost.localdomain", "metadata.google.internal"}

// isBlockedHostname は*.localhost（RFC 6761）も対象とする。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	return slices.Contains(blockedHostnames, lower) || strings.HasSuffix(lower, ".localhost")
}

// hasSuspiciousChars は空白・制御文字・インジェクションに使われやすい文字を含むかを判定する。
func hasSuspiciousChars(s string) bool {
	for _, r := range s {
		if r <= 0x20 || r == 0x7f {
			return true
		}
		if strings.ContainsRune(suspiciousChars, r) {
			return true
		}
	}
	return false
}
