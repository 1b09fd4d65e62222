package security

import (
	"net/url"
	"strings"

	"github.com/hitoshi/vendorcal/internal/model"
)

// providerRule はホスト名とパスの部分一致によるプロバイダー判定ルール。
type providerRule struct {
	provider model.Provider
	needles  []string
}

// providerRules は判定順に並べたルール。最初に一致したものを採用する。
var providerRules = []providerRule{
	{model.ProviderGoogle, []string{"google.com"}},
	{model.ProviderOutlook, []string{"outlook", "live.com", "office365"}},
	{model.ProviderYahoo, []string{"yahoo"}},
	{model.ProviderICloud, []string{"icloud"}},
}

// DetectProvider はカレンダーURLから提供元を推定する。
// UIのヘルプ表示用であり、判定できない場合や不正な入力ではgenericを返す。
func DetectProvider(rawURL string) model.Provider {
	target := strings.ToLower(strings.TrimSpace(rawURL))
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.Host + u.Path
	}

	for _, rule := range providerRules {
		for _, needle := range rule.needles {
			if strings.Contains(target, needle) {
				return rule.provider
			}
		}
	}
	return model.ProviderGeneric
}

// providerHelp はプロバイダー別のiCal URL取得手順。
var providerHelp = map[model.Provider]string{
	model.ProviderGoogle:  "Googleカレンダーの「設定と共有」から「iCal形式の非公開URL」をコピーしてください。",
	model.ProviderOutlook: "Outlookの「設定」>「共有カレンダー」>「カレンダーを公開する」でICSリンクをコピーしてください。",
	model.ProviderYahoo:   "Yahoo!カレンダーの「共有」から「iCalアドレス」をコピーしてください。",
	model.ProviderICloud:  "iCloudカレンダーの共有設定で「公開カレンダー」を有効にし、表示されたURLをコピーしてください。",
	model.ProviderGeneric: "カレンダーアプリの「公開URL」または「iCal形式のURL」をコピーしてください。",
}

// ProviderHelp はプロバイダーに応じたURL取得手順の説明を返す。
func ProviderHelp(p model.Provider) string {
	if help, ok := providerHelp[p]; ok {
		return help
	}
	return providerHelp[model.ProviderGeneric]
}

// NormalizeCalendarURL は入力URLの前後の空白を除去し、
// webcal:// スキームを https:// に置き換える。
// iCloudやOutlookは公開リンクをwebcal形式で提示する。
func NormalizeCalendarURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	const webcal = "webcal://"
	if len(trimmed) >= len(webcal) && strings.EqualFold(trimmed[:len(webcal)], webcal) {
		return "https://" + trimmed[len(webcal):]
	}
	return trimmed
}

// LooksLikeCalendarExport はURLがカレンダーのエクスポートらしい形をしているかを返す。
// 検証の合否には使わず、UIでの注意表示にのみ使う。
func LooksLikeCalendarExport(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if u, err := url.Parse(lower); err == nil {
		lower = u.Path + "?" + u.RawQuery
	}
	return strings.Contains(lower, ".ics") ||
		strings.Contains(lower, "ical") ||
		strings.Contains(lower, "calendar")
}
