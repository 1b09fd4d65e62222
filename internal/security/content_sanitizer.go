package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は外部カレンダー由来のテキストを無害化するインターフェースを定義する。
// OutlookやGoogleのフィードはDESCRIPTIONにHTMLを埋め込むことがあるため、
// 詳細を公開する設定の場合でもタグを除去したプレーンテキストのみを返す。
type ContentSanitizerService interface {
	// Text はHTMLタグをすべて除去したプレーンテキストを返す。
	// <br> と段落の終端は改行に置き換える。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す。
	Text(raw string) string
}

// lineBreakPattern は改行として扱うタグ。
var lineBreakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</p\s*>|</li\s*>|</div\s*>`)

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Text はHTMLタグを除去したプレーンテキストを返す。
// bluemondayはテキストをHTMLエスケープして返すため、最後に実体参照を戻す。
// 戻り値はHTMLとして埋め込まず、JSONの文字列としてのみ返すこと。
func (s *contentSanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	withBreaks := lineBreakPattern.ReplaceAllString(raw, "\n")
	stripped := s.policy.Sanitize(withBreaks)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
