package ics

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/vendorcal/internal/model"
)

// uidNamespace はUIDを持たないVEVENTに決定的なIDを割り当てる際の名前空間。
var uidNamespace = uuid.MustParse("6f1d7c1e-3b0a-5c5e-9c67-0b6a3c1f4e21")

// 警告の理由
const (
	WarnInvalidStart    = "invalid_dtstart"
	WarnInvalidEnd      = "invalid_dtend"
	WarnEndBeforeStart  = "dtend_before_dtstart"
	WarnUnterminated    = "unterminated_vevent"
	WarnUnsupportedRule = "unsupported_rrule"
	WarnTruncated       = "occurrences_truncated"
)

// ParseOptions はICS解析のオプション。
type ParseOptions struct {
	// Location はフローティング時刻と未知のTZIDに適用するタイムゾーン。nilの場合はUTC。
	Location *time.Location
	// Window は繰り返しイベントを展開する期間。nilの場合は展開数の上限のみで打ち切る。
	Window *model.DateRange
	// MaxOccurrences は1件の繰り返しイベントから展開する最大件数。0以下の場合はデフォルト値。
	MaxOccurrences int
}

// ParseResult はICS解析の結果。
type ParseResult struct {
	Events   []model.RawEvent
	Warnings []model.ParseWarning
}

// contentLine は展開済みの1行を名前・パラメータ・値に分解したもの。
type contentLine struct {
	Name   string
	Params map[string]string
	Value  string
}

// veventBlock はBEGIN:VEVENTからEND:VEVENTまでのプロパティ。
type veventBlock struct {
	props []contentLine
}

func (b *veventBlock) first(name string) (contentLine, bool) {
	for _, p := range b.props {
		if p.Name == name {
			return p, true
		}
	}
	return contentLine{}, false
}

func (b *veventBlock) all(name string) []contentLine {
	var out []contentLine
	for _, p := range b.props {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Parse はICSテキストからイベントを抽出する。
// 壊れたVEVENTは警告として記録して読み飛ばし、フィード全体をエラーにすることはない。
// VEVENTが1件もない場合は空のリストを返す。
func Parse(text string, opts ParseOptions) ParseResult {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	blocks, warnings := splitVEvents(unfoldLines(text))
	result := ParseResult{
		Events:   make([]model.RawEvent, 0, len(blocks)),
		Warnings: warnings,
	}

	seq := 0
	for i, block := range blocks {
		ev, exdates, warn := buildEvent(block, i, loc)
		if warn != nil {
			result.Warnings = append(result.Warnings, *warn)
			continue
		}

		if ev.RecurrenceRule == "" {
			ev.Seq = seq
			seq++
			result.Events = append(result.Events, ev)
			continue
		}

		exp, err := expandRecurrence(ev, exdates, opts.Window, opts.MaxOccurrences)
		if err != nil {
			// 未対応のルールは元のDTSTARTで1件だけ出力する
			result.Warnings = append(result.Warnings, model.ParseWarning{Index: i, UID: ev.UID, Reason: WarnUnsupportedRule})
			ev.RecurrenceRule = ""
			ev.Seq = seq
			seq++
			result.Events = append(result.Events, ev)
			continue
		}
		if exp.Truncated {
			result.Warnings = append(result.Warnings, model.ParseWarning{Index: i, UID: ev.UID, Reason: WarnTruncated})
		}
		for _, occ := range exp.Events {
			occ.Seq = seq
			seq++
			result.Events = append(result.Events, occ)
		}
	}

	return result
}

// unfoldLines は改行コードを正規化し、折り返された行を連結する。
// 空白またはタブで始まる行は、先頭の1文字を除いて直前の論理行に連結する。
func unfoldLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	physical := strings.Split(text, "\n")
	lines := make([]string, 0, len(physical))
	for _, line := range physical {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if len(lines) > 0 {
				lines[len(lines)-1] += line[1:]
			}
			continue
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// splitVEvents は論理行をVEVENTブロックに分割する。
// VEVENT内にネストしたコンポーネント（VALARMなど）のプロパティは無視する。
// 終端されていないVEVENTは警告付きで破棄する。
func splitVEvents(lines []string) ([]veventBlock, []model.ParseWarning) {
	var (
		blocks   []veventBlock
		warnings []model.ParseWarning
		current  *veventBlock
		nested   int
	)

	for _, raw := range lines {
		cl, ok := parseContentLine(raw)
		if !ok {
			continue
		}

		switch cl.Name {
		case "BEGIN":
			comp := strings.ToUpper(strings.TrimSpace(cl.Value))
			if current == nil {
				if comp == "VEVENT" {
					current = &veventBlock{}
					nested = 0
				}
				continue
			}
			if comp == "VEVENT" && nested == 0 {
				// END:VEVENTがないまま次のVEVENTが始まった
				warnings = append(warnings, model.ParseWarning{Index: len(blocks) + len(warnings), Reason: WarnUnterminated})
				current = &veventBlock{}
				continue
			}
			nested++
			continue

		case "END":
			if current == nil {
				continue
			}
			if nested > 0 {
				nested--
				continue
			}
			if strings.EqualFold(strings.TrimSpace(cl.Value), "VEVENT") {
				blocks = append(blocks, *current)
				current = nil
			}
			continue
		}

		if current != nil && nested == 0 {
			current.props = append(current.props, cl)
		}
	}

	if current != nil {
		warnings = append(warnings, model.ParseWarning{Index: len(blocks) + len(warnings), Reason: WarnUnterminated})
	}
	return blocks, warnings
}

// parseContentLine は "NAME;PARAM=VALUE:value" 形式の行を分解する。
// 値の区切りはダブルクォートで囲まれたパラメータ値の外にある最初のコロンとする。
// 値自体に含まれるコロン（URLや時刻など）はそのまま値に残る。
func parseContentLine(line string) (contentLine, bool) {
	inQuote := false
	sep := -1
	for i := 0; i < len(line) && sep < 0; i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				sep = i
			}
		}
	}
	if sep <= 0 {
		return contentLine{}, false
	}

	head, value := line[:sep], line[sep+1:]
	parts := splitOutsideQuotes(head, ';')

	cl := contentLine{
		Name:  strings.ToUpper(strings.TrimSpace(parts[0])),
		Value: value,
	}
	if cl.Name == "" {
		return contentLine{}, false
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		if cl.Params == nil {
			cl.Params = make(map[string]string)
		}
		cl.Params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(v, `"`)
	}
	return cl, true
}

// splitOutsideQuotes はダブルクォートの外にある区切り文字で分割する。
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// buildEvent はVEVENTブロックからイベントを組み立てる。
// 日時が解析できない場合は警告を返し、イベントは破棄される。
func buildEvent(block veventBlock, index int, loc *time.Location) (model.RawEvent, []time.Time, *model.ParseWarning) {
	var ev model.RawEvent

	if p, ok := block.first("UID"); ok {
		ev.UID = strings.TrimSpace(p.Value)
	}
	if p, ok := block.first("SUMMARY"); ok {
		ev.Summary = unescapeText(p.Value)
	}
	if p, ok := block.first("DESCRIPTION"); ok {
		ev.Description = unescapeText(p.Value)
	}

	warn := func(reason string) *model.ParseWarning {
		return &model.ParseWarning{Index: index, UID: ev.UID, Reason: reason}
	}

	startProp, ok := block.first("DTSTART")
	if !ok {
		return ev, nil, warn(WarnInvalidStart)
	}
	start, err := parseICSDateTime(startProp.Value, startProp.Params, loc)
	if err != nil {
		return ev, nil, warn(WarnInvalidStart)
	}
	ev.Start = start.Time
	ev.AllDay = start.AllDay

	end, err := resolveEnd(block, start, loc)
	if err != nil {
		return ev, nil, warn(WarnInvalidEnd)
	}
	if end.Before(ev.Start) {
		return ev, nil, warn(WarnEndBeforeStart)
	}
	ev.End = end

	if ev.UID == "" {
		ev.UID = syntheticUID(ev)
	}

	if p, ok := block.first("RRULE"); ok {
		ev.RecurrenceRule = strings.TrimSpace(p.Value)
	}

	var exdates []time.Time
	for _, p := range block.all("EXDATE") {
		for _, v := range strings.Split(p.Value, ",") {
			if t, err := parseICSDateTime(v, p.Params, loc); err == nil {
				exdates = append(exdates, t.Time)
			}
		}
	}

	return ev, exdates, nil
}

// resolveEnd はDTEND、DURATION、既定値の順に終了時刻を決定する。
// 終日イベントでDTENDがない場合は翌日0時、時刻指定でDTENDもDURATIONもない場合は開始時刻とする。
func resolveEnd(block veventBlock, start icsTime, loc *time.Location) (time.Time, error) {
	if p, ok := block.first("DTEND"); ok {
		end, err := parseICSDateTime(p.Value, p.Params, loc)
		if err != nil {
			return time.Time{}, err
		}
		return end.Time, nil
	}

	if p, ok := block.first("DURATION"); ok {
		d, err := parseICSDuration(p.Value)
		if err != nil {
			return time.Time{}, err
		}
		if start.AllDay && d%(24*time.Hour) == 0 {
			return start.Time.AddDate(0, 0, int(d/(24*time.Hour))), nil
		}
		return start.Time.Add(d), nil
	}

	if start.AllDay {
		return start.Time.AddDate(0, 0, 1), nil
	}
	return start.Time, nil
}

// syntheticUID はUIDのないイベントに開始時刻と件名から決定的なIDを割り当てる。
func syntheticUID(ev model.RawEvent) string {
	name := ev.Start.UTC().Format(time.RFC3339) + "\x00" + ev.Summary
	return uuid.NewSHA1(uidNamespace, []byte(name)).String()
}

// unescapeText はTEXT値のエスケープ（\, \; \n \N \\）を元に戻す。
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\', ':':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
