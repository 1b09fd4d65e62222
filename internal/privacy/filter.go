// Package privacy は外部カレンダーのイベントを期間で絞り込み、公開設定に従って内容を伏せる。
package privacy

import (
	"sort"

	"github.com/hitoshi/vendorcal/internal/model"
	"github.com/hitoshi/vendorcal/internal/security"
)

const (
	// BusyTitle は詳細を非公開にした場合のタイトル。
	BusyTitle = "Busy"

	// BusyTitleAlt は元の件名がBusyTitleと同じ場合に使うタイトル。
	BusyTitleAlt = "Busy (external)"

	// UntitledTitle は詳細を公開する設定で件名が空の場合のタイトル。
	UntitledTitle = "(No title)"
)

// TextSanitizer は説明文からマークアップを取り除くインターフェース。
type TextSanitizer interface {
	Text(raw string) string
}

// Filter は期間の絞り込みと公開設定の適用を行う。
// 状態を持たないため並行利用して安全。
type Filter struct {
	sanitizer TextSanitizer
}

// NewFilter はFilterを生成する。sanitizerがnilの場合はbluemondayのStrictPolicyを使う。
func NewFilter(sanitizer TextSanitizer) *Filter {
	if sanitizer == nil {
		sanitizer = security.NewContentSanitizer()
	}
	return &Filter{sanitizer: sanitizer}
}

// Apply はイベントを期間 [rng.Start, rng.End) で絞り込み、公開設定を適用する。
//   - ExternalCalendarEnabled が false の場合は常に空のリストを返す
//   - 期間と少しでも重なるイベントを残す
//   - ShowEventDetails が false の場合はタイトルを "Busy" にし、説明を除去する
//     （元の件名が "Busy" の場合は "Busy (external)"。伏せたタイトルが元の件名と一致することはない）
//
// 結果は開始時刻の昇順で、同時刻の場合はフィード内の順序を保つ。
func (f *Filter) Apply(events []model.RawEvent, rng model.DateRange, settings model.PrivacySettings) []model.ExternalEvent {
	out := make([]model.ExternalEvent, 0)
	if !settings.ExternalCalendarEnabled {
		return out
	}

	kept := make([]model.RawEvent, 0, len(events))
	for _, ev := range events {
		if InRange(ev, rng) {
			kept = append(kept, ev)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].Start.Equal(kept[j].Start) {
			return kept[i].Start.Before(kept[j].Start)
		}
		return kept[i].Seq < kept[j].Seq
	})

	for _, ev := range kept {
		out = append(out, f.project(ev, settings))
	}
	return out
}

// project は1件のイベントを公開表現に変換する。
// 詳細非公開の場合、件名と説明は出力に一切含めない。
func (f *Filter) project(ev model.RawEvent, settings model.PrivacySettings) model.ExternalEvent {
	out := model.ExternalEvent{
		ID:         ev.UID,
		Start:      ev.Start,
		End:        ev.End,
		AllDay:     ev.AllDay,
		IsExternal: true,
	}

	if !settings.ShowEventDetails {
		out.Title = BusyTitle
		if ev.Summary == BusyTitle {
			out.Title = BusyTitleAlt
		}
		return out
	}

	out.Title = ev.Summary
	if out.Title == "" {
		out.Title = UntitledTitle
	}
	out.Description = f.sanitizer.Text(ev.Description)
	return out
}

// InRange はイベントが期間と重なるかを返す。
// 長さ0のイベントは rng.Start <= Start < rng.End の場合に重なるとみなす。
func InRange(ev model.RawEvent, rng model.DateRange) bool {
	if ev.End.Equal(ev.Start) {
		return !ev.Start.Before(rng.Start) && ev.Start.Before(rng.End)
	}
	return ev.Start.Before(rng.End) && ev.End.After(rng.Start)
}
