package ics

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/vendorcal/internal/model"
)

func TestCheckSimpleRule(t *testing.T) {
	supported := []string{
		"FREQ=DAILY;COUNT=3",
		"FREQ=WEEKLY;INTERVAL=2;UNTIL=20251231T000000Z",
		"freq=monthly;count=12",
		"FREQ=YEARLY;COUNT=5;WKST=MO",
	}
	for _, r := range supported {
		if err := checkSimpleRule(r); err != nil {
			t.Errorf("checkSimpleRule(%q) error = %v", r, err)
		}
	}

	tests := []struct {
		rule string
		want error
	}{
		{"FREQ=DAILY", errUnboundedRule},
		{"FREQ=HOURLY;COUNT=3", errUnsupportedRule},
		{"FREQ=WEEKLY;BYDAY=MO;COUNT=3", errUnsupportedRule},
		{"COUNT=3", errUnsupportedRule},
		{"garbage", errUnsupportedRule},
		{"FREQ=DAILY;COUNT=0", errUnsupportedRule},
		{"FREQ=DAILY;COUNT=-1", errUnsupportedRule},
		{"FREQ=DAILY;COUNT=abc", errUnsupportedRule},
		{"FREQ=DAILY;UNTIL=", errUnsupportedRule},
	}
	for _, tt := range tests {
		if err := checkSimpleRule(tt.rule); !errors.Is(err, tt.want) {
			t.Errorf("checkSimpleRule(%q) = %v, want %v", tt.rule, err, tt.want)
		}
	}
}

func TestExpandRecurrence_ClipsToWindow(t *testing.T) {
	base := model.RawEvent{
		UID:            "weekly",
		Start:          time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC),
		RecurrenceRule: "FREQ=WEEKLY;COUNT=52",
	}
	window := &model.DateRange{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	exp, err := expandRecurrence(base, nil, window, 0)
	if err != nil {
		t.Fatalf("expandRecurrence() error = %v", err)
	}
	// 3月の月曜日: 3, 10, 17, 24, 31
	if len(exp.Events) != 5 {
		t.Fatalf("expected 5 occurrences, got %d", len(exp.Events))
	}
	for _, ev := range exp.Events {
		if ev.Start.Before(window.Start) || !ev.Start.Before(window.End) {
			t.Errorf("occurrence outside window: %v", ev.Start)
		}
		if ev.Start.Weekday() != time.Monday {
			t.Errorf("occurrence on %v", ev.Start.Weekday())
		}
	}
	if exp.Events[0].UID != "weekly/2025-03-03T10:00:00Z" {
		t.Errorf("first occurrence ID = %q", exp.Events[0].UID)
	}
}

// 期間の開始をまたぐ発生も含まれること
func TestExpandRecurrence_IncludesOverlapAtWindowStart(t *testing.T) {
	base := model.RawEvent{
		UID:            "overnight",
		Start:          time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC),
		RecurrenceRule: "FREQ=DAILY;COUNT=3",
	}
	window := &model.DateRange{
		Start: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
	}

	exp, err := expandRecurrence(base, nil, window, 0)
	if err != nil {
		t.Fatalf("expandRecurrence() error = %v", err)
	}
	if len(exp.Events) != 2 {
		t.Fatalf("expected 2 occurrences (June 1 overnight and June 2), got %d", len(exp.Events))
	}
}

func TestExpandRecurrence_Cap(t *testing.T) {
	base := model.RawEvent{
		UID:            "daily",
		Start:          time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC),
		RecurrenceRule: "FREQ=DAILY;COUNT=100",
	}

	exp, err := expandRecurrence(base, nil, nil, 10)
	if err != nil {
		t.Fatalf("expandRecurrence() error = %v", err)
	}
	if len(exp.Events) != 10 || !exp.Truncated {
		t.Errorf("got %d occurrences truncated=%v, want 10 truncated", len(exp.Events), exp.Truncated)
	}
}

func TestExpandRecurrence_AllDayKeepsLocalMidnight(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	start := time.Date(2025, 3, 7, 0, 0, 0, 0, ny)
	base := model.RawEvent{
		UID:            "allday",
		Start:          start,
		End:            start.AddDate(0, 0, 1),
		AllDay:         true,
		RecurrenceRule: "FREQ=DAILY;COUNT=4",
	}

	exp, err := expandRecurrence(base, nil, nil, 0)
	if err != nil {
		t.Fatalf("expandRecurrence() error = %v", err)
	}
	if len(exp.Events) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(exp.Events))
	}
	// 夏時間の切り替え（3月9日）をまたいでも0時始まり・1日間であること
	for _, ev := range exp.Events {
		if ev.Start.Hour() != 0 || ev.End.Hour() != 0 {
			t.Errorf("occurrence %v - %v is not midnight aligned", ev.Start, ev.End)
		}
		if ev.End.Day() == ev.Start.Day() {
			t.Errorf("occurrence %v - %v does not span a day", ev.Start, ev.End)
		}
	}
}

func TestOverlaps(t *testing.T) {
	rng := model.DateRange{
		Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	at := func(h int) time.Time { return rng.Start.Add(time.Duration(h) * time.Hour) }

	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"inside", at(1), at(2), true},
		{"ends at range start", at(-2), at(0), false},
		{"starts at range end", at(24), at(25), false},
		{"spans range", at(-1), at(25), true},
		{"zero length at start", at(0), at(0), true},
		{"zero length at end", at(24), at(24), false},
	}
	for _, tt := range tests {
		if got := overlaps(tt.start, tt.end, rng); got != tt.want {
			t.Errorf("%s: overlaps = %v, want %v", tt.name, got, tt.want)
		}
	}
}
