package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/hitoshi/vendorcal/internal/model"
)

const (
	// DefaultMaxOccurrences は1件の繰り返しイベントから展開する最大件数。
	DefaultMaxOccurrences = 5000

	// maxScannedOccurrences は期間外のものも含めて走査する最大件数。
	// COUNTが非常に大きいルールで期間の開始まで延々と走査することを防ぐ。
	maxScannedOccurrences = 100000
)

var (
	errUnsupportedRule = errors.New("unsupported recurrence rule")
	errUnboundedRule   = errors.New("recurrence rule has neither COUNT nor UNTIL")
)

// supportedFreqs は展開対象のFREQ。
var supportedFreqs = map[string]bool{
	"DAILY":   true,
	"WEEKLY":  true,
	"MONTHLY": true,
	"YEARLY":  true,
}

// supportedRuleParts はFREQ以外に許容するルール部品。
var supportedRuleParts = map[string]bool{
	"FREQ":     true,
	"COUNT":    true,
	"UNTIL":    true,
	"INTERVAL": true,
	"WKST":     true,
}

// checkSimpleRule はRRULEが展開対象の単純な形かを検証する。
// FREQがDAILY/WEEKLY/MONTHLY/YEARLYのいずれかで、COUNTまたはUNTILで終端していること。
// rrule-goはCOUNT<=0を無制限として扱うため、正のCOUNTのみを終端とみなす。
func checkSimpleRule(rule string) error {
	var freq string
	bounded := false

	for _, part := range strings.Split(rule, ";") {
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return errUnsupportedRule
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if !supportedRuleParts[key] {
			return fmt.Errorf("%w: %s", errUnsupportedRule, key)
		}
		switch key {
		case "FREQ":
			freq = strings.ToUpper(strings.TrimSpace(val))
		case "COUNT":
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: COUNT=%s", errUnsupportedRule, val)
			}
			bounded = true
		case "UNTIL":
			if strings.TrimSpace(val) == "" {
				return fmt.Errorf("%w: empty UNTIL", errUnsupportedRule)
			}
			bounded = true
		}
	}

	if !supportedFreqs[freq] {
		return errUnsupportedRule
	}
	if !bounded {
		return errUnboundedRule
	}
	return nil
}

// expansion は繰り返しイベントの展開結果。
type expansion struct {
	Events    []model.RawEvent
	Truncated bool
}

// expandRecurrence は繰り返しイベントを個々の発生に展開する。
// windowが指定された場合は重なる発生のみを返す。
// 発生のIDは "UID/開始時刻(RFC 3339, UTC)" とする。
func expandRecurrence(base model.RawEvent, exdates []time.Time, window *model.DateRange, maxOccurrences int) (expansion, error) {
	if err := checkSimpleRule(base.RecurrenceRule); err != nil {
		return expansion{}, err
	}
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	opt, err := rrule.StrToROptionInLocation(strings.ToUpper(base.RecurrenceRule), base.Start.Location())
	if err != nil {
		return expansion{}, fmt.Errorf("%w: %v", errUnsupportedRule, err)
	}
	opt.Dtstart = base.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return expansion{}, fmt.Errorf("%w: %v", errUnsupportedRule, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range exdates {
		set.ExDate(ex.In(base.Start.Location()))
	}

	duration := base.End.Sub(base.Start)
	spanDays := int((duration + 12*time.Hour) / (24 * time.Hour))

	var out expansion
	next := set.Iterator()
	for scanned := 0; ; scanned++ {
		occStart, ok := next()
		if !ok {
			break
		}
		if scanned >= maxScannedOccurrences {
			out.Truncated = true
			break
		}
		if window != nil && !occStart.Before(window.End) {
			break
		}

		occEnd := occStart.Add(duration)
		if base.AllDay {
			occStart = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occEnd = occStart.AddDate(0, 0, spanDays)
		}

		if window != nil && !overlaps(occStart, occEnd, *window) {
			continue
		}
		if len(out.Events) >= maxOccurrences {
			out.Truncated = true
			break
		}

		ev := base
		ev.UID = occurrenceID(base.UID, occStart)
		ev.Start = occStart
		ev.End = occEnd
		out.Events = append(out.Events, ev)
	}

	return out, nil
}

// occurrenceID は繰り返しの発生ごとに一意なIDを返す。
func occurrenceID(uid string, start time.Time) string {
	return uid + "/" + start.UTC().Format(time.RFC3339)
}

// overlaps は [start, end) が期間と重なるかを返す。
// 長さ0のイベントは開始時刻が期間内にあれば重なるとみなす。
func overlaps(start, end time.Time, rng model.DateRange) bool {
	if end.Equal(start) {
		return !start.Before(rng.Start) && start.Before(rng.End)
	}
	return start.Before(rng.End) && end.After(rng.Start)
}
