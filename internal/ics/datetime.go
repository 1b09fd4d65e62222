package ics

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	layoutDate      = "20060102"
	layoutDateTime  = "20060102T150405"
	layoutUTC       = "20060102T150405Z"
	maxDurationSpan = 366 * 24 * time.Hour
)

var (
	errEmptyValue    = errors.New("empty date value")
	errUnknownFormat = errors.New("unrecognized date format")
)

// icsTime は DTSTART などの日時プロパティを解析した結果。
type icsTime struct {
	Time   time.Time
	AllDay bool
}

// parseICSDateTime は日時プロパティの値を解析する。
//   - YYYYMMDD: 終日。locの0時
//   - YYYYMMDDTHHMMSSZ: UTC
//   - YYYYMMDDTHHMMSS: TZIDの場所、解決できなければloc（フローティング時刻）
//
// VALUE=DATE パラメータは値の形と矛盾しない限り終日として扱う。
func parseICSDateTime(value string, params map[string]string, loc *time.Location) (icsTime, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return icsTime{}, errEmptyValue
	}

	zone := resolveLocation(params["TZID"], loc)

	switch {
	case len(v) == len(layoutDate):
		t, err := time.ParseInLocation(layoutDate, v, zone)
		if err != nil {
			return icsTime{}, errUnknownFormat
		}
		return icsTime{Time: t, AllDay: true}, nil

	case len(v) == len(layoutUTC) && (v[len(v)-1] == 'Z' || v[len(v)-1] == 'z'):
		t, err := time.Parse(layoutUTC, strings.ToUpper(v))
		if err != nil {
			return icsTime{}, errUnknownFormat
		}
		return icsTime{Time: t.UTC()}, nil

	case len(v) == len(layoutDateTime):
		if strings.EqualFold(params["VALUE"], "DATE") {
			return icsTime{}, errUnknownFormat
		}
		t, err := time.ParseInLocation(layoutDateTime, strings.ToUpper(v), zone)
		if err != nil {
			return icsTime{}, errUnknownFormat
		}
		return icsTime{Time: t}, nil
	}

	return icsTime{}, errUnknownFormat
}

// locationCache はTZIDごとのLoadLocation結果をキャッシュする。
// 解決できなかったTZIDはnilとして記録する。
var locationCache sync.Map

// resolveLocation はTZIDをタイムゾーンに解決する。
// 空または未知のTZIDの場合はfallbackを返す。
// Outlookの "/mozilla.org/..." 形式の接頭辞やダブルクォートは取り除く。
func resolveLocation(tzid string, fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	name := strings.Trim(strings.TrimSpace(tzid), `"`)
	if name == "" {
		return fallback
	}

	if cached, ok := locationCache.Load(name); ok {
		if loc, _ := cached.(*time.Location); loc != nil {
			return loc
		}
		return fallback
	}

	loc := loadLocation(name)
	locationCache.Store(name, loc)
	if loc == nil {
		return fallback
	}
	return loc
}

func loadLocation(name string) *time.Location {
	candidates := []string{name}
	if i := strings.Index(name, "/mozilla.org/"); i >= 0 {
		rest := name[i+len("/mozilla.org/"):]
		if j := strings.Index(rest, "/"); j >= 0 {
			candidates = append(candidates, rest[j+1:])
		}
	}
	if iana, ok := windowsZones[name]; ok {
		candidates = append(candidates, iana)
	}

	for _, c := range candidates {
		if loc, err := time.LoadLocation(c); err == nil {
			return loc
		}
	}
	return nil
}

// windowsZones はOutlookが出力するWindowsタイムゾーン名の主要なものをIANA名に対応付ける。
var windowsZones = map[string]string{
	"UTC":                            "UTC",
	"GMT Standard Time":              "Europe/London",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"Korea Standard Time":            "Asia/Seoul",
	"China Standard Time":            "Asia/Shanghai",
	"Singapore Standard Time":        "Asia/Singapore",
	"India Standard Time":            "Asia/Kolkata",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"Eastern Standard Time":          "America/New_York",
	"Central Standard Time":          "America/Chicago",
	"Mountain Standard Time":         "America/Denver",
	"Pacific Standard Time":          "America/Los_Angeles",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"E. South America Standard Time": "America/Sao_Paulo",
}

// durationPattern はRFC 5545のDURATION値のうち、よく使われる形に一致する。
// 例: PT1H30M, P1D, P1DT2H, P2W, -PT15M
var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W|(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?)$`)

// parseICSDuration はDURATION値を解析する。
// 負の期間、空の期間、1年を超える期間はエラーとする。
func parseICSDuration(value string) (time.Duration, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	m := durationPattern.FindStringSubmatch(v)
	if m == nil || v == "P" || v == "PT" || strings.HasSuffix(v, "T") {
		return 0, errUnknownFormat
	}
	if m[1] == "-" {
		return 0, errors.New("negative duration")
	}

	units := []struct {
		group string
		unit  time.Duration
	}{
		{m[2], 7 * 24 * time.Hour},
		{m[3], 24 * time.Hour},
		{m[4], time.Hour},
		{m[5], time.Minute},
		{m[6], time.Second},
	}

	var d time.Duration
	for _, u := range units {
		if u.group == "" {
			continue
		}
		n, err := strconv.Atoi(u.group)
		if err != nil || time.Duration(n) > maxDurationSpan/u.unit {
			return 0, errUnknownFormat
		}
		d += time.Duration(n) * u.unit
		if d > maxDurationSpan {
			return 0, errors.New("duration too long")
		}
	}
	return d, nil
}
