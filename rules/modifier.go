package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	dateLayout = "02.01.2006"
	timeLayout = "15:04"
)

var slicePattern = regexp.MustCompile(`^(\d*):(\d*)$`)

// applyModifier transforms a substituted value. Supported modifiers:
//
//	{a:b}  rune slice of the value, bounds clamped
//	{#d}   the value as a date, e.g. 24.12.2025
//	{#t}   the value as a time of day, e.g. 18:00
//	{%..}  printf format applied to the value as a number
//
// A modifier that does not apply leaves the value unchanged.
func applyModifier(value, modifier string, snap Snapshot) string {
	modifier = strings.TrimSpace(modifier)

	if m := slicePattern.FindStringSubmatch(modifier); m != nil {
		return sliceRunes(value, m[1], m[2])
	}

	switch modifier {
	case "#d", "#t":
		t, err := parseDate(value, snap.At())
		if err != nil {
			return value
		}
		if modifier == "#d" {
			return t.Format(dateLayout)
		}
		return t.Format(timeLayout)
	}

	if strings.HasPrefix(modifier, "%") {
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return value
		}
		formatted := fmt.Sprintf(modifier, f)
		if strings.Contains(formatted, "%!") {
			return value
		}
		return formatted
	}

	return value
}

func sliceRunes(value, from, to string) string {
	n := utf8.RuneCountInString(value)
	start, end := 0, n
	if from != "" {
		start, _ = strconv.Atoi(from)
	}
	if to != "" {
		end, _ = strconv.Atoi(to)
	}
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	if end < start {
		return ""
	}
	return string([]rune(value)[start:end])
}

var dateLayouts = []string{"02.01.2006", "2.1.2006", "02.01.06", "2.1.06"}

// parseDate reads dd.mm.yyyy, dd.mm.yy, dd.mm (year of ref), RFC3339 or
// unix milliseconds (at least ten digits) in ref's location.
func parseDate(value string, ref time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	loc := ref.Location()

	if len(value) >= 10 {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.UnixMilli(ms).In(loc), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"02.01", "2.1", "02.01.", "2.1."} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return time.Date(ref.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// daysBetween returns the calendar days from a to b.
func daysBetween(a, b time.Time) int {
	loc := a.Location()
	ay, am, ad := a.Date()
	by, bm, bd := b.In(loc).Date()
	da := time.Date(ay, am, ad, 12, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 12, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
