package typeinfer

import (
	"regexp"
	"strconv"
	"strings"
)

// formatSpec describes one candidate strftime-like format and how to pull
// its date/time components out of a matching value.
type formatSpec struct {
	Pattern string
	re      *regexp.Regexp
}

// dateFormats are the candidate date-only format patterns. Month/day/year
// components are validated (not merely parsed) so that an ambiguous value
// like "05/06/24" can leave multiple formats alive while an invalid one
// like "13/40/2024" eliminates every MM/DD-shaped candidate.
var dateFormats = []formatSpec{
	{Pattern: "%Y-%m-%d", re: regexp.MustCompile(`^(?P<y>\d{4})-(?P<m>\d{2})-(?P<d>\d{2})$`)},
	{Pattern: "%Y/%m/%d", re: regexp.MustCompile(`^(?P<y>\d{4})/(?P<m>\d{2})/(?P<d>\d{2})$`)},
	{Pattern: "%m/%d/%Y", re: regexp.MustCompile(`^(?P<m>\d{2})/(?P<d>\d{2})/(?P<y>\d{4})$`)},
	{Pattern: "%d/%m/%Y", re: regexp.MustCompile(`^(?P<d>\d{2})/(?P<m>\d{2})/(?P<y>\d{4})$`)},
	{Pattern: "%m/%d/%y", re: regexp.MustCompile(`^(?P<m>\d{2})/(?P<d>\d{2})/(?P<y>\d{2})$`)},
	{Pattern: "%d/%m/%y", re: regexp.MustCompile(`^(?P<d>\d{2})/(?P<m>\d{2})/(?P<y>\d{2})$`)},
}

// timeFormats are the candidate time-only format patterns.
var timeFormats = []formatSpec{
	{Pattern: "%H:%M:%S", re: regexp.MustCompile(`^(?P<h>\d{2}):(?P<mi>\d{2}):(?P<s>\d{2})$`)},
	{Pattern: "%H:%M", re: regexp.MustCompile(`^(?P<h>\d{2}):(?P<mi>\d{2})$`)},
}

// datetimeFormats combine a date and a time format with either "T" or a
// single space separator.
var datetimeFormats = buildDatetimeFormats()

func buildDatetimeFormats() []formatSpec {
	var out []formatSpec

	for _, d := range dateFormats {
		for _, sep := range []string{"T", " "} {
			for _, tf := range timeFormats {
				out = append(out, formatSpec{
					Pattern: d.Pattern + sep + tf.Pattern,
					re:      regexp.MustCompile(d.re.String()[:len(d.re.String())-1] + sep + tf.re.String()[1:]),
				})
			}
		}
	}

	return out
}

func daysInMonth(year, month int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeapYear(year) {
			return 29
		}

		return 28
	default:
		return 0
	}
}

func isLeapYear(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

func normalizeYear(y int) int {
	if y < 100 {
		if y < 70 {
			return 2000 + y
		}

		return 1900 + y
	}

	return y
}

// matchDate reports whether trimmed satisfies spec's date component
// validity rules: month in [1,12], day in [1, days-in-month] for that
// (year-aware) month.
func matchDate(spec formatSpec, trimmed string) bool {
	m := spec.re.FindStringSubmatch(trimmed)
	if m == nil {
		return false
	}

	names := spec.re.SubexpNames()
	fields := make(map[string]int, 3)

	for i, name := range names {
		if name == "" {
			continue
		}

		v, err := strconv.Atoi(m[i])
		if err != nil {
			return false
		}

		fields[name] = v
	}

	year := normalizeYear(fields["y"])
	month := fields["m"]
	day := fields["d"]

	if month < 1 || month > 12 {
		return false
	}

	if day < 1 || day > daysInMonth(year, month) {
		return false
	}

	return true
}

// ValidateFormat reports whether value parses under the named strftime-like
// pattern, applying the same year-aware calendar validation as Observe. It
// is used by the schema validator to flag string-typed temporal columns
// whose declared format a row's value does not satisfy. An unknown pattern
// is never satisfied.
func ValidateFormat(pattern, value string) bool {
	trimmed := strings.TrimSpace(value)

	for _, f := range dateFormats {
		if f.Pattern == pattern {
			return matchDate(f, trimmed)
		}
	}

	for _, f := range timeFormats {
		if f.Pattern == pattern {
			return matchTime(f, trimmed)
		}
	}

	for _, f := range datetimeFormats {
		if f.Pattern == pattern {
			return matchDate(f, trimmed) && matchTime(f, trimmed)
		}
	}

	return false
}

// matchTime reports whether trimmed satisfies spec's time component
// validity rules: hour in [0,23], minute/second in [0,59].
func matchTime(spec formatSpec, trimmed string) bool {
	m := spec.re.FindStringSubmatch(trimmed)
	if m == nil {
		return false
	}

	names := spec.re.SubexpNames()
	fields := make(map[string]int, 3)

	for i, name := range names {
		if name == "" {
			continue
		}

		v, err := strconv.Atoi(m[i])
		if err != nil {
			return false
		}

		fields[name] = v
	}

	if h, ok := fields["h"]; ok && (h < 0 || h > 23) {
		return false
	}

	if mi, ok := fields["mi"]; ok && (mi < 0 || mi > 59) {
		return false
	}

	if s, ok := fields["s"]; ok && (s < 0 || s > 59) {
		return false
	}

	return true
}
