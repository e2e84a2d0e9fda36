package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"asterengine/internal/apperr"
)

// optionalTimeLayouts backs strict_date_optional_time, the default date format.
var optionalTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02",
	"2006-01",
	"2006",
}

// dynamicDateLayouts are the string shapes recognised as dates by dynamic mapping.
var dynamicDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

var namedFormats = map[string][]string{
	"strict_date_optional_time": optionalTimeLayouts,
	"date_optional_time":        optionalTimeLayouts,
	"date":                      {"2006-01-02"},
	"strict_date":               {"2006-01-02"},
	"basic_date":                {"20060102"},
	"date_time":                 {"2006-01-02T15:04:05.000Z07:00"},
	"date_hour_minute_second":   {"2006-01-02T15:04:05"},
	"year_month_day":            {"2006-01-02"},
	"year":                      {"2006"},
}

var jodaReplacer = strings.NewReplacer(
	"yyyy", "2006", "yy", "06", "MM", "01", "dd", "02", "HH", "15", "mm", "04", "ss", "05",
	"SSS", "000", "'T'", "T", "Z", "Z07:00",
)

// LooksLikeDate reports whether s matches one of the dynamic date shapes.
func LooksLikeDate(s string) bool {
	if len(s) < 8 || s[0] < '0' || s[0] > '9' {
		return false
	}
	for _, layout := range dynamicDateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// ParseDateValue converts a JSON date value (string or epoch number) into epoch millis
// according to format, which may list alternatives separated by "||".
func ParseDateValue(v any, format string) (float64, error) {
	if n, ok := toFloat(v); ok {
		if hasFormat(format, "epoch_second") && !hasFormat(format, "epoch_millis") {
			return n * 1000, nil
		}
		return n, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("expected a date string or epoch number, got %T", v)
	}
	t, err := ParseDate(s, format)
	if err != nil {
		return 0, err
	}
	return float64(t.UnixMilli()), nil
}

// ParseDate parses s with format, defaulting to strict_date_optional_time||epoch_millis.
func ParseDate(s, format string) (time.Time, error) {
	if format == "" {
		format = "strict_date_optional_time||epoch_millis"
	}
	s = strings.TrimSpace(s)
	for _, alt := range strings.Split(format, "||") {
		alt = strings.TrimSpace(alt)
		switch alt {
		case "epoch_millis", "epoch_second":
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				continue
			}
			if alt == "epoch_second" {
				n *= 1000
			}
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		layouts, ok := namedFormats[alt]
		if !ok {
			layouts = []string{jodaReplacer.Replace(alt)}
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse date %q with format [%s]", s, format)
}

// FormatDate renders epoch millis the way date values are echoed in responses.
func FormatDate(millis float64) string {
	return time.UnixMilli(int64(millis)).UTC().Format("2006-01-02T15:04:05.000Z")
}

// ResolveDateMath evaluates expressions such as "now-1d/d" or "2024-01-01||+1M" into
// epoch millis. Plain dates and numbers are accepted as well.
func ResolveDateMath(v any, format string, now time.Time) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return ParseDateValue(v, format)
	}
	var anchor time.Time
	var expr string
	switch {
	case strings.HasPrefix(s, "now"):
		anchor, expr = now.UTC(), s[len("now"):]
	case strings.Contains(s, "||"):
		idx := strings.Index(s, "||")
		t, err := ParseDate(s[:idx], format)
		if err != nil {
			return 0, err
		}
		anchor, expr = t, s[idx+2:]
	default:
		return ParseDateValue(s, format)
	}

	t, err := applyDateMath(anchor, expr)
	if err != nil {
		return 0, apperr.Validationf("invalid date math [%s]: %v", s, err)
	}
	return float64(t.UnixMilli()), nil
}

func applyDateMath(t time.Time, expr string) (time.Time, error) {
	for len(expr) > 0 {
		op := expr[0]
		expr = expr[1:]
		switch op {
		case '+', '-':
			i := 0
			for i < len(expr) && expr[i] >= '0' && expr[i] <= '9' {
				i++
			}
			n := 1
			if i > 0 {
				n, _ = strconv.Atoi(expr[:i])
			}
			if i >= len(expr) {
				return t, fmt.Errorf("missing unit")
			}
			unit := expr[i]
			expr = expr[i+1:]
			if op == '-' {
				n = -n
			}
			var err error
			if t, err = addUnit(t, n, unit); err != nil {
				return t, err
			}
		case '/':
			if len(expr) == 0 {
				return t, fmt.Errorf("missing rounding unit")
			}
			var err error
			if t, err = roundDown(t, expr[0]); err != nil {
				return t, err
			}
			expr = expr[1:]
		default:
			return t, fmt.Errorf("unexpected %q", op)
		}
	}
	return t, nil
}

func addUnit(t time.Time, n int, unit byte) (time.Time, error) {
	switch unit {
	case 'y':
		return t.AddDate(n, 0, 0), nil
	case 'M':
		return t.AddDate(0, n, 0), nil
	case 'w':
		return t.AddDate(0, 0, 7*n), nil
	case 'd':
		return t.AddDate(0, 0, n), nil
	case 'h', 'H':
		return t.Add(time.Duration(n) * time.Hour), nil
	case 'm':
		return t.Add(time.Duration(n) * time.Minute), nil
	case 's':
		return t.Add(time.Duration(n) * time.Second), nil
	}
	return t, fmt.Errorf("unknown unit %q", unit)
}

func roundDown(t time.Time, unit byte) (time.Time, error) {
	y, mo, d := t.Date()
	switch unit {
	case 'y':
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC), nil
	case 'M':
		return time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC), nil
	case 'w':
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, mo, d-offset, 0, 0, 0, 0, time.UTC), nil
	case 'd':
		return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC), nil
	case 'h', 'H':
		return t.Truncate(time.Hour), nil
	case 'm':
		return t.Truncate(time.Minute), nil
	case 's':
		return t.Truncate(time.Second), nil
	}
	return t, fmt.Errorf("unknown rounding unit %q", unit)
}

func hasFormat(format, name string) bool {
	for _, alt := range strings.Split(format, "||") {
		if strings.TrimSpace(alt) == name {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToFloat converts any JSON or Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}
