package template

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Formatting is pinned to en-US. Tenants do not carry a locale today; when
// they do, the printer and layouts move onto the render call.
var enUS = message.NewPrinter(language.AmericanEnglish)

const (
	dateLayout     = "Jan 2, 2006"
	timeLayout     = "3:04 PM"
	datetimeLayout = "Jan 2, 2006, 3:04 PM"
)

// helperFunc formats a resolved value. A non-nil error keeps the original
// placeholder in the output and lands on the render result.
type helperFunc func(v any) (string, error)

var helperFuncs = map[string]helperFunc{
	"uppercase": func(v any) (string, error) { return strings.ToUpper(formatValue(v)), nil },
	"lowercase": func(v any) (string, error) { return strings.ToLower(formatValue(v)), nil },
	"capitalize": func(v any) (string, error) {
		s := formatValue(v)
		if s == "" {
			return "", nil
		}
		r, size := utf8.DecodeRuneInString(s)
		return string(unicode.ToUpper(r)) + s[size:], nil
	},
	"currency": numericHelper(formatCurrency),
	"number":   numericHelper(formatNumber),
	"percent":  numericHelper(formatPercent),
	"date":     timeHelper(dateLayout),
	"time":     timeHelper(timeLayout),
	"datetime": timeHelper(datetimeLayout),
}

func numericHelper(format func(float64) string) helperFunc {
	return func(v any) (string, error) {
		n, ok := toFloat(v)
		if !ok {
			return "", fmt.Errorf("not a number: %v", v)
		}
		return format(n), nil
	}
}

func timeHelper(layout string) helperFunc {
	return func(v any) (string, error) {
		t, ok := toTime(v)
		if !ok {
			return "", fmt.Errorf("not a date: %v", v)
		}
		return t.Format(layout), nil
	}
}

// formatValue renders a resolved context value for plain variable output:
// dates as en-US date strings, numbers grouped, booleans as Yes/No, arrays
// comma-joined, objects as JSON.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	case time.Time:
		return t.Format(dateLayout)
	}
	if n, ok := toFloat(v); ok {
		return formatNumber(n)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items, _ := toSlice(v)
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	case reflect.Map, reflect.Struct, reflect.Pointer:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}

// formatNumber groups digits en-US style, keeping integral values free of a
// decimal tail.
func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return enUS.Sprintf("%v", number.Decimal(int64(n)))
	}
	return enUS.Sprintf("%v", number.Decimal(n))
}

func formatCurrency(n float64) string {
	return "$" + enUS.Sprintf("%v", number.Decimal(n, number.Scale(2)))
}

func formatPercent(n float64) string {
	return enUS.Sprintf("%v", number.Percent(n))
}

// toFloat coerces the numeric shapes that reach a template context: Go
// numbers, json.Number, and numeric strings (helpers only; plain variables
// keep strings verbatim).
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// toTime accepts time.Time values, RFC 3339 and date-only strings, and epoch
// milliseconds (the convention for dates in CRM JSON payloads).
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}
	if n, ok := toFloat(v); ok {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	return time.Time{}, false
}
