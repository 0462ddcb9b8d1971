// Package classify determines the semantic kind of raw cell values. Every function here is
// total: any input maps to exactly one Kind and nothing panics or returns an error.
package classify

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
)

// Kind is the semantic classification of a raw cell value.
type Kind int

const (
	Blank Kind = iota
	Numeric
	NumericAsText
	Date
	DateAsText
	OpaqueText
)

// Kinds lists every kind in column order.
var Kinds = []Kind{Blank, Numeric, NumericAsText, Date, DateAsText, OpaqueText}

// String returns the snake_case name used in report headers.
func (k Kind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Numeric:
		return "numeric"
	case NumericAsText:
		return "numeric_as_text"
	case Date:
		return "date"
	case DateAsText:
		return "date_as_text"
	case OpaqueText:
		return "opaque_text"
	default:
		return "unknown"
	}
}

// IsNumber reports whether values of this kind carry a numeric reading.
func (k Kind) IsNumber() bool { return k == Numeric || k == NumericAsText }

// IsDate reports whether values of this kind carry a calendar date.
func (k Kind) IsDate() bool { return k == Date || k == DateAsText }

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Value is a classified cell.
type Value struct {
	Kind   Kind
	Number float64   // set for Numeric and NumericAsText
	Time   time.Time // UTC midnight; set for Date and DateAsText
	Text   string    // trimmed text form; empty for Blank
}

// Normalized returns the canonical form: YYYY-MM-DD for dates, YYYY-MM for dates parsed
// from text, the shortest decimal for numbers, the trimmed text otherwise.
func (v Value) Normalized() string {
	switch v.Kind {
	case Date:
		return v.Time.Format(dayLayout)
	case DateAsText:
		return v.Time.Format(monthLayout)
	case Numeric, NumericAsText:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return v.Text
	}
}

// NumberOrZero returns the numeric reading, or 0 for non-numeric kinds.
func (v Value) NumberOrZero() float64 {
	if v.Kind.IsNumber() {
		return v.Number
	}
	return 0
}

var numericText = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Classify determines the kind of a raw cell value.
func Classify(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Value{Kind: Blank}
	case time.Time:
		if x.IsZero() {
			return Value{Kind: OpaqueText, Text: x.String()}
		}
		return Value{Kind: Date, Time: truncateDay(x), Text: x.UTC().Format(time.RFC3339)}
	case *time.Time:
		if x == nil {
			return Value{Kind: Blank}
		}
		return Classify(*x)
	case string:
		return classifyText(x)
	case bool:
		return Value{Kind: OpaqueText, Text: strconv.FormatBool(x)}
	}

	if f, ok := nativeNumber(raw); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return classifyText(fmt.Sprint(raw))
		}
		return Value{Kind: Numeric, Number: f, Text: strconv.FormatFloat(f, 'f', -1, 64)}
	}
	return classifyText(fmt.Sprint(raw))
}

// ClassifyDate classifies a value from a date-typed field. Finite native numbers are
// read as spreadsheet serial day counts; everything else follows Classify.
func ClassifyDate(raw any) Value {
	if f, ok := nativeNumber(raw); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
		if t, ok := SerialToDate(f); ok {
			return Value{Kind: Date, Time: t, Text: strconv.FormatFloat(f, 'f', -1, 64)}
		}
	}
	return Classify(raw)
}

func classifyText(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{Kind: Blank}
	}
	if numericText.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil && !math.IsInf(f, 0) {
			return Value{Kind: NumericAsText, Number: f, Text: s}
		}
		return Value{Kind: OpaqueText, Text: s}
	}
	if t, ok := parseDate(s); ok {
		return Value{Kind: DateAsText, Time: t, Text: s}
	}
	return Value{Kind: OpaqueText, Text: s}
}

// parseDate reads free-form date text: ISO and RFC layouts, US slash dates and month
// names. Results without a calendar year, such as bare clock times, are not dates.
func parseDate(s string) (t time.Time, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	parsed, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		if parsed, err = cast.ToTimeInDefaultLocationE(s, time.UTC); err != nil {
			return time.Time{}, false
		}
	}
	if parsed.IsZero() || parsed.Year() < 1 {
		return time.Time{}, false
	}
	return truncateDay(parsed), true
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func nativeNumber(raw any) (float64, bool) {
	switch x := raw.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
