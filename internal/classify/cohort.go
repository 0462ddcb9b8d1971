package classify

import (
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// NoValue is the cohort key used for blank cells so no row is dropped.
const NoValue = "(blank)"

// serialEpoch is day zero of spreadsheet serial dates.
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// maxSerial is 9999-12-31.
const maxSerial = 2958465

// SerialToDate converts a spreadsheet serial day count to a UTC calendar date. The
// fractional time-of-day is discarded.
func SerialToDate(serial float64) (time.Time, bool) {
	if math.IsNaN(serial) || serial < 0 || serial > maxSerial {
		return time.Time{}, false
	}
	return serialEpoch.AddDate(0, 0, int(math.Floor(serial))), true
}

// Grain is the granularity of date cohort keys.
type Grain int

const (
	Month Grain = iota
	Day
)

// ParseGrain converts "day" or "month" into a Grain.
func ParseGrain(s string) (Grain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "month":
		return Month, nil
	case "day":
		return Day, nil
	default:
		return Month, eris.Errorf("classify: unknown grain %q (valid: day, month)", s)
	}
}

func (g Grain) String() string {
	if g == Day {
		return "day"
	}
	return "month"
}

// CohortKey derives a grouping key from a classified value. Dates use the grain; blanks use
// NoValue; anything else keys by its normalized text.
func CohortKey(v Value, g Grain) string {
	switch v.Kind {
	case Blank:
		return NoValue
	case Date, DateAsText:
		if g == Day {
			return v.Time.Format(dayLayout)
		}
		return v.Time.Format(monthLayout)
	default:
		return v.Normalized()
	}
}

// Key classifies raw as an ordinary field and returns its cohort key.
func Key(raw any) string {
	return CohortKey(Classify(raw), Day)
}
