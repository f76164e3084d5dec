// Package gates implements the admission checks applied to inbound
// events before they reach the aggregation pipeline.
package gates

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/config"
)

// dateLayouts cover the inbound messages__date shapes. Go accepts a
// fractional second during parsing even when the layout lacks one, so
// two layouts are enough.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// ParseMessageDate parses an ISO-8601 timestamp whose date and time
// may be separated by a space or a 'T'. Zoned inputs are converted to
// UTC, naive inputs are taken as UTC already.
func ParseMessageDate(s string) (time.Time, error) {
	normalized := strings.Replace(s, " ", "T", 1)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported message date %q", s)
}

// InsideWorkingHours reports whether the chat accepts messages at the
// given instant. A disabled chat blocks everything. The clock bounds
// are inclusive, compared at whole-second precision and only applied
// when both are set. The day list is only applied when present; an
// explicitly empty list blocks every day.
func InsideWorkingHours(at time.Time, pc *config.PingerConfig) bool {
	if !pc.WorkingHoursEnabled() {
		log.Warn().Msg("Message blocked: chat disabled")
		return false
	}

	utc := at.UTC()

	if pc.StartTime != "" && pc.EndTime != "" {
		start, err := config.ParseClock(pc.StartTime)
		if err != nil {
			return false
		}
		end, err := config.ParseClock(pc.EndTime)
		if err != nil {
			return false
		}
		sec := secondsOfDay(utc)
		if sec < secondsOfDay(start) || sec > secondsOfDay(end) {
			return false
		}
	}

	if pc.Days != nil && !containsDay(pc.Days, dayName(utc.Weekday())) {
		return false
	}
	return true
}

func secondsOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func dayName(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}

func containsDay(days []string, day string) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
