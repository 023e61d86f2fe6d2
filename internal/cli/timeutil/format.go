// Package timeutil formats cycle timestamps for CLI output.
package timeutil

import (
	"fmt"
	"time"
)

// LocalTimeFormat uses Go's reference time: Mon Jan 2 15:04:05 2006.
const LocalTimeFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime renders t in local time.
func FormatTime(t time.Time) string {
	return t.Local().Format(LocalTimeFormat)
}

// FormatEnd renders the end of a cycle, or "open" while it runs.
func FormatEnd(end *time.Time) string {
	if end == nil {
		return "open"
	}
	return FormatTime(*end)
}

// FormatDuration renders d as "1h 2m 3s", dropping leading zero units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// FormatElapsed renders the run time of a cycle. Open cycles are measured
// against now.
func FormatElapsed(start time.Time, end *time.Time, now time.Time) string {
	if end != nil {
		now = *end
	}
	return FormatDuration(now.Sub(start))
}
