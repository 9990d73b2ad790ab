package segmentation

import (
	"regexp"
	"strconv"
	"time"
)

var windowRe = regexp.MustCompile(`^last_(\d+)_(hours|days|weeks|months)$`)

// maxWindow bounds symbolic windows to ten years.
const maxWindow = 10 * 365 * 24 * time.Hour

// resolveWindow turns "last_90_days" into [now-90d, now].
func resolveWindow(name string, now time.Time) (from, to time.Time, ok bool) {
	switch name {
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), now, true
	case "this_month":
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()), now, true
	}

	m := windowRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return time.Time{}, time.Time{}, false
	}
	switch m[2] {
	case "hours":
		from = now.Add(-time.Duration(n) * time.Hour)
	case "days":
		from = now.AddDate(0, 0, -n)
	case "weeks":
		from = now.AddDate(0, 0, -7*n)
	case "months":
		from = now.AddDate(0, -n, 0)
	}
	if now.Sub(from) > maxWindow {
		return time.Time{}, time.Time{}, false
	}
	return from, now, true
}
