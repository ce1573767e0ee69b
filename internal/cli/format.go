package cli

import (
	"fmt"
	"time"
)

// FormatDurationShort renders an elapsed run time as M:SS or H:MM:SS.
// Runs under a second (dry runs, nothing pending) show tenths, e.g. "0.4s".
func FormatDurationShort(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}

	total := int(d / time.Second)
	h, m, s := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
