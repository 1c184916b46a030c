package commands

import (
	"time"

	"github.com/dustin/go-humanize"
)

const timeRounding = 10 * time.Millisecond

// formatBytes renders a size in binary units, with "-" for unknown.
func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
