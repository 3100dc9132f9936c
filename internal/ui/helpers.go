package ui

import (
	"fmt"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"mediaserver/internal/download"
)

// ShortID trims a long download ID for display in the dashboard table.
// Handles UTF-8 properly by counting runes, not bytes.
func ShortID(id string) string {
	const maxLen = 8
	if utf8.RuneCountInString(id) <= maxLen {
		return id
	}

	// Truncate at rune boundary
	count := 0
	for i := range id {
		if count >= maxLen {
			return id[:i]
		}
		count++
	}
	return id
}

// Percent returns the completed share of a Record in [0,100], or -1 when the
// total size is unknown.
func Percent(r download.Record) int {
	if r.TotalBytes == nil || *r.TotalBytes <= 0 {
		return -1
	}
	p := r.BytesDownloaded * 100 / *r.TotalBytes
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

// ProgressLabel renders byte progress like "1.2 MB / 5.0 MB".
func ProgressLabel(done int64, total *int64) string {
	if done < 0 {
		done = 0
	}
	if total == nil {
		return humanize.Bytes(uint64(done))
	}
	return fmt.Sprintf("%s / %s", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(max(*total, 0))))
}

// TruncateWithEllipsis truncates text to maxRunes and appends an ellipsis when needed.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}
