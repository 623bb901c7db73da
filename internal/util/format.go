package util

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatDateHuman formats a visit time with humanized relative display.
// "Today", "Yesterday", "3d ago", "Jan 15", "Jan 15 '24"
func FormatDateHuman(t, now time.Time) string {
	if t.IsZero() {
		return "Unknown"
	}
	t = t.In(now.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())

	days := int(today.Sub(day).Hours() / 24)

	switch {
	case days == 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days > 1 && days < 7:
		return fmt.Sprintf("%dd ago", days)
	case t.Year() == now.Year():
		return t.Format("Jan 02")
	default:
		return t.Format("Jan 02 '06")
	}
}

// FormatCount renders n with thousands separators.
func FormatCount(n int) string {
	return humanize.Comma(int64(n))
}

// FormatRate renders an items-per-second rate, e.g. "1,250/s" or "3.4/s".
func FormatRate(perSecond float64) string {
	if perSecond <= 0 || math.IsNaN(perSecond) || math.IsInf(perSecond, 0) {
		return "–"
	}
	if perSecond >= 100 {
		return humanize.Comma(int64(math.Round(perSecond))) + "/s"
	}
	return humanize.CommafWithDigits(perSecond, 1) + "/s"
}

// FormatETA renders a remaining duration compactly: "done", "45s",
// "3m 20s", "1h 05m".
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "done"
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// FormatDistance renders meters as "45 m" or "1.2 km".
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%d m", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// FormatFoodSymbol formats the food flag as symbols: ✓, ✗, or –
func FormatFoodSymbol(probable *bool) string {
	if probable == nil {
		return "–"
	}
	if *probable {
		return "✓"
	}
	return "✗"
}

// TruncateString truncates a string to maxLen and adds "..." if needed.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return string(runes[:maxLen])
	}
	return strings.TrimSpace(string(runes[:maxLen-3])) + "..."
}
