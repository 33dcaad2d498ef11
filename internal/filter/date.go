package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDateRegex  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	numDateRegex  = regexp.MustCompile(`^(\d{1,2})[./](\d{1,2})[./](\d{4})`)
	textDateRegex = regexp.MustCompile(`(?i)^(\d{1,2})\.?\s+([a-zæøå]+)\.?\s+(\d{4})`)
	yearOnlyRegex = regexp.MustCompile(`\b(20\d{2})\b`)
)

var norwegianMonths = map[string]time.Month{
	"januar": time.January, "jan": time.January,
	"februar": time.February, "feb": time.February,
	"mars": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"mai":  time.May,
	"juni": time.June, "jun": time.June,
	"juli": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September,
	"oktober": time.October, "okt": time.October,
	"november": time.November, "nov": time.November,
	"desember": time.December, "des": time.December,
}

// IsRecentJob reports whether a posting date is within maxAge of now. Unknown
// formats are treated as recent.
func IsRecentJob(dateStr string, now time.Time, maxAge time.Duration) bool {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" || dateStr == "N/A" || strings.EqualFold(dateStr, "Recent") {
		return true
	}

	// ISO "2026-01-27" or 2026-01-27T...
	if isoDateRegex.MatchString(dateStr) {
		if jobDate, err := time.Parse("2006-01-02", dateStr[:10]); err == nil {
			return isWithin(now, jobDate, maxAge)
		}
	}

	// dd.mm.yyyy (FINN) or dd/mm/yyyy
	if m := numDateRegex.FindStringSubmatch(dateStr); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return isWithin(now, time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), maxAge)
	}

	// "12. mars 2026"
	if m := textDateRegex.FindStringSubmatch(dateStr); m != nil {
		if month, ok := norwegianMonths[strings.ToLower(m[2])]; ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			return isWithin(now, time.Date(year, month, day, 0, 0, 0, 0, time.UTC), maxAge)
		}
	}

	// year only fallback
	if m := yearOnlyRegex.FindStringSubmatch(dateStr); m != nil {
		year, _ := strconv.Atoi(m[1])
		return year == now.Year() || year == now.Year()-1
	}

	return true
}

func isWithin(now, jobDate time.Time, maxAge time.Duration) bool {
	diff := now.Sub(jobDate)
	if diff > maxAge {
		return false
	}
	// future dates beyond two days are bogus (timezone slack allowed)
	if diff < -2*24*time.Hour {
		return false
	}
	return true
}
