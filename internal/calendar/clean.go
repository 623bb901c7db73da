package calendar

import (
	"regexp"
	"strings"

	"plated/internal/cache"
)

// maxCleanPasses bounds the fixed-point loop in CleanTitle.
const maxCleanPasses = 16

const (
	sepClass  = `[-–—|:·•,(]`
	platforms = `(?:resy|opentable|open\s+table|tock|sevenrooms|seven\s+rooms|yelp|thefork|the\s+fork|bookatable)`
	meals     = `(?:dinner|lunch|brunch|breakfast|drinks|supper)`
	months    = `(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?`
	weekdays  = `(?:mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)[a-z]*\.?`
)

func rule(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}

// titleRules strip booking noise from event titles. Order matters: a rule
// may expose text for a later one, so CleanTitle applies them until nothing
// changes.
var titleRules = []*regexp.Regexp{
	// prefixes
	rule(`^table\s+for\s+\d+\s+(?:at|@)\s+`),
	rule(`^(?:your\s+|confirmed\s+|upcoming\s+)?(?:reservations?|booking|table|res)\b\s*(?:at|@|for|with)\s+`),
	rule(`^` + platforms + `\s*(?:reservation|booking)?\s*[-–—|:·•]\s*`),
	rule(`^` + meals + `\s+with\s+[^@]+?\s+(?:at|@)\s+`),
	rule(`^(?:` + meals + `|meal|dining)\s+(?:at|@)\s+`),
	rule(`^` + meals + `\s*[-–—|:·•]\s*`),
	rule(`^(?:your\s+|confirmed\s+|upcoming\s+)?(?:reservation|booking|table)\s*(?:confirmed)?\s*[-–—|:·•]\s*`),
	rule(`^(?:confirmed|upcoming|reminder)\s*[-–—|:·•]\s*`),

	// suffixes
	rule(`\s*` + sepClass + `?\s*(?:for\s+)?\d+\s*(?:people|persons?|guests?|ppl|pax|covers|adults)\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*(?:party|table)\s+(?:of|for)\s+\d+\s*\)?\s*$`),
	rule(`\s*(?:` + sepClass + `\s*|\s+(?:via|on|through|thru|from|by)\s+)` + platforms + `\s*(?:reservation|booking)?\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*\b(?:confirmation|conf\.?)(?:\s*(?:#|no\.?|number|code))?\s*[:#]?\s*[a-z0-9-]*\d[a-z0-9-]*\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*#\s*[a-z0-9-]{3,}\s*\)?\s*$`),
	rule(`\s*[-–—|:·•,@(]?\s*(?:at\s+|@\s*)?\d{1,2}(?::\d{2})?\s*(?:am|pm|a\.m\.|p\.m\.)\s*\)?\s*$`),
	rule(`\s*[-–—|:·•,@(]?\s*(?:at\s+|@\s*)?\d{1,2}:\d{2}\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*(?:on\s+)?\d{1,4}[/.-]\d{1,2}(?:[/.-]\d{1,4})?\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*(?:on\s+)?(?:` + weekdays + `,?\s*)?` + months + `\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s*\d{4})?\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*(?:on\s+)?(?:` + weekdays + `,?\s*)?\d{1,2}(?:st|nd|rd|th)?\s+` + months + `(?:,?\s*\d{4})?\s*\)?\s*$`),
	rule(`\s*` + sepClass + `\s*` + weekdays + `\s*\)?\s*$`),
	rule(`\s+(?:with|w/|w\.)\s+[^-–—|@]+$`),
	rule(`\s*` + sepClass + `?\s*\b` + meals + `\s*\)?\s*$`),
	rule(`\s*` + sepClass + `?\s*\b(?:reservations?|booking|reserved|confirmed)\s*\)?\s*$`),
}

var (
	dashRun   = regexp.MustCompile(`\s*[–—―]+\s*|\s+-+\s+`)
	edgeNoise = "-–—|:,·• \t"
)

// CleanTitle reduces a reservation-style event title to the venue name.
// "Reservation at Le Bernardin - 2 people" becomes "Le Bernardin". A rule
// that would erase the whole title is skipped.
func CleanTitle(title string) string {
	s := strings.TrimSpace(title)

	for pass := 0; pass < maxCleanPasses; pass++ {
		before := s
		for _, r := range titleRules {
			next := strings.Trim(r.ReplaceAllString(s, ""), edgeNoise)
			if next != "" {
				s = next
			}
		}
		if s == before {
			break
		}
	}

	s = dashRun.ReplaceAllString(s, " - ")
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, edgeNoise)
}

// Cleaner memoizes CleanTitle.
type Cleaner struct {
	memo *cache.TTL[string, string]
}

// NewCleaner returns a cleaner backed by memo. A nil memo disables caching.
func NewCleaner(memo *cache.TTL[string, string]) *Cleaner {
	return &Cleaner{memo: memo}
}

// Clean returns CleanTitle(title), computed once per distinct title while
// the memo holds it.
func (c *Cleaner) Clean(title string) string {
	if c == nil || c.memo == nil {
		return CleanTitle(title)
	}
	return c.memo.GetOrCompute(title, CleanTitle)
}
