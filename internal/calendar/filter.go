package calendar

import (
	"regexp"
	"strings"

	"plated/internal/model"
)

var (
	nonReservationPattern = regexp.MustCompile(`(?i)\b(?:flight|flt|airlines?|airways|boarding|departure|departs|arrival|layover|train|amtrak|eurostar|rail|bus|greyhound|ferry|uber|lyft|taxi|cab|shuttle|car\s+rental|rental\s+car|hertz|avis|hotel|motel|check[- ]?in|check[- ]?out|airbnb|vrbo|stay\s+at|parking|terminal)\b`)
	routePattern          = regexp.MustCompile(`[→✈]|\s->\s|\b[A-Z]{3}\s*(?:-|–|to)\s*[A-Z]{3}\b`)

	reservationKeywords = regexp.MustCompile(`(?i)\b(?:reservations?|reserved|resy|opentable|open\s+table|tock|sevenrooms|booking|table\s+for|party\s+of|confirmation|(?:dinner|lunch|brunch)\s+at)\b`)

	urlPattern = regexp.MustCompile(`(?i)^(?:https?://|www\.)|\.(?:com|net|org|io|co|us)(?:/|$)|zoom\.us|meet\.google|teams\.microsoft|webex`)
)

var placeholderTitles = map[string]bool{
	"busy": true, "free": true, "event": true, "new event": true, "untitled": true,
	"untitled event": true, "no title": true, "blocked": true, "block": true, "hold": true,
	"tentative": true, "private": true, "private event": true, "appointment": true,
	"meeting": true, "reminder": true, "tbd": true, "tba": true, "ooo": true, "out of office": true,
}

// IsLikelyNonReservation reports whether an event is travel or lodging
// rather than a meal: flights, trains, rides, hotels, parking.
func IsLikelyNonReservation(e model.CalendarEventInfo) bool {
	for _, s := range []string{e.Title, e.Location} {
		if nonReservationPattern.MatchString(s) || routePattern.MatchString(s) {
			return true
		}
	}
	return false
}

// IsValidTitle reports whether a title names something, as opposed to
// being empty or a generic calendar placeholder.
func IsValidTitle(title string) bool {
	n := Normalize(title)
	if n == "" || placeholderTitles[n] {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			if r != ' ' {
				return true
			}
		}
	}
	return false
}

// HasReservationKeywords reports whether any of the texts mentions a
// booking.
func HasReservationKeywords(texts ...string) bool {
	for _, s := range texts {
		if reservationKeywords.MatchString(s) {
			return true
		}
	}
	return false
}

// LooksLikeURL reports whether a location field is a link or a video-call
// address rather than a street address.
func LooksLikeURL(location string) bool {
	return urlPattern.MatchString(strings.TrimSpace(location))
}
