package calendar

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minSubstringLen keeps one- and two-letter strings from substring-matching
// everything.
const minSubstringLen = 3

// StopWords are generic restaurant-type terms and articles that never count
// as significant words in a fuzzy match.
var StopWords = map[string]bool{
	"the": true, "and": true, "at": true, "of": true, "on": true, "in": true,
	"le": true, "la": true, "les": true, "el": true, "il": true, "lo": true,
	"de": true, "du": true, "des": true, "da": true, "di": true, "del": true, "y": true, "et": true,
	"restaurant": true, "restaurants": true, "ristorante": true, "restaurante": true,
	"cafe": true, "caffe": true, "coffee": true, "bar": true, "grill": true, "kitchen": true,
	"bistro": true, "brasserie": true, "trattoria": true, "osteria": true, "pizzeria": true,
	"taqueria": true, "tavern": true, "diner": true, "eatery": true, "house": true,
	"room": true, "lounge": true, "pub": true, "steakhouse": true, "cantina": true,
	"bakery": true, "izakaya": true, "bbq": true, "co": true,
}

var letterFolds = strings.NewReplacer(
	"ø", "o", "æ", "ae", "œ", "oe", "ß", "ss", "ł", "l", "đ", "d", "ð", "d", "þ", "th", "ı", "i",
)

var punctuationFolds = strings.NewReplacer(
	"’", "'", "‘", "'", "`", "'", "´", "'", "′", "'",
	"“", `"`, "”", `"`, "„", `"`, "″", `"`,
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-", "−", "-",
	"&", " and ",
)

var possessive = regexp.MustCompile(`'s([^\p{L}\p{N}]|$)`)

// Normalize folds a name for comparison: lowercase, no diacritics, no emoji,
// uniform quotes and dashes, "&" spelled out, possessive 's dropped, every
// other non-alphanumeric rune turned into a space, whitespace collapsed.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.ToLower(s)

	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}
	s = letterFolds.Replace(s)
	s = stripEmoji(s)
	s = punctuationFolds.Replace(s)
	s = possessive.ReplaceAllString(s, "$1")

	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)

	return strings.Join(strings.Fields(s), " ")
}

func stripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '‍', r >= '︀' && r <= '️':
			return -1
		case unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r), unicode.Is(unicode.Cs, r):
			return -1
		case r >= 0x1f000 && r <= 0x1faff:
			return -1
		}
		return r
	}, s)
}

// SignificantWords returns the words of a normalized string that carry
// meaning for matching: longer than one rune and not a stop word.
func SignificantWords(normalized string) []string {
	var out []string
	for _, w := range strings.Fields(normalized) {
		if len([]rune(w)) <= 1 || StopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// IsFuzzyMatch reports whether two names refer to the same place: equal
// after normalization, one contained in the other, or every significant
// word of the shorter present in the longer. The relation is symmetric.
func IsFuzzyMatch(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if containsName(na, nb) || containsName(nb, na) {
		return true
	}

	switch {
	case len(na) < len(nb):
		return wordsCovered(na, nb)
	case len(nb) < len(na):
		return wordsCovered(nb, na)
	default:
		return wordsCovered(na, nb) || wordsCovered(nb, na)
	}
}

func containsName(long, short string) bool {
	return len([]rune(short)) >= minSubstringLen && strings.Contains(long, short)
}

func wordsCovered(short, long string) bool {
	sig := SignificantWords(short)
	if len(sig) == 0 {
		return false
	}
	have := make(map[string]bool)
	for _, w := range strings.Fields(long) {
		have[w] = true
	}
	for _, w := range sig {
		if !have[w] {
			return false
		}
	}
	return true
}
