package temporal

import (
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"
)

// maxFuzzyWindow bounds the token windows tried by fuzzyParse.
const maxFuzzyWindow = 8

// fuzzyParse looks for a parseable date/time inside text: the whole text
// first, then shorter contiguous token windows, longest and leftmost first.
// Windows without a digit, or with a token mixing letters and digits
// ("qwerty123"), are skipped. Strings without a zone are read in loc.
func fuzzyParse(text string, loc *time.Location) (time.Time, bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return time.Time{}, false
	}

	maxSize := len(tokens)
	if maxSize > maxFuzzyWindow {
		maxSize = maxFuzzyWindow
	}
	for size := maxSize; size >= 1; size-- {
		for start := 0; start+size <= len(tokens); start++ {
			window := tokens[start : start+size]
			if !candidate(window) {
				continue
			}
			if t, ok := parseIn(strings.Join(window, " "), loc); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func candidate(window []string) bool {
	hasDigit := false
	for _, tok := range window {
		letters, digits := classify(tok)
		if letters && digits && !dateToken(tok) {
			return false
		}
		hasDigit = hasDigit || digits
	}
	return hasDigit
}

// dateToken accepts the few mixed tokens that are ordinary in dates:
// ISO timestamps ("2024-01-05T15:00:00Z") and ordinals ("5th").
func dateToken(tok string) bool {
	if len(tok) >= 10 && tok[4] == '-' && tok[7] == '-' {
		return true
	}
	lower := strings.ToLower(tok)
	for _, suf := range []string{"st", "nd", "rd", "th"} {
		if num, found := strings.CutSuffix(lower, suf); found {
			letters, digits := classify(num)
			return digits && !letters
		}
	}
	return false
}

func classify(s string) (letters, digits bool) {
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		}
	}
	return letters, digits
}

func parseIn(s string, loc *time.Location) (t time.Time, ok bool) {
	// dateparse has panicked on odd inputs in the past.
	defer func() {
		if recover() != nil {
			t, ok = time.Time{}, false
		}
	}()
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
