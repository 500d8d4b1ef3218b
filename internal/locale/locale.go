// Package locale identifies the language tables used by temporal resolution
// and recurrence detection, and folds text into the form those tables match.
package locale

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Locale is a short language identifier ("vi", "en").
type Locale string

const (
	Vietnamese Locale = "vi"
	English    Locale = "en"

	Default = Vietnamese
)

// Parse validates a locale identifier. Empty input yields Default.
func Parse(s string) (Locale, error) {
	switch l := Locale(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return Default, nil
	case Vietnamese, English:
		return l, nil
	default:
		return "", fmt.Errorf("locale: unsupported locale %q", s)
	}
}

func (l Locale) tag() language.Tag {
	if l == English {
		return language.English
	}
	return language.Vietnamese
}

// Normalize returns text in Unicode NFC with runs of whitespace collapsed to
// single spaces. Case is kept.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Fold normalizes text and lower-cases it with the locale's casing rules.
// Pattern tables are written against folded text.
func (l Locale) Fold(text string) string {
	return cases.Lower(l.tag()).String(Normalize(text))
}
