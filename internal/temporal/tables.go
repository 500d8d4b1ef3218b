package temporal

import (
	"regexp"

	"nerd/internal/locale"
)

// relativeRule shifts the reference instant by a fixed number of days or
// calendar months.
type relativeRule struct {
	name    string
	pattern *regexp.Regexp
	days    int
	months  int
}

// table holds the per-locale patterns. Clock and date patterns use the named
// groups h, m, ampm (clock) and d, mo, y (date).
type table struct {
	relative []relativeRule
	clock    []*regexp.Regexp
	date     []*regexp.Regexp
}

// isoDate is tried before D/M so "2024-01-05" is not read as 24/01/2005.
var isoDate = regexp.MustCompile(`(?P<y>\d{4})-(?P<mo>\d{1,2})-(?P<d>\d{1,2})`)

var tables = map[locale.Locale]*table{
	locale.Vietnamese: {
		// Order matters: first match wins.
		relative: []relativeRule{
			{name: "today", pattern: regexp.MustCompile(`hôm nay|ngày này`)},
			{name: "tomorrow", pattern: regexp.MustCompile(`ngày mai|hôm sau`), days: 1},
			{name: "day_after_tomorrow", pattern: regexp.MustCompile(`ngày kia|ngày mốt`), days: 2},
			{name: "yesterday", pattern: regexp.MustCompile(`hôm qua`), days: -1},
			{name: "day_before_yesterday", pattern: regexp.MustCompile(`hôm kia`), days: -2},
			{name: "next_week", pattern: regexp.MustCompile(`tuần sau|tuần tới`), days: 7},
			{name: "next_month", pattern: regexp.MustCompile(`tháng sau|tháng tới`), months: 1},
		},
		clock: []*regexp.Regexp{
			// "h" must not run into a word: "thứ 2 hàng tuần" is not 02:00.
			regexp.MustCompile(`(?P<h>\d{1,2})\s*(?:giờ|h|:)(?:\s*(?P<m>\d{1,2})|$|[^\p{L}])`),
		},
		date: []*regexp.Regexp{
			isoDate,
			regexp.MustCompile(`(?P<d>\d{1,2})[/.-](?P<mo>\d{1,2})(?:[/.-](?P<y>\d{4}|\d{2}))?`),
			regexp.MustCompile(`(?P<d>\d{1,2})\s+tháng\s+(?P<mo>\d{1,2})(?:\s+năm\s+(?P<y>\d{4}))?`),
		},
	},
	locale.English: {
		relative: []relativeRule{
			{name: "today", pattern: regexp.MustCompile(`\b(?:today|tonight)\b`)},
			{name: "day_after_tomorrow", pattern: regexp.MustCompile(`\bday after tomorrow\b`), days: 2},
			{name: "tomorrow", pattern: regexp.MustCompile(`\btomorrow\b`), days: 1},
			{name: "yesterday", pattern: regexp.MustCompile(`\byesterday\b`), days: -1},
			{name: "next_week", pattern: regexp.MustCompile(`\bnext week\b`), days: 7},
			{name: "next_month", pattern: regexp.MustCompile(`\bnext month\b`), months: 1},
		},
		clock: []*regexp.Regexp{
			regexp.MustCompile(`\b(?P<h>\d{1,2})(?::(?P<m>\d{2}))?\s*(?P<ampm>am|pm)\b`),
			regexp.MustCompile(`\b(?P<h>\d{1,2})(?:h|:)(?P<m>\d{2})\b`),
		},
		date: []*regexp.Regexp{
			isoDate,
			regexp.MustCompile(`\b(?P<d>\d{1,2})[/.-](?P<mo>\d{1,2})(?:[/.-](?P<y>\d{4}|\d{2}))?\b`),
		},
	},
}

func tableFor(l locale.Locale) *table {
	if t, ok := tables[l]; ok {
		return t
	}
	return tables[locale.Default]
}
