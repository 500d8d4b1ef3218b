// Package recurrence detects repeating schedules in temporal entity text and
// turns them into RFC 5545 rules with concrete upcoming occurrences.
package recurrence

import (
	"regexp"

	"nerd/internal/locale"
	"nerd/internal/model"
)

type frequencyRule struct {
	frequency model.Frequency
	pattern   *regexp.Regexp
}

type weekdayRule struct {
	weekday model.Weekday
	pattern *regexp.Regexp
}

type table struct {
	frequencies []frequencyRule
	weekdays    []weekdayRule
}

var tables = map[locale.Locale]*table{
	locale.Vietnamese: {
		frequencies: []frequencyRule{
			{model.Daily, regexp.MustCompile(`(?:mỗi|hàng)\s+ngày`)},
			{model.Weekly, regexp.MustCompile(`(?:mỗi|hàng)\s+tuần|(?:mỗi|các)\s+(?:thứ\s+(?:hai|ba|tư|năm|sáu|bảy|[2-7])|chủ\s+nhật)`)},
			{model.Monthly, regexp.MustCompile(`(?:mỗi|hàng)\s+tháng`)},
			{model.Yearly, regexp.MustCompile(`(?:mỗi|hàng)\s+năm`)},
		},
		weekdays: []weekdayRule{
			{model.Monday, regexp.MustCompile(`thứ\s+(?:hai|2)|monday`)},
			{model.Tuesday, regexp.MustCompile(`thứ\s+(?:ba|3)|tuesday`)},
			{model.Wednesday, regexp.MustCompile(`thứ\s+(?:tư|4)|wednesday`)},
			{model.Thursday, regexp.MustCompile(`thứ\s+(?:năm|5)|thursday`)},
			{model.Friday, regexp.MustCompile(`thứ\s+(?:sáu|6)|friday`)},
			{model.Saturday, regexp.MustCompile(`thứ\s+(?:bảy|7)|saturday`)},
			{model.Sunday, regexp.MustCompile(`chủ\s+nhật|sunday`)},
		},
	},
	locale.English: {
		frequencies: []frequencyRule{
			{model.Daily, regexp.MustCompile(`\b(?:every\s+day|daily)\b`)},
			{model.Weekly, regexp.MustCompile(`\b(?:every\s+week|weekly|every\s+(?:mon|tues|wednes|thurs|fri|satur|sun)day)\b`)},
			{model.Monthly, regexp.MustCompile(`\b(?:every\s+month|monthly)\b`)},
			{model.Yearly, regexp.MustCompile(`\b(?:every\s+year|yearly|annually)\b`)},
		},
		weekdays: []weekdayRule{
			{model.Monday, regexp.MustCompile(`\bmondays?\b`)},
			{model.Tuesday, regexp.MustCompile(`\btuesdays?\b`)},
			{model.Wednesday, regexp.MustCompile(`\bwednesdays?\b`)},
			{model.Thursday, regexp.MustCompile(`\bthursdays?\b`)},
			{model.Friday, regexp.MustCompile(`\bfridays?\b`)},
			{model.Saturday, regexp.MustCompile(`\bsaturdays?\b`)},
			{model.Sunday, regexp.MustCompile(`\bsundays?\b`)},
		},
	},
}

// Detector finds recurrence markers in entity text.
type Detector struct {
	locale locale.Locale
	table  *table
}

// NewDetector returns a detector for l, falling back to the default locale.
func NewDetector(l locale.Locale) *Detector {
	t, ok := tables[l]
	if !ok {
		l = locale.Default
		t = tables[l]
	}
	return &Detector{locale: l, table: t}
}

// Detect reports the recurrence encoded in text. Frequencies are tried in
// table order and the first match wins; a weekday qualifier is attached
// whenever one matches, whatever the frequency. Text with no frequency marker
// returns false without scanning weekdays.
func (d *Detector) Detect(text string) (model.Descriptor, bool) {
	folded := d.locale.Fold(text)

	var desc model.Descriptor
	for _, rule := range d.table.frequencies {
		if rule.pattern.MatchString(folded) {
			desc.Frequency = rule.frequency
			break
		}
	}
	if desc.Frequency == model.FrequencyUnknown {
		return model.Descriptor{}, false
	}

	for _, rule := range d.table.weekdays {
		if rule.pattern.MatchString(folded) {
			desc.Weekday = rule.weekday
			break
		}
	}
	return desc, true
}
