// Package temporal resolves TIME/DATE entity text to absolute instants.
//
// Resolution order, first match wins:
//  1. relative-day keywords ("ngày mai", "next month")
//  2. clock time ("15h30", "9:05") on the reference date
//  3. numeric date ("25/12/2023", "25 tháng 12") keeping the reference time of day
//  4. fuzzy date/time parse of the text
//
// All instants are expressed in the resolver's location and truncated to
// whole seconds. Unresolvable text is not an error: the entity is returned
// unchanged.
package temporal

import (
	"regexp"
	"strconv"
	"time"

	"nerd/internal/locale"
	appLog "nerd/internal/log"
	"nerd/internal/model"
)

// Step names the resolution step that produced an instant.
type Step string

const (
	StepRelative Step = "relative"
	StepClock    Step = "clock"
	StepDate     Step = "date"
	StepFuzzy    Step = "fuzzy"
)

// KeepsTimeOfDay reports whether instants from this step carry the reference
// time of day, so they change from one request to the next.
func (s Step) KeepsTimeOfDay() bool {
	return s == StepRelative || s == StepDate
}

// Resolver is safe for concurrent use; it holds only immutable tables.
type Resolver struct {
	locale locale.Locale
	loc    *time.Location
	table  *table
}

// NewResolver builds a resolver for the given locale. A nil location means UTC.
func NewResolver(l locale.Locale, loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{locale: l, loc: loc, table: tableFor(l)}
}

// Location returns the timezone instants are expressed in.
func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve augments a TIME/DATE entity with its instant. Other types, and
// text that cannot be resolved, come back as the plain entity.
func (r *Resolver) Resolve(e model.Entity, now time.Time) model.Extracted {
	x, _ := r.ResolveStep(e, now)
	return x
}

// ResolveStep is Resolve that also names the step used. The step is empty
// when nothing was resolved.
func (r *Resolver) ResolveStep(e model.Entity, now time.Time) (model.Extracted, Step) {
	if !model.IsTemporalType(e.Type) {
		return e, ""
	}
	t, step, ok := r.ResolveText(e.Text, now)
	if !ok {
		appLog.Debug("temporal: unresolved", "text", e.Text, "type", e.Type)
		return e, ""
	}
	appLog.Debug("temporal: resolved", "text", e.Text, "step", string(step), "time", t.Format(time.RFC3339))
	return model.TemporalEntity{Entity: e, NormalizedTime: t}, step
}

// ResolveText runs the resolution steps over text relative to now.
func (r *Resolver) ResolveText(text string, now time.Time) (time.Time, Step, bool) {
	now = now.In(r.loc)
	folded := r.locale.Fold(text)
	if folded == "" {
		return time.Time{}, "", false
	}

	for _, rule := range r.table.relative {
		if rule.pattern.MatchString(folded) {
			t := now.AddDate(0, 0, rule.days)
			if rule.months != 0 {
				t = AddMonths(t, rule.months)
			}
			return r.finish(t), StepRelative, true
		}
	}

	if t, ok := r.matchClock(folded, now); ok {
		return r.finish(t), StepClock, true
	}
	if t, ok := r.matchDate(folded, now); ok {
		return r.finish(t), StepDate, true
	}
	if t, ok := fuzzyParse(locale.Normalize(text), r.loc); ok {
		return r.finish(t), StepFuzzy, true
	}
	return time.Time{}, "", false
}

func (r *Resolver) finish(t time.Time) time.Time {
	return t.In(r.loc).Truncate(time.Second)
}

func (r *Resolver) matchClock(text string, now time.Time) (time.Time, bool) {
	for _, re := range r.table.clock {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			hour, ok := group(re, m, "h")
			if !ok {
				continue
			}
			minute, _ := group(re, m, "m")
			switch ampm := groupText(re, m, "ampm"); ampm {
			case "am", "pm":
				if hour < 1 || hour > 12 {
					continue
				}
				hour %= 12
				if ampm == "pm" {
					hour += 12
				}
			}
			if hour > 23 || minute > 59 {
				continue
			}
			return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, r.loc), true
		}
	}
	return time.Time{}, false
}

func (r *Resolver) matchDate(text string, now time.Time) (time.Time, bool) {
	for _, re := range r.table.date {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			day, ok1 := group(re, m, "d")
			month, ok2 := group(re, m, "mo")
			if !ok1 || !ok2 {
				continue
			}
			year, ok := group(re, m, "y")
			if !ok {
				year = now.Year()
			} else if year < 100 {
				year += 2000
			}
			if !validDate(year, month, day) {
				continue
			}
			return time.Date(year, time.Month(month), day, now.Hour(), now.Minute(), now.Second(), 0, r.loc), true
		}
	}
	return time.Time{}, false
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	return day <= daysIn(year, time.Month(month))
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths moves t by n calendar months keeping the day of month, clamped to
// the last day of the target month (Jan 31 + 1 month = Feb 28/29). Time of
// day and location are kept.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func group(re *regexp.Regexp, m []string, name string) (int, bool) {
	s := groupText(re, m, name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func groupText(re *regexp.Regexp, m []string, name string) string {
	i := re.SubexpIndex(name)
	if i < 0 || i >= len(m) {
		return ""
	}
	return m[i]
}
