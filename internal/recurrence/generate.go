package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"nerd/internal/model"
)

// DefaultOccurrences is how many upcoming instants Generate materializes.
const DefaultOccurrences = 5

var (
	errNoFrequency = errors.New("recurrence: descriptor has no frequency")
	errBadWeekday  = errors.New("recurrence: descriptor has an invalid weekday")
)

var frequencyCodes = map[model.Frequency]string{
	model.Daily:   "DAILY",
	model.Weekly:  "WEEKLY",
	model.Monthly: "MONTHLY",
	model.Yearly:  "YEARLY",
}

// Generator builds rules and enumerates occurrences in a fixed location.
type Generator struct {
	// Location is the zone occurrences are expressed in. Nil means the
	// anchor's own location.
	Location *time.Location
	// Count is the number of occurrences to produce; <= 0 means
	// DefaultOccurrences.
	Count int
}

// Rule renders the canonical RRULE value for desc: FREQ, then BYDAY when a
// weekday is set. DTSTART is never part of the string.
func Rule(desc model.Descriptor) (string, error) {
	freq, ok := frequencyCodes[desc.Frequency]
	if !ok {
		return "", errNoFrequency
	}
	rule := "FREQ=" + freq
	if desc.Weekday != model.NoWeekday {
		code := desc.Weekday.Code()
		if code == "" {
			return "", errBadWeekday
		}
		rule += ";BYDAY=" + code
	}
	return rule, nil
}

// Generate produces the Recurrence for desc anchored at anchor. Any failure
// means no Recurrence at all; callers never get a partial value.
func (g Generator) Generate(desc model.Descriptor, anchor time.Time) (model.Recurrence, error) {
	rule, err := Rule(desc)
	if err != nil {
		return model.Recurrence{}, err
	}
	occ, err := g.Occurrences(rule, anchor)
	if err != nil {
		return model.Recurrence{}, err
	}
	return model.Recurrence{
		Type:            desc.Frequency.String(),
		Rule:            rule,
		NextOccurrences: occ,
	}, nil
}

// Occurrences evaluates rule from anchor and returns the first Count
// instants at or after it, strictly increasing. The anchor is truncated to
// whole seconds first.
func (g Generator) Occurrences(rule string, anchor time.Time) ([]time.Time, error) {
	count := g.Count
	if count <= 0 {
		count = DefaultOccurrences
	}
	loc := g.Location
	if loc == nil {
		loc = anchor.Location()
	}

	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("recurrence: parse %q: %w", rule, err)
	}
	// rrule-go evaluates in whole seconds in the DTSTART location.
	opt.Dtstart = anchor.In(loc).Truncate(time.Second)
	opt.Count = count

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: build %q: %w", rule, err)
	}

	all := r.All()
	out := make([]time.Time, 0, len(all))
	for _, t := range all {
		out = append(out, t.In(loc))
	}
	if len(out) != count {
		return nil, fmt.Errorf("recurrence: %q produced %d of %d occurrences", rule, len(out), count)
	}
	return out, nil
}
