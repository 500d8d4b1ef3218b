// Package ics renders resolved temporal entities as an iCalendar document and
// reads such documents back.
package ics

import (
	"fmt"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"nerd/internal/model"
)

const (
	productID = "-//nerd//Entity Extraction//EN"
	// localStamp is a DATE-TIME without the UTC designator; its zone comes
	// from the TZID parameter.
	localStamp = "20060102T150405"
)

// uidSpace scopes event UIDs so the same entity always gets the same UID.
var uidSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:nerd:ics"))

// ExportOptions controls Export. A zero Stamp uses the current time.
type ExportOptions struct {
	Stamp time.Time
}

// Export builds one VEVENT per entity carrying a normalized instant:
// DTSTART is the instant, SUMMARY the entity text, CATEGORIES its type, and
// RRULE the recurrence rule when there is one. Plain entities are skipped.
// It returns the number of events written.
//
// DTSTART keeps the instant's own zone (TZID plus a VTIMEZONE) so BYDAY is
// evaluated on the local weekday. Only UTC instants are written with "Z".
func Export(xs []model.Extracted, opts ExportOptions) (string, int) {
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	zones := map[string]bool{}
	n := 0
	for _, x := range xs {
		var (
			te   model.TemporalEntity
			rule string
		)
		switch v := x.(type) {
		case model.TemporalEntity:
			te = v
		case model.RecurringEntity:
			te, rule = v.TemporalEntity, v.Recurrence.Rule
		default:
			continue
		}

		start := te.NormalizedTime.Truncate(time.Second)
		tzid := start.Location().String()
		if tzid != "UTC" && !zones[tzid] {
			addTimezone(cal, start)
			zones[tzid] = true
		}

		ev := cal.AddEvent(eventUID(te, rule))
		ev.SetDtStampTime(stamp)
		if tzid == "UTC" {
			ev.SetStartAt(start)
		} else {
			ev.SetProperty(ical.ComponentPropertyDtStart, start.Format(localStamp), ical.WithTZID(tzid))
		}
		ev.SetSummary(te.Text)
		ev.AddProperty(ical.ComponentPropertyCategories, te.Type)
		if rule != "" {
			ev.AddProperty(ical.ComponentPropertyRrule, rule)
		}
		n++
	}
	return cal.Serialize(), n
}

func eventUID(te model.TemporalEntity, rule string) string {
	key := te.Text + "|" + strconv.FormatInt(te.TimestampSeconds(), 10) + "|" + rule
	return uuid.NewSHA1(uidSpace, []byte(key)).String() + "@nerd"
}

// addTimezone defines t's zone with one STANDARD block at the offset in
// effect at t.
func addTimezone(cal *ical.Calendar, t time.Time) {
	abbr, _ := t.Zone()
	offset := utcOffset(t)

	std := cal.AddTimezone(t.Location().String()).AddStandard()
	std.AddProperty(ical.ComponentPropertyDtStart, "19700101T000000")
	std.AddProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom), offset)
	std.AddProperty(ical.ComponentProperty(ical.PropertyTzoffsetto), offset)
	std.AddProperty(ical.ComponentProperty(ical.PropertyTzname), abbr)
}

// utcOffset formats t's offset as RFC 5545 UTC-OFFSET, e.g. "+0700".
func utcOffset(t time.Time) string {
	_, sec := t.Zone()
	sign := '+'
	if sec < 0 {
		sign, sec = '-', -sec
	}
	return fmt.Sprintf("%c%02d%02d", sign, sec/3600, sec%3600/60)
}
