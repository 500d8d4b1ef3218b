package ics

import (
	"bytes"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/cockroachdb/errors"

	appLog "nerd/internal/log"
	"nerd/internal/recurrence"
)

// Event is a VEVENT read back from an exported calendar.
type Event struct {
	UID      string
	Summary  string
	Category string
	Start    time.Time
	RRule    string
}

// Parse reads an iCalendar payload. Events without UID or DTSTART are
// logged and skipped. DTSTART values carrying a TZID keep that zone.
func Parse(body []byte) ([]Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse calendar")
	}

	zones := timezones(cal)
	events := make([]Event, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, zones)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "err", perr)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent, zones map[string]*time.Location) (Event, error) {
	var out Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	start, err := startAt(ve, zones)
	if err != nil {
		return out, errors.Wrapf(err, "event %s: DTSTART", out.UID)
	}
	out.Start = start

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyCategories); p != nil {
		out.Category = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}
	return out, nil
}

// startAt reads DTSTART. A TZID is resolved against the calendar's own
// VTIMEZONE definitions first, so zones unknown to the tz database still
// parse; other forms are left to the library.
func startAt(ve *ical.VEvent, zones map[string]*time.Location) (time.Time, error) {
	prop := ve.GetProperty(ical.ComponentPropertyDtStart)
	if prop == nil {
		return ve.GetStartAt()
	}
	ids := prop.ICalParameters[string(ical.ParameterTzid)]
	if len(ids) != 1 {
		return ve.GetStartAt()
	}
	loc, ok := zones[ids[0]]
	if !ok {
		return ve.GetStartAt()
	}
	return time.ParseInLocation(localStamp, prop.Value, loc)
}

// timezones maps each VTIMEZONE TZID to a location: the tz database zone
// when the id names one, else a fixed zone at the first TZOFFSETTO.
func timezones(cal *ical.Calendar) map[string]*time.Location {
	zones := map[string]*time.Location{}
	for _, tz := range cal.Timezones() {
		p := tz.GetProperty(ical.ComponentPropertyTzid)
		if p == nil || p.Value == "" {
			continue
		}
		id := p.Value
		if loc, err := time.LoadLocation(id); err == nil {
			zones[id] = loc
			continue
		}
		for _, sub := range tz.SubComponents() {
			std, ok := sub.(*ical.Standard)
			if !ok {
				continue
			}
			off := std.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto))
			if off == nil {
				continue
			}
			if sec, err := parseOffset(off.Value); err == nil {
				zones[id] = time.FixedZone(id, sec)
				break
			}
		}
	}
	return zones
}

// parseOffset reads a UTC-OFFSET ("+0700", "-0330", "+053000") as seconds.
func parseOffset(v string) (int, error) {
	if len(v) != 5 && len(v) != 7 {
		return 0, errors.Newf("bad UTC offset %q", v)
	}
	sign := 1
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, errors.Newf("bad UTC offset %q", v)
	}
	n, err := strconv.Atoi(v[1:])
	if err != nil {
		return 0, errors.Wrapf(err, "bad UTC offset %q", v)
	}
	if len(v) == 5 {
		n *= 100
	}
	return sign * (n/10000*3600 + n/100%100*60 + n%100), nil
}

// Occurrences expands the event with g: the rule from Start when the event
// recurs, otherwise just Start in g's location.
func (e Event) Occurrences(g recurrence.Generator) ([]time.Time, error) {
	if e.RRule == "" {
		loc := g.Location
		if loc == nil {
			loc = e.Start.Location()
		}
		return []time.Time{e.Start.In(loc)}, nil
	}
	return g.Occurrences(e.RRule, e.Start)
}
