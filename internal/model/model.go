package model

import "time"

// Entity types that carry temporal meaning and therefore go through
// temporal resolution.
const (
	TypeTime = "TIME"
	TypeDate = "DATE"
)

// IsTemporalType reports whether entities of type t are resolved to instants.
func IsTemporalType(t string) bool {
	return t == TypeTime || t == TypeDate
}

// Token is one labeled unit produced by the labeling collaborator.
type Token struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// RawSpan is a decoded but not yet cleaned entity span. StartIndex and
// EndIndex are token positions, not character offsets.
type RawSpan struct {
	Text       string
	Type       string
	Confidence float64
	StartIndex int
	EndIndex   int
}

// Extracted is the closed set of values an extraction can yield:
// Entity, TemporalEntity or RecurringEntity.
type Extracted interface {
	// Base returns the plain entity fields shared by every variant.
	Base() Entity
	isExtracted()
}

// Entity is a cleaned, user-facing span. TIME/DATE entities whose text could
// not be resolved are returned as plain Entity values.
type Entity struct {
	Text       string
	Type       string
	Confidence float64
	StartIndex int
	EndIndex   int
}

func (e Entity) Base() Entity { return e }
func (Entity) isExtracted()   {}

// TemporalEntity is a TIME/DATE entity resolved to an absolute instant.
// NormalizedTime is always in the configured timezone.
type TemporalEntity struct {
	Entity
	NormalizedTime time.Time
}

// TimestampSeconds returns the Unix timestamp of the normalized instant.
func (t TemporalEntity) TimestampSeconds() int64 {
	return t.NormalizedTime.Unix()
}

func (t TemporalEntity) Base() Entity { return t.Entity }
func (TemporalEntity) isExtracted()   {}

// RecurringEntity is a resolved temporal entity whose text also describes a
// repeating schedule.
type RecurringEntity struct {
	TemporalEntity
	Recurrence Recurrence
}

func (r RecurringEntity) Base() Entity { return r.Entity }
func (RecurringEntity) isExtracted()   {}

// Frequency is the repeat unit of a recurrence. The zero value is invalid.
type Frequency int

const (
	FrequencyUnknown Frequency = iota
	Daily
	Weekly
	Monthly
	Yearly
)

// String returns the lower-case name used in API responses ("weekly").
func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Yearly:
		return "yearly"
	default:
		return "unknown"
	}
}

// Weekday is an ISO weekday, Monday first. The zero value means "none".
type Weekday int

const (
	NoWeekday Weekday = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayCodes = [...]string{"", "MO", "TU", "WE", "TH", "FR", "SA", "SU"}

// Code returns the RFC 5545 two-letter weekday code, or "" for NoWeekday.
func (w Weekday) Code() string {
	if w < NoWeekday || w > Sunday {
		return ""
	}
	return weekdayCodes[w]
}

// Descriptor is the transient result of recurrence detection.
type Descriptor struct {
	Frequency Frequency
	Weekday   Weekday
}

// Recurrence is attached to a RecurringEntity. NextOccurrences is always
// computed from Rule.
type Recurrence struct {
	Type            string
	Rule            string
	NextOccurrences []time.Time
}
