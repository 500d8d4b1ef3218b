package model

import (
	"fmt"
	"time"
)

// EntityDTO is the JSON shape of an extracted entity, shared by the HTTP
// API, the gRPC JSON codec and the result cache.
type EntityDTO struct {
	Text           string         `json:"text"`
	Type           string         `json:"type"`
	Confidence     float64        `json:"confidence"`
	StartPos       int            `json:"start_pos"`
	EndPos         int            `json:"end_pos"`
	NormalizedTime string         `json:"normalized_time,omitempty"`
	Timestamp      *int64         `json:"timestamp,omitempty"`
	Recurrence     *RecurrenceDTO `json:"recurrence,omitempty"`
}

// RecurrenceDTO is the JSON shape of a Recurrence.
type RecurrenceDTO struct {
	Type            string   `json:"type"`
	RRule           string   `json:"rrule"`
	NextOccurrences []string `json:"next_occurrences"`
}

// ToDTO converts an extracted value to its wire form.
func ToDTO(x Extracted) EntityDTO {
	base := x.Base()
	dto := EntityDTO{
		Text:       base.Text,
		Type:       base.Type,
		Confidence: base.Confidence,
		StartPos:   base.StartIndex,
		EndPos:     base.EndIndex,
	}

	switch v := x.(type) {
	case TemporalEntity:
		setTemporal(&dto, v)
	case RecurringEntity:
		setTemporal(&dto, v.TemporalEntity)
		occ := make([]string, 0, len(v.Recurrence.NextOccurrences))
		for _, t := range v.Recurrence.NextOccurrences {
			occ = append(occ, t.Format(time.RFC3339))
		}
		dto.Recurrence = &RecurrenceDTO{
			Type:            v.Recurrence.Type,
			RRule:           v.Recurrence.Rule,
			NextOccurrences: occ,
		}
	}
	return dto
}

func setTemporal(dto *EntityDTO, t TemporalEntity) {
	ts := t.TimestampSeconds()
	dto.NormalizedTime = t.NormalizedTime.Format(time.RFC3339)
	dto.Timestamp = &ts
}

// ToDTOs converts a result sequence preserving order.
func ToDTOs(xs []Extracted) []EntityDTO {
	out := make([]EntityDTO, 0, len(xs))
	for _, x := range xs {
		out = append(out, ToDTO(x))
	}
	return out
}

// FromDTO rebuilds the variant encoded by dto. Instants are placed in loc.
func FromDTO(dto EntityDTO, loc *time.Location) (Extracted, error) {
	base := Entity{
		Text:       dto.Text,
		Type:       dto.Type,
		Confidence: dto.Confidence,
		StartIndex: dto.StartPos,
		EndIndex:   dto.EndPos,
	}
	if dto.NormalizedTime == "" {
		return base, nil
	}

	nt, err := time.Parse(time.RFC3339, dto.NormalizedTime)
	if err != nil {
		return nil, fmt.Errorf("model: normalized_time %q: %w", dto.NormalizedTime, err)
	}
	temporal := TemporalEntity{Entity: base, NormalizedTime: nt.In(loc)}
	if dto.Recurrence == nil {
		return temporal, nil
	}

	occ := make([]time.Time, 0, len(dto.Recurrence.NextOccurrences))
	for _, s := range dto.Recurrence.NextOccurrences {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("model: occurrence %q: %w", s, err)
		}
		occ = append(occ, t.In(loc))
	}
	return RecurringEntity{
		TemporalEntity: temporal,
		Recurrence: Recurrence{
			Type:            dto.Recurrence.Type,
			Rule:            dto.Recurrence.RRule,
			NextOccurrences: occ,
		},
	}, nil
}

// FromDTOs is the inverse of ToDTOs.
func FromDTOs(dtos []EntityDTO, loc *time.Location) ([]Extracted, error) {
	out := make([]Extracted, 0, len(dtos))
	for _, d := range dtos {
		x, err := FromDTO(d, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}
