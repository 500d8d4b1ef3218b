package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"nerd/internal/locale"
	"nerd/internal/model"
)

var ict = time.FixedZone("ICT", 7*3600)

func TestDetectVietnamese(t *testing.T) {
	d := NewDetector(locale.Vietnamese)

	tests := []struct {
		text string
		want model.Descriptor
		ok   bool
	}{
		{"mỗi tuần vào thứ sáu", model.Descriptor{Frequency: model.Weekly, Weekday: model.Friday}, true},
		{"Hàng ngày lúc 7h", model.Descriptor{Frequency: model.Daily}, true},
		{"mỗi tháng", model.Descriptor{Frequency: model.Monthly}, true},
		{"hàng năm", model.Descriptor{Frequency: model.Yearly}, true},
		{"mỗi thứ năm", model.Descriptor{Frequency: model.Weekly, Weekday: model.Thursday}, true},
		{"9h chủ nhật hàng tuần", model.Descriptor{Frequency: model.Weekly, Weekday: model.Sunday}, true},
		{"hàng ngày trừ thứ 2", model.Descriptor{Frequency: model.Daily, Weekday: model.Monday}, true},
		{"ngày mai", model.Descriptor{}, false},
		{"thứ sáu", model.Descriptor{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := d.Detect(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectEnglish(t *testing.T) {
	d := NewDetector(locale.English)

	got, ok := d.Detect("Every week on Tuesdays")
	require.True(t, ok)
	assert.Equal(t, model.Descriptor{Frequency: model.Weekly, Weekday: model.Tuesday}, got)

	got, ok = d.Detect("every friday at noon")
	require.True(t, ok)
	assert.Equal(t, model.Descriptor{Frequency: model.Weekly, Weekday: model.Friday}, got)

	got, ok = d.Detect("daily standup")
	require.True(t, ok)
	assert.Equal(t, model.Descriptor{Frequency: model.Daily}, got)

	_, ok = d.Detect("next friday")
	assert.False(t, ok)
}

func TestDetectFirstFrequencyWins(t *testing.T) {
	d := NewDetector(locale.Vietnamese)

	got, ok := d.Detect("hàng ngày và mỗi tháng")
	require.True(t, ok)
	assert.Equal(t, model.Daily, got.Frequency)
}

func TestRule(t *testing.T) {
	tests := []struct {
		desc model.Descriptor
		want string
	}{
		{model.Descriptor{Frequency: model.Daily}, "FREQ=DAILY"},
		{model.Descriptor{Frequency: model.Weekly, Weekday: model.Friday}, "FREQ=WEEKLY;BYDAY=FR"},
		{model.Descriptor{Frequency: model.Monthly, Weekday: model.Monday}, "FREQ=MONTHLY;BYDAY=MO"},
		{model.Descriptor{Frequency: model.Yearly}, "FREQ=YEARLY"},
	}
	for _, tt := range tests {
		got, err := Rule(tt.desc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)

		// Any RFC 5545 engine must accept it.
		_, err = rrule.StrToRRule(got)
		assert.NoError(t, err)
	}

	_, err := Rule(model.Descriptor{Weekday: model.Friday})
	assert.ErrorIs(t, err, errNoFrequency)

	_, err = Rule(model.Descriptor{Frequency: model.Daily, Weekday: model.Weekday(42)})
	assert.ErrorIs(t, err, errBadWeekday)
}

func TestGenerateWeeklyFriday(t *testing.T) {
	anchor := time.Date(2024, 1, 5, 15, 0, 0, 0, ict)
	g := Generator{Location: ict}

	rec, err := g.Generate(model.Descriptor{Frequency: model.Weekly, Weekday: model.Friday}, anchor)
	require.NoError(t, err)

	assert.Equal(t, "weekly", rec.Type)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=FR", rec.Rule)
	require.Len(t, rec.NextOccurrences, DefaultOccurrences)
	assert.True(t, anchor.Equal(rec.NextOccurrences[0]))

	want := []string{
		"2024-01-05T15:00:00+07:00",
		"2024-01-12T15:00:00+07:00",
		"2024-01-19T15:00:00+07:00",
		"2024-01-26T15:00:00+07:00",
		"2024-02-02T15:00:00+07:00",
	}
	for i, occ := range rec.NextOccurrences {
		assert.Equal(t, want[i], occ.Format(time.RFC3339))
	}
}

func TestGenerateWeekdayAfterAnchor(t *testing.T) {
	// Monday anchor, Friday rule: first occurrence is the following Friday.
	anchor := time.Date(2024, 1, 1, 9, 30, 0, 0, ict)
	rec, err := Generator{Location: ict, Count: 2}.Generate(model.Descriptor{Frequency: model.Weekly, Weekday: model.Friday}, anchor)
	require.NoError(t, err)

	require.Len(t, rec.NextOccurrences, 2)
	assert.Equal(t, "2024-01-05T09:30:00+07:00", rec.NextOccurrences[0].Format(time.RFC3339))
}

func TestGenerateOrderingAndDeterminism(t *testing.T) {
	anchor := time.Date(2024, 1, 31, 8, 0, 0, 0, ict)
	descs := []model.Descriptor{
		{Frequency: model.Daily},
		{Frequency: model.Weekly},
		{Frequency: model.Monthly},
		{Frequency: model.Yearly},
		{Frequency: model.Monthly, Weekday: model.Sunday},
		{Frequency: model.Daily, Weekday: model.Wednesday},
	}

	g := Generator{Location: time.UTC, Count: 7}
	for _, desc := range descs {
		first, err := g.Generate(desc, anchor)
		require.NoError(t, err)
		second, err := g.Generate(desc, anchor)
		require.NoError(t, err)

		assert.Equal(t, first.Rule, second.Rule)
		require.Len(t, first.NextOccurrences, 7)
		for i, occ := range first.NextOccurrences {
			assert.True(t, occ.Equal(second.NextOccurrences[i]))
			assert.Equal(t, time.UTC, occ.Location())
			assert.False(t, occ.Before(anchor), "%s occurrence %v before anchor", first.Rule, occ)
			if i > 0 {
				assert.True(t, occ.After(first.NextOccurrences[i-1]), "%s not strictly increasing", first.Rule)
			}
		}
	}
}

func TestGenerateTruncatesAnchor(t *testing.T) {
	anchor := time.Date(2024, 1, 5, 15, 0, 0, 750_000_000, ict)
	rec, err := Generator{}.Generate(model.Descriptor{Frequency: model.Daily}, anchor)
	require.NoError(t, err)
	assert.True(t, anchor.Truncate(time.Second).Equal(rec.NextOccurrences[0]))
	assert.Equal(t, ict, rec.NextOccurrences[0].Location())
}

func TestGenerateRejectsMissingFrequency(t *testing.T) {
	rec, err := Generator{}.Generate(model.Descriptor{Weekday: model.Friday}, time.Now())
	assert.Error(t, err)
	assert.Equal(t, model.Recurrence{}, rec)
}
