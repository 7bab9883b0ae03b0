package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/slaflow/internal/runtime/events"
)

func f(v float64) *float64 { return &v }

func TestFromViolationUsesActualDistance(t *testing.T) {
	fv := FromViolation(events.ViolationEvent{
		EventType: events.ViolationEventType,
		Rule:      "distanceKm_over_threshold",
		Field:     events.FieldDistanceKm,
		Threshold: 20,
		Actual:    25,
		City:      "Chicago",
		Timestamp: "2024-03-15T18:20:00Z",
	})

	assert.Equal(t, 25.0, fv.DistanceKm)
	assert.Equal(t, "Clear", fv.Weather)
	assert.Equal(t, "Medium", fv.Traffic)
	assert.Equal(t, "Chicago", fv.Area)
	assert.Equal(t, 18, fv.Hour)
	// 2024-03-15 is a Friday
	assert.Equal(t, 4, fv.Weekday)
}

func TestFromViolationTimeRuleUsesPlaceholderDistance(t *testing.T) {
	fv := FromViolation(events.ViolationEvent{Field: events.FieldTimeTakenMin, Actual: 45})
	assert.Equal(t, DefaultDistanceKm, fv.DistanceKm)
}

func TestDeriveIsTotal(t *testing.T) {
	for _, ts := range []string{"", "yesterday", "2024-13-45T99:00:00Z", "   "} {
		fv := Derive(Input{Timestamp: ts})
		assert.Equal(t, 12, fv.Hour, ts)
		assert.Equal(t, 3, fv.Weekday, ts)
		assert.Equal(t, "Unknown", fv.Area, ts)
		assert.NoError(t, fv.Validate(), ts)
	}
}

func TestTimeFeaturesLayouts(t *testing.T) {
	cases := []struct {
		ts      string
		hour    int
		weekday int
	}{
		{"2024-03-17T23:59:59Z", 23, 6},
		{"2024-03-18T00:00:00+02:00", 0, 0},
		{"2024-03-18T07:30:00.123456", 7, 0},
		{"2024-03-20 14:05:00", 14, 2},
		{"2024-03-21", 0, 3},
		{"2024-03-16T10:00:00.5-05:00", 10, 5},
		// str(datetime) of a timezone-aware column
		{"2024-03-06 14:30:00+01:00", 14, 2},
		{"2024-03-06 14:30:00.250000+01:00", 14, 2},
		{"2024-03-06 14:30:00Z", 14, 2},
		{"2024-03-06T14:30:00+0100", 14, 2},
		{"2024-03-06 14:30:00-0530", 14, 2},
		{"2024-03-06T14:30", 14, 2},
		{"2024-03-06 14:30", 14, 2},
		{"2024-03-06T14:30+01:00", 14, 2},
		{"2024-03-06T14:30-0800", 14, 2},
	}
	for _, c := range cases {
		hour, weekday := TimeFeatures(c.ts)
		assert.Equal(t, c.hour, hour, c.ts)
		assert.Equal(t, c.weekday, weekday, c.ts)
	}
}

func TestParseTimestampKeepsOffset(t *testing.T) {
	ts, ok := ParseTimestamp("2024-03-06 23:30:00+01:00")
	assert.True(t, ok)
	_, offset := ts.Zone()
	assert.Equal(t, 3600, offset)
	assert.Equal(t, time.Date(2024, 3, 6, 22, 30, 0, 0, time.UTC), ts.UTC())
}

func TestMondayFirst(t *testing.T) {
	assert.Equal(t, 0, MondayFirst(time.Monday))
	assert.Equal(t, 2, MondayFirst(time.Wednesday))
	assert.Equal(t, 6, MondayFirst(time.Sunday))
}

func TestFromRecord(t *testing.T) {
	fv := FromRecord(events.DeliveryRecord{
		ID:                "d",
		City:              "Metropolitian",
		Weather:           "Fog",
		Traffic:           "Jam",
		DistanceKm:        f(7.5),
		DeliveryTimestamp: "2024-03-15T09:00:00Z",
	})
	assert.Equal(t, events.FeatureVector{Area: "Metropolitian", Weather: "Fog", Traffic: "Jam", DistanceKm: 7.5, Hour: 9, Weekday: 4}, fv)

	fv = FromRecord(events.DeliveryRecord{ID: "d", DistanceKm: f(math.Inf(1))})
	assert.Equal(t, DefaultDistanceKm, fv.DistanceKm)
	assert.Equal(t, DefaultWeather, fv.Weather)
}
