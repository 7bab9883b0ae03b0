// Package features derives the fixed-shape inference input from a violation
// or a delivery record. Derivation never fails: every missing or malformed
// attribute falls back to a documented default.
package features

import (
	"math"
	"strings"
	"time"

	"github.com/drblury/slaflow/internal/runtime/events"
)

// SchemaVersion identifies the shape of events.FeatureVector.
const SchemaVersion = "v1"

// Fallback values used when an attribute cannot be derived.
const (
	DefaultArea       = "Unknown"
	DefaultWeather    = "Clear"
	DefaultTraffic    = "Medium"
	DefaultDistanceKm = 10.0
	DefaultHour       = 12
	DefaultWeekday    = 3
)

// timestampLayouts are tried in order after RFC 3339. They cover the ISO
// 8601 variants seen upstream: a space separator (Python's str(datetime)),
// basic "+0100" offsets and minute precision. Instants without an offset
// are read as UTC. Fractional seconds are accepted by every layout that
// carries seconds.
var timestampLayouts = []string{
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02 15:04Z0700",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Input is the partial data a feature vector is derived from.
type Input struct {
	Timestamp string
	City      string
	Weather   string
	Traffic   string
	// DistanceKm is nil when no trustworthy distance is known.
	DistanceKm *float64
}

// Derive builds a fully populated feature vector.
func Derive(in Input) events.FeatureVector {
	hour, weekday := TimeFeatures(in.Timestamp)
	return events.FeatureVector{
		Area:       Area(in.City),
		Weather:    orDefault(in.Weather, DefaultWeather),
		Traffic:    orDefault(in.Traffic, DefaultTraffic),
		DistanceKm: Distance(in.DistanceKm),
		Hour:       hour,
		Weekday:    weekday,
	}
}

// FromViolation derives features for a violation. Only a distanceKm
// violation carries a real distance; weather and traffic are never known.
func FromViolation(v events.ViolationEvent) events.FeatureVector {
	in := Input{Timestamp: v.Timestamp, City: v.City}
	if v.Field == events.FieldDistanceKm {
		actual := v.Actual
		in.DistanceKm = &actual
	}
	return Derive(in)
}

// FromRecord derives features from a full delivery record.
func FromRecord(r events.DeliveryRecord) events.FeatureVector {
	return Derive(Input{
		Timestamp:  r.DeliveryTimestamp,
		City:       r.City,
		Weather:    r.Weather,
		Traffic:    r.Traffic,
		DistanceKm: r.DistanceKm,
	})
}

// TimeFeatures returns hour of day and weekday (Monday=0) in the
// timestamp's own offset, or the Wednesday-noon sentinel when it cannot
// be parsed.
func TimeFeatures(ts string) (hour, weekday int) {
	t, ok := ParseTimestamp(ts)
	if !ok {
		return DefaultHour, DefaultWeekday
	}
	return t.Hour(), MondayFirst(t.Weekday())
}

// ParseTimestamp parses an RFC 3339 or ISO 8601 timestamp. The offset, when
// present, is kept so hour and weekday stay in the sender's local time.
func ParseTimestamp(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, true
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MondayFirst maps Go's Sunday=0 weekday onto the Monday=0 convention.
func MondayFirst(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// Area returns the city verbatim, or DefaultArea when empty.
func Area(city string) string {
	if strings.TrimSpace(city) == "" {
		return DefaultArea
	}
	return city
}

// Distance returns the value when present and finite, else DefaultDistanceKm.
func Distance(km *float64) float64 {
	if km == nil || math.IsNaN(*km) || math.IsInf(*km, 0) {
		return DefaultDistanceKm
	}
	return *km
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
