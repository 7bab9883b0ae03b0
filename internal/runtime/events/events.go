// Package events holds the wire schemas of every message kind the pipeline
// consumes or produces. Each kind is a distinct struct with its own
// Validate method; there is no untyped map representation.
package events

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// ViolationEventType is the fixed eventType of every violation.
	ViolationEventType = "threshold.exceeded"
	// RiskEventType is the fixed eventType of every risk event.
	RiskEventType = "analytics.risk"

	DeliveryCreated = "created"
	DeliveryUpdated = "updated"
)

// Kind names used in decode errors, metrics labels and dead letters.
const (
	KindDelivery   = "delivery"
	KindViolation  = "violation"
	KindPrediction = "prediction"
	KindRisk       = "risk"
)

// Numeric field names a rule can reference.
const (
	FieldDistanceKm   = "distanceKm"
	FieldTimeTakenMin = "timeTakenMin"
)

// DeliveryRecord is one delivery as observed by the telemetry source.
// Numeric attributes are pointers so a missing value can be told apart
// from zero.
type DeliveryRecord struct {
	ID                string   `json:"id"`
	OrderID           string   `json:"orderId,omitempty"`
	DeliveryPersonID  string   `json:"deliveryPersonId,omitempty"`
	City              string   `json:"city,omitempty"`
	Weather           string   `json:"weather,omitempty"`
	Traffic           string   `json:"traffic,omitempty"`
	DistanceKm        *float64 `json:"distanceKm,omitempty"`
	TimeTakenMin      *float64 `json:"timeTakenMin,omitempty"`
	DeliveryTimestamp string   `json:"deliveryTimestamp,omitempty"`
	DeliveryStatus    string   `json:"deliveryStatus,omitempty"`
}

// Numeric returns the value of a numeric field by its wire name. known is
// false for names the record does not have; value is nil when the field is
// known but absent.
func (r DeliveryRecord) Numeric(field string) (value *float64, known bool) {
	switch field {
	case FieldDistanceKm:
		return r.DistanceKm, true
	case FieldTimeTakenMin:
		return r.TimeTakenMin, true
	default:
		return nil, false
	}
}

func (r DeliveryRecord) Validate() error {
	if r.ID == "" {
		return errors.New("delivery id is required")
	}
	return nil
}

// DeliveryEvent is the envelope published on the raw topic.
type DeliveryEvent struct {
	EventType string          `json:"eventType,omitempty"`
	Source    string          `json:"source,omitempty"`
	Delivery  *DeliveryRecord `json:"delivery"`
}

func (e DeliveryEvent) Validate() error {
	switch e.EventType {
	case "", DeliveryCreated, DeliveryUpdated:
	default:
		return fmt.Errorf("unsupported delivery eventType %q", e.EventType)
	}
	if e.Delivery == nil {
		return errors.New("delivery is required")
	}
	return e.Delivery.Validate()
}

// ViolationEvent records one rule firing for one delivery record.
type ViolationEvent struct {
	EventType          string  `json:"eventType"`
	Rule               string  `json:"rule"`
	Field              string  `json:"field"`
	Threshold          float64 `json:"threshold"`
	Actual             float64 `json:"actual"`
	City               string  `json:"city,omitempty"`
	Timestamp          string  `json:"timestamp,omitempty"`
	OriginalDeliveryID string  `json:"originalDeliveryId,omitempty"`
	SourceID           string  `json:"sourceId"`
}

func (v ViolationEvent) Validate() error {
	var errs []error
	if v.EventType != ViolationEventType {
		errs = append(errs, fmt.Errorf("unexpected eventType %q", v.EventType))
	}
	if v.Rule == "" {
		errs = append(errs, errors.New("rule is required"))
	}
	if v.Field == "" {
		errs = append(errs, errors.New("field is required"))
	}
	if !finite(v.Threshold) || !finite(v.Actual) {
		errs = append(errs, errors.New("threshold and actual must be finite"))
	}
	return errors.Join(errs...)
}

// FeatureVector is the fixed-shape input of the inference service.
type FeatureVector struct {
	Area       string  `json:"area"`
	Weather    string  `json:"weather"`
	Traffic    string  `json:"traffic"`
	DistanceKm float64 `json:"distanceKm"`
	Hour       int     `json:"hour"`
	Weekday    int     `json:"weekday"`
}

func (f FeatureVector) Validate() error {
	var errs []error
	if f.Area == "" || f.Weather == "" || f.Traffic == "" {
		errs = append(errs, errors.New("area, weather and traffic are required"))
	}
	if !finite(f.DistanceKm) {
		errs = append(errs, errors.New("distanceKm must be finite"))
	}
	if f.Hour < 0 || f.Hour > 23 {
		errs = append(errs, fmt.Errorf("hour %d out of range", f.Hour))
	}
	if f.Weekday < 0 || f.Weekday > 6 {
		errs = append(errs, fmt.Errorf("weekday %d out of range", f.Weekday))
	}
	return errors.Join(errs...)
}

// DecisionCutoff is the probability at or above which a delivery counts as
// late when the scorer omits its own decision.
const DecisionCutoff = 0.5

// PredictionResult is the scorer's answer. A nil ThresholdMin encodes as
// null so the key is always present on the wire.
type PredictionResult struct {
	LateFlag     *int     `json:"late"`
	ProbaLate    float64  `json:"proba_late"`
	ThresholdMin *float64 `json:"threshold_min"`
}

// Late reports the binary decision.
func (p PredictionResult) Late() bool {
	if p.LateFlag != nil {
		return *p.LateFlag == 1
	}
	return p.ProbaLate >= DecisionCutoff
}

// Normalized returns a copy whose LateFlag carries the Late decision.
func (p PredictionResult) Normalized() PredictionResult {
	late := 0
	if p.Late() {
		late = 1
	}
	p.LateFlag = &late
	return p
}

func (p PredictionResult) Validate() error {
	if !finite(p.ProbaLate) || p.ProbaLate < 0 || p.ProbaLate > 1 {
		return fmt.Errorf("proba_late %v outside [0,1]", p.ProbaLate)
	}
	if p.LateFlag != nil && *p.LateFlag != 0 && *p.LateFlag != 1 {
		return fmt.Errorf("late flag %d is not 0 or 1", *p.LateFlag)
	}
	return nil
}

// RiskEvent is published on the risk bus for every scored violation.
type RiskEvent struct {
	EventType          string           `json:"eventType"`
	Source             string           `json:"source"`
	ViolationRule      string           `json:"violationRule"`
	ViolationField     string           `json:"violationField"`
	Threshold          float64          `json:"threshold"`
	Actual             float64          `json:"actual"`
	City               string           `json:"city"`
	FeatureSchema      string           `json:"featureSchema,omitempty"`
	Features           FeatureVector    `json:"features"`
	Prediction         PredictionResult `json:"prediction"`
	OriginalDeliveryID string           `json:"originalDeliveryId,omitempty"`
	TS                 int64            `json:"ts"`
}

// NewRiskEvent combines a violation with its features and score. ts is the
// publication time in epoch milliseconds. The prediction is normalized so
// late is always 0 or 1.
func NewRiskEvent(v ViolationEvent, source, schema string, fv FeatureVector, pred PredictionResult, now time.Time) RiskEvent {
	return RiskEvent{
		EventType:          RiskEventType,
		Source:             source,
		ViolationRule:      v.Rule,
		ViolationField:     v.Field,
		Threshold:          v.Threshold,
		Actual:             v.Actual,
		City:               v.City,
		FeatureSchema:      schema,
		Features:           fv,
		Prediction:         pred.Normalized(),
		OriginalDeliveryID: v.OriginalDeliveryID,
		TS:                 now.UnixMilli(),
	}
}

func (r RiskEvent) Validate() error {
	var errs []error
	if r.EventType != RiskEventType {
		errs = append(errs, fmt.Errorf("unexpected eventType %q", r.EventType))
	}
	if r.ViolationRule == "" {
		errs = append(errs, errors.New("violationRule is required"))
	}
	if err := r.Features.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := r.Prediction.Validate(); err != nil {
		errs = append(errs, err)
	}
	if r.Prediction.LateFlag == nil {
		errs = append(errs, errors.New("prediction.late is required"))
	}
	return errors.Join(errs...)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
