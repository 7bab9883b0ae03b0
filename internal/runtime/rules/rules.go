// Package rules evaluates delivery records against threshold rules. The
// engine is pure: no I/O, no clocks, no shared mutable state.
package rules

import (
	"fmt"
	"math"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
)

// Comparator is the relation between a record value and a threshold.
type Comparator string

const (
	GreaterThan        Comparator = ">"
	GreaterThanOrEqual Comparator = ">="
	LessThan           Comparator = "<"
	LessThanOrEqual    Comparator = "<="
)

func (c Comparator) holds(value, threshold float64) (bool, error) {
	switch c {
	case GreaterThan:
		return value > threshold, nil
	case GreaterThanOrEqual:
		return value >= threshold, nil
	case LessThan:
		return value < threshold, nil
	case LessThanOrEqual:
		return value <= threshold, nil
	default:
		return false, fmt.Errorf("unknown comparator %q", string(c))
	}
}

// Rule is one named threshold check on a single numeric field.
type Rule struct {
	Name       string
	Field      string
	Comparator Comparator
	Threshold  float64
}

// Built-in rule names.
const (
	TimeTakenOverThreshold = "timeTakenMin_over_threshold"
	DistanceOverThreshold  = "distanceKm_over_threshold"
)

// Defaults returns the two built-in rules in their emission order.
func Defaults(timeTakenMin, distanceKm float64) []Rule {
	return []Rule{
		{Name: TimeTakenOverThreshold, Field: events.FieldTimeTakenMin, Comparator: GreaterThan, Threshold: timeTakenMin},
		{Name: DistanceOverThreshold, Field: events.FieldDistanceKm, Comparator: GreaterThan, Threshold: distanceKm},
	}
}

// Engine evaluates a fixed, ordered rule list.
type Engine struct {
	rules    []Rule
	sourceID string
}

// NewEngine validates the rules and builds an engine. sourceID is stamped
// on every emitted violation.
func NewEngine(sourceID string, rules ...Rule) (*Engine, error) {
	for _, r := range rules {
		if r.Name == "" || r.Field == "" {
			return nil, fmt.Errorf("rule %q: name and field are required", r.Name)
		}
		if _, err := r.Comparator.holds(0, 0); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
			return nil, fmt.Errorf("rule %s: threshold must be finite", r.Name)
		}
	}
	return &Engine{rules: append([]Rule(nil), rules...), sourceID: sourceID}, nil
}

// Rules returns a copy of the configured rules.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate returns one violation per satisfied rule, in rule order.
func (e *Engine) Evaluate(record events.DeliveryRecord) []events.ViolationEvent {
	out, _ := e.EvaluateWithSkips(record)
	return out
}

// EvaluateWithSkips is Evaluate plus the rules that could not be evaluated
// because their field was unknown, missing or not finite. A skipped rule
// never affects the others.
func (e *Engine) EvaluateWithSkips(record events.DeliveryRecord) ([]events.ViolationEvent, []*errspkg.RuleEvaluationSkip) {
	var (
		out   []events.ViolationEvent
		skips []*errspkg.RuleEvaluationSkip
	)
	for _, r := range e.rules {
		value, known := record.Numeric(r.Field)
		switch {
		case !known:
			skips = append(skips, &errspkg.RuleEvaluationSkip{Rule: r.Name, Field: r.Field, Reason: "is unknown"})
			continue
		case value == nil:
			skips = append(skips, &errspkg.RuleEvaluationSkip{Rule: r.Name, Field: r.Field, Reason: "is missing"})
			continue
		case math.IsNaN(*value) || math.IsInf(*value, 0):
			skips = append(skips, &errspkg.RuleEvaluationSkip{Rule: r.Name, Field: r.Field, Reason: "is not finite"})
			continue
		}

		// comparators were validated in NewEngine
		hit, _ := r.Comparator.holds(*value, r.Threshold)
		if !hit {
			continue
		}
		out = append(out, events.ViolationEvent{
			EventType:          events.ViolationEventType,
			Rule:               r.Name,
			Field:              r.Field,
			Threshold:          r.Threshold,
			Actual:             *value,
			City:               record.City,
			Timestamp:          record.DeliveryTimestamp,
			OriginalDeliveryID: record.ID,
			SourceID:           e.sourceID,
		})
	}
	return out, skips
}
