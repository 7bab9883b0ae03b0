package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("slaflow: pipeline service is required")
	ErrHandlerRequired      = sterrors.New("slaflow: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("slaflow: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("slaflow: handler name is required")
	ErrPublisherRequired    = sterrors.New("slaflow: publisher is required")
	ErrTopicRequired        = sterrors.New("slaflow: topic is required")
	ErrConfigRequired       = sterrors.New("slaflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("slaflow: logger is required")
	ErrScorerRequired       = sterrors.New("slaflow: inference scorer is required")
	ErrRiskSinkRequired     = sterrors.New("slaflow: risk publisher is required")
	ErrBridgeClosed         = sterrors.New("slaflow: bus bridge is closed")
	ErrBridgeFull           = sterrors.New("slaflow: bus bridge queue is full")
	ErrPoolClosed           = sterrors.New("slaflow: enrichment pool is closed")
)

// DecodeError reports a message that could not be decoded or did not
// match the schema of its kind. The message is dropped.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RuleEvaluationSkip describes a single rule that could not be evaluated
// against a record. Other rules are unaffected.
type RuleEvaluationSkip struct {
	Rule   string
	Field  string
	Reason string
}

func (e *RuleEvaluationSkip) Error() string {
	return fmt.Sprintf("rule %s skipped: field %s %s", e.Rule, e.Field, e.Reason)
}

// InferenceUnavailable covers every way a scoring call can fail: timeout,
// connection error, non-2xx status or an unusable response body.
type InferenceUnavailable struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *InferenceUnavailable) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference unavailable at %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("inference unavailable at %s: %v", e.Endpoint, e.Err)
}

func (e *InferenceUnavailable) Unwrap() error { return e.Err }

// PublishFailure wraps an error returned by a bus while publishing.
type PublishFailure struct {
	Bus   string
	Topic string
	Err   error
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish to %s %q failed: %v", e.Bus, e.Topic, e.Err)
}

func (e *PublishFailure) Unwrap() error { return e.Err }
