// Package inference calls the external delay-risk scoring service.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	"github.com/drblury/slaflow/internal/runtime/events"
	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
)

const (
	// DefaultTimeout bounds one scoring call when none is configured.
	DefaultTimeout = 3 * time.Second

	maxResponseBytes = 64 << 10
	errorBodyBytes   = 512
)

// Scorer turns a feature vector into a prediction.
type Scorer interface {
	Score(ctx context.Context, fv events.FeatureVector) (events.PredictionResult, error)
}

// Client is a Scorer backed by an HTTP endpoint. It never retries; callers
// decide whether and how often to try again.
type Client struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New builds a client for endpoint. A non-positive timeout selects
// DefaultTimeout.
func New(endpoint string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("inference: invalid endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		endpoint: endpoint,
		timeout:  timeout,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "inference " + r.Method + " " + r.URL.Path
				}),
			),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the scoring URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Score posts the feature vector and decodes the prediction. Every failure
// is reported as *errors.InferenceUnavailable.
func (c *Client) Score(ctx context.Context, fv events.FeatureVector) (events.PredictionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := jsoncodec.Marshal(fv)
	if err != nil {
		return events.PredictionResult{}, c.unavailable(0, fmt.Errorf("encode features: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return events.PredictionResult{}, c.unavailable(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			err = ctxErr
		}
		return events.PredictionResult{}, c.unavailable(0, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
		return events.PredictionResult{}, c.unavailable(resp.StatusCode, fmt.Errorf("unexpected status: %s", bytes.TrimSpace(snippet)))
	}

	var pred events.PredictionResult
	if err := jsoncodec.Decode(resp.Body, &pred, maxResponseBytes); err != nil {
		return events.PredictionResult{}, c.unavailable(resp.StatusCode, fmt.Errorf("decode prediction: %w", err))
	}
	if err := pred.Validate(); err != nil {
		return events.PredictionResult{}, c.unavailable(resp.StatusCode, err)
	}
	return pred, nil
}

func (c *Client) unavailable(status int, err error) error {
	return &errspkg.InferenceUnavailable{Endpoint: c.endpoint, StatusCode: status, Err: err}
}
