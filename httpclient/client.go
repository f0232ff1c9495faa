// Package httpclient implements the resilient HTTP client that wraps chat
// completion requests with retry/backoff and embedded-error normalization.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/strandhq/agent/internal/backoff"
)

// StatusError is a classified HTTP failure, either transport-observed or
// normalized from an embedded error payload in an otherwise-200 body.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// TransportErrorKind classifies a connection-level failure for the retry
// policy.
type TransportErrorKind string

const (
	TransportClosed            TransportErrorKind = "closed"
	TransportTimeout           TransportErrorKind = "timeout"
	TransportConnectionRefused TransportErrorKind = "connection_refused"
	TransportDNSFailure        TransportErrorKind = "dns_failure"
	TransportOther             TransportErrorKind = "other"
)

// TransportFault wraps a low-level transport error with its classification.
type TransportFault struct {
	Kind  TransportErrorKind
	Cause error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Cause)
}

func (e *TransportFault) Unwrap() error {
	return e.Cause
}

var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
	508:                            {}, // Loop Detected
}

var retryableTransportKinds = map[TransportErrorKind]struct{}{
	TransportClosed:            {},
	TransportTimeout:           {},
	TransportConnectionRefused: {},
	TransportDNSFailure:        {},
}

const maxAttempts = 4 // 1 initial + 3 retries

// Client performs resilient POSTs to an OpenAI-compatible chat completion
// endpoint.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	appTitle  string

	httpClient *http.Client
	logger     *slog.Logger
	sleeper    backoff.Sleeper
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	AppTitle   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New constructs a resilient HTTP client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "strand-agent/0.1.0"
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		userAgent:  userAgent,
		appTitle:   cfg.AppTitle,
		httpClient: httpClient,
		logger:     logger.With("component", "httpclient"),
		sleeper:    backoff.RealSleeper,
	}
}

// embeddedError is the shape of the normalization targets: either
// choices[0].error or a top-level error.
type embeddedError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type completionEnvelope struct {
	Choices []struct {
		Error *embeddedError `json:"error,omitempty"`
	} `json:"choices"`
	Error *embeddedError `json:"error,omitempty"`
}

// CreateChatCompletion POSTs body to path (e.g. "/chat/completions") and
// returns the raw response bytes on success, retrying classified failures
// with exponential backoff.
func (c *Client) CreateChatCompletion(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := c.doOnce(ctx, path, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		base, retryable := c.classify(err)
		if !retryable || attempt == maxAttempts {
			return nil, err
		}

		policy := backoff.FixedBase(float64(base.Milliseconds()), float64(base.Milliseconds())*8)
		delay := backoff.Compute(policy, attempt)
		c.logger.Warn("retrying after failure", "attempt", attempt, "error", err, "delay", delay)
		if sleepErr := c.sleeper.Sleep(ctx, policy, attempt); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

// doOnce performs one HTTP round trip, including embedded-error
// normalization of an otherwise-2xx response.
func (c *Client) doOnce(ctx context.Context, path string, payload []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	if c.appTitle != "" {
		req.Header.Set("X-Title", c.appTitle)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	if embedded := extractEmbeddedError(raw); embedded != nil {
		status := embedded.Code
		if status == http.StatusBadGateway {
			status = http.StatusTooManyRequests
		}
		body, _ := json.Marshal(map[string]any{"error": map[string]string{"message": embedded.Message}})
		return nil, &StatusError{Status: status, Body: string(body)}
	}

	return json.RawMessage(raw), nil
}

// extractEmbeddedError scans a 2xx body for an error reported inside the
// payload rather than via status code.
func extractEmbeddedError(raw []byte) *embeddedError {
	var env completionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if len(env.Choices) > 0 && env.Choices[0].Error != nil {
		return env.Choices[0].Error
	}
	if env.Error != nil {
		return env.Error
	}
	return nil
}

// classify decides whether err is retryable and the base delay for its
// class. The base doubles on each subsequent attempt via backoff.Compute.
func (c *Client) classify(err error) (time.Duration, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if _, ok := retryableStatuses[statusErr.Status]; !ok {
			return 0, false
		}
		base := 2 * time.Second
		if statusErr.Status == http.StatusTooManyRequests {
			base = 5 * time.Second
		}
		return base, true
	}

	var fault *TransportFault
	if errors.As(err, &fault) {
		if _, ok := retryableTransportKinds[fault.Kind]; !ok {
			return 0, false
		}
		return 1 * time.Second, true
	}

	return 0, false
}

// classifyTransportErr maps a raw net/http transport error into a
// TransportFault with a best-effort Kind classification.
func classifyTransportErr(err error) error {
	var kind TransportErrorKind
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = TransportTimeout
	case errors.Is(err, context.Canceled):
		kind = TransportOther
	case isConnectionRefused(err):
		kind = TransportConnectionRefused
	case isDNSFailure(err):
		kind = TransportDNSFailure
	case isClosedConn(err):
		kind = TransportClosed
	default:
		kind = TransportOther
	}
	return &TransportFault{Kind: kind, Cause: err}
}
