package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// DefaultTimeout bounds each data-plane call unless configured otherwise.
const DefaultTimeout = 30 * time.Second

const userAgent = "shadowgate/0.1"

// TokenSource provides bearer tokens for the data plane. Defined at the
// consumer per Go convention "accept interfaces, return structs"; the
// deployment's credential provider implements it. A nil TokenSource sends
// unauthenticated requests (local test endpoints).
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the cloud shadow data plane. Each method performs exactly
// one attempt within the configured timeout and classifies failures into the
// package sentinels; callers decide retry policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates a data-plane client. baseURL is the service root, e.g.
// "https://data.iot.example.com". A zero timeout falls back to DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		timeout:    timeout,
		logger:     logger,
	}
}

// GetThingShadow fetches the cloud document for a key. A missing shadow
// returns an error satisfying IsNotFound.
func (c *Client) GetThingShadow(ctx context.Context, key names.Key) ([]byte, error) {
	return c.do(ctx, http.MethodGet, key, nil)
}

// UpdateThingShadow posts an update payload and returns the accepted
// response document (carrying the new cloud version).
func (c *Client) UpdateThingShadow(ctx context.Context, key names.Key, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, key, payload)
}

// DeleteThingShadow deletes the cloud document. Deleting an absent shadow
// returns an error satisfying IsNotFound; callers treat it as success.
func (c *Client) DeleteThingShadow(ctx context.Context, key names.Key) error {
	_, err := c.do(ctx, http.MethodDelete, key, nil)
	return err
}

func (c *Client) shadowURL(key names.Key) string {
	u := c.baseURL + "/things/" + url.PathEscape(key.Thing) + "/shadow"
	if key.Shadow != "" {
		u += "?name=" + url.QueryEscape(key.Shadow)
	}

	return u
}

func (c *Client) do(ctx context.Context, method string, key names.Key, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.shadowURL(key), body)
	if err != nil {
		return nil, fmt.Errorf("cloud: build %s request for %s: %w", method, key, err)
	}

	invocationID := uuid.NewString()

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("amz-sdk-invocation-id", invocationID)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		token, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("cloud: acquire token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, method, key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloud: read %s response for %s: %w", method, key, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("data plane call succeeded",
			"method", method,
			"key", key.String(),
			"status", resp.StatusCode,
			"invocation_id", invocationID,
		)

		return respBody, nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("x-request-id"),
		Message:    errorMessage(respBody),
		Err:        classifyStatus(resp.StatusCode),
	}

	c.logger.Debug("data plane call failed",
		"method", method,
		"key", key.String(),
		"status", resp.StatusCode,
		"message", apiErr.Message,
		"invocation_id", invocationID,
	)

	return nil, apiErr
}

// transportError maps request execution failures onto the retryable
// sentinels: timeouts to ErrTimeout, other transport failures to
// ErrServiceUnavailable. Caller cancellation passes through untouched.
func (c *Client) transportError(ctx context.Context, method string, key names.Key, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("cloud: %s %s canceled: %w", method, key, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Message: err.Error(), Err: ErrTimeout}
	}

	return &APIError{Message: err.Error(), Err: ErrServiceUnavailable}
}

// errorMessage extracts the service's message field from an error body,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}

	const maxRaw = 200
	if len(body) > maxRaw {
		body = body[:maxRaw]
	}

	return string(body)
}
