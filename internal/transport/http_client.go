package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
)

// Header names of the record API.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// HTTPClient talks to the remote record API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *events.Logger
	token     string

	// Retry configuration for reads. Mutations are single-shot: the outbox
	// owns their retries.
	retry models.RetryPolicy
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.RemoteConfig, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		token:     cfg.Token,
		logger:    logger.WithField("component", "http_client"),
		retry: models.RetryPolicy{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   retryDelay,
			MaxDelay:    10 * time.Second,
		},
	}
}

// GetToken returns the bearer token sent with every request.
func (c *HTTPClient) GetToken() string {
	return c.token
}

// ApplyCreate posts a new record.
func (c *HTTPClient) ApplyCreate(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return c.mutate(ctx, http.MethodPost, recordsPath(op.Entity), key, op)
}

// ApplyUpdate patches an existing record.
func (c *HTTPClient) ApplyUpdate(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return c.mutate(ctx, http.MethodPatch, recordPath(op.Entity, op.RecordID), key, op)
}

// ApplyDelete deletes a record. A record that is already gone counts as
// deleted.
func (c *HTTPClient) ApplyDelete(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	return c.mutate(ctx, http.MethodDelete, recordPath(op.Entity, op.RecordID), key, op)
}

// ApplyAction invokes a named domain action on a record.
func (c *HTTPClient) ApplyAction(ctx context.Context, key string, op models.Operation) (*models.RemoteResult, error) {
	path := recordPath(op.Entity, op.RecordID) + "/actions/" + url.PathEscape(op.Action)
	return c.mutate(ctx, http.MethodPost, path, key, op)
}

// Fetch reads one record, retrying transient failures with backoff.
func (c *HTTPClient) Fetch(ctx context.Context, kind, id string) (json.RawMessage, error) {
	var payload json.RawMessage
	err := c.withRetry(ctx, func() error {
		resp, body, err := c.do(ctx, http.MethodGet, recordPath(kind, id), "", nil)
		if err != nil {
			return classifyTransportError("fetch "+kind, err)
		}
		if resp.StatusCode != http.StatusOK {
			return classifyStatus("fetch "+kind, resp.StatusCode, body)
		}
		payload = json.RawMessage(body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// mutate sends one mutation exactly once.
func (c *HTTPClient) mutate(ctx context.Context, method, path, key string, op models.Operation) (*models.RemoteResult, error) {
	opName := fmt.Sprintf("%s %s", op.Kind, op.Entity)

	var body []byte
	if method != http.MethodDelete && len(op.Data) > 0 {
		body = op.Data
	}

	resp, respBody, err := c.do(ctx, method, path, key, body)
	if err != nil {
		return nil, classifyTransportError(opName, err)
	}

	if op.Kind == models.OpDelete && resp.StatusCode == http.StatusNotFound {
		c.logger.WithField("record_id", op.RecordID).Debug("Record already deleted")
		return &models.RemoteResult{RecordID: op.RecordID, AppliedAt: time.Now().UTC()}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(opName, resp.StatusCode, respBody)
	}

	result := &models.RemoteResult{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, &models.PermanentError{
				Code:   models.ErrCodeValidation,
				Op:     opName,
				Reason: "unreadable response",
				Err:    err,
			}
		}
	}
	if result.RecordID == "" {
		result.RecordID = op.RecordID
	}
	if result.AppliedAt.IsZero() {
		result.AppliedAt = time.Now().UTC()
	}
	if resp.Header.Get(HeaderReplayed) == "true" {
		result.Duplicate = true
	}

	return result, nil
}

// do executes one request and reads the whole body.
func (c *HTTPClient) do(ctx context.Context, method, path, key string, body []byte) (*http.Response, []byte, error) {
	target := c.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	if token := c.GetToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.WithFields(map[string]interface{}{
		"method":          method,
		"url":             target,
		"size":            len(body),
		"idempotency_key": key,
	}).Debug("Sending request")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	return resp, respBody, nil
}

// withRetry executes fn with exponential backoff while it fails
// transiently.
func (c *HTTPClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !models.IsTransient(err) || c.retry.Exhausted(attempt) {
			break
		}

		delay := c.retry.Delay(attempt)
		c.logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Debug("Retrying request")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &models.TransientError{Code: models.ErrCodeTimeout, Op: "retry", Err: ctx.Err()}
		}
	}

	return lastErr
}

// classifyTransportError maps a failure before any response onto the
// transient class.
func classifyTransportError(op string, err error) error {
	code := models.ErrCodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = models.ErrCodeTimeout
	}
	return &models.TransientError{Code: code, Op: op, Err: err}
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(op string, status int, body []byte) error {
	apiErr := &models.APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	apiErr.StatusCode = status

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &models.TransientError{Code: models.ErrCodeTimeout, Op: op, Err: apiErr}
	case status == http.StatusTooEarly || status == http.StatusTooManyRequests || status >= 500:
		return &models.TransientError{Code: models.ErrCodeServerBusy, Op: op, Err: apiErr}
	}

	code := models.ErrCodeValidation
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = models.ErrCodeAuth
	case http.StatusNotFound, http.StatusGone:
		code = models.ErrCodeNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		code = models.ErrCodeConflict
	}

	return &models.PermanentError{Code: code, Op: op, Reason: apiErr.Message, Err: apiErr}
}

func recordsPath(kind string) string {
	return "/v1/records/" + url.PathEscape(kind)
}

func recordPath(kind, id string) string {
	return recordsPath(kind) + "/" + url.PathEscape(id)
}
