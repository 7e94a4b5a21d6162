package ascapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bencyrus/testflight-uploader/internal/auth"
	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/bencyrus/testflight-uploader/internal/middleware"
)

// DefaultBaseURL is the App Store Connect API origin including its version prefix.
const DefaultBaseURL = "https://api.appstoreconnect.apple.com/v1"

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryPolicy controls the backoff between attempts of a single request.
// Attempt n (zero-based) waits BaseDelay * Factor^n before the next try.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	Factor    float64
}

var DefaultRetryPolicy = RetryPolicy{Retries: 5, BaseDelay: time.Second, Factor: 2}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt)))
}

// HTTPError is returned for a non-success response that was not, or could no
// longer be, retried.
type HTTPError struct {
	Context    string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Context, e.StatusCode, e.Body)
}

// Request describes one JSON call relative to the client's base URL.
type Request struct {
	Method       string
	Path         string
	ErrorContext string
	Body         any
	Headers      map[string]string
	// Retry overrides the client policy for this call.
	Retry *RetryPolicy
}

// Client issues JSON requests against the App Store Connect API, retrying
// transient failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient validates baseURL; an empty value means DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: scheme and host are required", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: middleware.NewLoggingTransport(nil),
		},
		retry: DefaultRetryPolicy,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// RequestJSON sends req authenticated with cred and decodes a JSON response
// into out. A 204 or a non-JSON response leaves out untouched.
func (c *Client) RequestJSON(ctx context.Context, cred auth.Credential, req Request, out any) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.URL(req.Path)
	policy := c.retry
	if req.Retry != nil {
		policy = *req.Retry
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.Token)
	headers.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request body: %w", req.ErrorContext, err)
		}
		body = encoded
	}

	resp, respBody, err := c.doWithRetry(ctx, method, target, headers, body, policy, req.ErrorContext)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Context:    req.ErrorContext,
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	if resp.StatusCode == http.StatusNoContent || out == nil || len(respBody) == 0 {
		return nil
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", req.ErrorContext, err)
	}
	return nil
}

// doWithRetry returns the first response whose status is not retryable, with
// its body fully read.
func (c *Client) doWithRetry(ctx context.Context, method, target string, headers http.Header, body []byte, policy RetryPolicy, errorContext string) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		logger.Debug(ctx, "http request", logger.Fields{
			"method":  method,
			"url":     target,
			"attempt": attempt + 1,
			"headers": logger.Redact(headers),
			"body":    bodyForLog(body),
		})

		resp, respBody, err := c.send(ctx, method, target, headers, body)
		if err == nil {
			// Upload operations carry presigned URLs.
			logger.Debug(ctx, "http response", logger.Fields{
				"method":      method,
				"url":         target,
				"attempt":     attempt + 1,
				"status_code": resp.StatusCode,
				"body":        logger.StripQueries(string(respBody)),
			})
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, nil, fmt.Errorf("%s: %w", errorContext, ctx.Err())
			}
			lastErr = fmt.Errorf("%s: %s %s: %w", errorContext, method, target, err)
		case retryableStatus[resp.StatusCode]:
			lastErr = &HTTPError{
				Context:    errorContext,
				Method:     method,
				URL:        target,
				StatusCode: resp.StatusCode,
				Body:       string(respBody),
			}
		default:
			return resp, respBody, nil
		}

		if attempt >= policy.Retries {
			return nil, nil, lastErr
		}

		delay := policy.backoff(attempt)
		logger.Warn(ctx, "retrying request", logger.Fields{
			"method":   method,
			"url":      target,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"reason":   lastErr.Error(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", errorContext, err)
		}
	}
}

func (c *Client) send(ctx context.Context, method, target string, headers http.Header, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header = headers.Clone()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp, respBody, nil
}

func bodyForLog(body []byte) string {
	if body == nil {
		return "<none>"
	}
	return string(body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
