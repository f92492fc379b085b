package chain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPConfig configures a REST backend such as Esplora or TronGrid.
type HTTPConfig struct {
	// URL is the base URL without a trailing slash.
	URL string

	// Timeout bounds one logical call including retries.
	Timeout time.Duration

	// MaxRetries applies to reads. Writes are never retried.
	MaxRetries int

	// Headers are set on every request, e.g. an API key.
	Headers map[string]string
}

// statusError is a non 2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Code, e.Body)
}

// restClient wraps two retryablehttp clients: one that retries reads on
// transport errors and 5xx, and one that submits writes exactly once.
type restClient struct {
	cfg   HTTPConfig
	read  *retryablehttp.Client
	write *retryablehttp.Client
}

func newRESTClient(cfg HTTPConfig) *restClient {
	newClient := func(retries int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = retries
		c.RetryWaitMin = 100 * time.Millisecond
		c.RetryWaitMax = 2 * time.Second
		c.ErrorHandler = retryablehttp.PassthroughErrorHandler
		c.Logger = leveledLogger{}
		return c
	}
	return &restClient{
		cfg:   cfg,
		read:  newClient(cfg.MaxRetries),
		write: newClient(0),
	}
}

// do performs one request and returns the body of a 2xx response. Other
// statuses come back as *statusError.
func (c *restClient) do(ctx context.Context, client *retryablehttp.Client, method,
	path string, body []byte, contentType string) ([]byte, error) {

	ctx, cancel := withTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reqBody interface{}
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.URL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func (c *restClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, c.read, http.MethodGet, path, nil, "")
}

// query is a POST without side effects, retried like a GET.
func (c *restClient) query(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, c.read, http.MethodPost, path, body, "application/json")
}

func (c *restClient) submit(ctx context.Context, path string, body []byte,
	contentType string) ([]byte, error) {

	return c.do(ctx, c.write, http.MethodPost, path, body, contentType)
}

// leveledLogger routes retryablehttp output to the package logger.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.Errorf("%s %v", msg, kv) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.Debugf("%s %v", msg, kv) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.Tracef("%s %v", msg, kv) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.Warnf("%s %v", msg, kv) }
