package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	defaultRateLimit   = 10 // requests per second
	defaultBurst       = 5
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	BaseURL       string
	Authorization string // Authorization header value, omitted when empty
	Timeout       time.Duration
	MaxRetries    int
	Client        *http.Client
	Logger        *zap.Logger
}

// HTTPTransport uploads items to the backend's bundle endpoint. Connection
// failures are retried with exponential backoff; any HTTP response, whatever
// its status, is returned to the caller as is.
type HTTPTransport struct {
	baseURL     string
	auth        string
	client      *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewHTTPTransport creates a transport for cfg.BaseURL.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		auth:        cfg.Authorization,
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries:  retries,
		baseBackoff: defaultBaseBackoff,
		logger:      logger,
	}, nil
}

// Upload posts items to /bundle/{bundleID} and returns the response status.
// The span in ctx, if any, is propagated as a traceparent header.
func (t *HTTPTransport) Upload(ctx context.Context, bundleID string, items []Item) (int, error) {
	if bundleID == "" {
		return 0, errors.New("bundle id cannot be empty")
	}
	if items == nil {
		items = []Item{}
	}
	body, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal items: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter error: %w", err)
		}

		status, err := t.do(ctx, bundleID, body)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return 0, err
		}
		t.logger.Debug("upload attempt failed",
			zap.String("bundle_id", bundleID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (t *HTTPTransport) do(ctx context.Context, bundleID string, body []byte) (int, error) {
	endpoint := t.baseURL + "/bundle/" + url.PathEscape(bundleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}

// isRetryable reports whether err is a connection failure worth retrying.
// Unknown hosts and cancellations surface immediately.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
