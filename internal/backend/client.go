package backend

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jwalitptl/transfer-portal/pkg/circuitbreaker"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive transport or 5xx
	// failures that opens the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	UserAgent       string
	// Name labels the circuit breaker.
	Name string
}

// Client is a JSON client for the dispatch backend REST API. Copies made by
// WithToken share the HTTP client and the circuit breaker.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, log *logger.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "backend"
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                cfg.Name,
		MaxRequests:         1,
		Timeout:             cfg.BreakerTimeout,
		ConsecutiveFailures: cfg.BreakerFailures,
		IsFailure:           isBreakerFailure,
		OnStateChange: func(name, state string) {
			open := 0.0
			if state == "open" {
				open = 1
			}
			m.BreakerState.WithLabelValues(name).Set(open)
			log.Warn("backend circuit breaker state changed", "breaker", name, "state", state)
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     log.WithComponent("backend"),
		metrics:    m,
	}
}

// WithToken returns a client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Ready reports an error while the circuit breaker is open.
func (c *Client) Ready(context.Context) error {
	if c.breaker.State() == "open" {
		return errors.Unavailable(circuitbreaker.ErrOpen)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, operation, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, operation, path string, body, out interface{}) error {
	return c.do(ctx, operation, http.MethodPost, path, body, out)
}

func (c *Client) Patch(ctx context.Context, operation, path string, body, out interface{}) error {
	return c.do(ctx, operation, http.MethodPatch, path, body, out)
}

func (c *Client) Delete(ctx context.Context, operation, path string) error {
	return c.do(ctx, operation, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	start := time.Now()
	status := "error"

	err := c.breaker.Execute(func() error {
		code, err := c.roundTrip(ctx, method, path, body, out)
		if code != 0 {
			status = strconv.Itoa(code)
		}
		return err
	})
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		status = "breaker_open"
		err = errors.Unavailable(err)
	}

	c.metrics.BackendLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	c.metrics.BackendRequests.WithLabelValues(operation, status).Inc()

	if err != nil {
		c.logger.Debug("backend request failed",
			"operation", operation,
			"method", method,
			"path", path,
			"status", status,
			"error", err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Unavailable(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, errors.Unavailable(fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, errors.NotFound(path, nil)
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, errors.Unauthorized(nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.StatusCode, errors.Upstream(resp.StatusCode, errorMessage(respBody))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, errors.Upstream(resp.StatusCode, fmt.Sprintf("invalid response body: %v", err))
	}
	return resp.StatusCode, nil
}

// errorBody covers the plain and problem-details error shapes the backend returns.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Title   string `json:"title"`
	Detail  string `json:"detail"`
}

func errorMessage(body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		for _, msg := range []string{eb.Message, eb.Detail, eb.Title, eb.Error} {
			if msg != "" {
				return msg
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func isBreakerFailure(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return true
	}
	switch appErr.Code {
	case errors.ErrUnavailable:
		return true
	case errors.ErrUpstream:
		return appErr.Status >= http.StatusInternalServerError
	default:
		return false
	}
}
