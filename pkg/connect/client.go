// Package connect is a client for the Kafka Connect REST API, the control
// service that runs the capture and sink connectors.
package connect

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/json"
	"github.com/ajitpratap0/nebula-cdc/pkg/metrics"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// DefaultPollInterval is used by WaitForState when no interval is given
const DefaultPollInterval = 2 * time.Second

// Client talks to one Kafka Connect cluster
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *CircuitBreaker
	retry      *RetryPolicy
	logger     *zap.Logger
}

// NewClient creates a client from the connect section of the engine configuration
func NewClient(cfg config.ConnectConfig, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid connect url %q", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "connect_client"))

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rel := cfg.Reliability
	retry := NewRetryPolicy(rel.RetryAttempts+1, rel.RetryDelay)
	if rel.RetryMultiplier > 0 {
		retry.Multiplier = rel.RetryMultiplier
	}
	if rel.MaxRetryDelay > 0 {
		retry.MaxDelay = rel.MaxRetryDelay
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		retry:      retry,
		logger:     logger,
	}
	if rel.CircuitBreaker {
		c.breaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: rel.FailureThreshold,
			SuccessThreshold: 1,
			Timeout:          rel.BreakerTimeout,
		}, logger)
	}
	return c, nil
}

// TaskStatus is the state of one connector task
type TaskStatus struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	WorkerID string `json:"worker_id"`
	Trace    string `json:"trace,omitempty"`
}

// ConnectorStatus is the response of GET /connectors/{name}/status
type ConnectorStatus struct {
	Name      string `json:"name"`
	Connector struct {
		State    string `json:"state"`
		WorkerID string `json:"worker_id"`
		Trace    string `json:"trace,omitempty"`
	} `json:"connector"`
	Tasks []TaskStatus `json:"tasks"`
	Type  string       `json:"type"`
}

// State folds connector and task states into one run state.
// A RUNNING connector with a FAILED task is reported as FAILED.
func (s *ConnectorStatus) State() models.ConnectorState {
	if s == nil {
		return models.ConnectorUnknown
	}
	state, _ := models.ParseConnectorState(s.Connector.State)
	if state != models.ConnectorRunning {
		return state
	}
	for _, t := range s.Tasks {
		if ts, _ := models.ParseConnectorState(t.State); ts == models.ConnectorFailed {
			return models.ConnectorFailed
		}
	}
	return state
}

// FailureTrace returns the first stack trace reported by the connector or a task
func (s *ConnectorStatus) FailureTrace() string {
	if s == nil {
		return ""
	}
	if s.Connector.Trace != "" {
		return s.Connector.Trace
	}
	for _, t := range s.Tasks {
		if t.Trace != "" {
			return t.Trace
		}
	}
	return ""
}

type createRequest struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

// CreateConnector creates a connector. An existing connector with the same name is a Conflict error.
func (c *Client) CreateConnector(ctx context.Context, name string, cfg map[string]string) error {
	body, err := json.Marshal(createRequest{Name: name, Config: cfg})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "encode connector config")
	}
	status, _, err := c.do(ctx, http.MethodPost, "/connectors", body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		c.logger.Info("connector created", zap.String("connector", name))
		return nil
	case status == http.StatusConflict:
		return errors.Newf(errors.ErrorTypeConflict, "connector %s already exists", name).
			WithDetail(errors.DetailConnector, name)
	default:
		return unexpected(http.MethodPost, name, status)
	}
}

// GetStatus returns the live status of a connector, or nil when it does not exist
func (c *Client) GetStatus(ctx context.Context, name string) (*ConnectorStatus, error) {
	status, body, err := c.do(ctx, http.MethodGet, connectorPath(name, "status"), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, unexpected(http.MethodGet, name, status)
	}
	var st ConnectorStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode connector status")
	}
	return &st, nil
}

// GetConfig returns the live configuration of a connector
func (c *Client) GetConfig(ctx context.Context, name string) (map[string]string, error) {
	status, body, err := c.do(ctx, http.MethodGet, connectorPath(name, "config"), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", name)
	}
	if status != http.StatusOK {
		return nil, unexpected(http.MethodGet, name, status)
	}
	cfg := make(map[string]string)
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode connector config")
	}
	return cfg, nil
}

// DeleteConnector removes a connector; deleting an absent connector succeeds
func (c *Client) DeleteConnector(ctx context.Context, name string) error {
	return c.command(ctx, http.MethodDelete, connectorPath(name, ""), name, true)
}

// RestartConnector restarts the connector and all of its tasks
func (c *Client) RestartConnector(ctx context.Context, name string) error {
	return c.command(ctx, http.MethodPost, connectorPath(name, "restart")+"?includeTasks=true&onlyFailed=false", name, false)
}

// PauseConnector pauses a connector
func (c *Client) PauseConnector(ctx context.Context, name string) error {
	return c.command(ctx, http.MethodPut, connectorPath(name, "pause"), name, false)
}

// ResumeConnector resumes a paused or stopped connector
func (c *Client) ResumeConnector(ctx context.Context, name string) error {
	return c.command(ctx, http.MethodPut, connectorPath(name, "resume"), name, false)
}

// StopConnector stops a connector, keeping its configuration and offsets
func (c *Client) StopConnector(ctx context.Context, name string) error {
	return c.command(ctx, http.MethodPut, connectorPath(name, "stop"), name, false)
}

// WaitForState polls until the connector reaches target, the timeout elapses (false),
// or ctx is cancelled (error).
func (c *Client) WaitForState(ctx context.Context, name string, target models.ConnectorState, timeout, poll time.Duration) (bool, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st, err := c.GetStatus(ctx, name)
		if err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			c.logger.Debug("status poll failed", zap.String("connector", name), zap.Error(err))
		} else if st != nil && st.State() == target {
			return true, nil
		}

		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetTopics returns the topics the connector has produced to or consumed from
func (c *Client) GetTopics(ctx context.Context, name string) ([]string, error) {
	status, body, err := c.do(ctx, http.MethodGet, connectorPath(name, "topics"), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", name)
	}
	if status != http.StatusOK {
		return nil, unexpected(http.MethodGet, name, status)
	}
	var resp map[string]struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode connector topics")
	}
	return resp[name].Topics, nil
}

func (c *Client) command(ctx context.Context, method, path, name string, allowMissing bool) error {
	status, _, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound && allowMissing:
		return nil
	case status == http.StatusNotFound:
		return errors.Newf(errors.ErrorTypeNotFound, "connector %s not found", name)
	default:
		return unexpected(method, name, status)
	}
}

// do sends a request with retry and circuit breaking. Transport failures and 5xx
// responses are retried; every other status is returned to the caller.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var (
		status  int
		payload []byte
	)

	attempt := func() error {
		if c.breaker != nil && !c.breaker.Allow() {
			return errors.Wrap(ErrCircuitOpen, errors.ErrorTypeConnection, "connect service unavailable")
		}

		var err error
		status, payload, err = c.send(ctx, method, path, body)
		if err == nil && status >= 500 {
			err = errors.Newf(errors.ErrorTypeConnection, "%s %s returned %d: %s", method, path, status, truncate(payload))
		}
		if c.breaker != nil {
			if err != nil {
				c.breaker.RecordFailure()
			} else {
				c.breaker.RecordSuccess()
			}
		}
		return err
	}

	shouldRetry := func(err error) bool {
		return ctx.Err() == nil && errors.IsRetryable(err) && !errors.Is(err, ErrCircuitOpen)
	}

	if err := c.retry.ExecuteWithCondition(ctx, attempt, shouldRetry); err != nil {
		return status, payload, err
	}
	return status, payload, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, errors.ErrorTypeInternal, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ControlLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ControlRequests.WithLabelValues(method, "error").Inc()
		if ctx.Err() != nil {
			return 0, nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, fmt.Sprintf("%s %s cancelled", method, path))
		}
		return 0, nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("%s %s", method, path))
	}
	defer resp.Body.Close()
	metrics.ControlRequests.WithLabelValues(method, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, errors.ErrorTypeConnection, "read response body")
	}
	return resp.StatusCode, payload, nil
}

func connectorPath(name, suffix string) string {
	p := "/connectors/" + url.PathEscape(name)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func unexpected(method, name string, status int) error {
	return errors.Newf(errors.ErrorTypeConnector, "%s connector %s: unexpected status %d", method, name, status).
		WithDetail(errors.DetailConnector, name)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
