// Package bridge implements the resilient HTTP client for remote tool
// endpoints.
//
// A bridge endpoint exposes a small request/response surface:
//
//	GET  {base}/v1/tools        capability listing
//	POST {base}/v1/tools/{name} tool invocation, body {"parameters": {...}}
//
// Calls honor the endpoint's auth mode and retry policy. Credentials are
// resolved per call and never cached or logged.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/auditd/internal/config"
	"github.com/fyrsmithlabs/auditd/internal/credential"
	"github.com/fyrsmithlabs/auditd/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/auditd/internal/bridge"

// Responses larger than this are truncated; tool payloads are JSON
// documents, not artifact blobs.
const maxResponseSize = 16 << 20

// Client performs tool calls against registered bridge endpoints.
type Client interface {
	// ListTools returns the endpoint's tool catalog, served from cache
	// within the configured TTL.
	ListTools(ctx context.Context, bridge string) ([]ToolDefinition, error)

	// Execute invokes one tool. The returned ExecutionResult is populated
	// on failure as well, with the error mirrored into its Error field.
	Execute(ctx context.Context, bridge, tool string, parameters map[string]any) (ExecutionResult, error)

	// Probe issues a fresh capability-listing call, bypassing the cache.
	Probe(ctx context.Context, bridge string) error

	// Close marks the client closed; subsequent calls fail.
	Close() error
}

type client struct {
	registry *Registry
	creds    credential.Provider

	httpClient *http.Client
	limiter    *rate.Limiter
	sem        chan struct{}
	logger     *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	callCounter  metric.Int64Counter
	callDuration metric.Float64Histogram

	cacheTTL time.Duration

	// sleep and jitter are swapped out in tests for instant,
	// deterministic backoff.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	mu        sync.RWMutex
	toolCache map[string]toolCacheEntry
	closed    bool
}

type toolCacheEntry struct {
	tools   []ToolDefinition
	expires time.Time
}

var _ Client = (*client)(nil)

// NewClient creates a bridge client over the given registry. Rate limiting
// and concurrency bounds come from the bridge defaults.
func NewClient(registry *Registry, creds credential.Provider, defaults config.BridgeDefaults, logger *zap.Logger) (Client, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if creds == nil {
		return nil, errors.New("credential provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rps := defaults.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := defaults.Burst
	if burst <= 0 {
		burst = 5
	}
	maxConcurrent := defaults.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	c := &client{
		registry:   registry,
		creds:      creds,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		sem:        make(chan struct{}, maxConcurrent),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		cacheTTL:   defaults.CacheTTL.Duration(),
		sleep:      ctxSleep,
		toolCache:  make(map[string]toolCacheEntry),
	}

	c.initMetrics()

	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *client) initMetrics() {
	var err error

	c.callCounter, err = c.meter.Int64Counter(
		"auditd.bridge.calls_total",
		metric.WithDescription("Total number of bridge tool calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn("failed to create call counter", zap.Error(err))
	}

	c.callDuration, err = c.meter.Float64Histogram(
		"auditd.bridge.call_duration",
		metric.WithDescription("Bridge call duration including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		c.logger.Warn("failed to create call duration histogram", zap.Error(err))
	}
}

func (c *client) ListTools(ctx context.Context, bridgeName string) ([]ToolDefinition, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if _, err := c.registry.Get(bridgeName); err != nil {
		return nil, err
	}

	if tools, ok := c.cachedTools(bridgeName); ok {
		return tools, nil
	}
	return c.fetchTools(ctx, bridgeName)
}

func (c *client) Probe(ctx context.Context, bridgeName string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.fetchTools(ctx, bridgeName)
	return err
}

// fetchTools lists tools from the endpoint and refreshes the cache.
func (c *client) fetchTools(ctx context.Context, bridgeName string) ([]ToolDefinition, error) {
	ep, err := c.registry.Get(bridgeName)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "bridge.list_tools",
		trace.WithAttributes(attribute.String("bridge.name", bridgeName)))
	defer span.End()

	body, attempt, err := c.call(ctx, ep, http.MethodGet, "/v1/tools", nil)
	if err != nil {
		execErr := &ExecError{Bridge: bridgeName, Attempt: attempt, Err: err}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return nil, execErr
	}

	var resp toolsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		execErr := &ExecError{Bridge: bridgeName, Attempt: attempt, Err: fmt.Errorf("decode tools response: %w", err)}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return nil, execErr
	}

	c.storeTools(bridgeName, resp.Tools)
	span.SetAttributes(attribute.Int("bridge.tool_count", len(resp.Tools)))
	return resp.Tools, nil
}

func (c *client) Execute(ctx context.Context, bridgeName, tool string, parameters map[string]any) (ExecutionResult, error) {
	start := time.Now()

	if err := c.checkClosed(); err != nil {
		return failedResult(start, 0, err), err
	}

	ep, err := c.registry.Get(bridgeName)
	if err != nil {
		return failedResult(start, 0, err), err
	}

	ctx, span := c.tracer.Start(ctx, "bridge.execute",
		trace.WithAttributes(
			attribute.String("bridge.name", bridgeName),
			attribute.String("bridge.tool", tool),
		))
	defer span.End()

	payload, err := json.Marshal(executeRequest{Parameters: parameters})
	if err != nil {
		execErr := &ExecError{Bridge: bridgeName, Tool: tool, Err: fmt.Errorf("encode parameters: %w", err)}
		return failedResult(start, 0, execErr), execErr
	}

	body, attempt, callErr := c.call(ctx, ep, http.MethodPost, "/v1/tools/"+url.PathEscape(tool), payload)

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("bridge.attempt", attempt))
	c.recordCall(ctx, bridgeName, tool, callErr == nil, elapsed)

	if callErr != nil {
		execErr := &ExecError{Bridge: bridgeName, Tool: tool, Attempt: attempt, Err: callErr}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return ExecutionResult{
			Success:   false,
			Error:     execErr.Error(),
			Attempt:   attempt,
			Elapsed:   elapsed,
			Timestamp: time.Now(),
		}, execErr
	}

	return ExecutionResult{
		Success:   true,
		Payload:   body,
		Attempt:   attempt,
		Elapsed:   elapsed,
		Timestamp: time.Now(),
	}, nil
}

// call performs one logical endpoint call: concurrency bound, credential
// resolution, then up to MaxRetries attempts with backoff between them.
// The returned attempt count is 1-indexed; 0 means the call never reached
// the wire.
func (c *client) call(ctx context.Context, ep config.EndpointConfig, method, path string, payload []byte) ([]byte, int, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer c.release()

	secret, err := c.resolveCredential(ctx, ep)
	if err != nil {
		return nil, 0, err
	}

	policy := retry.Policy{
		MaxRetries:    ep.Retry.MaxRetries,
		BackoffFactor: ep.Retry.BackoffFactor,
		MaxBackoff:    ep.Retry.MaxBackoff.Duration(),
		Jitter:        c.jitter,
	}
	policy.ApplyDefaults()

	attempt := 0
	for {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, attempt, fmt.Errorf("rate limiter: %w", err)
		}

		body, class, err := c.doRequest(ctx, ep, method, path, payload, secret)
		if class == retry.ClassNone {
			if attempt > 1 {
				c.logger.Info("bridge call recovered after retries",
					zap.String("bridge", ep.Name),
					zap.Int("attempt", attempt))
			}
			return body, attempt, nil
		}

		if !retry.ShouldRetry(class, attempt, policy.MaxRetries) {
			if class.Retryable() {
				return nil, attempt, fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
			}
			return nil, attempt, err
		}

		delay := policy.NextDelay(attempt - 1)
		c.logger.Debug("retrying bridge call",
			zap.String("bridge", ep.Name),
			zap.String("class", class.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

// doRequest performs a single HTTP attempt bounded by the endpoint timeout.
func (c *client) doRequest(ctx context.Context, ep config.EndpointConfig, method, path string, payload []byte, secret config.Secret) ([]byte, retry.Class, error) {
	timeout := ep.Timeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, ep.BaseAddress+path, reqBody)
	if err != nil {
		return nil, retry.ClassClient, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := applyAuth(req, ep, secret); err != nil {
		return nil, retry.ClassAuth, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.ClassifyError(err), fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, retry.ClassTransport, fmt.Errorf("read response: %w", err)
	}

	class := retry.ClassifyStatus(resp.StatusCode)
	switch class {
	case retry.ClassNone:
		return body, class, nil
	case retry.ClassAuth:
		return nil, class, fmt.Errorf("%w: endpoint returned %d", ErrAuthentication, resp.StatusCode)
	default:
		return nil, class, statusError(resp.StatusCode, body)
	}
}

// resolveCredential fetches the endpoint credential for this call only.
// The value stays in scope for the duration of the call and is never
// stored on the client.
func (c *client) resolveCredential(ctx context.Context, ep config.EndpointConfig) (config.Secret, error) {
	if ep.AuthMode == "" || ep.AuthMode == "none" {
		return "", nil
	}
	secret, err := c.creds.Resolve(ctx, ep.CredentialRef)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return secret, nil
}

// applyAuth sets credentials on the request. Values go into headers only.
func applyAuth(req *http.Request, ep config.EndpointConfig, secret config.Secret) error {
	switch ep.AuthMode {
	case "", "none":
		return nil
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+secret.Value())
	case "api_key":
		req.Header.Set("X-API-Key", secret.Value())
	case "basic":
		user, pass, ok := strings.Cut(secret.Value(), ":")
		if !ok {
			return fmt.Errorf("%w: basic credential must be user:password", ErrAuthentication)
		}
		req.SetBasicAuth(user, pass)
	default:
		return fmt.Errorf("%w: unsupported auth mode %q", ErrAuthentication, ep.AuthMode)
	}
	return nil
}

// statusError extracts the endpoint's error message from a failure body.
func statusError(status int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return fmt.Errorf("endpoint error (%d): %s", status, er.Error)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("endpoint error (%d)", status)
	}
	return fmt.Errorf("endpoint error (%d): %s", status, msg)
}

func (c *client) cachedTools(name string) ([]ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.toolCache[name]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.tools, true
}

func (c *client) storeTools(name string, tools []ToolDefinition) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCache[name] = toolCacheEntry{
		tools:   tools,
		expires: time.Now().Add(c.cacheTTL),
	}
}

func (c *client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) release() {
	<-c.sem
}

func (c *client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("bridge client is closed")
	}
	return nil
}

// Close marks the client closed. Idempotent.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *client) recordCall(ctx context.Context, bridgeName, tool string, success bool, elapsed time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("bridge", bridgeName),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	if c.callCounter != nil {
		c.callCounter.Add(ctx, 1, attrs)
	}
	if c.callDuration != nil {
		c.callDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func failedResult(start time.Time, attempt int, err error) ExecutionResult {
	return ExecutionResult{
		Success:   false,
		Error:     err.Error(),
		Attempt:   attempt,
		Elapsed:   time.Since(start),
		Timestamp: time.Now(),
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
