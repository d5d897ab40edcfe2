// Package retry computes backoff delays and retry decisions for bridge
// calls. It is pure computation: no clocks, no sleeping, no transport
// knowledge beyond the failure class.
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Class buckets a call outcome for the retry decision.
type Class int

const (
	// ClassNone is a successful outcome.
	ClassNone Class = iota

	// ClassClient is a 4xx-equivalent failure. Never retried.
	ClassClient

	// ClassAuth is a credential failure (401/403-equivalent). Never
	// retried, and surfaced distinctly from other client errors.
	ClassAuth

	// ClassServer is a 5xx-equivalent failure. Retried.
	ClassServer

	// ClassTransport is a timeout or connection failure with no usable
	// response. Retried.
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassClient:
		return "client_error"
	case ClassAuth:
		return "auth_error"
	case ClassServer:
		return "server_error"
	case ClassTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the class is eligible for retry at all.
func (c Class) Retryable() bool {
	return c == ClassServer || c == ClassTransport
}

// Policy configures exponential backoff for one endpoint.
type Policy struct {
	// MaxRetries is the total attempt budget, counting the first try.
	MaxRetries int

	// BackoffFactor is the exponential base, in seconds.
	BackoffFactor float64

	// MaxBackoff caps every computed delay.
	MaxBackoff time.Duration

	// Jitter overrides the uniform [0,1) jitter source. Nil uses the
	// shared math/rand source; tests inject a deterministic one.
	Jitter func() float64
}

// DefaultPolicy returns the policy used when an endpoint leaves retry
// tuning unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BackoffFactor: 2.0,
		MaxBackoff:    30 * time.Second,
	}
}

// ApplyDefaults fills unset fields.
func (p *Policy) ApplyDefaults() {
	defaults := DefaultPolicy()
	if p.MaxRetries == 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = defaults.BackoffFactor
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
}

// NextDelay computes the backoff before the attempt-th retry, counting
// from 0: backoffFactor^attempt seconds plus uniform [0,1) jitter, capped
// at MaxBackoff.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	jitter := rand.Float64
	if p.Jitter != nil {
		jitter = p.Jitter
	}

	seconds := math.Pow(p.BackoffFactor, float64(attempt)) + jitter()
	// Compare in float space: the power term overflows time.Duration long
	// before attempt gets large.
	if seconds >= p.MaxBackoff.Seconds() {
		return p.MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// completed tries (1-indexed) out of a maxRetries total budget. Only
// server-class failures and transport timeouts retry; client errors never
// do.
func ShouldRetry(class Class, attempt, maxRetries int) bool {
	if !class.Retryable() {
		return false
	}
	return attempt < maxRetries
}

// ClassifyStatus maps an HTTP status code to a failure class.
func ClassifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 400:
		return ClassNone
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusTooManyRequests:
		// Transient despite the 4xx range.
		return ClassServer
	case code >= 400 && code < 500:
		return ClassClient
	default:
		return ClassServer
	}
}

// ClassifyError maps a transport-level error (no usable response) to a
// failure class. Timeouts, connection resets, and DNS failures all land
// in ClassTransport.
func ClassifyError(err error) Class {
	if err == nil {
		return ClassNone
	}
	return ClassTransport
}
