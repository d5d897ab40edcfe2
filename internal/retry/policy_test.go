package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_NextDelay_Deterministic(t *testing.T) {
	// Fixed jitter makes the sequence exact: 2^n + 0.5 seconds.
	p := Policy{
		MaxRetries:    3,
		BackoffFactor: 2.0,
		MaxBackoff:    30 * time.Second,
		Jitter:        func() float64 { return 0.5 },
	}

	assert.Equal(t, 1500*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 2500*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 4500*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 8500*time.Millisecond, p.NextDelay(3))
}

func TestPolicy_NextDelay_CappedAtMaxBackoff(t *testing.T) {
	p := Policy{
		BackoffFactor: 2.0,
		MaxBackoff:    10 * time.Second,
		Jitter:        func() float64 { return 0.9 },
	}

	assert.Equal(t, 10*time.Second, p.NextDelay(4))  // 16.9s capped
	assert.Equal(t, 10*time.Second, p.NextDelay(20)) // way past the cap
	assert.Equal(t, 10*time.Second, p.NextDelay(500))
}

func TestPolicy_NextDelay_NonDecreasingInExpectation(t *testing.T) {
	src := rand.New(rand.NewSource(42))
	p := Policy{
		BackoffFactor: 2.0,
		MaxBackoff:    5 * time.Minute,
		Jitter:        src.Float64,
	}

	// The jitter term is bounded by 1s while the power term doubles, so
	// successive delays past attempt 0 are strictly ordered.
	prev := p.NextDelay(1)
	for attempt := 2; attempt < 8; attempt++ {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxBackoff)
		prev = d
	}
}

func TestPolicy_NextDelay_NegativeAttemptClamped(t *testing.T) {
	p := Policy{
		BackoffFactor: 2.0,
		MaxBackoff:    30 * time.Second,
		Jitter:        func() float64 { return 0 },
	}
	assert.Equal(t, p.NextDelay(0), p.NextDelay(-3))
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		class      Class
		attempt    int
		maxRetries int
		want       bool
	}{
		{name: "server error with budget", class: ClassServer, attempt: 1, maxRetries: 3, want: true},
		{name: "server error at budget", class: ClassServer, attempt: 3, maxRetries: 3, want: false},
		{name: "transport error with budget", class: ClassTransport, attempt: 2, maxRetries: 3, want: true},
		{name: "client error never", class: ClassClient, attempt: 1, maxRetries: 3, want: false},
		{name: "auth error never", class: ClassAuth, attempt: 1, maxRetries: 3, want: false},
		{name: "success never", class: ClassNone, attempt: 1, maxRetries: 3, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.class, tt.attempt, tt.maxRetries))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Class
	}{
		{200, ClassNone},
		{204, ClassNone},
		{301, ClassNone},
		{400, ClassClient},
		{401, ClassAuth},
		{403, ClassAuth},
		{404, ClassClient},
		{422, ClassClient},
		{429, ClassServer},
		{500, ClassServer},
		{502, ClassServer},
		{503, ClassServer},
		{504, ClassServer},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatus(tt.code), "status %d", tt.code)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ClassNone, ClassifyError(nil))
	assert.Equal(t, ClassTransport, ClassifyError(errors.New("connection refused")))
}

func TestPolicy_ApplyDefaults(t *testing.T) {
	var p Policy
	p.ApplyDefaults()

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 2.0, p.BackoffFactor)
	assert.Equal(t, 30*time.Second, p.MaxBackoff)

	p2 := Policy{MaxRetries: 7}
	p2.ApplyDefaults()
	assert.Equal(t, 7, p2.MaxRetries)
	assert.Equal(t, 2.0, p2.BackoffFactor)
}
