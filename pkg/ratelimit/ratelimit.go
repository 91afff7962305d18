// Package ratelimit provides token-bucket admission control for tool
// executions. Every resource key (a tool, a target) owns an independent
// bucket so one loud tool cannot starve another's budget, and an optional
// global bucket caps aggregate admission across all keys.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/duration"
)

// Sentinel errors. Callers should use errors.Is() to check for these.
var (
	// ErrRateLimitTimeout means tokens did not become available within the
	// acquisition timeout. It is retryable backpressure, not a fatal error.
	ErrRateLimitTimeout = errors.New("ratelimit: timed out waiting for tokens")

	// ErrBurstExceeded means a single request asked for more tokens than the
	// bucket can ever hold.
	ErrBurstExceeded = errors.New("ratelimit: request exceeds bucket burst")
)

// Bucket configures one token bucket.
type Bucket struct {
	Rate  float64 `json:"rate" yaml:"rate" toml:"rate"`    // tokens per second, <= 0 means unlimited
	Burst int     `json:"burst" yaml:"burst" toml:"burst"` // capacity
}

// Config holds rate limiting configuration
type Config struct {
	// Default applies to every key without an override.
	Default Bucket

	// Global caps aggregate admission across all keys. A zero Rate disables it.
	Global Bucket

	// Overrides replaces Default for specific keys (see ToolKey, TargetKey).
	Overrides map[string]Bucket

	// Timeout is the acquisition timeout used when Acquire is given none.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults (150 tokens/sec, burst 10 like the
// original recon scripts)
func DefaultConfig() *Config {
	return &Config{
		Default: Bucket{Rate: defaults.RateLimit, Burst: defaults.Burst},
		Timeout: duration.AdmissionWait,
	}
}

// ToolKey returns the bucket key for a tool name.
func ToolKey(tool string) string { return "tool:" + tool }

// TargetKey returns the bucket key for a scan target.
func TargetKey(target string) string { return "target:" + target }

// tokenBucket implements a token bucket that may go into debt: a reservation
// larger than the current balance is granted with a wait equal to the time
// the refill needs to repay it.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(b Bucket, now time.Time) *tokenBucket {
	if b.Rate <= 0 {
		return nil
	}
	burst := b.Burst
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: b.Rate,
		lastRefill: now,
	}
}

// refill must be called with tb.mu held.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.lastRefill = now
	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
}

// reserve takes n tokens and reports how long the caller must wait before
// acting. If that wait would exceed maxWait nothing is taken and ok is false.
func (tb *tokenBucket) reserve(now time.Time, n float64, maxWait time.Duration) (wait time.Duration, ok bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= n {
		tb.tokens -= n
		return 0, true
	}

	needed := n - tb.tokens
	wait = time.Duration(needed / tb.refillRate * float64(time.Second))
	if wait > maxWait {
		return wait, false
	}
	tb.tokens -= n
	return wait, true
}

func (tb *tokenBucket) refund(now time.Time, n float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.tokens += n
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
}

func (tb *tokenBucket) available(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return tb.tokens
}

// Limiter provides keyed rate limiting for tool executions
type Limiter struct {
	config *Config
	now    func() time.Time

	global *tokenBucket

	buckets   map[string]*tokenBucket
	bucketsMu sync.RWMutex

	granted  atomic.Int64
	timeouts atomic.Int64
	refunds  atomic.Int64
}

// New creates a new rate limiter with the given configuration
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Limiter{
		config:  cfg,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
	l.global = newTokenBucket(cfg.Global, l.now())
	return l
}

// bucketFor returns the bucket for key, creating it on first use. A nil
// bucket means the key is unlimited.
func (l *Limiter) bucketFor(key string) *tokenBucket {
	l.bucketsMu.RLock()
	b, ok := l.buckets[key]
	l.bucketsMu.RUnlock()
	if ok {
		return b
	}

	l.bucketsMu.Lock()
	defer l.bucketsMu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = l.buckets[key]; ok {
		return b
	}

	cfg := l.config.Default
	if o, ok := l.config.Overrides[key]; ok {
		cfg = o
	}
	b = newTokenBucket(cfg, l.now())
	l.buckets[key] = b
	return b
}

// Reservation is a granted admission. Cancel refunds its tokens and must only
// be called when the admitted work never started.
type Reservation struct {
	key     string
	tokens  float64
	buckets []*tokenBucket
	limiter *Limiter
	once    sync.Once
}

// Key returns the resource key the reservation was made against.
func (r *Reservation) Key() string {
	if r == nil {
		return ""
	}
	return r.key
}

// Cancel returns the reserved tokens to every bucket they were taken from.
// It is safe to call more than once and on a nil reservation.
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if len(r.buckets) == 0 {
			return
		}
		now := r.limiter.now()
		for _, b := range r.buckets {
			b.refund(now, r.tokens)
		}
		r.limiter.refunds.Add(1)
	})
}

// Acquire blocks until tokens are available on both the key's bucket and the
// global bucket, or fails with ErrRateLimitTimeout once timeout elapses. When
// the required wait is already known to exceed the timeout it fails at once
// instead of sleeping first. A timeout <= 0 uses Config.Timeout, and if that
// is also zero only ctx bounds the wait.
//
// If ctx is cancelled while waiting, the tokens are refunded and ctx.Err() is
// returned.
func (l *Limiter) Acquire(ctx context.Context, key string, tokens int, timeout time.Duration) (*Reservation, error) {
	if tokens <= 0 {
		tokens = 1
	}
	if timeout <= 0 {
		timeout = l.config.Timeout
	}
	maxWait := time.Duration(math.MaxInt64)
	if timeout > 0 {
		maxWait = timeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < maxWait {
			maxWait = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := float64(tokens)
	res := &Reservation{key: key, tokens: n, limiter: l}

	var wait time.Duration
	for _, b := range []*tokenBucket{l.bucketFor(key), l.global} {
		if b == nil {
			continue
		}
		if n > b.maxTokens {
			res.Cancel()
			return nil, fmt.Errorf("%w: key %q wants %d tokens, burst is %.0f", ErrBurstExceeded, key, tokens, b.maxTokens)
		}
		w, ok := b.reserve(l.now(), n, maxWait)
		if !ok {
			res.Cancel()
			l.timeouts.Add(1)
			return nil, fmt.Errorf("%w: key %q needs %s, limit %s", ErrRateLimitTimeout, key, w.Round(time.Millisecond), maxWait)
		}
		res.buckets = append(res.buckets, b)
		if w > wait {
			wait = w
		}
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			res.Cancel()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				l.timeouts.Add(1)
				return nil, fmt.Errorf("%w: key %q: %w", ErrRateLimitTimeout, key, ctx.Err())
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	l.granted.Add(1)
	return res, nil
}

// Tokens returns the tokens currently available for key, ignoring the global
// bucket. Unlimited keys report -1.
func (l *Limiter) Tokens(key string) float64 {
	b := l.bucketFor(key)
	if b == nil {
		return -1
	}
	return b.available(l.now())
}

// Stats returns current rate limiter statistics
type Stats struct {
	Keys     int   `json:"keys"`
	Granted  int64 `json:"granted"`
	Timeouts int64 `json:"timeouts"`
	Refunds  int64 `json:"refunds"`
	// GlobalTokens is the global bucket balance, or -1 when it is disabled.
	GlobalTokens float64 `json:"global_tokens"`
}

// Stats returns a point-in-time snapshot.
func (l *Limiter) Stats() Stats {
	l.bucketsMu.RLock()
	keys := len(l.buckets)
	l.bucketsMu.RUnlock()

	s := Stats{
		Keys:         keys,
		Granted:      l.granted.Load(),
		Timeouts:     l.timeouts.Load(),
		Refunds:      l.refunds.Load(),
		GlobalTokens: -1,
	}
	if l.global != nil {
		s.GlobalTokens = l.global.available(l.now())
	}
	return s
}

// ClearKey removes the bucket for a specific key.
// This helps prevent unbounded memory growth across many targets.
func (l *Limiter) ClearKey(key string) {
	l.bucketsMu.Lock()
	defer l.bucketsMu.Unlock()
	delete(l.buckets, key)
}
