// Package hosterrors tracks scan targets whose tools keep failing with
// connection-level errors. Once a target reaches the error threshold, later
// tool executions against it fail fast instead of spawning processes that
// can only time out.
//
// Usage:
//
//	if tracker.Check(task.Target) {
//	    return errTargetUnreachable
//	}
//	res := run(task)
//	if hosterrors.IsUnreachableOutput(stderr) {
//	    tracker.MarkError(task.Target)
//	} else if res.Success {
//	    tracker.Clear(task.Target)
//	}
package hosterrors

import (
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/naviyanka/lleo/pkg/duration"
)

// DefaultMaxErrors is the number of unreachable failures before a target is
// skipped.
const DefaultMaxErrors = 5

// DefaultExpiry is how long a failed target stays skipped.
var DefaultExpiry = duration.CacheTTL

// targetState tracks the error count and expiration for a target
type targetState struct {
	mu        sync.RWMutex
	count     int32
	markedAt  time.Time
	permanent bool
}

// Tracker stores targets that have failed connectivity.
type Tracker struct {
	targets   sync.Map // map[string]*targetState
	maxErrors int32
	expiry    time.Duration
	hits      atomic.Int64
	misses    atomic.Int64
}

// New creates a tracker. maxErrors <= 0 uses DefaultMaxErrors and expiry <= 0
// uses DefaultExpiry.
func New(maxErrors int, expiry time.Duration) *Tracker {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		maxErrors: int32(maxErrors),
		expiry:    expiry,
	}
}

func (t *Tracker) state(target string) *targetState {
	if v, ok := t.targets.Load(target); ok {
		return v.(*targetState)
	}
	actual, _ := t.targets.LoadOrStore(target, &targetState{})
	return actual.(*targetState)
}

// MarkError records an unreachable failure. It returns true once the target
// has reached the threshold.
func (t *Tracker) MarkError(target string) bool {
	target = normalizeTarget(target)
	if target == "" {
		return false
	}
	st := t.state(target)

	// All state modifications under lock to prevent TOCTOU race
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.permanent && !st.markedAt.IsZero() && time.Since(st.markedAt) > t.expiry {
		st.count = 0
		st.markedAt = time.Time{}
	}

	st.count++
	if st.count >= t.maxErrors {
		if st.markedAt.IsZero() {
			st.markedAt = time.Now()
		}
		return true
	}
	return false
}

// MarkPermanent skips the target for the rest of the session, for failures
// such as a name that does not resolve.
func (t *Tracker) MarkPermanent(target string) {
	target = normalizeTarget(target)
	if target == "" {
		return
	}
	st := t.state(target)
	st.mu.Lock()
	st.count = t.maxErrors
	st.markedAt = time.Now()
	st.permanent = true
	st.mu.Unlock()
}

// Check returns true if the target should be skipped.
func (t *Tracker) Check(target string) bool {
	target = normalizeTarget(target)
	if target == "" {
		return false
	}
	v, ok := t.targets.Load(target)
	if !ok {
		t.misses.Add(1)
		return false
	}
	st := v.(*targetState)

	st.mu.RLock()
	count, permanent, markedAt := st.count, st.permanent, st.markedAt
	st.mu.RUnlock()

	if count < t.maxErrors {
		t.misses.Add(1)
		return false
	}
	if !permanent && time.Since(markedAt) > t.expiry {
		st.mu.Lock()
		// Double-check under write lock (another goroutine may have reset)
		if st.count >= t.maxErrors && !st.permanent && time.Since(st.markedAt) > t.expiry {
			st.count = 0
			st.markedAt = time.Time{}
		}
		st.mu.Unlock()
		t.misses.Add(1)
		return false
	}
	t.hits.Add(1)
	return true
}

// Clear forgets a target, e.g. after a tool reached it successfully.
func (t *Tracker) Clear(target string) {
	if target = normalizeTarget(target); target != "" {
		t.targets.Delete(target)
	}
}

// Size returns the number of tracked targets.
func (t *Tracker) Size() int {
	n := 0
	t.targets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns skip/pass counts from Check.
func (t *Tracker) Stats() (hits, misses int64) {
	return t.hits.Load(), t.misses.Load()
}

// normalizeTarget extracts and lowercases the host from a URL, host:port or
// bare host.
func normalizeTarget(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if strings.Contains(input, "://") {
		if u, err := url.Parse(input); err == nil && u.Host != "" {
			input = u.Host
		}
	}
	host, _, err := net.SplitHostPort(input)
	if err != nil {
		host = input
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// unreachableIndicators are stderr fragments external tools print when the
// target itself cannot be reached, as opposed to the tool failing.
var unreachableIndicators = []string{
	"connection refused",
	"no route to host",
	"network is unreachable",
	"host is down",
	"no such host",
	"could not resolve",
	"failed to resolve",
}

// IsUnreachableOutput reports whether tool output says the target is
// unreachable.
func IsUnreachableOutput(output string) bool {
	if output == "" {
		return false
	}
	lower := strings.ToLower(output)
	for _, ind := range unreachableIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}
