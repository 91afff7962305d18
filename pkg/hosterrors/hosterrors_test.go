package hosterrors

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkError_Threshold(t *testing.T) {
	tr := New(3, time.Minute)

	assert.False(t, tr.MarkError("example.com"))
	assert.False(t, tr.MarkError("example.com"))
	assert.True(t, tr.MarkError("example.com"), "third error reaches the threshold")
	assert.True(t, tr.Check("example.com"))
}

func TestCheck_Unknown(t *testing.T) {
	tr := New(2, time.Minute)
	assert.False(t, tr.Check("unknown.com"))
	assert.False(t, tr.Check(""))
	hits, misses := tr.Stats()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(1), misses)
}

func TestCheck_Expiry(t *testing.T) {
	tr := New(2, 50*time.Millisecond)
	tr.MarkError("expiring.com")
	tr.MarkError("expiring.com")
	assert.True(t, tr.Check("expiring.com"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, tr.Check("expiring.com"), "mark should expire")
	assert.False(t, tr.MarkError("expiring.com"), "count restarts after expiry")
}

func TestMarkPermanent(t *testing.T) {
	tr := New(5, 10*time.Millisecond)
	tr.MarkPermanent("gone.example")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, tr.Check("gone.example"), "permanent marks never expire")
}

func TestNormalization(t *testing.T) {
	tr := New(1, time.Minute)
	tr.MarkError("https://Example.COM:8443/path")

	for _, in := range []string{"example.com", "EXAMPLE.com.", "example.com:80", "http://example.com"} {
		assert.True(t, tr.Check(in), in)
	}
	assert.Equal(t, 1, tr.Size())

	tr.Clear("example.com")
	assert.False(t, tr.Check("example.com"))
	assert.Equal(t, 0, tr.Size())
}

func TestConcurrentMarks(t *testing.T) {
	tr := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tr.MarkError("busy.example")
			}
		}()
	}
	wg.Wait()
	assert.True(t, tr.Check("busy.example"), "exactly 100 marks must reach the threshold")
}

func TestIsUnreachableOutput(t *testing.T) {
	tests := []struct {
		out  string
		want bool
	}{
		{"", false},
		{"[ERR] dial tcp 10.0.0.1:443: connect: connection refused", true},
		{"Could not resolve host: nope.invalid", true},
		{"lookup nope.invalid: no such host", true},
		{"flag provided but not defined: -bogus", false},
		{"[INF] Found 12 subdomains", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsUnreachableOutput(tt.out), tt.out)
	}
}
