package perms

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultThrottleWindow suppresses repeat denial logs for the same
	// (guild, user, command, feature) tuple inside one minute.
	DefaultThrottleWindow = 60 * time.Second

	// DefaultThrottleCapacity bounds the throttle's key space. Eviction of
	// an idle key only means its next denial logs again, which is the same
	// outcome as the window expiring.
	DefaultThrottleCapacity = 8192
)

// DenialThrottle rate-limits denial log events. It is a log limiter, not a
// security control: the deny decision is already made by the time ShouldLog
// is consulted, and a suppressed log never changes it.
type DenialThrottle struct {
	mu      sync.Mutex
	window  time.Duration
	entries *lru.Cache[string, time.Time]

	// now is swapped in tests to step time deterministically.
	now func() time.Time
}

// NewDenialThrottle builds a throttle. Non-positive window or capacity fall
// back to the defaults.
func NewDenialThrottle(window time.Duration, capacity int) *DenialThrottle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	if capacity <= 0 {
		capacity = DefaultThrottleCapacity
	}
	// lru.New only errors on a non-positive size, which is handled above.
	entries, _ := lru.New[string, time.Time](capacity)
	return &DenialThrottle{
		window:  window,
		entries: entries,
		now:     time.Now,
	}
}

// ShouldLog reports whether a denial for the tuple should be logged now.
// A true result records the current time as the tuple's last log; a false
// result leaves the state untouched.
func (t *DenialThrottle) ShouldLog(guildID, userID, command, featureKey string) bool {
	key := strings.Join([]string{guildID, userID, command, featureKey}, "\x1f")

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.entries.Get(key); ok && now.Sub(last) <= t.window {
		return false
	}
	t.entries.Add(key, now)
	return true
}

// Len returns the number of tracked tuples, for tests and diagnostics.
func (t *DenialThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}
