//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"sync"
	"time"
)

// Throttle publishes a portal-imposed retry deadline to every background
// task. The portal answers rate-limited requests and account lockouts
// with a deadline; until it passes, no task should touch the portal at
// all, whichever task discovered it. Safe for concurrent use.
type Throttle struct {
	mu    sync.Mutex
	until time.Time
}

// Suspend records a deadline. A later deadline extends the suspension;
// an earlier one never shortens it.
func (t *Throttle) Suspend(until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if until.After(t.until) {
		t.until = until
	}
}

// Pending returns the deadline while it still lies in the future.
func (t *Throttle) Pending() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Now().Before(t.until) {
		return t.until, true
	}

	return time.Time{}, false
}
