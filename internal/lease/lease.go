// Package lease decides whether a running startup request is still within
// its time window.
package lease

import (
	"time"

	"github.com/loykin/launchr/internal/store"
)

// DefaultDuration is the lease granted to a started project.
const DefaultDuration = time.Hour

// Deadline returns the expiry of a lease of d started at start.
func Deadline(start time.Time, d time.Duration) time.Time {
	return start.Add(d)
}

// Active reports whether rec is approved, started, running and not past its expiry.
func Active(rec store.Request, now time.Time) bool {
	if rec.Status != store.StatusApproved || !rec.IsRunning {
		return false
	}
	if rec.StartedAt == nil || rec.StartedAt.After(now) {
		return false
	}
	return rec.ExpiresAt == nil || rec.ExpiresAt.After(now)
}

// Expired reports whether rec is still marked running although its lease ran out.
func Expired(rec store.Request, now time.Time) bool {
	return rec.Status == store.StatusApproved && rec.IsRunning &&
		rec.ExpiresAt != nil && !rec.ExpiresAt.After(now)
}
