package cache

import (
	"time"
)

// Entry is a cached response body with its validators.
type Entry struct {
	// Body is the raw response payload.
	Body []byte `json:"body"`

	// ETag is replayed as If-None-Match.
	ETag string `json:"etag,omitempty"`

	// LastModified is replayed as If-Modified-Since when no ETag is present.
	LastModified time.Time `json:"last_modified,omitempty"`

	// CachedAt is when the response was stored or last revalidated.
	CachedAt time.Time `json:"cached_at"`
}

// Revalidatable reports whether the entry carries a validator GitHub can
// answer with 304.
func (e *Entry) Revalidatable() bool {
	return e != nil && (e.ETag != "" || !e.LastModified.IsZero())
}

// Age returns how long ago the entry was stored or revalidated.
func (e *Entry) Age(now time.Time) time.Duration {
	if e == nil || e.CachedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CachedAt)
}
