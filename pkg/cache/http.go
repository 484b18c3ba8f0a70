package cache

import (
	"net/http"
	"time"
)

// EntryFromResponse builds an entry from a successful response and its
// already-read body. It returns nil when the response carries no validator,
// since such a response can never be revalidated.
func EntryFromResponse(resp *http.Response, body []byte) *Entry {
	if resp == nil {
		return nil
	}

	entry := &Entry{
		Body:     body,
		ETag:     resp.Header.Get("ETag"),
		CachedAt: time.Now(),
	}

	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		if parsed, err := http.ParseTime(lastMod); err == nil {
			entry.LastModified = parsed
		}
	}

	if !entry.Revalidatable() {
		return nil
	}
	return entry
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when the
// entry has no ETag.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if req == nil || !entry.Revalidatable() {
		return
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
