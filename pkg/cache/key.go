package cache

import (
	"sort"
	"strings"
)

// KeyPrefix namespaces every cached response in Redis.
const KeyPrefix = "ghstars:http"

// VolatileParams change on every run without identifying a different
// resource. They are left out of the key so consecutive runs share an entry.
var VolatileParams = map[string]bool{"since": true}

// Key identifies a cached GitHub API response.
type Key struct {
	// Endpoint is the API path relative to the base URL (e.g. "search/repositories").
	Endpoint string

	// Query holds the request query parameters.
	Query map[string][]string

	// Scope separates responses fetched with different credentials. Empty for
	// unauthenticated use.
	Scope string
}

// String renders a deterministic Redis key. Volatile parameters are skipped.
// Format: ghstars:http[:scope]:endpoint[:name=v1,v2...]
//
// Example:
//
//	ghstars:http:repos/golang/go/commits:page=1:per_page=100
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if k.Scope != "" {
		parts = append(parts, k.Scope)
	}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	names := make([]string, 0, len(k.Query))
	for name := range k.Query {
		if VolatileParams[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		parts = append(parts, name+"="+strings.Join(k.Query[name], ","))
	}

	return strings.Join(parts, ":")
}

// HasVolatileParams reports whether the query carries a parameter the key
// does not encode.
func (k Key) HasVolatileParams() bool {
	for name := range k.Query {
		if VolatileParams[name] {
			return true
		}
	}
	return false
}

// Storable reports whether entry may be cached under k. A key that drops a
// volatile parameter only stores entries with an ETag: the ETag names the
// exact body, while If-Modified-Since would let a stale filter pass as 304.
func (k Key) Storable(entry *Entry) bool {
	if !entry.Revalidatable() {
		return false
	}
	return !k.HasVolatileParams() || entry.ETag != ""
}
