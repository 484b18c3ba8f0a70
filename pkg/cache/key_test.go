package cache

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "endpoint only",
			key:  Key{Endpoint: "search/repositories"},
			want: "ghstars:http:search/repositories",
		},
		{
			name: "slashes trimmed",
			key:  Key{Endpoint: "/repos/golang/go/commits/"},
			want: "ghstars:http:repos/golang/go/commits",
		},
		{
			name: "query sorted",
			key: Key{
				Endpoint: "repos/golang/go/commits",
				Query:    url.Values{"per_page": {"30"}, "page": {"2"}},
			},
			want: "ghstars:http:repos/golang/go/commits:page=2:per_page=30",
		},
		{
			name: "since left out",
			key: Key{
				Endpoint: "repos/golang/go/commits",
				Query:    url.Values{"since": {"2026-10-18T12:00:00Z"}, "per_page": {"30"}},
			},
			want: "ghstars:http:repos/golang/go/commits:per_page=30",
		},
		{
			name: "multi-valued query",
			key:  Key{Endpoint: "x", Query: url.Values{"a": {"1", "2"}}},
			want: "ghstars:http:x:a=1,2",
		},
		{
			name: "scope",
			key:  Key{Endpoint: "x", Scope: "ab12"},
			want: "ghstars:http:ab12:x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	key := Key{
		Endpoint: "search/repositories",
		Query:    url.Values{"q": {"stars:>1"}, "sort": {"stars"}, "order": {"desc"}, "per_page": {"100"}},
	}

	first := key.String()
	for i := 0; i < 50; i++ {
		if got := key.String(); got != first {
			t.Fatalf("Key.String() not deterministic: %q != %q", got, first)
		}
	}
}

func TestKey_SinceDoesNotSplitEntries(t *testing.T) {
	monday := Key{Endpoint: "repos/golang/go/commits", Query: url.Values{"per_page": {"100"}, "since": {"2026-10-18T12:00:00Z"}}}
	tuesday := Key{Endpoint: "repos/golang/go/commits", Query: url.Values{"per_page": {"100"}, "since": {"2026-10-19T12:00:00Z"}}}

	assert.Equal(t, monday.String(), tuesday.String())
	assert.True(t, monday.HasVolatileParams())
	assert.False(t, Key{Endpoint: "search/repositories", Query: url.Values{"q": {"stars:>1"}}}.HasVolatileParams())
}

func TestKey_Storable(t *testing.T) {
	withSince := Key{Endpoint: "repos/golang/go/commits", Query: url.Values{"since": {"2026-10-18T12:00:00Z"}}}
	plain := Key{Endpoint: "search/repositories"}
	modified := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		key   Key
		entry *Entry
		want  bool
	}{
		{"nil entry", plain, nil, false},
		{"no validators", plain, &Entry{Body: []byte("[]")}, false},
		{"etag", withSince, &Entry{ETag: `"abc"`}, true},
		{"last-modified without since", plain, &Entry{LastModified: modified}, true},
		{"last-modified with since", withSince, &Entry{LastModified: modified}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Storable(tt.entry))
		})
	}
}
