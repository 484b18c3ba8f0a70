// Package testutil provides an in-memory GitHub REST API for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockRepository is one repository served by MockGitHub, listed in the
// order it was added.
type MockRepository struct {
	Owner    string
	Name     string
	Stars    int
	Watchers int
	Forks    int
	// Language is omitted from the JSON when empty.
	Language string
	// Delay is applied to every commits request of this repository.
	Delay time.Duration
}

// MockCommit is one commit on a repository's default branch.
type MockCommit struct {
	// Login is the linked author; empty renders "author": null.
	Login string
	Date  time.Time
}

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockGitHub is a configurable mock of the search and commits endpoints.
type MockGitHub struct {
	server *httptest.Server

	mu       sync.RWMutex
	repos    []MockRepository
	commits  map[string][]MockCommit
	handlers map[string]http.HandlerFunc
	failures map[string][]MockResponse

	// Tracking
	requestCount      int
	pathCounts        map[string]int
	lastRequestHeader http.Header
}

// NewMockGitHub starts a mock server.
func NewMockGitHub() *MockGitHub {
	mock := &MockGitHub{
		commits:    make(map[string][]MockCommit),
		handlers:   make(map[string]http.HandlerFunc),
		failures:   make(map[string][]MockResponse),
		pathCounts: make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Client returns an HTTP client for the mock server.
func (m *MockGitHub) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// AddRepository appends a repository to the search listing.
func (m *MockGitHub) AddRepository(repo MockRepository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos = append(m.repos, repo)
}

// AddCommits adds commits to owner/name.
func (m *MockGitHub) AddCommits(owner, name string, commits ...MockCommit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + "/" + name
	m.commits[key] = append(m.commits[key], commits...)
}

// SetHandler overrides the handler for a path, e.g. "/repos/a/b/commits".
func (m *MockGitHub) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// FailNext makes the next len(responses) requests to path return responses
// in order before normal handling resumes.
func (m *MockGitHub) FailNext(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], responses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockGitHub) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockGitHub) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader.Clone()
}

func (m *MockGitHub) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	m.pathCounts[r.URL.Path]++
	m.lastRequestHeader = r.Header.Clone()

	var failure *MockResponse
	if queued := m.failures[r.URL.Path]; len(queued) > 0 {
		failure = &queued[0]
		m.failures[r.URL.Path] = queued[1:]
	}
	handler, custom := m.handlers[r.URL.Path]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "4999")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	w.Header().Set("X-RateLimit-Resource", "core")
	if strings.HasPrefix(r.URL.Path, "/search/") {
		w.Header().Set("X-RateLimit-Limit", "30")
		w.Header().Set("X-RateLimit-Remaining", "29")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		w.Header().Set("X-RateLimit-Resource", "search")
	}

	switch {
	case failure != nil:
		WriteResponse(w, *failure)
	case custom:
		handler(w, r)
	case r.URL.Path == "/search/repositories":
		m.search(w, r)
	case strings.HasPrefix(r.URL.Path, "/repos/") && strings.HasSuffix(r.URL.Path, "/commits"):
		m.listCommits(w, r)
	default:
		WriteResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"message":"Not Found"}`})
	}
}

func (m *MockGitHub) search(w http.ResponseWriter, r *http.Request) {
	perPage := intParam(r, "per_page", 30)

	m.mu.RLock()
	repos := append([]MockRepository(nil), m.repos...)
	m.mu.RUnlock()

	if len(repos) > perPage {
		repos = repos[:perPage]
	}

	items := make([]map[string]any, 0, len(repos))
	for _, repo := range repos {
		item := map[string]any{
			"name":             repo.Name,
			"full_name":        repo.Owner + "/" + repo.Name,
			"owner":            map[string]any{"login": repo.Owner},
			"stargazers_count": repo.Stars,
			"watchers_count":   repo.Watchers,
			"forks_count":      repo.Forks,
		}
		if repo.Language != "" {
			item["language"] = repo.Language
		}
		items = append(items, item)
	}

	writeJSON(w, map[string]any{
		"total_count":        len(items),
		"incomplete_results": false,
		"items":              items,
	})
}

func (m *MockGitHub) listCommits(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 {
		WriteResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: `{"message":"Not Found"}`})
		return
	}
	key := parts[1] + "/" + parts[2]

	m.mu.RLock()
	commits := append([]MockCommit(nil), m.commits[key]...)
	var delay time.Duration
	for _, repo := range m.repos {
		if repo.Owner+"/"+repo.Name == key {
			delay = repo.Delay
		}
	}
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			WriteResponse(w, MockResponse{StatusCode: http.StatusUnprocessableEntity, Body: `{"message":"Invalid since"}`})
			return
		}
		filtered := commits[:0]
		for _, c := range commits {
			if !c.Date.Before(t) {
				filtered = append(filtered, c)
			}
		}
		commits = filtered
	}

	// newest first, like GitHub
	sort.SliceStable(commits, func(i, j int) bool { return commits[i].Date.After(commits[j].Date) })

	perPage := intParam(r, "per_page", 30)
	page := intParam(r, "page", 1)
	from := (page - 1) * perPage
	if from > len(commits) {
		from = len(commits)
	}
	to := from + perPage
	if to > len(commits) {
		to = len(commits)
	}

	out := make([]map[string]any, 0, to-from)
	for i, c := range commits[from:to] {
		var author any
		if c.Login != "" {
			author = map[string]any{"login": c.Login}
		}
		out = append(out, map[string]any{
			"sha":    strconv.Itoa(from + i),
			"author": author,
			"commit": map[string]any{
				"author": map[string]any{"date": c.Date.UTC().Format(time.RFC3339)},
			},
		})
	}

	writeJSON(w, out)
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// WriteResponse writes a canned response.
func WriteResponse(w http.ResponseWriter, resp MockResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Server Error"}`,
	}
}

// NewBadGatewayResponse creates a 502 Bad Gateway response.
func NewBadGatewayResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadGateway,
		Body:       `{"message":"Bad Gateway"}`,
	}
}

// NewMalformedResponse creates a 200 response whose body is not valid JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"items": [`,
	}
}
