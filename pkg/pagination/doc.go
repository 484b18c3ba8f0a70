// Package pagination drains page-numbered GitHub collection endpoints.
//
// GitHub's page-numbered listings are fetched strictly in sequence with
// incrementing page numbers. The walk stops at the first page holding fewer
// items than the requested page size; no total-count or Link header is
// consulted, so an upstream that keeps returning full pages is followed
// without bound.
//
// Example usage:
//
//	commits, err := pagination.FetchAll[github.RepositoryCommit](ctx, apiClient,
//		"repos/golang/go/commits", url.Values{"since": {since}}, 30)
package pagination
