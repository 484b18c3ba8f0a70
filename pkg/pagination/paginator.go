package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// PageFetcher is the interface the request executor implements for one page.
type PageFetcher interface {
	// Get fetches endpoint with params and decodes the JSON body into out.
	Get(ctx context.Context, endpoint string, params url.Values, out any) error
}

// Query parameter names.
const (
	ParamPage    = "page"
	ParamPerPage = "per_page"
)

// FetchAll requests pages 1, 2, ... of endpoint with per_page=pageSize and
// returns every item in page order. Caller params are copied into each page
// request; page and per_page are always overwritten.
func FetchAll[T any](ctx context.Context, fetcher PageFetcher, endpoint string, params url.Values, pageSize int) ([]T, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("page size must be >= 1 (got %d)", pageSize)
	}

	start := time.Now()
	var items []T

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageItems, err := FetchPage[T](ctx, fetcher, endpoint, params, page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d of %s: %w", page, endpoint, err)
		}
		items = append(items, pageItems...)

		if len(pageItems) < pageSize {
			log.Debug().
				Str("endpoint", endpoint).
				Int("pages", page).
				Int("items", len(items)).
				Dur("duration", time.Since(start)).
				Msg("Pagination complete")
			return items, nil
		}
	}
}

// FetchPage requests a single page.
func FetchPage[T any](ctx context.Context, fetcher PageFetcher, endpoint string, params url.Values, page, pageSize int) ([]T, error) {
	if fetcher == nil {
		return nil, errors.New("page fetcher is nil")
	}

	query := make(url.Values, len(params)+2)
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	query.Set(ParamPerPage, strconv.Itoa(pageSize))
	query.Set(ParamPage, strconv.Itoa(page))

	var pageItems []T
	if err := fetcher.Get(ctx, endpoint, query, &pageItems); err != nil {
		return nil, err
	}
	return pageItems, nil
}
