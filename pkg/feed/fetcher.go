package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Fetcher retrieves and parses the XContest RSS/Atom feed. It does no retries,
// backoff on failures belongs to the caller.
type Fetcher struct {
	url       string
	client    *http.Client
	userAgent string
}

// NewFetcher creates a fetcher for the given feed URL with a bounded request timeout
func NewFetcher(url string, timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// Fetch downloads and parses the feed, returning entries in feed-delivery order.
// Fails explicitly on network errors, non-2xx responses and unparsable documents.
func (f *Fetcher) Fetch(ctx context.Context) ([]Entry, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer body.Close() //nolint:errcheck // read-only body

	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.url, err)
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entry := Entry{
			Title:   item.Title,
			Link:    strings.TrimSpace(item.Link),
			Summary: item.Description,
		}

		// set GUID with fallbacks, dedup needs a stable identity
		switch {
		case item.GUID != "":
			entry.GUID = item.GUID
		case entry.Link != "":
			entry.GUID = entry.Link
		default:
			entry.GUID = fmt.Sprintf("%s-%s", parsed.Title, item.Title)
		}

		if item.PublishedParsed != nil {
			entry.Published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			entry.Published = *item.UpdatedParsed
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// get retrieves the raw feed document
func (f *Fetcher) get(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", f.url, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
