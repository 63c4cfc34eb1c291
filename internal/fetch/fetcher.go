// Package fetch is the boundary to the external listing scraper: the
// Fetcher contract the scheduler polls through, and the HTTP JSON
// implementation used in production.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/netutil"
)

const (
	defaultMaxPages      = 50
	parseRetries         = 2
	defaultRateLimitWait = 30 * time.Second
)

// Result is one scrape of a target: the listings visible on the fetched
// pages plus the coverage bookkeeping the diff engine needs.
type Result struct {
	Listings      []model.RawListing
	TotalListings int
	PagesScraped  int
	TotalPages    int
	ScrapedAtNs   int64
	Source        string
}

// FullCoverage reports whether the scrape saw every page the remote
// advertised. Only a full-coverage snapshot may confirm removals.
func (r *Result) FullCoverage() bool {
	return r.TotalPages > 0 && r.PagesScraped >= r.TotalPages
}

// Fetcher produces listing snapshots for polling targets. full=false fetches
// the first page only.
type Fetcher interface {
	Fetch(ctx context.Context, target *model.PollingTarget, full bool) (*Result, error)
}

// HTTPFetcher walks a target's paged JSON feed. Timeout and User-Agent are
// pulled per request so runtime config changes apply without a restart.
type HTTPFetcher struct {
	Client      *http.Client
	TimeoutFn   func() time.Duration
	UserAgentFn func() string

	// MaxPages caps a full walk against nonsense page totals. A capped walk
	// reports partial coverage, which suppresses removal detection.
	MaxPages int
}

// NewHTTPFetcher creates a fetcher that pulls timeout/user-agent from
// callbacks on each request.
func NewHTTPFetcher(timeoutFn func() time.Duration, userAgentFn func() string) *HTTPFetcher {
	if timeoutFn == nil {
		panic("fetch: NewHTTPFetcher requires non-nil timeoutFn")
	}
	if userAgentFn == nil {
		panic("fetch: NewHTTPFetcher requires non-nil userAgentFn")
	}
	return &HTTPFetcher{
		Client:      &http.Client{},
		TimeoutFn:   timeoutFn,
		UserAgentFn: userAgentFn,
		MaxPages:    defaultMaxPages,
	}
}

// pagePayload is the scraper's page envelope. Listings stay raw so each can
// be decoded independently and carried through to storage verbatim.
type pagePayload struct {
	Listings      []json.RawMessage `json:"listings"`
	TotalListings int               `json:"total_listings"`
	Page          int               `json:"page"`
	TotalPages    int               `json:"total_pages"`
}

// Fetch scrapes target. The first page decides the page plan; full walks
// the rest in order and stops at MaxPages.
func (f *HTTPFetcher) Fetch(ctx context.Context, target *model.PollingTarget, full bool) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	base, err := url.Parse(target.URL)
	if err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("target %s: %w", target.ID, err)}
	}

	res := &Result{
		Source:      netutil.NormalizeSource(target.URL),
		ScrapedAtNs: time.Now().UnixNano(),
	}

	first, err := f.fetchPage(ctx, base, 1)
	if err != nil {
		return nil, err
	}
	res.TotalListings = first.TotalListings
	res.TotalPages = first.TotalPages
	if res.TotalPages <= 0 {
		res.TotalPages = 1
	}
	res.PagesScraped = 1
	res.Listings = appendDecoded(res.Listings, first.Listings)

	if !full {
		if res.TotalListings == 0 {
			res.TotalListings = len(res.Listings)
		}
		return res, nil
	}

	limit := res.TotalPages
	maxPages := f.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	if limit > maxPages {
		limit = maxPages
	}
	for page := 2; page <= limit; page++ {
		p, err := f.fetchPage(ctx, base, page)
		if err != nil {
			return nil, err
		}
		res.Listings = appendDecoded(res.Listings, p.Listings)
		res.PagesScraped++
	}
	if res.TotalListings == 0 {
		res.TotalListings = len(res.Listings)
	}
	return res, nil
}

// fetchPage requests one page, retrying a malformed body a couple of times
// before failing the cycle with the ParseError.
func (f *HTTPFetcher) fetchPage(ctx context.Context, base *url.URL, page int) (*pagePayload, error) {
	target := pageURL(base, page)
	var lastErr error
	for attempt := 0; attempt <= parseRetries; attempt++ {
		payload, err := f.doRequest(ctx, target)
		if err == nil {
			return payload, nil
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *HTTPFetcher) doRequest(ctx context.Context, pageURL string) (*pagePayload, error) {
	timeout := f.TimeoutFn()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := f.UserAgentFn(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransientError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{URL: pageURL, RetryAfter: retryAfterHeader(resp, defaultRateLimitWait)}
	case resp.StatusCode >= 500:
		return nil, &TransientError{URL: pageURL, Err: &HTTPStatusError{StatusCode: resp.StatusCode, URL: pageURL}}
	default:
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: pageURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{URL: pageURL, Err: err}
	}

	var payload pagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}
	if payload.Listings == nil {
		return nil, &ParseError{URL: pageURL, Err: errors.New("payload has no listings array")}
	}
	return &payload, nil
}

// pageURL appends the page selector for pages past the first; page 1 is the
// configured URL untouched.
func pageURL(base *url.URL, page int) string {
	if page <= 1 {
		return base.String()
	}
	u := *base
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}

// knownListingKeys are the typed RawListing fields; any other payload key
// flows into Extra so custom tracked fields stay addressable by name.
var knownListingKeys = []string{
	"id", "title", "price", "condition", "location", "url",
	"image_urls", "etag", "last_modified", "extra", "raw",
}

// appendDecoded decodes each listing blob onto dst. A malformed listing is
// dropped with a log line rather than failing the page around it.
func appendDecoded(dst []model.RawListing, blobs []json.RawMessage) []model.RawListing {
	for _, blob := range blobs {
		rl, err := decodeListing(blob)
		if err != nil {
			log.Printf("[fetch] dropping malformed listing: %v", err)
			continue
		}
		dst = append(dst, rl)
	}
	return dst
}

func decodeListing(blob json.RawMessage) (model.RawListing, error) {
	var rl model.RawListing
	if err := json.Unmarshal(blob, &rl); err != nil {
		return model.RawListing{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return model.RawListing{}, err
	}
	for _, k := range knownListingKeys {
		delete(m, k)
	}
	if len(m) > 0 {
		rl.Extra = m
	}
	rl.Raw = append(json.RawMessage(nil), blob...)
	return rl, nil
}
