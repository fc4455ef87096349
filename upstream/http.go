package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/akhenakh/tileproxy/grid"
)

const (
	defaultUserAgent = "tileproxy/1.0"
	// guards against a misbehaving upstream streaming forever
	maxTileBytes = 32 << 20

	defaultTimeout = 30 * time.Second
)

// HTTPFetcher GETs tiles below a base URL. Concurrent fetches of the same
// tile share one request, which runs detached from any single caller and is
// bounded by the fetcher timeout. Each caller still returns as soon as its
// own context is done.
type HTTPFetcher struct {
	base      string
	grid      *grid.Grid
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	timeout   time.Duration

	inflight singleflight.Group
}

// NewHTTPFetcher creates a fetcher for opts.URL. A zero RPS disables the
// outgoing rate limiter.
func NewHTTPFetcher(g *grid.Grid, opts Options) *HTTPFetcher {
	f := &HTTPFetcher{
		base:      strings.TrimSuffix(opts.URL, "/"),
		grid:      g,
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if opts.RPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(opts.Burst, 1))
	}
	return f
}

// URL returns the upstream address of id.
func (f *HTTPFetcher) URL(id grid.TileID) string {
	return f.base + "/" + f.grid.Path(id)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, id grid.TileID) ([]byte, error) {
	start := time.Now()
	ch := f.inflight.DoChan(id.String(), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.get(sctx, id)
	})

	select {
	case <-ctx.Done():
		observe(start, ctx.Err())
		return nil, ctx.Err()
	case res := <-ch:
		observe(start, res.Err)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (f *HTTPFetcher) do(ctx context.Context, id grid.TileID) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	return f.client.Do(req)
}

func (f *HTTPFetcher) get(ctx context.Context, id grid.TileID) ([]byte, error) {
	resp, err := f.do(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: f.URL(id)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	return data, nil
}

// Probe issues the tile request and reports the upstream status code only.
func (f *HTTPFetcher) Probe(ctx context.Context, id grid.TileID) (int, error) {
	resp, err := f.do(ctx, id)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
