// Package upstream fetches encoded tiles of the target grid from the remote
// tile source.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akhenakh/tileproxy/grid"
)

// ErrNotFound is returned when the source has no tile at the requested index.
var ErrNotFound = errors.New("upstream tile not found")

// StatusError reports a non-200, non-404 upstream answer.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Fetcher returns the encoded bytes of one target tile.
type Fetcher interface {
	Fetch(ctx context.Context, id grid.TileID) ([]byte, error)
}

// Source is a Fetcher that can also report tile availability without
// downloading it, and owns resources to release.
type Source interface {
	Fetcher
	Probe(ctx context.Context, id grid.TileID) (int, error)
	Close() error
}

// Options configures New.
type Options struct {
	URL       string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
}

// New picks the fetcher by URL scheme: http and https go over HTTP, any
// other scheme is opened as a gocloud blob bucket.
func New(ctx context.Context, g *grid.Grid, opts Options) (Source, error) {
	if strings.HasPrefix(opts.URL, "http://") || strings.HasPrefix(opts.URL, "https://") {
		return NewHTTPFetcher(g, opts), nil
	}
	return OpenBlobFetcher(ctx, g, opts.URL)
}

var (
	fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileproxy_upstream_fetch_total",
		Help: "Upstream tile fetches by result.",
	}, []string{"result"})

	fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileproxy_upstream_fetch_duration_seconds",
		Help:    "Duration of upstream tile fetches.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6, 10, 30},
	})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{fetchTotal, fetchDuration}
}

func observe(start time.Time, err error) {
	fetchDuration.Observe(time.Since(start).Seconds())
	var se *StatusError
	switch {
	case err == nil:
		fetchTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNotFound):
		fetchTotal.WithLabelValues("not_found").Inc()
	case errors.As(err, &se):
		fetchTotal.WithLabelValues("status").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		fetchTotal.WithLabelValues("timeout").Inc()
	default:
		fetchTotal.WithLabelValues("error").Inc()
	}
}
