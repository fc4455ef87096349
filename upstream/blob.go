package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/akhenakh/tileproxy/grid"
)

// BlobFetcher reads tiles from a bucket (local directory, memory, or any
// cloud store with a registered gocloud driver). Keys follow the grid path
// template with the image format as extension.
type BlobFetcher struct {
	bucket *blob.Bucket
	grid   *grid.Grid
}

func NewBlobFetcher(bucket *blob.Bucket, g *grid.Grid) *BlobFetcher {
	return &BlobFetcher{bucket: bucket, grid: g}
}

// OpenBlobFetcher opens the bucket at url, e.g. file:///var/tiles or mem://.
func OpenBlobFetcher(ctx context.Context, g *grid.Grid, url string) (*BlobFetcher, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", url, err)
	}
	return NewBlobFetcher(bucket, g), nil
}

// Key returns the object key of id.
func (f *BlobFetcher) Key(id grid.TileID) string {
	return f.grid.Path(id) + "." + f.grid.Format()
}

func (f *BlobFetcher) Fetch(ctx context.Context, id grid.TileID) ([]byte, error) {
	start := time.Now()
	data, err := f.bucket.ReadAll(ctx, f.Key(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			err = fmt.Errorf("%w: %s", ErrNotFound, id)
		} else {
			err = fmt.Errorf("reading %s: %w", f.Key(id), err)
		}
	}
	observe(start, err)
	return data, err
}

// Probe maps object existence onto HTTP status codes.
func (f *BlobFetcher) Probe(ctx context.Context, id grid.TileID) (int, error) {
	ok, err := f.bucket.Exists(ctx, f.Key(id))
	if err != nil {
		return 0, err
	}
	if !ok {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, nil
}

func (f *BlobFetcher) Close() error { return f.bucket.Close() }
