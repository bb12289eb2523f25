package quiver

import (
	"context"
	"encoding/json"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/hnsw"
)

// Search returns the k best matches for query under the collection
// metric, best-first. The profile picks the accuracy/latency
// trade-off; hnsw.ProfilePerfect guarantees exact results.
func (c *Collection) Search(ctx context.Context, query []float32, k int, profile hnsw.Profile) ([]ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}

	q, err := c.prepareVector(query)
	if err != nil {
		c.log.LogSearch(ctx, k, 0, err)
		return nil, err
	}

	hits, err := c.index.Search(q, k, profile.Ef())
	if err != nil {
		err = translateError(err)
		c.log.LogSearch(ctx, k, 0, err)
		return nil, err
	}

	// Internal distances are lower-is-better for every metric; convert
	// to metric-native scores. Ordering is preserved: for descending
	// metrics the conversion is monotonically decreasing, so best-first
	// stays best-first.
	out := make([]ScoredID, len(hits))
	for i, h := range hits {
		out[i] = ScoredID{ID: h.ID, Score: c.metric.Score(h.Distance)}
	}

	c.log.LogSearch(ctx, k, len(out), nil)
	return out, nil
}

// InsertItem is one element of a BatchInsert.
type InsertItem struct {
	ID      uint64
	Vector  []float32
	Payload json.RawMessage
}

// BatchInsert inserts items in order, stopping at the first failure.
// Returns the number of items inserted. Mutations are serialized by
// the writer lock, so the batch is equivalent to calling Insert in a
// loop; it exists to make the common bulk-load path one call.
func (c *Collection) BatchInsert(ctx context.Context, items []InsertItem) (int, error) {
	for i, item := range items {
		if err := c.Insert(ctx, item.ID, item.Vector, item.Payload); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// BatchSearch runs one search per query concurrently and returns the
// results in query order. Queries are independent and share no
// mutable state, so they fan out across cores.
func (c *Collection) BatchSearch(ctx context.Context, queries [][]float32, k int, profile hnsw.Profile) ([][]ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}

	results := make([][]ScoredID, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, q := range queries {
		g.Go(func() error {
			hits, err := c.Search(gctx, q, k, profile)
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
