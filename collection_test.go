package quiver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/testutil"
)

func openTestCollection(t *testing.T, dir string, optFns ...Option) *Collection {
	t.Helper()
	opts := append([]Option{WithDimension(4)}, optFns...)
	c, err := Open(dir, opts...)
	require.NoError(t, err)
	return c
}

func TestOpenCreatesConfig(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(dir,
		WithDimension(8),
		WithMetric(distance.MetricCosine),
		WithHNSWParams(hnsw.Params{M: 12, EfConstruction: 150}),
	)
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, 1, testutil.NewRNG(1).UnitVector(8), nil))
	require.NoError(t, c.Close())

	// Reopen without creation options: config.json wins.
	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	cfg := c2.Config()
	assert.Equal(t, 8, cfg.Dimension)
	assert.Equal(t, "cosine", cfg.DistanceMetric)
	assert.Equal(t, 12, cfg.HNSW.M)
	assert.Equal(t, 150, cfg.HNSW.EfConstruction)
	assert.Equal(t, 1, c2.Count())
}

func TestOpenWithoutConfigFatal(t *testing.T) {
	_, err := Open(t.TempDir())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestInsertGetDelete(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	vec := []float32{1, 2, 3, 4}
	require.NoError(t, c.Insert(ctx, 42, vec, json.RawMessage(`{"title":"doc"}`)))

	rec, ok, err := c.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vec, rec.Vector)
	assert.JSONEq(t, `{"title":"doc"}`, string(rec.Payload))

	_, ok, err = c.Get(ctx, 43)
	require.NoError(t, err)
	assert.False(t, ok, "unknown id is not an error")

	deleted, err := c.Delete(ctx, 42)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete(ctx, 42)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete reports absence")

	_, ok, err = c.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Count())
}

func TestInsertDimensionMismatch(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	err := c.Insert(ctx, 1, []float32{1, 2}, nil)
	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)

	// Rejected before any mutation: nothing to recover, nothing stored.
	assert.Zero(t, c.Count())
	assert.Zero(t, c.Stats().WALBytes)

	_, err = c.Search(ctx, []float32{1}, 3, hnsw.ProfileBalanced)
	require.ErrorAs(t, err, &dimErr)
}

func TestUpsertReplacesVectorAndPayload(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, 1, []float32{1, 0, 0, 0}, json.RawMessage(`{"v":1}`)))
	require.NoError(t, c.Upsert(ctx, 1, []float32{0, 1, 0, 0}, json.RawMessage(`{"v":2}`)))

	rec, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1, 0, 0}, rec.Vector)
	assert.JSONEq(t, `{"v":2}`, string(rec.Payload))
	assert.Equal(t, 1, c.Count())
}

func TestSearchEuclideanAscending(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, 1, []float32{0, 0, 0, 0}, nil))
	require.NoError(t, c.Insert(ctx, 2, []float32{1, 0, 0, 0}, nil))
	require.NoError(t, c.Insert(ctx, 3, []float32{5, 0, 0, 0}, nil))

	hits, err := c.Search(ctx, []float32{0.4, 0, 0, 0}, 3, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, uint64(1), hits[0].ID)
	assert.Equal(t, uint64(2), hits[1].ID)
	assert.Equal(t, uint64(3), hits[2].ID)
	// Distances ascend.
	assert.Less(t, hits[0].Score, hits[1].Score)
	assert.Less(t, hits[1].Score, hits[2].Score)
}

func TestSearchCosineDescending(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, WithDimension(4), WithMetric(distance.MetricCosine))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	// Unnormalized inputs: the collection normalizes on insert.
	require.NoError(t, c.Insert(ctx, 1, []float32{10, 0, 0, 0}, nil))
	require.NoError(t, c.Insert(ctx, 2, []float32{1, 1, 0, 0}, nil))
	require.NoError(t, c.Insert(ctx, 3, []float32{0, 3, 0, 0}, nil))

	hits, err := c.Search(ctx, []float32{2, 0, 0, 0}, 3, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, uint64(1), hits[0].ID)
	assert.Equal(t, uint64(2), hits[1].ID)
	assert.Equal(t, uint64(3), hits[2].ID)
	// Similarities descend and land in [-1, 1].
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Greater(t, hits[1].Score, hits[2].Score)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-5)
}

func TestCosineZeroVectorRejected(t *testing.T) {
	c, err := Open(t.TempDir(), WithDimension(4), WithMetric(distance.MetricCosine))
	require.NoError(t, err)
	defer c.Close()

	err = c.Insert(context.Background(), 1, []float32{0, 0, 0, 0}, nil)
	require.ErrorIs(t, err, ErrZeroVector)
}

func TestSearchInvalidK(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()

	_, err := c.Search(context.Background(), []float32{1, 2, 3, 4}, 0, hnsw.ProfileBalanced)
	require.ErrorIs(t, err, ErrInvalidK)
}

func TestBatchInsertAndBatchSearch(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	rng := testutil.NewRNG(5)
	vectors := rng.UniformVectors(100, 4)
	items := make([]InsertItem, len(vectors))
	for i, vec := range vectors {
		items[i] = InsertItem{ID: uint64(i), Vector: vec}
	}

	n, err := c.BatchInsert(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 100, c.Count())

	queries := [][]float32{vectors[3], vectors[50], vectors[97]}
	results, err := c.BatchSearch(ctx, queries, 1, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, uint64(3), results[0][0].ID)
	assert.Equal(t, uint64(50), results[1][0].ID)
	assert.Equal(t, uint64(97), results[2][0].ID)
}

func TestBatchInsertStopsAtFirstFailure(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()

	items := []InsertItem{
		{ID: 1, Vector: []float32{1, 2, 3, 4}},
		{ID: 2, Vector: []float32{1, 2}}, // wrong dimension
		{ID: 3, Vector: []float32{1, 2, 3, 4}},
	}
	n, err := c.BatchInsert(context.Background(), items)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Count())
}

func TestPerfectProfileIsExact(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	rng := testutil.NewRNG(9)
	vectors := rng.UniformVectors(300, 4)
	for i, vec := range vectors {
		require.NoError(t, c.Insert(ctx, uint64(i), vec, nil))
	}

	q := rng.UniformVectors(1, 4)[0]
	exact := testutil.ExactTopK(q, vectors, 10, distance.SquaredL2)

	hits, err := c.Search(ctx, q, 10, hnsw.ProfilePerfect)
	require.NoError(t, err)
	require.Len(t, hits, 10)
	for i, h := range hits {
		assert.Equal(t, exact[i].ID, h.ID)
	}
}

func TestIDsSortedAndCount(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	for _, id := range []uint64{9, 3, 7} {
		require.NoError(t, c.Insert(ctx, id, []float32{1, 2, 3, 4}, nil))
	}
	assert.Equal(t, []uint64{3, 7, 9}, c.IDs())
	assert.Equal(t, 3, c.Count())
}

func TestStatsShape(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, 1, []float32{1, 2, 3, 4}, json.RawMessage(`{}`)))

	s := c.Stats()
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 4, s.Dimension)
	assert.Equal(t, "euclidean", s.Metric)
	assert.Equal(t, 1, s.Payloads)
	assert.Greater(t, s.WALBytes, int64(0))
	assert.NotEmpty(t, s.SIMDKernel)
	assert.Equal(t, 1, s.Graph.Live)
}

func TestOperationsAfterClose(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "double close is a no-op")
	ctx := context.Background()

	err := c.Insert(ctx, 1, []float32{1, 2, 3, 4}, nil)
	require.ErrorIs(t, err, ErrClosed)

	_, err = c.Delete(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, c.Flush(ctx), ErrClosed)

	// Reads fail the same way as writes.
	_, err = c.Search(ctx, []float32{1, 2, 3, 4}, 1, hnsw.ProfileBalanced)
	require.ErrorIs(t, err, ErrClosed)

	_, _, err = c.Get(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpenMetricConflictRejected(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir, WithDimension(4), WithMetric(distance.MetricEuclidean))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Open(dir, WithMetric(distance.MetricCosine))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	// Restating the configured metric is fine.
	c2, err := Open(dir, WithMetric(distance.MetricEuclidean))
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}

func TestContextCancelledAtEntry(t *testing.T) {
	c := openTestCollection(t, t.TempDir())
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, c.Insert(ctx, 1, []float32{1, 2, 3, 4}, nil))
	_, err := c.Search(ctx, []float32{1, 2, 3, 4}, 1, hnsw.ProfileBalanced)
	require.Error(t, err)
}
