package quiver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/testutil"
)

func TestReopenAfterCleanClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openTestCollection(t, dir)
	require.NoError(t, c.Insert(ctx, 1, []float32{1, 0, 0, 0}, json.RawMessage(`{"a":1}`)))
	require.NoError(t, c.Insert(ctx, 2, []float32{0, 1, 0, 0}, nil))
	require.NoError(t, c.Close())

	// Clean close checkpoints: the WAL is empty on disk.
	stat, err := os.Stat(filepath.Join(dir, walFileName))
	require.NoError(t, err)
	assert.Zero(t, stat.Size())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, 2, c2.Count())
	rec, ok, err := c2.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0, 0, 0}, rec.Vector)
	assert.JSONEq(t, `{"a":1}`, string(rec.Payload))

	hits, err := c2.Search(ctx, []float32{0, 0.9, 0, 0}, 1, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(2), hits[0].ID)
}

// A process killed without Close leaves a populated WAL and no fresh
// index mirror. Reopening must replay the WAL and reach the exact
// pre-kill state.
func TestReopenWithoutClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openTestCollection(t, dir)
	require.NoError(t, c.Insert(ctx, 1, []float32{1, 0, 0, 0}, json.RawMessage(`{"n":1}`)))
	require.NoError(t, c.Insert(ctx, 2, []float32{0, 1, 0, 0}, json.RawMessage(`{"n":2}`)))
	require.NoError(t, c.Insert(ctx, 3, []float32{0, 0, 1, 0}, nil))
	_, err := c.Delete(ctx, 2)
	require.NoError(t, err)
	// No Close: the handles stay open, simulating a kill.

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, 2, c2.Count())
	assert.Equal(t, []uint64{1, 3}, c2.IDs())

	rec, ok, err := c2.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(rec.Payload))

	_, ok, err = c2.Get(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "tombstone replayed")

	hits, err := c2.Search(ctx, []float32{0, 1, 0, 0}, 1, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.NotEqual(t, uint64(2), hits[0].ID)
}

func TestSearchResultsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	rng := testutil.NewRNG(21)
	vectors := rng.UniformVectors(200, 4)

	c := openTestCollection(t, dir)
	for i, vec := range vectors {
		require.NoError(t, c.Insert(ctx, uint64(i), vec, nil))
	}

	q := rng.UniformVectors(1, 4)[0]
	before, err := c.Search(ctx, q, 10, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	after, err := c2.Search(ctx, q, 10, hnsw.ProfileAccurate)
	require.NoError(t, err)
	assert.Equal(t, before, after, "persisted graph reproduces results")
}

// Corrupting the payload snapshot must not lose data: recovery falls
// back to replaying the whole payload log.
func TestPayloadSnapshotCorruptionRecovered(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openTestCollection(t, dir)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Insert(ctx, uint64(i), []float32{float32(i), 0, 0, 0},
			json.RawMessage(`{"i":`+string(rune('0'+i%10))+`}`)))
	}
	require.NoError(t, c.Close())

	path := filepath.Join(dir, "payloads.snapshot")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, 20, c2.Count())
	for i := 0; i < 20; i++ {
		rec, ok, err := c2.Get(ctx, uint64(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, rec.Payload)
	}
}

// A damaged graph file is a cache miss, not a failure: the graph is
// rebuilt from the vector store.
func TestGraphCorruptionRebuilds(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	rng := testutil.NewRNG(31)
	vectors := rng.UniformVectors(100, 4)

	c := openTestCollection(t, dir)
	for i, vec := range vectors {
		require.NoError(t, c.Insert(ctx, uint64(i), vec, nil))
	}
	require.NoError(t, c.Close())

	path := filepath.Join(dir, graphFileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	hits, err := c2.Search(ctx, vectors[42], 1, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(42), hits[0].ID)
}

func TestGraphFileMissingRebuilds(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openTestCollection(t, dir)
	require.NoError(t, c.Insert(ctx, 7, []float32{1, 2, 3, 4}, nil))
	require.NoError(t, c.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, graphFileName)))

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	hits, err := c2.Search(ctx, []float32{1, 2, 3, 4}, 1, hnsw.ProfileAccurate)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(7), hits[0].ID)
}

// Rebuilding twice from the same store yields the same topology, so
// the same queries return the same results.
func TestRebuildIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	rng := testutil.NewRNG(41)
	vectors := rng.UniformVectors(150, 4)

	c := openTestCollection(t, dir)
	for i, vec := range vectors {
		require.NoError(t, c.Insert(ctx, uint64(i), vec, nil))
	}
	require.NoError(t, c.Close())

	queries := rng.UniformVectors(10, 4)
	var runs [2][][]ScoredID
	for run := 0; run < 2; run++ {
		require.NoError(t, os.Remove(filepath.Join(dir, graphFileName)))

		cr, err := Open(dir)
		require.NoError(t, err)
		for _, q := range queries {
			hits, err := cr.Search(ctx, q, 5, hnsw.ProfileAccurate)
			require.NoError(t, err)
			runs[run] = append(runs[run], hits)
		}
		require.NoError(t, cr.Close())
	}
	assert.Equal(t, runs[0], runs[1])
}

func TestFlushCheckpointsWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openTestCollection(t, dir)
	defer c.Close()

	require.NoError(t, c.Insert(ctx, 1, []float32{1, 2, 3, 4}, nil))
	require.Greater(t, c.Stats().WALBytes, int64(0))

	require.NoError(t, c.Flush(ctx))
	assert.Zero(t, c.Stats().WALBytes)

	// Data survives the checkpoint.
	rec, ok, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3, 4}, rec.Vector)
}
