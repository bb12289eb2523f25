package quiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/internal/payload"
	"github.com/quiverdb/quiver/internal/vectorstore"
	"github.com/quiverdb/quiver/internal/wal"
)

const (
	walFileName   = "vectors.wal"
	graphFileName = "hnsw.bin"
)

// Record is a stored vector with its optional JSON payload.
type Record struct {
	ID      uint64
	Vector  []float32
	Payload json.RawMessage
}

// ScoredID is a search hit. Score is metric-native: a distance for
// euclidean and hamming (ascending, first hit smallest), a similarity
// for cosine and dot (descending, first hit largest). Hits are always
// ordered best-first.
type ScoredID struct {
	ID    uint64
	Score float32
}

// Collection is an embedded vector collection: mmap-backed vector
// storage, WAL durability, JSON payloads, and an HNSW search graph,
// all under one directory.
//
// Reads proceed concurrently; mutations are funneled through a single
// writer lock so the WAL append, store write and graph update of one
// operation are never interleaved with another's.
type Collection struct {
	writeMu sync.Mutex

	dir    string
	cfg    Config
	metric distance.Metric
	dist   distance.Func
	opts   options
	log    *Logger

	store    *vectorstore.Store
	wal      *wal.WAL
	payloads *payload.Store
	index    *hnsw.Index

	liveMu sync.RWMutex
	live   *roaring64.Bitmap

	// closed is atomic so lock-free read paths observe Close too.
	closed atomic.Bool
}

// Open opens the collection in dir, creating it when dir holds no
// config.json yet (WithDimension is required for creation). Recovery
// runs deterministically: config, payloads, vector store, WAL replay,
// then graph load-or-rebuild.
func Open(dir string, optFns ...Option) (*Collection, error) {
	opts := applyOptions(optFns)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quiver: create dir: %w", err)
	}

	created := false
	cfg, err := loadConfig(dir)
	if err != nil {
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || !os.IsNotExist(errors.Unwrap(cfgErr)) {
			return nil, err
		}
		// New collection.
		created = true
		if opts.dimension <= 0 {
			return nil, &ConfigError{
				Path:   filepath.Join(dir, ConfigFileName),
				Reason: "not found and no dimension configured for creation",
			}
		}
		cfg = Config{
			Dimension:      opts.dimension,
			DistanceMetric: opts.metric.String(),
			HNSW: HNSWConfig{
				M:              opts.params.M,
				EfConstruction: opts.params.EfConstruction,
			},
		}
		if err := cfg.validate(); err != nil {
			return nil, &ConfigError{Path: filepath.Join(dir, ConfigFileName), Reason: err.Error(), cause: err}
		}
		if err := saveConfig(dir, cfg); err != nil {
			return nil, err
		}
	}

	// The metric is fixed at creation; stored distances depend on it.
	if !created && opts.metricSet && opts.metric.String() != cfg.DistanceMetric {
		return nil, &ConfigError{
			Path:   filepath.Join(dir, ConfigFileName),
			Reason: fmt.Sprintf("metric %s conflicts with configured %s", opts.metric, cfg.DistanceMetric),
		}
	}

	metric, err := cfg.Metric()
	if err != nil {
		return nil, &ConfigError{Path: filepath.Join(dir, ConfigFileName), Reason: err.Error(), cause: err}
	}
	dist, err := distance.Provider(metric)
	if err != nil {
		return nil, &ConfigError{Path: filepath.Join(dir, ConfigFileName), Reason: err.Error(), cause: err}
	}

	c := &Collection{
		dir:    dir,
		cfg:    cfg,
		metric: metric,
		dist:   dist,
		opts:   opts,
		log:    opts.logger,
		live:   roaring64.New(),
	}

	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

// recover rebuilds in-memory state from disk in dependency order.
func (c *Collection) recover() error {
	fail := func(err error) error {
		c.closeStores()
		return translateError(err)
	}

	payloads, err := payload.Open(c.dir, payload.Options{
		SnapshotThreshold: c.opts.snapshotThreshold,
		SyncWrites:        c.opts.durability == wal.DurabilitySync,
	})
	if err != nil {
		return fail(err)
	}
	c.payloads = payloads

	store, err := vectorstore.Open(c.dir, c.cfg.Dimension)
	if err != nil {
		return fail(err)
	}
	c.store = store

	w, err := wal.Open(filepath.Join(c.dir, walFileName), c.cfg.Dimension, wal.Options{
		Durability: c.opts.durability,
	})
	if err != nil {
		return fail(err)
	}
	c.wal = w

	// Re-apply WAL entries on top of the index mirror. Re-applying an
	// entry the mirror already covers appends duplicate bytes but lands
	// on the same logical state.
	walEntries := 0
	err = w.Replay(func(e wal.Entry) error {
		walEntries++
		switch e.Kind {
		case wal.KindStore:
			_, err := store.Put(e.ID, e.Vector)
			return err
		case wal.KindDelete:
			store.Delete(e.ID)
			return nil
		default:
			return fmt.Errorf("quiver: unknown wal entry kind 0x%02x", e.Kind)
		}
	})
	if err != nil {
		return fail(err)
	}

	rebuilt, err := c.loadOrRebuildGraph()
	if err != nil {
		return fail(err)
	}

	for _, id := range store.IDs() {
		c.live.Add(id)
	}

	snapshotUsed, _ := payloads.SnapshotUsed()
	c.log.LogRecovery(context.Background(), walEntries, snapshotUsed, rebuilt)
	return nil
}

// loadOrRebuildGraph loads hnsw.bin when it is present, intact, and
// covers exactly the live vectors; otherwise it rebuilds the graph
// from the store. Reports whether a rebuild happened.
func (c *Collection) loadOrRebuildGraph() (bool, error) {
	path := filepath.Join(c.dir, graphFileName)

	ix, err := hnsw.LoadFile(path, c.dist, func(id uint64) ([]float32, bool) {
		vec, ok, err := c.store.Get(id)
		if err != nil {
			return nil, false
		}
		return vec, ok
	})
	if err == nil && ix.Len() == c.store.Count() {
		c.index = ix
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) && !errors.Is(err, hnsw.ErrGraphFileInvalid) {
		return false, err
	}

	// Rebuild from the store in ascending id order. Layer assignment
	// hashes the id, so the rebuilt topology is reproducible.
	ix, err = hnsw.New(c.cfg.Dimension, c.cfg.Params(), c.dist)
	if err != nil {
		return false, err
	}

	ids := c.store.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		vec, ok, err := c.store.Get(id)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if err := ix.Insert(id, vec); err != nil {
			return false, err
		}
	}
	c.index = ix
	return true, nil
}

// prepareVector validates dimension and, for cosine collections,
// returns an L2-normalized copy.
func (c *Collection) prepareVector(vec []float32) ([]float32, error) {
	if len(vec) != c.cfg.Dimension {
		return nil, &DimensionMismatchError{Expected: c.cfg.Dimension, Actual: len(vec)}
	}
	if c.metric.RequiresNormalization() {
		normalized, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			return nil, ErrZeroVector
		}
		return normalized, nil
	}
	return vec, nil
}

// Insert stores vec (and an optional JSON payload) under id. An
// existing id is upserted: new bytes are appended and the index entry
// repointed; old bytes stay dead until compaction.
//
// Commit order within the writer lock: WAL append, then data file,
// then offset publish. A crash between the first two is replayed from
// the WAL on the next open.
func (c *Collection) Insert(ctx context.Context, id uint64, vec []float32, payloadJSON json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := c.prepareVector(vec)
	if err != nil {
		c.log.LogInsert(ctx, id, err)
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.wal.Append(wal.Entry{Kind: wal.KindStore, ID: id, Vector: vec}); err != nil {
		err = &StorageError{Op: "insert", ID: id, cause: err}
		c.log.LogInsert(ctx, id, err)
		return err
	}
	if _, err := c.store.Put(id, vec); err != nil {
		err = &StorageError{Op: "insert", ID: id, cause: err}
		c.log.LogInsert(ctx, id, err)
		return err
	}
	if payloadJSON != nil {
		if err := c.payloads.Set(id, payloadJSON); err != nil {
			err = &StorageError{Op: "insert payload", ID: id, cause: err}
			c.log.LogInsert(ctx, id, err)
			return err
		}
	}
	if err := c.index.Insert(id, vec); err != nil {
		err = translateError(err)
		c.log.LogInsert(ctx, id, err)
		return err
	}

	c.liveMu.Lock()
	c.live.Add(id)
	c.liveMu.Unlock()

	c.log.LogInsert(ctx, id, nil)
	return nil
}

// Upsert is Insert; both names exist because both read naturally at
// call sites.
func (c *Collection) Upsert(ctx context.Context, id uint64, vec []float32, payloadJSON json.RawMessage) error {
	return c.Insert(ctx, id, vec, payloadJSON)
}

// Get returns the record stored under id. The second return is false
// when id is unknown; that is not an error.
func (c *Collection) Get(ctx context.Context, id uint64) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if c.closed.Load() {
		return Record{}, false, ErrClosed
	}

	vec, ok, err := c.store.Get(id)
	if err != nil {
		if errors.Is(err, vectorstore.ErrClosed) {
			return Record{}, false, ErrClosed
		}
		return Record{}, false, translateError(err)
	}
	if !ok {
		return Record{}, false, nil
	}

	rec := Record{ID: id, Vector: vec}
	if p, ok := c.payloads.Get(id); ok {
		rec.Payload = p
	}
	return rec, true, nil
}

// Delete logically removes id: a WAL tombstone is written, the index
// entry removed, and the graph node tombstoned. Vector bytes are not
// reclaimed. Returns false when id is unknown; that is not an error.
func (c *Collection) Delete(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return false, ErrClosed
	}

	c.liveMu.RLock()
	known := c.live.Contains(id)
	c.liveMu.RUnlock()
	if !known {
		c.log.LogDelete(ctx, id, false, nil)
		return false, nil
	}

	if err := c.wal.Append(wal.Entry{Kind: wal.KindDelete, ID: id}); err != nil {
		err = &StorageError{Op: "delete", ID: id, cause: err}
		c.log.LogDelete(ctx, id, false, err)
		return false, err
	}
	c.store.Delete(id)
	if _, err := c.payloads.Delete(id); err != nil {
		err = &StorageError{Op: "delete payload", ID: id, cause: err}
		c.log.LogDelete(ctx, id, false, err)
		return false, err
	}
	c.index.Delete(id)

	c.liveMu.Lock()
	c.live.Remove(id)
	c.liveMu.Unlock()

	c.log.LogDelete(ctx, id, true, nil)
	return true, nil
}

// Count returns the number of live records.
func (c *Collection) Count() int {
	c.liveMu.RLock()
	defer c.liveMu.RUnlock()
	return int(c.live.GetCardinality())
}

// IDs returns the live ids in ascending order.
func (c *Collection) IDs() []uint64 {
	c.liveMu.RLock()
	defer c.liveMu.RUnlock()
	return c.live.ToArray()
}

// Config returns the immutable collection configuration.
func (c *Collection) Config() Config {
	return c.cfg
}

// Flush checkpoints the collection: the data file is synced, the
// vectors.idx mirror and payload snapshot rewritten, the graph
// persisted, and finally the WAL truncated. Every step is durable
// before the WAL gives up its entries.
func (c *Collection) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	err := c.flushLocked()
	c.log.LogCheckpoint(ctx, err)
	return err
}

func (c *Collection) flushLocked() error {
	if err := c.store.Flush(); err != nil {
		return &StorageError{Op: "flush store", cause: err}
	}
	if err := c.payloads.Snapshot(); err != nil {
		return &StorageError{Op: "flush payloads", cause: err}
	}
	if err := c.index.SaveFile(filepath.Join(c.dir, graphFileName)); err != nil {
		return &StorageError{Op: "flush graph", cause: err}
	}
	if err := c.wal.Truncate(); err != nil {
		return &StorageError{Op: "truncate wal", cause: err}
	}
	return nil
}

// Close checkpoints and releases the collection. Safe to call twice.
func (c *Collection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return nil
	}

	flushErr := c.flushLocked()
	c.closed.Store(true)

	if err := c.closeStores(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// closeStores releases whichever components are initialized. Fields
// stay set so a racing reader hits a component's own closed error
// instead of a nil pointer.
func (c *Collection) closeStores() error {
	var firstErr error
	if c.wal != nil {
		if err := c.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.payloads != nil {
		if err := c.payloads.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
