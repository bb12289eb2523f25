package quiver

import (
	"log/slog"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/internal/payload"
	"github.com/quiverdb/quiver/internal/wal"
)

type options struct {
	logger            *Logger
	durability        wal.Durability
	snapshotThreshold int64

	// Creation-only settings, consulted when config.json is absent.
	dimension int
	metric    distance.Metric
	metricSet bool
	params    hnsw.Params
}

// Option configures Open behavior.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel sets a stderr text logger at the given level.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithDurability selects the WAL fsync policy. The default is
// DurabilitySync: every append reaches disk before the operation
// returns.
func WithDurability(d wal.Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithSnapshotThreshold overrides the payload log growth (bytes) that
// triggers a snapshot. Negative disables automatic snapshots.
func WithSnapshotThreshold(bytes int64) Option {
	return func(o *options) {
		o.snapshotThreshold = bytes
	}
}

// WithDimension sets the vector dimension for a new collection. It is
// required when config.json does not exist yet and ignored otherwise.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithMetric sets the distance metric for a new collection. Defaults
// to euclidean. Opening an existing collection with a different
// metric fails: stored distances depend on the creation-time metric.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
		o.metricSet = true
	}
}

// WithHNSWParams sets the graph parameters for a new collection.
// Ignored when config.json exists. See hnsw.ParamsForDataset for a
// sizing policy.
func WithHNSWParams(p hnsw.Params) Option {
	return func(o *options) {
		o.params = p
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:            NoopLogger(),
		durability:        wal.DurabilitySync,
		snapshotThreshold: payload.DefaultSnapshotThreshold,
		metric:            distance.MetricEuclidean,
		params:            hnsw.DefaultParams,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
