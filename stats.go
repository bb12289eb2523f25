package quiver

import (
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/internal/simd"
)

// Stats is a point-in-time summary of the collection.
type Stats struct {
	// Count is the number of live records.
	Count int
	// Dimension is the configured vector dimension.
	Dimension int
	// Metric is the configured distance metric name.
	Metric string
	// DataFileBytes is the current size of vectors.bin.
	DataFileBytes int64
	// DataFileGrows counts vectors.bin resizes since open.
	DataFileGrows int
	// WALBytes is the current WAL length; zero right after a
	// checkpoint.
	WALBytes int64
	// Payloads is the number of stored JSON payloads.
	Payloads int
	// Graph summarizes the search graph.
	Graph hnsw.Stats
	// SIMDKernel names the distance kernel selected at init.
	SIMDKernel string
}

// Stats returns a summary of the collection.
func (c *Collection) Stats() Stats {
	return Stats{
		Count:         c.Count(),
		Dimension:     c.cfg.Dimension,
		Metric:        c.cfg.DistanceMetric,
		DataFileBytes: c.store.Capacity(),
		DataFileGrows: c.store.Grows(),
		WALBytes:      c.wal.Size(),
		Payloads:      c.payloads.Count(),
		Graph:         c.index.Stats(),
		SIMDKernel:    simd.ActiveKernel().String(),
	}
}
