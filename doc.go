// Package quiver provides an embedded vector database engine for Go.
//
// A Collection stores float32 vectors with optional JSON payloads
// under a single directory and serves approximate nearest neighbor
// queries over an HNSW graph:
//
//   - Memory-mapped vector storage with append-only growth
//   - Write-ahead logging: every mutation is durable before it is
//     visible, and a crash mid-write replays cleanly on the next open
//   - Checksummed payload snapshots that bound recovery to recent
//     history and degrade to a full log replay on corruption
//   - HNSW search with named accuracy profiles, from Fast to Perfect
//     (exact)
//   - Euclidean, cosine, dot product and hamming metrics with
//     SIMD-dispatched distance kernels
//
// # Quick Start
//
// Create a collection and search it:
//
//	ctx := context.Background()
//	col, err := quiver.Open("./data",
//	    quiver.WithDimension(768),
//	    quiver.WithMetric(distance.MetricCosine),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer col.Close()
//
//	err = col.Insert(ctx, 1, embedding, json.RawMessage(`{"title":"doc"}`))
//
//	hits, err := col.Search(ctx, query, 10, hnsw.ProfileAccurate)
//	for _, h := range hits {
//	    fmt.Println(h.ID, h.Score)
//	}
//
// Reopening the same directory recovers the collection from its WAL,
// index mirror and graph file; no explicit recovery step exists.
//
// # Durability
//
// The default WAL policy fsyncs every append. Bulk loads that can
// afford to lose the tail on power failure run noticeably faster with
// WithDurability(wal.DurabilityAsync) plus a Flush at the end.
//
// # Scores
//
// Search results are ordered best-first. The Score field is
// metric-native: euclidean and hamming return distances (smaller is
// better), cosine and dot return similarities (larger is better).
package quiver
