package hnsw

// Stats is a point-in-time summary of the graph shape.
type Stats struct {
	// Nodes counts every node record, tombstoned included.
	Nodes int
	// Live counts searchable nodes.
	Live int
	// Tombstones counts logically deleted nodes still routing traffic.
	Tombstones int
	// MaxLayer is the entry point's layer.
	MaxLayer int
	// LayerCounts holds the number of nodes whose top layer is the
	// slice index. Geometric layer assignment should roughly shrink
	// each level by a factor of M.
	LayerCounts []int
}

// Stats returns a summary of the graph.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := Stats{
		Nodes:      len(ix.nodes),
		Live:       len(ix.byID),
		Tombstones: ix.dead,
	}
	if ix.ep != noEntryPoint {
		s.MaxLayer = ix.nodes[ix.ep].layer
	}

	for _, n := range ix.nodes {
		for len(s.LayerCounts) <= n.layer {
			s.LayerCounts = append(s.LayerCounts, 0)
		}
		s.LayerCounts[n.layer]++
	}
	return s
}
