package hnsw

// Params are the graph construction parameters. They are fixed at
// collection creation and persisted in the collection config.
type Params struct {
	// M is the neighbor-list cap per layer; layer 0 allows 2M. The
	// range 12-48 suits most embedding workloads.
	M int

	// EfConstruction is the beam width used while inserting. Larger
	// values build a better graph at proportionally higher insert cost.
	EfConstruction int
}

// DefaultParams are reasonable for mid-dimensional embeddings up to a
// few hundred thousand vectors.
var DefaultParams = Params{
	M:              16,
	EfConstruction: 200,
}

func (p Params) withDefaults() Params {
	if p.M <= 1 {
		// M = 1 makes the layer normalization factor 1/ln(1) blow up.
		p.M = DefaultParams.M
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = DefaultParams.EfConstruction
	}
	if p.EfConstruction < p.M {
		p.EfConstruction = p.M
	}
	return p
}

// ParamsForDataset suggests construction parameters for an expected
// dataset size and dimensionality. Higher intrinsic dimensionality
// needs denser graphs to keep recall up.
func ParamsForDataset(n, dim int) Params {
	p := DefaultParams

	switch {
	case dim >= 1024:
		p.M = 48
	case dim >= 512:
		p.M = 32
	case dim >= 128:
		p.M = 16
	default:
		p.M = 12
	}

	switch {
	case n >= 10_000_000:
		p.EfConstruction = 500
	case n >= 1_000_000:
		p.EfConstruction = 400
	case n >= 100_000:
		p.EfConstruction = 300
	default:
		p.EfConstruction = 200
	}

	return p
}

// Profile is a named search accuracy/latency trade-off mapping to a
// beam width.
type Profile int

const (
	// ProfileFast favors latency: ef 64.
	ProfileFast Profile = iota
	// ProfileBalanced is the default: ef 128.
	ProfileBalanced
	// ProfileAccurate favors recall: ef 256.
	ProfileAccurate
	// ProfileHighRecall approaches exact results: ef 1024.
	ProfileHighRecall
	// ProfilePerfect guarantees exact results: ef 2048, degrading to an
	// exhaustive scan whenever the beam would cover the whole index.
	ProfilePerfect
)

// Ef returns the beam width for the profile.
func (p Profile) Ef() int {
	switch p {
	case ProfileFast:
		return 64
	case ProfileAccurate:
		return 256
	case ProfileHighRecall:
		return 1024
	case ProfilePerfect:
		return 2048
	default:
		return 128
	}
}

func (p Profile) String() string {
	switch p {
	case ProfileFast:
		return "fast"
	case ProfileBalanced:
		return "balanced"
	case ProfileAccurate:
		return "accurate"
	case ProfileHighRecall:
		return "high_recall"
	case ProfilePerfect:
		return "perfect"
	default:
		return "balanced"
	}
}
