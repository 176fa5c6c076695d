package sfup

import (
	"math"
	"sort"
)

// GradientTensorSet maps a parameter name to its dense gradient vector
// (spec §3). Shapes are fixed per deployment and known to all workers.
type GradientTensorSet map[string][]float32

// ExpertGatedGradients maps an expert name to the gradient tensor set
// it produced this round (spec §3).
type ExpertGatedGradients map[string]GradientTensorSet

// GateWeights maps an expert name to its [0,1] gate weight for the round.
type GateWeights map[string]float64

// sortedParamNames returns g's parameter names in a stable, sorted
// order — used anywhere iteration order would otherwise leak
// map-iteration nondeterminism into a supposedly deterministic pipeline.
func sortedParamNames(g GradientTensorSet) []string {
	names := make([]string, 0, len(g))
	for k := range g {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// L2Norm computes the L2 norm of g's concatenated parameters (spec §3,
// "Clipped gradient").
func L2Norm(g GradientTensorSet) float64 {
	var sumSq float64
	for _, name := range sortedParamNames(g) {
		for _, v := range g[name] {
			sumSq += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sumSq)
}

// GateAndCombine drops experts whose gate weight is below threshold,
// scales each remaining expert's tensors by its gate weight, and sums
// them into a single gradient set (spec §4.4 step 1).
func GateAndCombine(experts ExpertGatedGradients, weights GateWeights, threshold float64) GradientTensorSet {
	combined := make(GradientTensorSet)

	expertNames := make([]string, 0, len(experts))
	for name := range experts {
		expertNames = append(expertNames, name)
	}
	sort.Strings(expertNames)

	for _, name := range expertNames {
		w, ok := weights[name]
		if !ok || w < threshold {
			continue
		}
		for _, p := range sortedParamNames(experts[name]) {
			vec := experts[name][p]
			dst, ok := combined[p]
			if !ok {
				dst = make([]float32, len(vec))
				combined[p] = dst
			}
			for i, v := range vec {
				dst[i] += float32(w) * v
			}
		}
	}
	return combined
}

// ClipResult carries the scaling factor and pre-clip norm alongside the
// clipped gradient, since both are recorded in the Update Package's
// safety statistics (spec §3).
type ClipResult struct {
	Clipped   GradientTensorSet
	Scale     float64
	NormBefore float64
}

// epsDiv guards the clip scale's division by a near-zero norm (spec
// §3's "epsilon_div").
const epsDiv = 1e-12

// Clip scales g uniformly so its L2 norm does not exceed clipNorm
// (spec §3, §4.4 step 2).
func Clip(g GradientTensorSet, clipNorm float64) ClipResult {
	norm := L2Norm(g)
	scale := math.Min(1.0, clipNorm/(norm+epsDiv))

	clipped := make(GradientTensorSet, len(g))
	for _, name := range sortedParamNames(g) {
		vec := g[name]
		out := make([]float32, len(vec))
		for i, v := range vec {
			out[i] = float32(scale) * v
		}
		clipped[name] = out
	}
	return ClipResult{Clipped: clipped, Scale: scale, NormBefore: norm}
}

// AddTensorSets returns a new gradient set equal to a + b, treating a
// missing parameter in either operand as all-zero.
func AddTensorSets(a, b GradientTensorSet) GradientTensorSet {
	out := make(GradientTensorSet)
	seen := make(map[string]bool)
	for _, name := range sortedParamNames(a) {
		seen[name] = true
		va := a[name]
		vb := b[name]
		out[name] = addVectors(va, vb)
	}
	for _, name := range sortedParamNames(b) {
		if seen[name] {
			continue
		}
		out[name] = addVectors(nil, b[name])
	}
	return out
}

func addVectors(a, b []float32) []float32 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var av, bv float32
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = av + bv
	}
	return out
}
