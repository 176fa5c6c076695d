package sfup

import (
	"math"
	"sort"
)

// SparseTensor is the Rand-K sparsified representation of one
// parameter vector (spec §3, §4.4 step 4): a set of unique ascending
// indices and their values, with all other entries implicitly zero.
type SparseTensor struct {
	Indices []uint32
	Values  []float32
	Length  int
}

// Scatter reconstructs a dense vector of the given length with the
// sparse entries placed at their indices and everything else zero.
func (s SparseTensor) Scatter(length int) []float32 {
	out := make([]float32, length)
	for i, idx := range s.Indices {
		if int(idx) < length {
			out[idx] = s.Values[i]
		}
	}
	return out
}

// SparsifyRandK deterministically draws k = ceil(rho*n) unique indices
// from a CSPRNG substream and returns their values (spec §4.4 step 4).
// GradientPipeline keys the substream by (round, parameter_name) only,
// without worker_id, so every worker in a round draws the same index
// set. The indices are not carried in the payload: the aggregator
// recomputes them with RecoverSparseIndices.
func SparsifyRandK(s *Substream, dense []float32, rho float64) SparseTensor {
	n := len(dense)
	k := int(math.Ceil(rho * float64(n)))
	if k > n {
		k = n
	}
	if k < 0 {
		k = 0
	}

	indices := sampleUniqueIndices(s, n, k)

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = dense[idx]
	}
	return SparseTensor{Indices: indices, Values: values, Length: n}
}

// RecoverSparseIndices recomputes the index set SparsifyRandK would
// draw from a substream keyed identically, without needing the
// original dense values. The Aggregator uses this to figure out which
// dense position each slot of a homomorphically-summed parameter
// corresponds to: since every worker in a round shares the same
// (round, parameter_name)-keyed substream (spec §4.6's requirement
// that ciphertext slot i mean the same coordinate for every
// contributor), any party holding the same CSPRNG root seed can
// reproduce the index set deterministically.
func RecoverSparseIndices(s *Substream, denseLength int, rho float64) []uint32 {
	k := int(math.Ceil(rho * float64(denseLength)))
	if k > denseLength {
		k = denseLength
	}
	if k < 0 {
		k = 0
	}
	return sampleUniqueIndices(s, denseLength, k)
}

// sampleUniqueIndices draws k unique indices from [0, n) in ascending
// order using Floyd's algorithm for sampling without replacement, so
// that every draw consumes CSPRNG output and no index can repeat.
func sampleUniqueIndices(s *Substream, n, k int) []uint32 {
	if k >= n {
		out := make([]uint32, n)
		for i := range out {
			out[i] = uint32(i)
		}
		return out
	}

	selected := make(map[int]bool, k)
	for i := n - k; i < n; i++ {
		t := s.Intn(i + 1)
		if selected[t] {
			t = i
		}
		selected[t] = true
	}

	out := make([]uint32, 0, k)
	for idx := range selected {
		out = append(out, uint32(idx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
