package sfup

import "math"

// QuantizedTensor is the per-parameter quantization metadata and
// encoded values of spec §3, §4.4 step 6.
type QuantizedTensor struct {
	Values    []uint32
	Scale     float64
	ZeroPoint int32
	Bits      int
}

// maxQuantLevel returns 2^bits - 1.
func maxQuantLevel(bits int) uint32 {
	return (uint32(1) << uint(bits)) - 1
}

// Quantize performs uniform affine quantization of values to the given
// bit width (spec §4.4 step 6): scale = (max-min)/(2^bits-1),
// zero_point = round(-min/scale).
func Quantize(values []float32, bits int) (QuantizedTensor, error) {
	if bits != 2 && bits != 4 && bits != 8 {
		return QuantizedTensor{}, &PipelineError{Kind: ErrKindValidation, Message: "bits must be one of {2,4,8}"}
	}
	if len(values) == 0 {
		return QuantizedTensor{Bits: bits}, nil
	}

	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	levels := maxQuantLevel(bits)
	var scale float64
	if maxV == minV {
		scale = 1.0
	} else {
		scale = float64(maxV-minV) / float64(levels)
	}
	zeroPoint := int32(math.Round(-float64(minV) / scale))

	q := make([]uint32, len(values))
	for i, v := range values {
		qi := int64(math.Round(float64(v)/scale)) + int64(zeroPoint)
		if qi < 0 {
			qi = 0
		}
		if qi > int64(levels) {
			qi = int64(levels)
		}
		q[i] = uint32(qi)
	}

	return QuantizedTensor{Values: q, Scale: scale, ZeroPoint: zeroPoint, Bits: bits}, nil
}

// Dequantize reconstructs approximate float values from a quantized
// tensor: value ~= (q - zero_point) * scale (spec §3).
func Dequantize(q QuantizedTensor) []float32 {
	out := make([]float32, len(q.Values))
	for i, v := range q.Values {
		out[i] = float32((int64(v) - int64(q.ZeroPoint))) * float32(q.Scale)
	}
	return out
}

// FixedRangeParams derives the scale and zero_point for quantizing
// values known to lie within [-rangeBound, rangeBound] (spec §4.4's
// clip_norm bound), rather than a per-tensor data-adaptive min/max.
// Every worker in a round must quantize under the same scale and
// zero_point for the Aggregator's homomorphic sum to mean anything:
// summing two ciphertexts only adds their underlying plaintext
// integers, so if worker A's codebook differs from worker B's, the
// sum is meaningless noise. Anchoring to clip_norm (identical for
// every worker under a shared OperatingEnvelope) resolves that without
// requiring a coordination round to agree on a shared data range.
func FixedRangeParams(bits int, rangeBound float64) (scale float64, zeroPoint int32) {
	levels := maxQuantLevel(bits)
	scale = (2 * rangeBound) / float64(levels)
	zeroPoint = int32(math.Round(rangeBound / scale))
	return scale, zeroPoint
}

// QuantizeFixedRange quantizes values under a pre-agreed scale and
// zero_point (see FixedRangeParams), for use on the path that feeds
// N2HE encryption and cross-worker homomorphic summation.
func QuantizeFixedRange(values []float32, bits int, rangeBound float64) (QuantizedTensor, error) {
	if bits != 2 && bits != 4 && bits != 8 {
		return QuantizedTensor{}, &PipelineError{Kind: ErrKindValidation, Message: "bits must be one of {2,4,8}"}
	}
	scale, zeroPoint := FixedRangeParams(bits, rangeBound)
	levels := maxQuantLevel(bits)

	q := make([]uint32, len(values))
	for i, v := range values {
		qi := int64(math.Round(float64(v)/scale)) + int64(zeroPoint)
		if qi < 0 {
			qi = 0
		}
		if qi > int64(levels) {
			qi = int64(levels)
		}
		q[i] = uint32(qi)
	}
	return QuantizedTensor{Values: q, Scale: scale, ZeroPoint: zeroPoint, Bits: bits}, nil
}

// DequantizeAveraged reconstructs the per-element average across n
// contributors from a homomorphically-summed quantized vector (spec
// §4.6's "decrypt + inverse-compression" step): each summed element
// approximates n*(value/scale + zero_point), so dividing by n before
// subtracting zero_point recovers the mean contributed value.
func DequantizeAveraged(summed []uint32, scale float64, zeroPoint int32, n int) []float32 {
	out := make([]float32, len(summed))
	if n <= 0 {
		return out
	}
	for i, s := range summed {
		out[i] = float32(scale * (float64(s)/float64(n) - float64(zeroPoint)))
	}
	return out
}

// QuantizationMSE computes the mean-squared reconstruction error of a
// quantized tensor against its original values (spec §3's "max_quality_mse").
func QuantizationMSE(original []float32, q QuantizedTensor) float64 {
	if len(original) == 0 {
		return 0
	}
	recon := Dequantize(q)
	var sumSq float64
	for i := range original {
		d := float64(original[i]) - float64(recon[i])
		sumSq += d * d
	}
	return sumSq / float64(len(original))
}
