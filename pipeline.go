package sfup

import (
	"context"
	"fmt"
)

// PipelineConfig bundles the per-worker dependencies the Gradient
// Pipeline is wired against (spec §4.4). NowFunc mirrors the
// injectable clock used by KeyProvider and EvidenceLog, so pipeline
// tests never depend on wall-clock time.
type PipelineConfig struct {
	WorkerID string
	Envelope OperatingEnvelope
	CSPRNG   *CSPRNG
	DP       *DPAccountant
	Keys     KeyProvider
	Evidence *EvidenceLog
	NowFunc  func() int64
}

// GradientPipeline runs one worker's round end to end: gate & combine,
// error feedback, clip, sparsify, quantize, encrypt, and seal into an
// Update Package (spec §4.4). The gradient is clipped once, after the
// error-feedback residual is added; there is no clip before it. It owns the worker's error-feedback
// memory, which must never be shared across workers or goroutines
// running concurrent rounds for the same worker (spec §5).
type GradientPipeline struct {
	cfg    PipelineConfig
	efMem  *ErrorFeedbackMemory
	signer Signer
}

// NewGradientPipeline builds a pipeline for one worker.
func NewGradientPipeline(cfg PipelineConfig, signer Signer) *GradientPipeline {
	return &GradientPipeline{cfg: cfg, efMem: NewErrorFeedbackMemory(), signer: signer}
}

// RoundInput is everything one round's Run needs beyond the
// pipeline's standing configuration.
type RoundInput struct {
	Round    uint64
	Experts  ExpertGatedGradients
	Weights  GateWeights
	Training TrainingMeta
}

// RoundOutput is the sealed Update Package bytes plus the plaintext
// safety statistics recorded for evidence purposes.
type RoundOutput struct {
	Sealed      []byte
	Header      PackageHeader
	SafetyStats SafetyStats
}

// Run executes spec §4.4 steps 1-8 for one round, returning a sealed
// Update Package ready for transmission to the Aggregator, or one of
// ErrClipNormExceeded, ErrQuantizationQuality, ErrPayloadTooLarge,
// ErrPrivacyBudgetExceeded, or ErrKeyNotActive wrapped in a
// PipelineError.
func (p *GradientPipeline) Run(ctx context.Context, in RoundInput) (*RoundOutput, error) {
	env := p.cfg.Envelope

	active, err := p.cfg.Keys.ActiveKey(ctx)
	if err != nil {
		return nil, newPipelineError(ErrKindResource, in.Round, p.cfg.WorkerID, "lookup active key", "retry once the key provider recovers", err)
	}
	if active.Status != KeyStatusActive {
		return nil, newPipelineError(ErrKindCrypto, in.Round, p.cfg.WorkerID, "key is not ACTIVE", "wait for rotation to settle before sealing new packages", ErrKeyNotActive)
	}

	epsRound := RoundEpsilon(env.Mu, env.ClipNorm, env.SparsityRatio, env.Delta)
	if !p.cfg.DP.CanSubmit(p.cfg.WorkerID, env.EpsilonCap, env.Delta) {
		return nil, newPipelineError(ErrKindBudget, in.Round, p.cfg.WorkerID, "privacy budget exhausted", "worker must stop submitting until its budget resets", ErrPrivacyBudgetExceeded)
	}

	combined := GateAndCombine(in.Experts, in.Weights, env.GateThreshold)
	augmented := p.efMem.Apply(combined)

	clipped := Clip(augmented, env.ClipNorm)
	if n := L2Norm(clipped.Clipped); n > env.ClipNorm*(1+1e-6) {
		return nil, newPipelineError(ErrKindValidation, in.Round, p.cfg.WorkerID, fmt.Sprintf("clipped norm %v exceeds clip_norm %v", n, env.ClipNorm), "", ErrClipNormExceeded)
	}

	secret, err := p.cfg.Keys.Material(ctx, active.KeyID)
	if err != nil {
		return nil, newPipelineError(ErrKindResource, in.Round, p.cfg.WorkerID, "lookup key material", "", err)
	}

	sparse := make(map[string]SparseTensor, len(clipped.Clipped))
	compressionMeta := make(map[string]CompressionMeta, len(clipped.Clipped))
	var allValues []uint32
	var totalMSE float64
	var paramCount int
	rangeBound := env.ClipNorm

	for _, name := range sortedParamNames(clipped.Clipped) {
		dense := clipped.Clipped[name]
		// Keyed by (round, parameter_name) only, deliberately excluding
		// worker_id: every contributor in a round must draw the same
		// Rand-K index set for a given parameter, so that ciphertext
		// slot i means the same dense coordinate for every worker. The
		// Aggregator recomputes this same index set via
		// RecoverSparseIndices to scatter the homomorphically-summed
		// result back to dense positions (spec §4.6).
		tag := p.cfg.CSPRNG.Substream("sparsify", fmt.Sprintf("%d", in.Round), name)
		st := SparsifyRandK(tag, dense, env.SparsityRatio)
		sparse[name] = st

		qt, err := QuantizeFixedRange(st.Values, env.Bits, rangeBound)
		if err != nil {
			return nil, newPipelineError(ErrKindValidation, in.Round, p.cfg.WorkerID, fmt.Sprintf("quantize parameter %q", name), "", err)
		}

		totalMSE += QuantizationMSE(st.Values, qt)
		paramCount++

		compressionMeta[name] = CompressionMeta{
			Scale:        qt.Scale,
			ZeroPoint:    qt.ZeroPoint,
			Bits:         qt.Bits,
			NSlots:       len(st.Values),
			DenseLength:  len(dense),
			SubstreamTag: fmt.Sprintf("sparsify/%d/%s", in.Round, name),
		}
		allValues = append(allValues, qt.Values...)
	}

	if paramCount > 0 && totalMSE/float64(paramCount) > env.MaxQualityMSE {
		return nil, newPipelineError(ErrKindValidation, in.Round, p.cfg.WorkerID, fmt.Sprintf("mean quantization MSE %v exceeds max_quality_mse %v", totalMSE/float64(paramCount), env.MaxQualityMSE), "increase bits or reduce sparsity_ratio", ErrQuantizationQuality)
	}

	p.efMem.Update(int(in.Round), clipped.Clipped, sparse)
	p.efMem.Prune(int(in.Round))

	cts, err := secret.Params.EncryptVector(secret.Secret, p.cfg.CSPRNG, active.KeyID, in.Round, allValues)
	if err != nil {
		return nil, newPipelineError(ErrKindCrypto, in.Round, p.cfg.WorkerID, "encrypt payload", "", err)
	}

	safety := SafetyStats{
		DPEpsilonConsumed:          epsRound,
		ClipNormApplied:            clipped.Scale,
		GradientL2PreClip:          clipped.NormBefore,
		SparsityRatio:              env.SparsityRatio,
		PayloadBytesPrecompression: len(allValues) * 4,
	}
	expertWeights := make(map[string]float64, len(in.Weights))
	for k, v := range in.Weights {
		expertWeights[k] = v
	}

	now := int64(0)
	if p.cfg.NowFunc != nil {
		now = p.cfg.NowFunc()
	}

	pkg := &UpdatePackage{
		Header: PackageHeader{
			WorkerID:    p.cfg.WorkerID,
			Round:       in.Round,
			KeyID:       active.KeyID,
			TimestampMS: now,
		},
		Manifest: Manifest{
			SafetyStats:     safety,
			CompressionMeta: compressionMeta,
			TrainingMeta:    in.Training,
			ExpertWeights:   expertWeights,
		},
		Payload: cts,
	}

	sealed, err := pkg.Seal(p.signer)
	if err != nil {
		return nil, newPipelineError(ErrKindCrypto, in.Round, p.cfg.WorkerID, "seal update package", "", err)
	}

	if maxBytes := env.MaxUpdateSizeKB * 1024; len(sealed) > maxBytes {
		return nil, newPipelineError(ErrKindResource, in.Round, p.cfg.WorkerID, fmt.Sprintf("sealed package %d bytes exceeds max_update_size_kb %d", len(sealed), env.MaxUpdateSizeKB), "reduce bits or sparsity_ratio", ErrPayloadTooLarge)
	}

	if err := p.cfg.DP.Record(p.cfg.WorkerID, epsRound, env.EpsilonCap, env.Delta); err != nil {
		return nil, newPipelineError(ErrKindBudget, in.Round, p.cfg.WorkerID, "record privacy spend", "", err)
	}

	if p.cfg.Evidence != nil {
		_, _ = p.cfg.Evidence.Append(EventUpdateAccepted, p.cfg.WorkerID, fmt.Sprintf("round:%d", in.Round), map[string]string{
			"epsilon_round": fmt.Sprintf("%.6f", epsRound),
			"key_id":        active.KeyID,
		})
	}

	return &RoundOutput{Sealed: sealed, Header: pkg.Header, SafetyStats: safety}, nil
}
