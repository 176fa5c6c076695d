package sfup

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RoundStatus is the Aggregator's state machine position for one round
// (spec §4.6).
type RoundStatus string

const (
	RoundCollecting    RoundStatus = "COLLECTING"
	RoundQuorumReached RoundStatus = "QUORUM_REACHED"
	RoundFiltered      RoundStatus = "FILTERED"
	RoundSummed        RoundStatus = "SUMMED"
	RoundDecrypted     RoundStatus = "DECRYPTED"
	RoundGated         RoundStatus = "GATED"
	RoundPublished     RoundStatus = "PUBLISHED"
	RoundFailed        RoundStatus = "FAILED"
)

// AggregatorConfig bundles the round-independent dependencies a
// RoundAggregator is wired against.
type AggregatorConfig struct {
	Envelope      OperatingEnvelope
	CSPRNG        *CSPRNG
	Keys          KeyProvider
	Verifier      Signer
	Evidence      *EvidenceLog
	Gate          *EvaluationGate
	QueueCapacity int
}

// PublishedUpdate is a round's final aggregated result (spec §4.6 step
// 8: "decrypt + inverse-compression").
type PublishedUpdate struct {
	Round            uint64
	KeyID            string
	Values           GradientTensorSet
	ContributorCount int
	AcceptedWorkers  []string
	RejectedWorkers  []string
}

// RoundAggregator collects Update Packages for a single round,
// validates and admits them behind a bounded queue, then runs the
// outlier-filter -> homomorphic-sum -> decrypt -> evaluation-gate
// pipeline of spec §4.6.
type RoundAggregator struct {
	cfg   AggregatorConfig
	round uint64

	mu          sync.Mutex
	status      RoundStatus
	submissions map[string]*UpdatePackage
	queue       chan struct{} // bounded admission semaphore (spec §5, backpressure)
}

// NewRoundAggregator creates an aggregator collecting submissions for
// one round. QueueCapacity bounds how many packages may be in flight
// (parsed but not yet admitted) at once; callers that exceed it block
// on Submit until a slot frees up, providing the backpressure spec §5
// requires against a burst of simultaneous worker submissions.
func NewRoundAggregator(round uint64, cfg AggregatorConfig) *RoundAggregator {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	return &RoundAggregator{
		cfg:         cfg,
		round:       round,
		status:      RoundCollecting,
		submissions: make(map[string]*UpdatePackage),
		queue:       make(chan struct{}, capacity),
	}
}

// Status returns the round's current state machine position.
func (a *RoundAggregator) Status() RoundStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// appendEvidence records one evidence event for this round. actor is
// who caused the event (a worker_id, or "aggregator" for
// round-level decisions); subject is always this round, per spec §6's
// actor/subject fields.
func (a *RoundAggregator) appendEvidence(eventType EvidenceEventType, actor string, details map[string]string) {
	if a.cfg.Evidence == nil {
		return
	}
	_, _ = a.cfg.Evidence.Append(eventType, actor, fmt.Sprintf("round:%d", a.round), details)
}

// Submit validates and admits one worker's sealed Update Package bytes
// (spec §4.5 steps i-vi; §4.6's duplicate-worker rejection). It blocks
// until a queue slot is available, giving the round natural
// backpressure under a submission burst.
func (a *RoundAggregator) Submit(ctx context.Context, data []byte) error {
	select {
	case a.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.queue }()

	header, err := PeekPackageHeader(data)
	if err != nil {
		return newAggregatorError(ErrKindValidation, "", a.round, "peek package header", err)
	}

	keyStatus, err := a.cfg.Keys.Status(ctx, header.KeyID)
	if err != nil {
		return newAggregatorError(ErrKindResource, header.KeyID, a.round, "lookup key status", err)
	}
	if keyStatus.Status != KeyStatusActive && keyStatus.Status != KeyStatusDraining {
		return newAggregatorError(ErrKindCrypto, header.KeyID, a.round, "key is neither ACTIVE nor DRAINING", ErrKeyNotActive)
	}

	mat, err := a.cfg.Keys.Material(ctx, header.KeyID)
	if err != nil {
		return newAggregatorError(ErrKindResource, header.KeyID, a.round, "lookup key material", err)
	}

	if maxBytes := a.cfg.Envelope.MaxUpdateSizeKB * 1024; len(data) > maxBytes {
		return newAggregatorError(ErrKindResource, header.KeyID, a.round, fmt.Sprintf("package %d bytes exceeds max_update_size_kb %d", len(data), a.cfg.Envelope.MaxUpdateSizeKB), ErrPayloadTooLarge)
	}

	pkg, err := ParseUpdatePackage(data, mat.Params.NLWE, a.cfg.Verifier)
	if err != nil {
		a.appendEvidence(EventUpdateRejected, header.WorkerID, map[string]string{"key_id": header.KeyID, "reason": err.Error()})
		return newAggregatorError(ErrKindIntegrity, header.KeyID, a.round, "parse update package", err)
	}
	if pkg.Header.Round != a.round {
		return newAggregatorError(ErrKindValidation, header.KeyID, a.round, fmt.Sprintf("package round %d does not match aggregator round %d", pkg.Header.Round, a.round), nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != RoundCollecting {
		return newAggregatorError(ErrKindValidation, header.KeyID, a.round, "round is no longer accepting submissions", nil)
	}
	if _, exists := a.submissions[pkg.Header.WorkerID]; exists {
		a.appendEvidence(EventUpdateRejected, pkg.Header.WorkerID, map[string]string{"key_id": header.KeyID, "reason": "duplicate submission for this round"})
		return newAggregatorError(ErrKindValidation, header.KeyID, a.round, fmt.Sprintf("duplicate submission from worker %q", pkg.Header.WorkerID), nil)
	}

	a.submissions[pkg.Header.WorkerID] = pkg
	a.appendEvidence(EventUpdateAccepted, pkg.Header.WorkerID, map[string]string{"key_id": header.KeyID})
	return nil
}

// SubmissionCount returns how many distinct workers have been admitted
// into the round so far.
func (a *RoundAggregator) SubmissionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submissions)
}

// Finalize runs the round to completion (spec §4.6 steps 2-8): quorum
// check, outlier rejection, homomorphic sum, decrypt + inverse
// compression, and the evaluation gate. It transitions through every
// RoundStatus and records evidence for the quorum check, the filtered
// set, decryption, the gate decision (when a gate is configured), and
// publication; the SUMMED and GATED transitions have no entry of
// their own.
func (a *RoundAggregator) Finalize(ctx context.Context, metrics EvaluationMetrics) (*PublishedUpdate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != RoundCollecting {
		return nil, newAggregatorError(ErrKindValidation, "", a.round, "round already finalized", nil)
	}

	threshold := a.cfg.Envelope.QuorumThreshold
	if threshold < 1 {
		threshold = 1
	}
	if len(a.submissions) < threshold {
		a.status = RoundFailed
		a.appendEvidence(EventAggregationComplete, "aggregator", map[string]string{"status": string(RoundFailed), "reason": "quorum_not_reached"})
		return nil, newAggregatorError(ErrKindQuorum, "", a.round, fmt.Sprintf("%d of %d required contributors", len(a.submissions), threshold), ErrQuorumNotReached)
	}

	a.status = RoundQuorumReached
	a.appendEvidence(EventQuorumReached, "aggregator", map[string]string{"contributors": fmt.Sprintf("%d", len(a.submissions))})

	workerIDs := make([]string, 0, len(a.submissions))
	for w := range a.submissions {
		workerIDs = append(workerIDs, w)
	}
	sort.Strings(workerIDs)

	keyID := a.submissions[workerIDs[0]].Header.KeyID
	for _, w := range workerIDs {
		if a.submissions[w].Header.KeyID != keyID {
			a.status = RoundFailed
			return nil, newAggregatorError(ErrKindValidation, keyID, a.round, "submissions reference more than one key_id in the same round", nil)
		}
	}

	norms := make([]float64, len(workerIDs))
	for i, w := range workerIDs {
		norms[i] = a.submissions[w].Manifest.SafetyStats.GradientL2PreClip
	}
	verdicts, err := RejectOutliers(workerIDs, norms, a.cfg.Envelope.MADK)
	if err != nil {
		a.status = RoundFailed
		return nil, newAggregatorError(ErrKindValidation, keyID, a.round, "outlier rejection", err)
	}

	var accepted, rejected []string
	for _, v := range verdicts {
		if v.Accepted {
			accepted = append(accepted, v.WorkerID)
		} else {
			rejected = append(rejected, v.WorkerID)
			a.appendEvidence(EventUpdateRejected, v.WorkerID, map[string]string{"key_id": keyID, "reason": "outlier", "score": fmt.Sprintf("%.4f", v.Score)})
		}
	}
	a.status = RoundFiltered
	a.appendEvidence(EventAggregationComplete, "aggregator", map[string]string{"key_id": keyID, "status": string(RoundFiltered), "accepted": fmt.Sprintf("%d", len(accepted)), "rejected": fmt.Sprintf("%d", len(rejected))})

	if len(accepted) < threshold {
		a.status = RoundFailed
		return nil, newAggregatorError(ErrKindQuorum, keyID, a.round, fmt.Sprintf("%d contributors remain after outlier rejection, below quorum %d", len(accepted), threshold), ErrQuorumNotReached)
	}

	mat, err := a.cfg.Keys.Material(ctx, keyID)
	if err != nil {
		a.status = RoundFailed
		return nil, newAggregatorError(ErrKindResource, keyID, a.round, "lookup key material for decryption", err)
	}
	if err := mat.Params.CheckBudget(len(accepted)); err != nil {
		a.status = RoundFailed
		return nil, newAggregatorError(ErrKindBudget, keyID, a.round, fmt.Sprintf("%d additions exceeds noise budget", len(accepted)), err)
	}

	result, err := a.sumAndDecrypt(mat, accepted)
	if err != nil {
		a.status = RoundFailed
		return nil, err
	}
	a.status = RoundSummed
	a.status = RoundDecrypted
	a.appendEvidence(EventAggregationComplete, "aggregator", map[string]string{"key_id": keyID, "status": string(RoundDecrypted)})

	if a.cfg.Gate != nil {
		passed, failures := a.cfg.Gate.Check(metrics)
		details := map[string]string{"key_id": keyID, "passed": fmt.Sprintf("%v", passed)}
		for _, f := range failures {
			details[f.Check] = fmt.Sprintf("observed=%v limit=%v", f.Observed, f.Limit)
		}
		a.appendEvidence(EventGateDecision, "aggregator", details)
		if !passed {
			a.status = RoundFailed
			return nil, newAggregatorError(ErrKindValidation, keyID, a.round, "evaluation gate rejected round", nil)
		}
	}
	a.status = RoundGated

	published := &PublishedUpdate{
		Round:            a.round,
		KeyID:            keyID,
		Values:           result,
		ContributorCount: len(accepted),
		AcceptedWorkers:  accepted,
		RejectedWorkers:  rejected,
	}
	a.status = RoundPublished
	a.appendEvidence(EventAggregationComplete, "aggregator", map[string]string{"key_id": keyID, "status": string(RoundPublished), "contributor_count": fmt.Sprintf("%d", len(accepted))})
	return published, nil
}

// sumAndDecrypt performs spec §4.6 steps 6-8 for every parameter
// present across the accepted packages: homomorphic sum of matching
// slots, decrypt, then inverse-compress (dequantize-averaged and
// scatter to dense positions via the shared, recoverable sparsify
// index set).
func (a *RoundAggregator) sumAndDecrypt(mat KeyMaterial, accepted []string) (GradientTensorSet, error) {
	paramNames := make(map[string]bool)
	offsets := make(map[string]map[string]int, len(accepted)) // workerID -> paramName -> payload offset
	for _, w := range accepted {
		pkg := a.submissions[w]
		off, names := paramOffsets(pkg.Manifest.CompressionMeta)
		offsets[w] = off
		for _, n := range names {
			paramNames[n] = true
		}
	}
	names := make([]string, 0, len(paramNames))
	for n := range paramNames {
		names = append(names, n)
	}
	sort.Strings(names)

	result := make(GradientTensorSet, len(names))
	for _, name := range names {
		contributors := make([]string, 0, len(accepted))
		for _, w := range accepted {
			if _, ok := a.submissions[w].Manifest.CompressionMeta[name]; ok {
				contributors = append(contributors, w)
			}
		}
		if len(contributors) == 0 {
			continue
		}

		first := a.submissions[contributors[0]].Manifest.CompressionMeta[name]
		nSlots := first.NSlots

		var summed []Ciphertext
		for _, w := range contributors {
			meta := a.submissions[w].Manifest.CompressionMeta[name]
			if meta.NSlots != nSlots {
				return nil, newAggregatorError(ErrKindValidation, "", a.round, fmt.Sprintf("parameter %q slot count mismatch across contributors", name), nil)
			}
			off := offsets[w][name]
			payload := a.submissions[w].Payload
			if off+nSlots > len(payload) {
				return nil, newAggregatorError(ErrKindValidation, "", a.round, fmt.Sprintf("parameter %q payload out of range for worker %q", name, w), nil)
			}
			slice := payload[off : off+nSlots]
			if summed == nil {
				summed = make([]Ciphertext, nSlots)
				for i, c := range slice {
					summed[i] = c.Clone()
				}
				continue
			}
			for i, c := range slice {
				sum, err := mat.Params.Add(summed[i], c)
				if err != nil {
					return nil, newAggregatorError(ErrKindCrypto, "", a.round, fmt.Sprintf("homomorphic add for parameter %q slot %d", name, i), err)
				}
				summed[i] = sum
			}
		}

		decrypted, err := mat.Params.DecryptVector(mat.Secret, summed)
		if err != nil {
			return nil, newAggregatorError(ErrKindCrypto, "", a.round, fmt.Sprintf("decrypt parameter %q", name), err)
		}

		averaged := DequantizeAveraged(decrypted, first.Scale, first.ZeroPoint, len(contributors))

		indexStream := a.cfg.CSPRNG.Substream("sparsify", fmt.Sprintf("%d", a.round), name)
		indices := RecoverSparseIndices(indexStream, first.DenseLength, a.cfg.Envelope.SparsityRatio)
		if len(indices) != len(averaged) {
			return nil, newAggregatorError(ErrKindValidation, "", a.round, fmt.Sprintf("parameter %q recovered index count %d != slot count %d", name, len(indices), len(averaged)), nil)
		}

		dense := make([]float32, first.DenseLength)
		for i, idx := range indices {
			if int(idx) < len(dense) {
				dense[idx] = averaged[i]
			}
		}
		result[name] = dense
	}
	return result, nil
}

// paramOffsets returns each parameter's starting offset into a
// package's flat Payload slice, assuming payload was packed in the
// parameters' sorted-name order (spec §4.4 step 6, via
// sortedParamNames in the worker pipeline).
func paramOffsets(meta map[string]CompressionMeta) (map[string]int, []string) {
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	sort.Strings(names)

	offsets := make(map[string]int, len(names))
	off := 0
	for _, name := range names {
		offsets[name] = off
		off += meta[name].NSlots
	}
	return offsets, names
}
