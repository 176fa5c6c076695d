package sfup

import (
	"context"
	"crypto/ed25519"
	"math"
	"path/filepath"
	"testing"
)

// testRound bundles one round's shared infrastructure (key provider,
// CSPRNG, signer, evidence log) so several simulated workers can seal
// packages that the same RoundAggregator can admit and combine.
type testRound struct {
	keys     *FileKeyProvider
	active   KeyMetadata
	csprng   *CSPRNG
	env      OperatingEnvelope
	signer   *HybridSigner
	evidence *EvidenceLog
}

func newTestRound(t *testing.T) *testRound {
	t.Helper()
	ctx := context.Background()

	keys := testFileKeyProvider(t)
	active, err := keys.Rotate(ctx, Security128, RotationDrain)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	env := DefaultOperatingEnvelope()
	env.SparsityRatio = 1.0
	env.QuorumThreshold = 2

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}

	dir := t.TempDir()
	evid, err := NewEvidenceLog(filepath.Join(dir, "evidence"), 0, func() int64 { return 1700000000000 })
	if err != nil {
		t.Fatalf("new evidence log: %v", err)
	}
	t.Cleanup(func() { evid.Close() })

	return &testRound{
		keys:     keys,
		active:   active,
		csprng:   NewCSPRNG([]byte("aggregator-test-seed-0123456789")),
		env:      env,
		signer:   NewHybridSigner(priv, pub, nil),
		evidence: evid,
	}
}

func (tr *testRound) seal(t *testing.T, workerID string, round uint64, values []float32) []byte {
	t.Helper()
	cfg := PipelineConfig{
		WorkerID: workerID,
		Envelope: tr.env,
		CSPRNG:   tr.csprng,
		DP:       NewDPAccountant(true),
		Keys:     tr.keys,
		NowFunc:  func() int64 { return 1700000000000 },
	}
	p := NewGradientPipeline(cfg, tr.signer)
	in := RoundInput{
		Round:   round,
		Experts: ExpertGatedGradients{"expert_a": GradientTensorSet{"layer1.weight": values}},
		Weights: GateWeights{"expert_a": 1.0},
	}
	out, err := p.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("seal worker %s: %v", workerID, err)
	}
	return out.Sealed
}

func (tr *testRound) aggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Envelope: tr.env,
		CSPRNG:   tr.csprng,
		Keys:     tr.keys,
		Verifier: tr.signer,
		Evidence: tr.evidence,
	}
}

func TestRoundAggregatorAveragesAcceptedContributions(t *testing.T) {
	tr := newTestRound(t)
	agg := NewRoundAggregator(1, tr.aggregatorConfig())

	ctx := context.Background()
	pkgA := tr.seal(t, "worker-a", 1, []float32{0.1, 0.1, 0.1, 0.1})
	pkgB := tr.seal(t, "worker-b", 1, []float32{0.3, 0.3, 0.3, 0.3})

	if err := agg.Submit(ctx, pkgA); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := agg.Submit(ctx, pkgB); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	published, err := agg.Finalize(ctx, EvaluationMetrics{SuccessRate: 1.0})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if published.ContributorCount != 2 {
		t.Fatalf("expected 2 contributors, got %d", published.ContributorCount)
	}

	vec, ok := published.Values["layer1.weight"]
	if !ok {
		t.Fatalf("expected layer1.weight in published values, got %+v", published.Values)
	}
	for i, v := range vec {
		want := float32(0.2) // average of 0.1 and 0.3
		if diff := math.Abs(float64(v - want)); diff > 0.02 {
			t.Fatalf("slot %d: expected ~%v, got %v (quantization+noise tolerance exceeded)", i, want, v)
		}
	}
}

func TestRoundAggregatorFailsBelowQuorum(t *testing.T) {
	tr := newTestRound(t)
	agg := NewRoundAggregator(1, tr.aggregatorConfig())

	ctx := context.Background()
	pkgA := tr.seal(t, "worker-a", 1, []float32{0.1, 0.1, 0.1, 0.1})
	if err := agg.Submit(ctx, pkgA); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := agg.Finalize(ctx, EvaluationMetrics{SuccessRate: 1.0}); err == nil {
		t.Fatal("expected quorum failure with only 1 of 2 required contributors")
	}
	if agg.Status() != RoundFailed {
		t.Fatalf("expected status FAILED, got %v", agg.Status())
	}
}

func TestRoundAggregatorRejectsDuplicateWorker(t *testing.T) {
	tr := newTestRound(t)
	agg := NewRoundAggregator(1, tr.aggregatorConfig())

	ctx := context.Background()
	pkgA := tr.seal(t, "worker-a", 1, []float32{0.1, 0.1, 0.1, 0.1})
	if err := agg.Submit(ctx, pkgA); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := agg.Submit(ctx, pkgA); err == nil {
		t.Fatal("expected duplicate submission to be rejected")
	}
}

func TestRoundAggregatorRejectsOutlier(t *testing.T) {
	tr := newTestRound(t)
	// quorum is checked again after filtering: the two inliers left once
	// worker-c is rejected must still meet it.
	tr.env.QuorumThreshold = 2
	tr.env.MADK = 1.5
	agg := NewRoundAggregator(1, tr.aggregatorConfig())

	ctx := context.Background()
	pkgA := tr.seal(t, "worker-a", 1, []float32{0.10, 0.10, 0.10, 0.10})
	pkgB := tr.seal(t, "worker-b", 1, []float32{0.11, 0.11, 0.11, 0.11})
	pkgC := tr.seal(t, "worker-c", 1, []float32{0.90, 0.90, 0.90, 0.90})

	for _, pkg := range [][]byte{pkgA, pkgB, pkgC} {
		if err := agg.Submit(ctx, pkg); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	published, err := agg.Finalize(ctx, EvaluationMetrics{SuccessRate: 1.0})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	for _, w := range published.RejectedWorkers {
		if w == "worker-c" {
			return
		}
	}
	t.Fatalf("expected worker-c to be rejected as an outlier, rejected=%v accepted=%v", published.RejectedWorkers, published.AcceptedWorkers)
}

func TestRoundAggregatorGateRejectsRound(t *testing.T) {
	tr := newTestRound(t)
	agg := NewRoundAggregator(1, tr.aggregatorConfig())
	agg.cfg.Gate = NewEvaluationGate(EvaluationThresholds{MinSuccessRate: 0.99})

	ctx := context.Background()
	pkgA := tr.seal(t, "worker-a", 1, []float32{0.1, 0.1, 0.1, 0.1})
	pkgB := tr.seal(t, "worker-b", 1, []float32{0.1, 0.1, 0.1, 0.1})
	if err := agg.Submit(ctx, pkgA); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := agg.Submit(ctx, pkgB); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	if _, err := agg.Finalize(ctx, EvaluationMetrics{SuccessRate: 0.5}); err == nil {
		t.Fatal("expected evaluation gate to reject the round")
	}
	if agg.Status() != RoundFailed {
		t.Fatalf("expected status FAILED, got %v", agg.Status())
	}
}
