package sfup

import "testing"

func defaultThresholds() EvaluationThresholds {
	return EvaluationThresholds{
		MinSuccessRate:      0.9,
		MaxKLDivergence:     0.1,
		MaxDeltaNorm:        5.0,
		RequireMonotoneLoss: true,
	}
}

func TestEvaluatePassesWithinThresholds(t *testing.T) {
	passed, failures := Evaluate(defaultThresholds(), EvaluationMetrics{SuccessRate: 0.95, KLDivergence: 0.05, DeltaNorm: 2.0})
	if !passed || len(failures) != 0 {
		t.Fatalf("expected pass, got failures %+v", failures)
	}
}

func TestEvaluateFailsOnEachThresholdIndependently(t *testing.T) {
	passed, failures := Evaluate(defaultThresholds(), EvaluationMetrics{SuccessRate: 0.5, KLDivergence: 0.5, DeltaNorm: 50.0})
	if passed {
		t.Fatal("expected failure")
	}
	if len(failures) != 3 {
		t.Fatalf("expected 3 independent failures, got %d: %+v", len(failures), failures)
	}
}

func TestEvaluationGateEnforcesMonotoneLoss(t *testing.T) {
	g := NewEvaluationGate(defaultThresholds())

	passed, _ := g.Check(EvaluationMetrics{SuccessRate: 0.95, KLDivergence: 0.01, DeltaNorm: 1.0, Loss: 1.0})
	if !passed {
		t.Fatal("expected first round to pass and seed history")
	}

	passed, failures := g.Check(EvaluationMetrics{SuccessRate: 0.95, KLDivergence: 0.01, DeltaNorm: 1.0, Loss: 1.5})
	if passed {
		t.Fatal("expected regression in loss to fail the gate")
	}
	found := false
	for _, f := range failures {
		if f.Check == "require_monotone_loss" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected require_monotone_loss failure, got %+v", failures)
	}
}

func TestEvaluationGateAcceptsImprovingLoss(t *testing.T) {
	g := NewEvaluationGate(defaultThresholds())
	g.Check(EvaluationMetrics{SuccessRate: 0.95, KLDivergence: 0.01, DeltaNorm: 1.0, Loss: 2.0})

	passed, _ := g.Check(EvaluationMetrics{SuccessRate: 0.95, KLDivergence: 0.01, DeltaNorm: 1.0, Loss: 1.0})
	if !passed {
		t.Fatal("expected improving loss to pass")
	}

	best, ok := g.BestLoss()
	if !ok || best != 1.0 {
		t.Fatalf("expected best loss 1.0, got %v (ok=%v)", best, ok)
	}
}
