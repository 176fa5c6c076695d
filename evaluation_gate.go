package sfup

import "sync"

// EvaluationThresholds are the pass/fail bounds a published round must
// clear (spec §4.10).
type EvaluationThresholds struct {
	MinSuccessRate      float64
	MaxKLDivergence     float64
	MaxDeltaNorm        float64
	RequireMonotoneLoss bool
}

// EvaluationMetrics are the measured values for one round.
type EvaluationMetrics struct {
	SuccessRate  float64
	KLDivergence float64
	DeltaNorm    float64
	Loss         float64
}

// EvaluationFailure names one failed threshold with enough context to
// act on without re-deriving it from metrics.
type EvaluationFailure struct {
	Check    string
	Observed float64
	Limit    float64
}

// Evaluate is a pure function over thresholds and one round's metrics
// (spec §4.10): it does not consult history, so it cannot by itself
// enforce RequireMonotoneLoss — that needs EvaluationGate's rolling
// history below.
func Evaluate(thresholds EvaluationThresholds, metrics EvaluationMetrics) (bool, []EvaluationFailure) {
	var failures []EvaluationFailure

	if metrics.SuccessRate < thresholds.MinSuccessRate {
		failures = append(failures, EvaluationFailure{"min_success_rate", metrics.SuccessRate, thresholds.MinSuccessRate})
	}
	if metrics.KLDivergence > thresholds.MaxKLDivergence {
		failures = append(failures, EvaluationFailure{"max_kl_divergence", metrics.KLDivergence, thresholds.MaxKLDivergence})
	}
	if metrics.DeltaNorm > thresholds.MaxDeltaNorm {
		failures = append(failures, EvaluationFailure{"max_delta_norm", metrics.DeltaNorm, thresholds.MaxDeltaNorm})
	}

	return len(failures) == 0, failures
}

// EvaluationGate wraps Evaluate with a rolling loss history so
// RequireMonotoneLoss can be enforced across rounds: a round whose
// loss regresses against the best loss seen so far fails the gate even
// if every per-round threshold passes.
type EvaluationGate struct {
	mu          sync.Mutex
	thresholds  EvaluationThresholds
	bestLoss    float64
	haveHistory bool
}

// NewEvaluationGate builds a gate with no prior history.
func NewEvaluationGate(thresholds EvaluationThresholds) *EvaluationGate {
	return &EvaluationGate{thresholds: thresholds}
}

// Check evaluates metrics against the gate's thresholds and rolling
// loss history, then records metrics.Loss as the new best if the round
// passed and improved on it.
func (g *EvaluationGate) Check(metrics EvaluationMetrics) (bool, []EvaluationFailure) {
	g.mu.Lock()
	defer g.mu.Unlock()

	passed, failures := Evaluate(g.thresholds, metrics)

	if g.thresholds.RequireMonotoneLoss && g.haveHistory && metrics.Loss > g.bestLoss {
		passed = false
		failures = append(failures, EvaluationFailure{"require_monotone_loss", metrics.Loss, g.bestLoss})
	}

	if passed {
		if !g.haveHistory || metrics.Loss < g.bestLoss {
			g.bestLoss = metrics.Loss
			g.haveHistory = true
		}
	}

	return passed, failures
}

// BestLoss returns the best loss recorded so far and whether any round
// has been recorded yet.
func (g *EvaluationGate) BestLoss() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bestLoss, g.haveHistory
}
