package sfup

import (
	"math"
	"sync"
)

// PrivacyBudget is the per-worker privacy state of spec §3.
type PrivacyBudget struct {
	EpsilonConsumed float64
	EpsilonCap      float64
	Delta           float64
	Halted          bool
}

// DPAccountant tracks cumulative epsilon per worker and enforces the
// hard stop (spec §4.3). It owns no references back into the pipeline
// (spec §9: "invert the cyclic reference... the accountant owns no
// pipeline references") — the pipeline calls it, never the reverse.
type DPAccountant struct {
	mu              sync.Mutex
	budgets         map[string]*PrivacyBudget
	hardStopEnabled bool
}

// NewDPAccountant creates an accountant that enforces hardStopEnabled
// across all workers it tracks.
func NewDPAccountant(hardStopEnabled bool) *DPAccountant {
	return &DPAccountant{
		budgets:         make(map[string]*PrivacyBudget),
		hardStopEnabled: hardStopEnabled,
	}
}

func (a *DPAccountant) budgetFor(workerID string, cap, delta float64) *PrivacyBudget {
	b, ok := a.budgets[workerID]
	if !ok {
		b = &PrivacyBudget{EpsilonCap: cap, Delta: delta}
		a.budgets[workerID] = b
	}
	return b
}

// CanSubmit reports whether workerID may submit another round given
// cap/delta from the current Operating Envelope.
func (a *DPAccountant) CanSubmit(workerID string, cap, delta float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.budgetFor(workerID, cap, delta)
	return !(a.hardStopEnabled && b.Halted)
}

// Record accounts epsRound against workerID's budget. If the addition
// would push EpsilonConsumed past EpsilonCap and hard_stop_enabled is
// set, the worker is transitioned to HALTED and an error is returned;
// the round's ε is not recorded in that case. GradientPipeline.Run
// calls Record after sealing and, on this error, discards the sealed
// package instead of returning it.
func (a *DPAccountant) Record(workerID string, epsRound, cap, delta float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.budgetFor(workerID, cap, delta)
	if a.hardStopEnabled && b.Halted {
		return ErrPrivacyBudgetExceeded
	}
	if a.hardStopEnabled && b.EpsilonConsumed+epsRound > cap {
		b.Halted = true
		return ErrPrivacyBudgetExceeded
	}
	b.EpsilonConsumed += epsRound
	if b.EpsilonConsumed > cap {
		b.Halted = true
	}
	return nil
}

// Budget returns a copy of the current tracked budget for workerID.
func (a *DPAccountant) Budget(workerID string) (PrivacyBudget, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.budgets[workerID]
	if !ok {
		return PrivacyBudget{}, false
	}
	return *b, true
}

// RoundEpsilon derives the per-round privacy cost of the Skellam
// mechanism from the chosen noise parameter, clip norm, and the
// effective sensitivity after sparsification (spec §4.3, §9: "the
// Skellam epsilon-bound exact form is left to the implementer").
//
// SFUP uses the standard Gaussian-mechanism-style (epsilon, delta)
// bound applied to the Skellam noise's variance (2*mu), which is the
// textbook approximation used when the discrete Skellam mechanism is
// analyzed via its continuous Gaussian analogue for moderate mu:
//
//	epsilon = (sensitivity / sigma) * sqrt(2 * ln(1.25/delta))
//
// where sigma = sqrt(2*mu) is the Skellam standard deviation and
// sensitivity is clip_norm scaled down by the fraction of the gradient
// actually transmitted after Rand-K sparsification (sparsity_ratio),
// since only the kept coordinates carry the clipped gradient's signal.
func RoundEpsilon(mu, clipNorm, sparsityRatio, delta float64) float64 {
	if mu <= 0 || delta <= 0 || delta >= 1 {
		return math.Inf(1)
	}
	sigma := math.Sqrt(2 * mu)
	sensitivity := clipNorm * sparsityRatio
	return (sensitivity / sigma) * math.Sqrt(2*math.Log(1.25/delta))
}
