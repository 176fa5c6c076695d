package sfup

import (
	"math"
	"testing"
)

func TestL2Norm(t *testing.T) {
	g := GradientTensorSet{"w": {3, 4}}
	if got := L2Norm(g); math.Abs(got-5.0) > 1e-9 {
		t.Errorf("want 5.0, got %v", got)
	}
}

func TestClipNoOpWhenUnderBudget(t *testing.T) {
	g := GradientTensorSet{"w": {3, 4}}
	res := Clip(g, 100)
	if res.Scale != 1.0 {
		t.Errorf("expected scale 1.0 when under clip_norm, got %v", res.Scale)
	}
	if res.Clipped["w"][0] != 3 || res.Clipped["w"][1] != 4 {
		t.Errorf("expected unchanged values, got %v", res.Clipped["w"])
	}
}

func TestClipScalesDown(t *testing.T) {
	g := GradientTensorSet{"w": {3, 4}} // norm 5
	res := Clip(g, 1.0)
	gotNorm := L2Norm(res.Clipped)
	if math.Abs(gotNorm-1.0) > 1e-6 {
		t.Errorf("expected clipped norm ~1.0, got %v", gotNorm)
	}
}

func TestGateAndCombineDropsLowWeightExperts(t *testing.T) {
	experts := ExpertGatedGradients{
		"e1": {"w": {1, 1}},
		"e2": {"w": {10, 10}},
	}
	weights := GateWeights{"e1": 0.5, "e2": 0.1}
	combined := GateAndCombine(experts, weights, 0.15)

	// e2 dropped (weight 0.1 < threshold 0.15); only e1 contributes.
	want := []float32{0.5, 0.5}
	got := combined["w"]
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestGateAndCombineSumsAcrossExperts(t *testing.T) {
	experts := ExpertGatedGradients{
		"e1": {"w": {2, 2}},
		"e2": {"w": {4, 4}},
	}
	weights := GateWeights{"e1": 1.0, "e2": 1.0}
	combined := GateAndCombine(experts, weights, 0.15)
	if combined["w"][0] != 6 || combined["w"][1] != 6 {
		t.Errorf("expected summed [6,6], got %v", combined["w"])
	}
}

func TestAddTensorSetsHandlesMissingParams(t *testing.T) {
	a := GradientTensorSet{"w": {1, 2}}
	b := GradientTensorSet{"w": {1, 1}, "v": {5}}
	sum := AddTensorSets(a, b)
	if sum["w"][0] != 2 || sum["w"][1] != 3 {
		t.Errorf("unexpected w: %v", sum["w"])
	}
	if sum["v"][0] != 5 {
		t.Errorf("unexpected v: %v", sum["v"])
	}
}
