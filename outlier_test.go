package sfup

import "testing"

func TestRejectOutliersFlagsFarFromMedian(t *testing.T) {
	workers := []string{"w1", "w2", "w3", "w4", "w5"}
	norms := []float64{1.0, 1.1, 0.9, 1.05, 50.0}

	verdicts, err := RejectOutliers(workers, norms, 3.0)
	if err != nil {
		t.Fatalf("reject outliers: %v", err)
	}
	for _, v := range verdicts {
		if v.WorkerID == "w5" && v.Accepted {
			t.Fatalf("expected w5 (norm=50.0) to be rejected as an outlier, got accepted with score %v", v.Score)
		}
		if v.WorkerID != "w5" && !v.Accepted {
			t.Fatalf("expected %s to be accepted, got rejected with score %v", v.WorkerID, v.Score)
		}
	}
}

func TestRejectOutliersDisabledBelowMinimumSample(t *testing.T) {
	workers := []string{"w1", "w2"}
	norms := []float64{1.0, 1000.0}

	verdicts, err := RejectOutliers(workers, norms, 3.0)
	if err != nil {
		t.Fatalf("reject outliers: %v", err)
	}
	for _, v := range verdicts {
		if !v.Accepted {
			t.Fatalf("expected all workers accepted with fewer than 3 contributors, got %s rejected", v.WorkerID)
		}
	}
}

func TestRejectOutliersZeroMADKDisables(t *testing.T) {
	workers := []string{"w1", "w2", "w3"}
	norms := []float64{1.0, 1.0, 1000.0}

	verdicts, err := RejectOutliers(workers, norms, 0)
	if err != nil {
		t.Fatalf("reject outliers: %v", err)
	}
	for _, v := range verdicts {
		if !v.Accepted {
			t.Fatalf("expected madK<=0 to disable rejection, got %s rejected", v.WorkerID)
		}
	}
}

func TestRejectOutliersMismatchedLengthErrors(t *testing.T) {
	if _, err := RejectOutliers([]string{"w1"}, []float64{1.0, 2.0}, 3.0); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}
