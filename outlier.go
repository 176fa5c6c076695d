package sfup

import (
	"github.com/montanaflynn/stats"
)

// OutlierVerdict is the per-worker outcome of MAD-based outlier
// rejection (spec §4.6, §9): a worker's pre-clip gradient L2 norm more
// than MADK scaled-MADs from the median is rejected from the round's
// homomorphic sum.
type OutlierVerdict struct {
	WorkerID string
	Norm     float64
	Accepted bool
	Score    float64
}

// RejectOutliers computes the median absolute deviation of norms and
// flags any worker more than madK scaled MADs away from the median. A
// madK <= 0 or fewer than 3 contributors disables rejection outright:
// MAD is not a meaningful outlier statistic on tiny samples.
func RejectOutliers(workerIDs []string, norms []float64, madK float64) ([]OutlierVerdict, error) {
	if len(workerIDs) != len(norms) {
		return nil, &ConfigError{Field: "norms", Message: "length must match workerIDs"}
	}

	verdicts := make([]OutlierVerdict, len(workerIDs))
	if madK <= 0 || len(norms) < 3 {
		for i, w := range workerIDs {
			verdicts[i] = OutlierVerdict{WorkerID: w, Norm: norms[i], Accepted: true}
		}
		return verdicts, nil
	}

	median, err := stats.Median(norms)
	if err != nil {
		return nil, newAggregatorError(ErrKindValidation, "", 0, "compute median norm", err)
	}
	deviations := make([]float64, len(norms))
	for i, n := range norms {
		d := n - median
		if d < 0 {
			d = -d
		}
		deviations[i] = d
	}
	mad, err := stats.Median(deviations)
	if err != nil {
		return nil, newAggregatorError(ErrKindValidation, "", 0, "compute median absolute deviation", err)
	}

	// consistency constant 1.4826 scales MAD to be comparable to a
	// normal distribution's standard deviation, the usual convention
	// for MAD-based outlier thresholds.
	const madConsistencyConstant = 1.4826
	scaledMAD := mad * madConsistencyConstant
	if scaledMAD == 0 {
		for i, w := range workerIDs {
			verdicts[i] = OutlierVerdict{WorkerID: w, Norm: norms[i], Accepted: norms[i] == median}
		}
		return verdicts, nil
	}

	for i, w := range workerIDs {
		score := (norms[i] - median) / scaledMAD
		if score < 0 {
			score = -score
		}
		verdicts[i] = OutlierVerdict{WorkerID: w, Norm: norms[i], Score: score, Accepted: score <= madK}
	}
	return verdicts, nil
}
