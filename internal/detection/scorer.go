// Package detection scores captured frames for corruption. A cheap heuristic
// pass always runs; an optional CV pass runs for cameras that opt in. The
// scorer never returns an error for unreadable frames: those score 100 so the
// capture pipeline can proceed straight to a discard decision.
package detection

import (
	"math"
	"time"
)

// Result is the outcome of one evaluation. Scores run 0 (clean) to 100
// (fully corrupted).
type Result struct {
	FastScore      int
	HeavyScore     *int
	FinalScore     int
	FailedChecks   []string
	IsCorrupted    bool
	ProcessingTime time.Duration
}

// Scorer evaluates frames on disk. Construct with NewScorer; the zero value
// is not usable.
type Scorer struct {
	fast   FastCheckConfig
	heavy  HeavyCheckConfig
	policy ScoringPolicy
}

func NewScorer(fast FastCheckConfig, heavy HeavyCheckConfig, policy ScoringPolicy) *Scorer {
	return &Scorer{fast: fast, heavy: heavy, policy: policy}
}

// NewDefaultScorer builds a scorer with the documented default thresholds.
func NewDefaultScorer() *Scorer {
	return NewScorer(DefaultFastCheckConfig(), DefaultHeavyCheckConfig(), DefaultScoringPolicy())
}

// Policy exposes the decision thresholds to callers.
func (s *Scorer) Policy() ScoringPolicy {
	return s.policy
}

// Evaluate runs the fast checks and, when useHeavy is set, the CV checks,
// then combines them into a final score.
func (s *Scorer) Evaluate(imagePath string, useHeavy bool) Result {
	start := time.Now()

	fastFailed, fastOK := runFastChecks(imagePath, s.fast)
	if !fastOK {
		return Result{
			FastScore:      100,
			FinalScore:     100,
			FailedChecks:   fastFailed,
			IsCorrupted:    true,
			ProcessingTime: time.Since(start),
		}
	}

	res := Result{
		FastScore:    scoreFromFailures(len(fastFailed), fastCheckPenalty),
		FailedChecks: fastFailed,
	}

	if useHeavy {
		heavyFailed, heavyOK := runHeavyChecks(imagePath, s.heavy)
		if !heavyOK {
			res.FinalScore = 100
			res.IsCorrupted = true
			res.FailedChecks = append(res.FailedChecks, CheckImageLoad)
			res.ProcessingTime = time.Since(start)
			return res
		}
		hs := scoreFromFailures(len(heavyFailed), heavyCheckPenalty)
		res.HeavyScore = &hs
		res.FailedChecks = append(res.FailedChecks, heavyFailed...)
	}

	res.FinalScore = CombineScores(res.FastScore, res.HeavyScore, s.policy)
	res.IsCorrupted = s.policy.IsCorrupted(res.FinalScore)
	res.ProcessingTime = time.Since(start)
	return res
}

// CombineScores folds the fast and optional heavy score into one value,
// clamped to [0,100]. With no heavy score the fast score stands alone.
func CombineScores(fast int, heavy *int, policy ScoringPolicy) int {
	var combined float64
	if heavy == nil {
		combined = float64(fast)
	} else {
		combined = float64(fast)*policy.FastWeight + float64(*heavy)*policy.HeavyWeight
	}
	score := int(math.Round(combined))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
