package calibration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/record"
	"github.com/daverage/memtriage/internal/validation"
)

const (
	// biasMargin is how far the false-approval and missed-approval rates
	// must diverge before a window is labeled biased.
	biasMargin = 0.02
	// weightLearningRate scales factor separation into a weight nudge
	// before the per-cycle cap is applied.
	weightLearningRate = 0.1
	// minWeight keeps every factor in play; calibration may not zero one
	// out.
	minWeight = 0.05
)

// Propose runs one calibration cycle over the feedback window. The cut
// candidates are a bounded grid around the live config whose replayed
// agreement with the human outcomes must strictly beat the live config,
// so a proposal can never test worse than what is already running.
// Deferred and rejected outcomes come back as values; the live config is
// untouched until Apply.
func (e *Engine) Propose(feedback []validation.Feedback, metrics quality.Metrics, now time.Time) Adjustment {
	current := e.Snapshot()
	adj := Adjustment{
		ID:         uuid.NewString(),
		Current:    current,
		Proposed:   current,
		Bias:       BiasNone,
		ProposedAt: now,
	}

	window := e.windowed(feedback, now)
	adj.Samples = len(window)
	if len(window) < e.cfg.MinSamples {
		adj.Status = StatusDeferred
		adj.Reason = fmt.Sprintf("%d samples in window, need %d", len(window), e.cfg.MinSamples)
		return adj
	}

	adj.FalseApprovalRate, adj.MissedApprovalRate = approvalErrorRates(window)
	adj.Bias = classifyBias(adj.FalseApprovalRate, adj.MissedApprovalRate)

	if !metrics.Healthy(e.cfg.MinAutoApproveAccuracy, e.cfg.MaxFalsePositiveRate) {
		adj.Status = StatusDeferred
		adj.Reason = "quality metrics out of bounds, holding thresholds while accuracy recovers"
		return adj
	}

	adj.CurrentAgreement = replayAgreement(window, current)

	best := current
	bestScore := adj.CurrentAgreement
	for _, weights := range e.weightCandidates(current, window) {
		for _, approveDelta := range e.cutOffsets() {
			for _, rejectDelta := range e.cutOffsets() {
				cand, ok := buildCandidate(current, weights, approveDelta, rejectDelta)
				if !ok {
					continue
				}
				if score := replayAgreement(window, cand); score > bestScore+1e-12 {
					best = cand
					bestScore = score
				}
			}
		}
	}

	adj.ProposedAgreement = bestScore
	adj.Improvement = bestScore - adj.CurrentAgreement
	if adj.Improvement <= 1e-9 {
		adj.Status = StatusRejected
		adj.Reason = "replay found no improvement over the current config"
		return adj
	}

	adj.Status = StatusProposed
	adj.Proposed = best
	return adj
}

func (e *Engine) windowed(feedback []validation.Feedback, now time.Time) []validation.Feedback {
	start := now.Add(-e.cfg.Window)
	out := make([]validation.Feedback, 0, len(feedback))
	for i := range feedback {
		if feedback[i].CreatedAt.Before(start) || feedback[i].CreatedAt.After(now) {
			continue
		}
		out = append(out, feedback[i])
	}
	return out
}

// cutOffsets enumerates candidate cut movements, smallest first so equal
// replay scores keep the smaller change.
func (e *Engine) cutOffsets() []float64 {
	half := e.cfg.MaxStep / 2
	return []float64{0, -half, half, -2 * half, 2 * half}
}

// weightCandidates returns the current weights plus, when the window
// carries enough factor breakdowns, one nudged set. Current weights come
// first so cut-only changes win replay ties.
func (e *Engine) weightCandidates(current validation.ThresholdConfig, window []validation.Feedback) []validation.FactorWeights {
	sets := []validation.FactorWeights{current.Weights}
	if nudged, ok := nudgedWeights(current.Weights, window, e.cfg.MaxWeightStep); ok {
		sets = append(sets, nudged)
	}
	return sets
}

func buildCandidate(current validation.ThresholdConfig, weights validation.FactorWeights, approveDelta, rejectDelta float64) (validation.ThresholdConfig, bool) {
	approve := clip01(current.AutoApprove + approveDelta)
	reject := clip01(current.AutoReject + rejectDelta)
	if reject > approve {
		return validation.ThresholdConfig{}, false
	}
	cand := current
	cand.AutoApprove = approve
	cand.AutoReject = reject
	cand.ReviewRequired = clamp(current.ReviewRequired, reject, approve)
	cand.Weights = weights
	return cand, true
}

// replayAgreement re-decides every feedback sample under cfg and returns
// the share whose verdict matches the human outcome. Samples carrying a
// factor breakdown are rescored under cfg's weights; the rest reuse the
// stored confidence.
func replayAgreement(window []validation.Feedback, cfg validation.ThresholdConfig) float64 {
	if len(window) == 0 {
		return 0
	}
	matches := 0
	for i := range window {
		f := &window[i]
		if validation.Classify(replayConfidence(f, cfg), cfg) == f.Actual {
			matches++
		}
	}
	return float64(matches) / float64(len(window))
}

func replayConfidence(f *validation.Feedback, cfg validation.ThresholdConfig) float64 {
	if !hasFactors(f.Factors) {
		return f.PredictedConfidence
	}
	conf := cfg.Weights.Extraction*f.Factors.Extraction +
		cfg.Weights.EmotionalCoherence*f.Factors.EmotionalCoherence +
		cfg.Weights.RelationshipAccuracy*f.Factors.RelationshipAccuracy +
		cfg.Weights.ContextQuality*f.Factors.ContextQuality
	return clip01(conf)
}

// nudgedWeights moves weight toward the factors whose values separate
// agreed from disagreed decisions. The nudges are centered so the sum
// stays 1, capped per weight, and floored so no factor drops out. ok is
// false when the window carries too little factor data to trust.
func nudgedWeights(current validation.FactorWeights, window []validation.Feedback, maxStep float64) (validation.FactorWeights, bool) {
	var agreedSum, disagreedSum [4]float64
	var agreed, disagreed, withFactors int
	for i := range window {
		f := &window[i]
		if !hasFactors(f.Factors) {
			continue
		}
		withFactors++
		values := factorVector(f.Factors)
		if f.Agreed() {
			agreed++
			for j, v := range values {
				agreedSum[j] += v
			}
		} else {
			disagreed++
			for j, v := range values {
				disagreedSum[j] += v
			}
		}
	}
	if withFactors < len(window)/2 || agreed == 0 || disagreed == 0 {
		return current, false
	}

	var separation [4]float64
	var mean float64
	for j := range separation {
		separation[j] = agreedSum[j]/float64(agreed) - disagreedSum[j]/float64(disagreed)
		mean += separation[j] / 4
	}

	weights := [4]float64{current.Extraction, current.EmotionalCoherence, current.RelationshipAccuracy, current.ContextQuality}
	gamma := weightLearningRate
	var maxAbs float64
	for j := range separation {
		separation[j] -= mean
		if a := abs(separation[j]); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs < 1e-9 {
		return current, false
	}
	if gamma*maxAbs > maxStep {
		gamma = maxStep / maxAbs
	}
	for j := range separation {
		if separation[j] >= 0 {
			continue
		}
		headroom := weights[j] - minWeight
		if headroom <= 0 {
			return current, false
		}
		if allowed := headroom / -separation[j]; allowed < gamma {
			gamma = allowed
		}
	}
	if gamma <= 0 {
		return current, false
	}

	return validation.FactorWeights{
		Extraction:           weights[0] + gamma*separation[0],
		EmotionalCoherence:   weights[1] + gamma*separation[1],
		RelationshipAccuracy: weights[2] + gamma*separation[2],
		ContextQuality:       weights[3] + gamma*separation[3],
	}, true
}

func approvalErrorRates(window []validation.Feedback) (falseApproval, missedApproval float64) {
	var approvals, falseApprovals, others, missedApprovals int
	for i := range window {
		f := &window[i]
		if f.Predicted == validation.VerdictAutoApprove {
			approvals++
			if f.Actual != validation.VerdictAutoApprove {
				falseApprovals++
			}
		} else {
			others++
			if f.Actual == validation.VerdictAutoApprove {
				missedApprovals++
			}
		}
	}
	return ratio(falseApprovals, approvals), ratio(missedApprovals, others)
}

func classifyBias(falseApproval, missedApproval float64) Bias {
	switch {
	case falseApproval-missedApproval > biasMargin:
		return BiasOverApproving
	case missedApproval-falseApproval > biasMargin:
		return BiasUnderApproving
	default:
		return BiasNone
	}
}

func factorVector(f record.FactorScores) [4]float64 {
	return [4]float64{f.Extraction, f.EmotionalCoherence, f.RelationshipAccuracy, f.ContextQuality}
}

func hasFactors(f record.FactorScores) bool {
	return f.Extraction > 0 || f.EmotionalCoherence > 0 || f.RelationshipAccuracy > 0 || f.ContextQuality > 0
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
