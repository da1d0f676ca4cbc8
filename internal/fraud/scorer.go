package fraud

// overshootCap bounds how much a single signal can contribute: a value at
// twice its threshold counts the same as one at twenty times.
const overshootCap = 2.0

// Score combines signals into one fraud score in [0, 1].
//
// Only signals whose value exceeds their threshold contribute. Each
// contributes min(value/threshold, 2.0) scaled by its weight; the result is
// the weighted average over exceeding signals, so the score rewards how far
// past threshold a signal is rather than its raw magnitude. With no
// exceeding signal the score is 0. Pure function, safe for concurrent use.
func Score(signals []Signal) float64 {
	totalScore := 0.0
	totalWeight := 0.0

	for _, s := range signals {
		if s.Threshold <= 0 || s.Value <= s.Threshold {
			continue
		}
		normalized := s.Value / s.Threshold
		if normalized > overshootCap {
			normalized = overshootCap
		}
		totalScore += normalized * s.Weight
		totalWeight += s.Weight
	}

	if totalWeight == 0 {
		return 0.0
	}

	score := totalScore / totalWeight
	if score > 1.0 {
		score = 1.0
	}
	return score
}
