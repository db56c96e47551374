package scoring

// Penalty maps a similarity in [0,1] to a penalty factor. Below the
// threshold the penalty is zero; above it the penalty climbs linearly
// and reaches 1.0 at similarity 1.0 (a verbatim copy scores nothing).
func Penalty(similarity, threshold float64) float64 {
	if similarity >= 1.0 {
		return 1.0
	}
	if similarity <= threshold {
		return 0
	}
	if threshold >= 1.0 {
		return 0
	}
	return (similarity - threshold) / (1.0 - threshold)
}

// Final combines a raw score with a penalty: final = raw * (1 - p),
// clamped to [0,1].
func Final(raw, penalty float64) float64 {
	return clamp01(clamp01(raw) * (1.0 - clamp01(penalty)))
}
