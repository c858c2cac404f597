package refresh

import "sort"

// findPeaks locates local maxima of values that are strictly higher than
// their neighbours, then enforces a minimum index distance between kept
// peaks, preferring the taller peak when two compete. Indices are returned
// ascending.
func findPeaks(values []float64, minDistance int) []int {
	if minDistance < 1 {
		minDistance = 1
	}

	candidates := make([]int, 0)
	for i := 1; i < len(values)-1; i++ {
		if values[i] > values[i-1] && values[i] > values[i+1] {
			candidates = append(candidates, i)
		}
	}

	// Tallest first so a dominant peak suppresses smaller neighbours.
	sort.SliceStable(candidates, func(i, j int) bool {
		return values[candidates[i]] > values[candidates[j]]
	})

	kept := make([]int, 0, len(candidates))
	for _, candidate := range candidates {
		ok := true
		for _, existing := range kept {
			if abs(candidate-existing) < minDistance {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, candidate)
		}
	}

	sort.Ints(kept)
	return kept
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
