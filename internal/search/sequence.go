package search

import (
	"iter"
	"math"
)

// Candidates yields the indices that follow start in wrap-around order,
// (start+offset) mod n for offset 1..n-1. The sequence can be ranged over
// any number of times.
func Candidates(n, start int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for offset := 1; offset < n; offset++ {
			if !yield((start + offset) % n) {
				return
			}
		}
	}
}

// FailureThreshold is the number of rejections that ends an attempt over a
// set of n images. It is never below 1.
func FailureThreshold(n int, fraction float64) int {
	return max(1, int(math.Floor(fraction*float64(n))))
}

// TargetCount is the accepted-set size at which the search stops.
func TargetCount(n int, fraction float64) int {
	return int(math.Floor(fraction * float64(n)))
}
