package broker

import (
	"math/big"
	"sort"
)

// TieBreak selects how the median of an even-sized quorum is resolved.
type TieBreak int

const (
	// TieBreakLower takes the lower of the two middle values.
	TieBreakLower TieBreak = iota
	// TieBreakMean averages the two middle values (integer division,
	// rounding toward zero).
	TieBreakMean
)

// Median computes the consensus value over the quorum responses. The input
// is arrival-ordered and left untouched; sorting happens on a copy.
func Median(values []*big.Int, tb TieBreak) *big.Int {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	if tb == TieBreakMean {
		sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
		return sum.Quo(sum, big.NewInt(2))
	}
	return new(big.Int).Set(sorted[mid-1])
}
