// Package split divides integer amounts by basis-point ratios with exact
// remainder allocation: no value is ever lost or created.
package split

import (
	"errors"
	"fmt"
	"math/bits"
)

// TotalBps is the number of basis points in a whole (100%).
const TotalBps = 10_000

var (
	ErrNoRatios        = errors.New("split: at least one ratio is required")
	ErrInvalidRatio    = errors.New("split: ratio exceeds 10000 basis points")
	ErrInvalidRatioSum = errors.New("split: ratios must sum to 10000 basis points")
)

// Split divides total into len(ratiosBps) shares. Every share except the last
// is floor(total * ratio / 10000); the last share absorbs the rounding
// remainder so that the shares always sum to exactly total, including
// total == 0 and totals not evenly divisible by the ratios.
func Split(total uint64, ratiosBps []uint64) ([]uint64, error) {
	if len(ratiosBps) == 0 {
		return nil, ErrNoRatios
	}

	var sum uint64
	for _, r := range ratiosBps {
		if r > TotalBps {
			return nil, fmt.Errorf("%w: %d", ErrInvalidRatio, r)
		}
		sum += r
	}
	if sum != TotalBps {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRatioSum, sum)
	}

	shares := make([]uint64, len(ratiosBps))
	var allocated uint64
	for i, r := range ratiosBps[:len(ratiosBps)-1] {
		s := mulDivBps(total, r)
		shares[i] = s
		allocated += s
	}
	shares[len(shares)-1] = total - allocated
	return shares, nil
}

// mulDivBps computes floor(total * ratio / 10000) without overflow using a
// 128-bit intermediate product. ratio is at most 10000, so the high word of
// the product is strictly below the divisor and Div64 cannot trap.
func mulDivBps(total, ratio uint64) uint64 {
	hi, lo := bits.Mul64(total, ratio)
	q, _ := bits.Div64(hi, lo, TotalBps)
	return q
}
