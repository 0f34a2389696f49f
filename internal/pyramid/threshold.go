package pyramid

import (
	"fmt"
	"math/bits"
)

// DefaultTokensThreshold is k, the token count required at the finest height.
const DefaultTokensThreshold = 20000

// Threshold returns k·4^(H−h), the tokens a dataset needs before a model is
// awarded to a cell at height h of a height-H pyramid. Coarser cells cover
// more ground and require geometrically more evidence.
func Threshold(k uint64, pyramidHeight, h int) (uint64, error) {
	if h < 0 || h > pyramidHeight {
		return 0, fmt.Errorf("height %d outside [0, %d]", h, pyramidHeight)
	}
	hi, lo := bits.Mul64(k, CellCount(pyramidHeight-h))
	if hi != 0 {
		return 0, fmt.Errorf("%w: threshold %d·4^%d overflows uint64", ErrConfig, k, pyramidHeight-h)
	}
	return lo, nil
}

// CheckAdmission returns the threshold for ref, and an *InsufficientDataError
// when tokens fall below it.
func (p *Pyramid) CheckAdmission(k uint64, ref CellRef, tokens uint64) (uint64, error) {
	if !p.Contains(ref) {
		return 0, fmt.Errorf("cell %s out of range for height %d pyramid", ref, p.height)
	}
	required, err := Threshold(k, p.height, ref.Height)
	if err != nil {
		return 0, err
	}
	if tokens < required {
		return required, &InsufficientDataError{Cell: ref, Required: required, Got: tokens}
	}
	return required, nil
}
