package batch

import (
	"payment-sync-service/internal/fault"
)

// Unlimited disables the skip ceiling of a SkipPolicy.
const Unlimited = -1

// SkipPolicy decides whether a failed item is skipped or aborts the run.
// The same algorithm serves every job; only the ceiling differs.
type SkipPolicy struct {
	maxSkips int
}

func NewSkipPolicy(maxSkips int) SkipPolicy {
	return SkipPolicy{maxSkips: maxSkips}
}

func (p SkipPolicy) MaxSkips() int {
	return p.maxSkips
}

// ShouldSkip reports whether the item that failed with err can be skipped
// given the skips already taken in this run. Once the ceiling is reached
// nothing is skipped; otherwise only transient provider faults are.
func (p SkipPolicy) ShouldSkip(err error, skipCount int) bool {
	if p.maxSkips != Unlimited && skipCount >= p.maxSkips {
		return false
	}
	return fault.IsTransient(err)
}
