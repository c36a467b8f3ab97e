// Package followerrules implements the follower's acceptance criteria for a
// proposed balance transition, and the health score used to decide whether
// a follower should still sign a state it partially disagrees with.
package followerrules

import (
	"github.com/ocean-validator/worker/internal/bignum"
	"github.com/ocean-validator/worker/internal/types"
)

// IsValidTransition reports whether moving from prev to next balances is
// acceptable: every earner's balance must be non-decreasing, and the new
// total must not exceed the channel's deposit. No other clauses apply.
func IsValidTransition(channel types.Channel, prev, next types.BalancesMap) bool {
	for addr, prevAmount := range prev {
		nextAmount, ok := next[addr]
		if !ok {
			nextAmount = bignum.Zero()
		}
		if nextAmount.Cmp(prevAmount) < 0 {
			return false
		}
	}

	return next.Sum().Cmp(channel.DepositAmount) <= 0
}

// GetHealth scores, in promilles (0-1000), how closely theirBalances track
// ourBalances. If their total already meets or exceeds ours the score is a
// perfect 1000; otherwise it is the fraction of our total that their
// per-earner minimums cover.
func GetHealth(channel types.Channel, ourBalances, theirBalances types.BalancesMap) uint64 {
	ourSum := ourBalances.Sum()
	theirSum := theirBalances.Sum()

	if theirSum.Cmp(ourSum) >= 0 {
		return 1000
	}
	if ourSum.IsZero() {
		return 1000
	}

	matched := bignum.Zero()
	for addr, ours := range ourBalances {
		theirs, ok := theirBalances[addr]
		if !ok {
			theirs = bignum.Zero()
		}
		matched = matched.Add(ours.Min(theirs))
	}

	return matched.Mul(bignum.FromInt64(1000)).Div(ourSum).Int().Uint64()
}
