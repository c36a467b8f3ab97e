// Package fees implements the validator fee schedule: redistributing a
// share of each tick's balances to the channel's leader and follower
// while preserving the total sum exactly (spec invariant 2).
package fees

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ocean-validator/worker/internal/bignum"
	"github.com/ocean-validator/worker/internal/types"
)

// ErrRuleViolation is returned when the fee schedule cannot be applied
// without breaking a deposit-conservation invariant.
var ErrRuleViolation = errors.New("fees: rule violation")

// ruleViolation wraps ErrRuleViolation with a human-readable reason.
func ruleViolation(reason string) error {
	return fmt.Errorf("%w: %s", ErrRuleViolation, reason)
}

// Apply computes balances_after_fees from balances_before_fees by applying
// each validator's fee in turn (channel.Spec.Validators order): the fee is
// validator.Fee * sum(earners) / depositAmount (integer division), flooring
// dust from its proportional reduction goes to the lexicographically
// smallest earner address, and the validator is credited the fee amount.
// Each validator's fee and reduction are computed against the balances left
// over by the previous validator's pass, not a single combined total, so
// that sum(after) == sum(before) exactly.
func Apply(before types.BalancesMap, channel types.Channel) (types.BalancesMap, error) {
	deposit := channel.DepositAmount
	if deposit.IsZero() {
		return nil, ruleViolation("deposit_amount is zero")
	}

	earners := before.Clone()
	validatorFees := make(map[string]bignum.BigNum, len(channel.Spec.Validators))

	for _, v := range channel.Spec.Validators {
		total := earners.Sum()

		fee := v.Fee.Mul(total).Div(deposit)
		if fee.IsZero() {
			continue
		}
		if fee.Cmp(total) > 0 {
			return nil, ruleViolation("validator fee exceeds sum(balances)")
		}

		addrs := make([]string, 0, len(earners))
		for addr := range earners {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		distributed := bignum.Zero()
		for _, addr := range addrs {
			balance := earners[addr]
			// floor(balance * fee / total)
			reduction := balance.Mul(fee).Div(total)
			earners[addr] = balance.Sub(reduction)
			distributed = distributed.Add(reduction)
		}

		// Dust from flooring — the residual this pass's per-earner
		// reductions under-collected relative to fee — goes to the
		// lexicographically smallest earner so this pass conserves
		// sum(earners)+fee exactly.
		if dust := fee.Sub(distributed); !dust.IsZero() && len(addrs) > 0 {
			smallest := addrs[0]
			earners[smallest] = earners[smallest].Sub(dust)
		}

		validatorFees[v.ID] = validatorFees[v.ID].Add(fee)
	}

	after := earners.Clone()
	for id, fee := range validatorFees {
		after[id] = after[id].Add(fee)
	}

	if after.Sum().Cmp(before.Sum()) != 0 {
		return nil, ruleViolation("fee distribution failed to conserve sum(balances)")
	}

	return after, nil
}
