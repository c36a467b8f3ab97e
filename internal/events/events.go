// Package events implements the event-aggregate merger: folding a batch of
// per-channel event aggregates into the leader's running accounting,
// crediting earner payouts without ever exceeding the channel's deposit.
package events

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ocean-validator/worker/internal/bignum"
	"github.com/ocean-validator/worker/internal/fees"
	"github.com/ocean-validator/worker/internal/types"
)

// ErrRuleViolation is returned when the merge cannot proceed because the
// pre-state already violates the deposit invariant.
var ErrRuleViolation = errors.New("events: rule violation")

// MergeAggregates folds aggregates, in order, into accounting.BalancesBeforeFees,
// then applies the channel's fee schedule to produce the post-fee balances.
// It returns the post-fee balances and the new Accounting snapshot to persist.
func MergeAggregates(accounting types.Accounting, aggregates []types.EventAggregate, channel types.Channel) (types.BalancesMap, types.Accounting, error) {
	deposit := channel.DepositAmount

	before := accounting.BalancesBeforeFees
	if before == nil {
		before = types.BalancesMap{}
	}
	if before.Sum().Cmp(deposit) > 0 {
		return nil, types.Accounting{}, fmt.Errorf("%w: pre-state total exceeds deposit", ErrRuleViolation)
	}

	lastEventAggregate := accounting.LastEventAggregate
	balancesBeforeFees := before.Clone()

	for _, aggr := range aggregates {
		var err error
		balancesBeforeFees, err = mergePayouts(balancesBeforeFees, aggr.Events, deposit)
		if err != nil {
			return nil, types.Accounting{}, err
		}
		if aggr.Created.After(lastEventAggregate) {
			lastEventAggregate = aggr.Created
		}
	}

	balances, err := fees.Apply(balancesBeforeFees, channel)
	if err != nil {
		return nil, types.Accounting{}, err
	}

	newAccounting := types.Accounting{
		LastEventAggregate: lastEventAggregate,
		BalancesBeforeFees: balancesBeforeFees,
		Balances:           balances,
	}

	return balances, newAccounting, nil
}

// mergePayouts folds one aggregate's event_payouts into balances, in a
// canonical order (sorted by event type, then by earner address, per
// spec.md's recommendation for deterministic state roots), never crediting
// more than deposit - sum(balances) in total.
func mergePayouts(balances types.BalancesMap, eventsByType map[string]types.AggregateEvents, deposit bignum.BigNum) (types.BalancesMap, error) {
	out := balances.Clone()

	total := out.Sum()
	remaining := deposit.Sub(total)
	if remaining.Sign() < 0 {
		return nil, fmt.Errorf("%w: remaining starts negative (total > deposit)", ErrRuleViolation)
	}

	eventTypes := make([]string, 0, len(eventsByType))
	for et := range eventsByType {
		eventTypes = append(eventTypes, et)
	}
	sort.Strings(eventTypes)

	for _, et := range eventTypes {
		addrs := make([]string, 0, len(eventsByType[et].EventPayouts))
		for addr := range eventsByType[et].EventPayouts {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		for _, addr := range addrs {
			if remaining.IsZero() {
				break
			}
			payout := eventsByType[et].EventPayouts[addr]
			credit := payout.Min(remaining)

			out[addr] = out[addr].Add(credit)
			remaining = remaining.Sub(credit)
		}
	}

	return out, nil
}
