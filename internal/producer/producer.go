// Package producer implements the accounting refresh step shared by the
// leader and follower ticks: fold newly observed event aggregates into the
// running Accounting and persist the result.
package producer

import (
	"context"
	"fmt"

	"github.com/ocean-validator/worker/internal/events"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/types"
)

// Outcome discriminates the two shapes a producer tick can end in.
type Outcome int

const (
	// NoNewEventAggr means no event aggregates were found after the
	// accounting's watermark; balances are unchanged.
	NoNewEventAggr Outcome = iota
	// Sent means new event aggregates were merged and persisted.
	Sent
)

// Result is the outcome of one producer tick.
type Result struct {
	Outcome       Outcome
	Balances      types.BalancesMap
	NewAccounting types.Accounting
}

// Tick fetches this worker's current Accounting, pulls any event aggregates
// created since its watermark, folds them in via events.MergeAggregates,
// and persists the refreshed Accounting back to the sentry.
func Tick(ctx context.Context, client *sentry.Client, whoami string, channel types.Channel) (Result, error) {
	accounting, err := fetchAccounting(ctx, client, whoami)
	if err != nil {
		return Result{}, fmt.Errorf("producer: fetch accounting: %w", err)
	}

	aggregates, err := client.GetEventAggregates(ctx, whoami, accounting.LastEventAggregate)
	if err != nil {
		return Result{}, fmt.Errorf("producer: fetch event aggregates: %w", err)
	}

	if len(aggregates) == 0 {
		return Result{Outcome: NoNewEventAggr, Balances: accounting.Balances, NewAccounting: accounting}, nil
	}

	balances, newAccounting, err := events.MergeAggregates(accounting, aggregates, channel)
	if err != nil {
		return Result{}, fmt.Errorf("producer: merge aggregates: %w", err)
	}

	if err := client.PostOwnMessage(ctx, whoami, types.AccountingMessageOf(newAccounting)); err != nil {
		return Result{}, fmt.Errorf("producer: persist accounting: %w", err)
	}

	return Result{Outcome: Sent, Balances: balances, NewAccounting: newAccounting}, nil
}

// fetchAccounting returns the most recently persisted Accounting message
// authored by whoami, or the zero value if none exists yet.
func fetchAccounting(ctx context.Context, client *sentry.Client, whoami string) (types.Accounting, error) {
	msg, err := client.GetOurLatestMsg(ctx, whoami, []types.MessageKind{types.KindAccounting})
	if err != nil {
		return types.Accounting{}, err
	}
	if msg == nil || msg.Accounting == nil {
		return types.Accounting{BalancesBeforeFees: types.BalancesMap{}, Balances: types.BalancesMap{}}, nil
	}
	return *msg.Accounting, nil
}
