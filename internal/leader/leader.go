// Package leader implements the leader-side tick: advance the producer,
// then sign and propagate a NewState whenever balances changed.
package leader

import (
	"context"
	"fmt"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/heartbeat"
	"github.com/ocean-validator/worker/internal/producer"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/stateroot"
	"github.com/ocean-validator/worker/internal/types"
)

// NewStateOutcome discriminates whether a NewState was actually propagated
// this tick.
type NewStateOutcome int

const (
	// NotSent means the producer tick found no new event aggregates, so
	// there is nothing new to propose.
	NotSent NewStateOutcome = iota
	// SentState means a NewState was signed and propagated.
	SentState
)

// TickStatus is the result of one leader tick.
type TickStatus struct {
	ProducerTick     producer.Result
	NewState         NewStateOutcome
	StatePropagation []sentry.PropagationResult
	Heartbeat        []sentry.PropagationResult
}

// Tick runs the producer, propagates a new balance proposal if one was
// produced, and always sends a heartbeat, per spec.md §4.8.
func Tick(ctx context.Context, client *sentry.Client, adp adapter.Adapter, channel types.Channel) (TickStatus, error) {
	whoami := adp.WhoAmI()

	producerResult, err := producer.Tick(ctx, client, whoami, channel)
	if err != nil {
		return TickStatus{}, fmt.Errorf("leader: producer tick: %w", err)
	}

	status := TickStatus{ProducerTick: producerResult, NewState: NotSent}

	if producerResult.Outcome == producer.Sent {
		propagation, err := proposeNewState(ctx, client, adp, channel, producerResult)
		if err != nil {
			return TickStatus{}, fmt.Errorf("leader: propose new state: %w", err)
		}
		status.NewState = SentState
		status.StatePropagation = propagation
	}

	hbResults, err := heartbeat.Tick(ctx, client, adp, channel)
	if err != nil {
		return TickStatus{}, fmt.Errorf("leader: heartbeat: %w", err)
	}
	status.Heartbeat = hbResults

	return status, nil
}

func proposeNewState(ctx context.Context, client *sentry.Client, adp adapter.Adapter, channel types.Channel, result producer.Result) ([]sentry.PropagationResult, error) {
	root := stateroot.HashHex(channel.ID, result.Balances)

	signature, err := adp.Sign(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("sign state root: %w", err)
	}

	newState := types.NewStateMessage(types.NewState{
		StateRoot: root,
		Signature: signature,
		Balances:  result.Balances,
	})

	return client.Propagate(ctx, adp.WhoAmI(), channel, []types.Message{newState}), nil
}
