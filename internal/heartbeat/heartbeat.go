// Package heartbeat sends the periodic signed liveness beacon every
// validator emits once per tick regardless of producer/leader/follower
// outcome.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/stateroot"
	"github.com/ocean-validator/worker/internal/types"
)

// Now is overridable in tests so heartbeat timestamps are deterministic.
var Now = time.Now

// Tick signs and propagates a Heartbeat, whose state root is
// domain-separated from any balance state root (spec.md §4.10).
func Tick(ctx context.Context, client *sentry.Client, adp adapter.Adapter, channel types.Channel) ([]sentry.PropagationResult, error) {
	now := Now().UTC()
	root := stateroot.HeartbeatHashHex(channel.ID, now.UnixMilli())

	signature, err := adp.Sign(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: sign: %w", err)
	}

	msg := types.HeartbeatMessage(types.Heartbeat{
		StateRoot: root,
		Signature: signature,
		Timestamp: now,
	})

	return client.Propagate(ctx, adp.WhoAmI(), channel, []types.Message{msg}), nil
}
