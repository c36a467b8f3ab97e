// Package follower implements the follower-side tick: verify the leader's
// proposed balance transition and sign an ApproveState, or reject it and
// say why.
package follower

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/followerrules"
	"github.com/ocean-validator/worker/internal/heartbeat"
	"github.com/ocean-validator/worker/internal/producer"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/stateroot"
	"github.com/ocean-validator/worker/internal/types"
)

// ErrorKind tags why a proposed NewState was rejected, per spec.md §7.
type ErrorKind string

const (
	ErrRootHash   ErrorKind = "RootHash"
	ErrSignature  ErrorKind = "Signature"
	ErrTransition ErrorKind = "Transition"
	ErrHealth     ErrorKind = "Health"
)

// ResponseOutcome discriminates whether this tick had a new proposal to
// react to at all.
type ResponseOutcome int

const (
	// NotSent means there was no new NewState to respond to (none present,
	// or we already responded to this exact state root).
	NotSent ResponseOutcome = iota
	// Approved means we signed and propagated an ApproveState.
	Approved
	// Rejected means we propagated a RejectState.
	Rejected
)

// TickStatus is the result of one follower tick.
type TickStatus struct {
	ProducerTick        producer.Result
	Response            ResponseOutcome
	RejectReason        ErrorKind
	Health              uint64
	ResponsePropagation []sentry.PropagationResult
	Heartbeat           []sentry.PropagationResult
}

// Config carries the thresholds a follower tick needs beyond the channel
// itself.
type Config struct {
	HealthThresholdPromilles  uint64
	HealthUnsignablePromilles uint64
}

// Now is overridable in tests so RejectState timestamps are deterministic.
var Now = time.Now

// Tick fetches the leader's latest proposal, checks it against our own
// view, and approves, rejects, or does nothing, always finishing with a
// heartbeat, per spec.md §4.9.
func Tick(ctx context.Context, client *sentry.Client, adp adapter.Adapter, channel types.Channel, cfg Config) (TickStatus, error) {
	whoami := adp.WhoAmI()
	leaderID := channel.Spec.Leader().ID

	leaderMsg, err := client.GetLatestMsg(ctx, leaderID, []types.MessageKind{types.KindNewState})
	if err != nil {
		return TickStatus{}, fmt.Errorf("follower: fetch leader new state: %w", err)
	}

	ourMsg, err := client.GetOurLatestMsg(ctx, whoami, []types.MessageKind{types.KindApproveState, types.KindRejectState})
	if err != nil {
		return TickStatus{}, fmt.Errorf("follower: fetch our last response: %w", err)
	}

	producerResult, err := producer.Tick(ctx, client, whoami, channel)
	if err != nil {
		return TickStatus{}, fmt.Errorf("follower: producer tick: %w", err)
	}

	status := TickStatus{ProducerTick: producerResult, Response: NotSent}

	if leaderMsg == nil || leaderMsg.NewState == nil {
		status.Heartbeat, err = heartbeat.Tick(ctx, client, adp, channel)
		return status, err
	}

	newState := *leaderMsg.NewState
	if alreadyResponded(ourMsg, newState.StateRoot) {
		status.Heartbeat, err = heartbeat.Tick(ctx, client, adp, channel)
		return status, err
	}

	hr, approveErr := onNewState(ctx, client, adp, channel, producerResult.Balances, newState, cfg)
	status.Health = hr.health
	if approveErr == nil {
		status.Response = Approved
	} else {
		var kindErr *kindError
		if errors.As(approveErr, &kindErr) {
			status.Response = Rejected
			status.RejectReason = kindErr.kind
		} else {
			return TickStatus{}, fmt.Errorf("follower: on new state: %w", approveErr)
		}
	}

	propagation, err := respond(ctx, client, adp, channel, newState, hr, status.Response, status.RejectReason)
	if err != nil {
		return TickStatus{}, fmt.Errorf("follower: propagate response: %w", err)
	}
	status.ResponsePropagation = propagation

	status.Heartbeat, err = heartbeat.Tick(ctx, client, adp, channel)
	if err != nil {
		return TickStatus{}, fmt.Errorf("follower: heartbeat: %w", err)
	}
	return status, nil
}

func alreadyResponded(ourMsg *types.Message, stateRoot string) bool {
	if ourMsg == nil {
		return false
	}
	switch ourMsg.Kind {
	case types.KindApproveState:
		return ourMsg.ApproveState != nil && ourMsg.ApproveState.StateRoot == stateRoot
	case types.KindRejectState:
		return ourMsg.RejectState != nil && ourMsg.RejectState.StateRoot == stateRoot
	default:
		return false
	}
}

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// healthResult carries the computed health score from onNewState to respond,
// so an Approved response can set IsHealthy without recomputing.
type healthResult struct {
	health    uint64
	isHealthy bool
}

func onNewState(ctx context.Context, client *sentry.Client, adp adapter.Adapter, channel types.Channel, ourBalances types.BalancesMap, newState types.NewState, cfg Config) (healthResult, error) {
	expectedRoot := stateroot.HashHex(channel.ID, newState.Balances)
	if expectedRoot != newState.StateRoot {
		return healthResult{}, &kindError{kind: ErrRootHash, err: fmt.Errorf("recomputed root %s != claimed %s", expectedRoot, newState.StateRoot)}
	}

	ok, err := adp.Verify(ctx, channel.Spec.Leader().ID, newState.StateRoot, newState.Signature)
	if err != nil {
		return healthResult{}, fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return healthResult{}, &kindError{kind: ErrSignature, err: fmt.Errorf("signature does not verify")}
	}

	lastApproved, err := client.GetLastApproved(ctx, false)
	if err != nil {
		return healthResult{}, fmt.Errorf("fetch last approved: %w", err)
	}
	prev := types.BalancesMap{}
	if lastApproved.LastApproved.NewState != nil {
		prev = lastApproved.LastApproved.NewState.Balances
	}

	if !followerrules.IsValidTransition(channel, prev, newState.Balances) {
		return healthResult{}, &kindError{kind: ErrTransition, err: fmt.Errorf("invalid balance transition")}
	}

	health := followerrules.GetHealth(channel, ourBalances, newState.Balances)
	if health < cfg.HealthUnsignablePromilles {
		return healthResult{health: health}, &kindError{kind: ErrHealth, err: fmt.Errorf("health %d below unsignable threshold %d", health, cfg.HealthUnsignablePromilles)}
	}

	return healthResult{health: health, isHealthy: health >= cfg.HealthThresholdPromilles}, nil
}

// respond signs and propagates our ApproveState, or propagates a
// RejectState carrying the leader's own signature (spec.md §4.9: "signature:
// leader's"), since a rejection does not vouch for the state, it only
// records why we refused it.
func respond(ctx context.Context, client *sentry.Client, adp adapter.Adapter, channel types.Channel, newState types.NewState, hr healthResult, outcome ResponseOutcome, reason ErrorKind) ([]sentry.PropagationResult, error) {
	var msg types.Message
	switch outcome {
	case Approved:
		signature, err := adp.Sign(ctx, newState.StateRoot)
		if err != nil {
			return nil, fmt.Errorf("sign response: %w", err)
		}
		msg = types.ApproveStateMessage(types.ApproveState{
			StateRoot: newState.StateRoot,
			Signature: signature,
			IsHealthy: hr.isHealthy,
		})
	case Rejected:
		now := Now().UTC()
		balances := newState.Balances
		msg = types.RejectStateMessage(types.RejectState{
			Reason:    string(reason),
			StateRoot: newState.StateRoot,
			Signature: newState.Signature,
			Balances:  &balances,
			Timestamp: &now,
		})
	default:
		return nil, fmt.Errorf("respond: unexpected outcome %d", outcome)
	}

	return client.Propagate(ctx, adp.WhoAmI(), channel, []types.Message{msg}), nil
}
