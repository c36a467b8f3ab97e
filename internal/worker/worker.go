// Package worker wires the producer, leader, follower, heartbeat, and
// channel iterator into the outer tick loop a validator worker process
// runs, dispatching each channel to leader or follower logic by the
// worker's position in that channel's validator set.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/config"
	"github.com/ocean-validator/worker/internal/follower"
	"github.com/ocean-validator/worker/internal/iterator"
	"github.com/ocean-validator/worker/internal/leader"
	"github.com/ocean-validator/worker/internal/metrics"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/types"
)

// Worker runs the outer tick loop against one sentry, for one validator
// identity, across every channel that identity validates.
type Worker struct {
	cfg     config.Config
	adapter adapter.Adapter
	metrics *metrics.Worker
	log     *zap.Logger
	http    *http.Client
}

// New assembles a Worker from a resolved config and adapter. The adapter
// must already be unlockable; New does not unlock it.
func New(cfg config.Config, adp adapter.Adapter, metricsRegistry *metrics.Registry, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:     cfg,
		adapter: adp,
		metrics: metrics.NewWorker(metricsRegistry),
		log:     log,
		http:    &http.Client{},
	}
}

// RunOnce runs exactly one channel-iteration: list channels, tick each
// concurrently, and return once every tick has finished or timed out.
// Per-channel errors are logged, never returned, matching spec.md §5
// "Single-tick mode ... exits with status 0 even on per-channel errors".
func (w *Worker) RunOnce(ctx context.Context) error {
	iterCfg := iterator.Config{
		SentryURL:            w.cfg.SentryURL,
		FetchTimeout:         w.cfg.FetchTimeout,
		ValidatorTickTimeout: w.cfg.ValidatorTickTimeout,
		MaxChannels:          w.cfg.MaxChannels,
		Metrics:              w.metrics,
	}

	return iterator.Run(ctx, w.http, iterCfg, w.adapter, w.log, w.tickChannel)
}

// Run loops RunOnce every cfg.TickInterval until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Error("channel iteration failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) tickChannel(ctx context.Context, channel types.Channel) error {
	start := time.Now()

	whoami := w.adapter.WhoAmI()
	index := channel.ValidatorIndex(whoami)
	if index == -1 {
		return fmt.Errorf("worker: this identity (%s) is not a validator for channel %s", whoami, channel.ID)
	}

	client := sentry.New(sentry.Config{
		BaseURL:            w.cfg.SentryURL,
		ChannelID:          channel.ID,
		PropagationTimeout: w.cfg.PropagationTimeout,
		FetchTimeout:       w.cfg.FetchTimeout,
		Metrics:            w.metrics,
	}, w.adapter)

	var role, outcome string
	var err error

	switch index {
	case 0:
		role = "leader"
		var status leader.TickStatus
		status, err = leader.Tick(ctx, client, w.adapter, channel)
		if err == nil {
			outcome = newStateOutcomeLabel(status.NewState)
		}
	case 1:
		role = "follower"
		followerCfg := follower.Config{
			HealthThresholdPromilles:  w.cfg.HealthThresholdPromilles,
			HealthUnsignablePromilles: w.cfg.HealthUnsignablePromilles,
		}
		var status follower.TickStatus
		status, err = follower.Tick(ctx, client, w.adapter, channel, followerCfg)
		if err == nil {
			outcome = followerOutcomeLabel(status.Response)
			if status.Response != follower.NotSent {
				w.metrics.FollowerHealth.WithLabelValues(channel.ID).Set(float64(status.Health))
			}
		}
	default:
		return fmt.Errorf("worker: validator index %d out of range for channel %s", index, channel.ID)
	}

	w.metrics.TickDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.TicksTotal.WithLabelValues(role, "error").Inc()
		return fmt.Errorf("worker: %s tick for channel %s: %w", role, channel.ID, err)
	}
	w.metrics.TicksTotal.WithLabelValues(role, outcome).Inc()
	return nil
}

func newStateOutcomeLabel(outcome leader.NewStateOutcome) string {
	if outcome == leader.SentState {
		return "sent"
	}
	return "not_sent"
}

func followerOutcomeLabel(outcome follower.ResponseOutcome) string {
	switch outcome {
	case follower.Approved:
		return "approved"
	case follower.Rejected:
		return "rejected"
	default:
		return "not_sent"
	}
}
