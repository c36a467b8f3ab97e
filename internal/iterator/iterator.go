// Package iterator discovers the channels a worker validates and fans out
// one bounded tick per channel.
package iterator

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/metrics"
	"github.com/ocean-validator/worker/internal/sentry"
	"github.com/ocean-validator/worker/internal/types"
)

// TickFunc runs one channel's full tick (leader or follower, dispatch is the
// caller's responsibility) and returns any error encountered.
type TickFunc func(ctx context.Context, channel types.Channel) error

// Config controls pagination, per-channel timeouts, and the channel-count
// warning threshold.
type Config struct {
	SentryURL            string
	FetchTimeout         time.Duration
	ValidatorTickTimeout time.Duration
	MaxChannels          int
	// Metrics, if set, receives the observed-channel-count gauge.
	Metrics *metrics.Worker
}

// Run lists every channel this worker validates, validates each with adp,
// and runs tick concurrently for each, each wrapped in its own
// ValidatorTickTimeout. One channel's failure never cancels the others.
func Run(ctx context.Context, httpClient *http.Client, cfg Config, adp adapter.Adapter, log *zap.Logger, tick TickFunc) error {
	if log == nil {
		log = zap.NewNop()
	}

	whoami := adp.WhoAmI()
	channels, err := listAllChannels(ctx, httpClient, cfg, whoami)
	if err != nil {
		return err
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ChannelsObserved.WithLabelValues(whoami).Set(float64(len(channels)))
	}

	if len(channels) >= cfg.MaxChannels {
		log.Warn("channel count at or above configured maximum",
			zap.Int("channels", len(channels)), zap.Int("maxChannels", cfg.MaxChannels))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		channel := channel

		ok, err := adp.ValidateChannel(gctx, channel)
		if err != nil || !ok {
			log.Warn("skipping channel that failed validation", zap.String("channel", channel.ID), zap.Error(err))
			continue
		}

		tickID := uuid.NewString()
		g.Go(func() error {
			tickCtx, cancel := context.WithTimeout(gctx, cfg.ValidatorTickTimeout)
			defer cancel()

			if err := tick(tickCtx, channel); err != nil {
				log.Error("channel tick failed", zap.String("channel", channel.ID), zap.String("tickId", tickID), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func listAllChannels(ctx context.Context, httpClient *http.Client, cfg Config, whoami string) ([]types.Channel, error) {
	var all []types.Channel

	page := 1
	for {
		pageResult, err := sentry.ListChannels(ctx, httpClient, cfg.SentryURL, whoami, page, cfg.FetchTimeout)
		if err != nil {
			return nil, err
		}
		all = append(all, pageResult.Channels...)

		if page >= pageResult.TotalPages {
			break
		}
		page++
	}

	return all, nil
}
