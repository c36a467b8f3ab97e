// Command validator-worker runs the leader/follower tick loop for one
// validator identity against one sentry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocean-validator/worker/internal/adapter"
	"github.com/ocean-validator/worker/internal/config"
	"github.com/ocean-validator/worker/internal/metrics"
	"github.com/ocean-validator/worker/internal/worker"
)

var (
	cfgFile       string
	adapterFlag   string
	keystoreFile  string
	dummyIdentity string
	sentryURL     string
	singleTick    bool
)

func newLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

var rootCmd = &cobra.Command{
	Use:   "validator-worker",
	Short: "Off-chain payment channel validator worker",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a TOML config file")
	rootCmd.Flags().StringVarP(&adapterFlag, "adapter", "a", "ethereum", "signing adapter: ethereum or dummy")
	rootCmd.Flags().StringVarP(&keystoreFile, "keystoreFile", "k", "", "path to the ethereum keystore file (required if adapter=ethereum)")
	rootCmd.Flags().StringVarP(&dummyIdentity, "dummyIdentity", "i", "", "fixed identity string (required if adapter=dummy)")
	rootCmd.Flags().StringVarP(&sentryURL, "sentryUrl", "u", "http://127.0.0.1:8005", "base URL of this worker's own sentry")
	rootCmd.Flags().BoolVarP(&singleTick, "singleTick", "t", false, "run exactly one channel-iteration and exit")
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("validator-worker: init logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("validator-worker: load config: %w", err)
	}
	applyFlagOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validator-worker: invalid config: %w", err)
	}

	adp, err := buildAdapter(cfg, log)
	if err != nil {
		return fmt.Errorf("validator-worker: build adapter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adp.Unlock(ctx); err != nil {
		return fmt.Errorf("validator-worker: unlock adapter: %w", err)
	}

	metricsRegistry := metrics.NewRegistry()
	w := worker.New(cfg, adp, metricsRegistry, log)

	log.Info("validator worker starting",
		zap.String("whoami", adp.WhoAmI()),
		zap.String("sentryUrl", cfg.SentryURL),
		zap.Bool("singleTick", cfg.SingleTick),
	)

	if cfg.SingleTick {
		if err := w.RunOnce(ctx); err != nil {
			log.Error("single tick iteration failed", zap.Error(err))
		}
		return nil
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(sigCtx); err != nil && sigCtx.Err() == nil {
		return fmt.Errorf("validator-worker: run loop: %w", err)
	}
	log.Info("validator worker shut down cleanly")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if rootCmd.Flags().Changed("adapter") {
		cfg.Adapter = config.Adapter(adapterFlag)
	}
	if keystoreFile != "" {
		cfg.KeystoreFile = keystoreFile
	}
	if dummyIdentity != "" {
		cfg.DummyIdentity = dummyIdentity
	}
	if rootCmd.Flags().Changed("sentryUrl") {
		cfg.SentryURL = sentryURL
	}
	if singleTick {
		cfg.SingleTick = true
	}
}

func buildAdapter(cfg config.Config, log *zap.Logger) (adapter.Adapter, error) {
	switch cfg.Adapter {
	case config.AdapterDummy:
		return adapter.NewDummy(cfg.DummyIdentity, log), nil
	case config.AdapterEthereum:
		password := os.Getenv("KEYSTORE_PWD")
		if password == "" {
			return nil, fmt.Errorf("KEYSTORE_PWD is required when adapter=ethereum")
		}
		return adapter.NewEthereum(adapter.EthereumConfig{
			KeystoreDir:  os.TempDir(),
			KeystoreFile: cfg.KeystoreFile,
			Password:     password,
		}, log)
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
