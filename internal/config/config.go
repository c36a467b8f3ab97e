// Package config loads validator worker settings from an optional TOML
// file plus environment variables, the way the teacher's CLI tools load
// theirs with viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Adapter names the signing backend a worker instance uses.
type Adapter string

const (
	AdapterEthereum Adapter = "ethereum"
	AdapterDummy    Adapter = "dummy"
)

// Config is the fully-resolved set of values the worker needs to run,
// merged from defaults, an optional TOML file, environment variables, and
// CLI flags (highest priority last).
type Config struct {
	Env      string `mapstructure:"env"`
	SentryURL string `mapstructure:"sentryUrl"`

	Adapter      Adapter `mapstructure:"adapter"`
	KeystoreFile string  `mapstructure:"keystoreFile"`
	DummyIdentity string `mapstructure:"dummyIdentity"`

	SingleTick bool `mapstructure:"singleTick"`

	TickInterval         time.Duration `mapstructure:"tickInterval"`
	PropagationTimeout   time.Duration `mapstructure:"propagationTimeout"`
	FetchTimeout         time.Duration `mapstructure:"fetchTimeout"`
	ValidatorTickTimeout time.Duration `mapstructure:"validatorTickTimeout"`

	MaxChannels                int    `mapstructure:"maxChannels"`
	HealthThresholdPromilles   uint64 `mapstructure:"healthThresholdPromilles"`
	HealthUnsignablePromilles uint64 `mapstructure:"healthUnsignablePromilles"`
}

// defaults mirrors spec.md §6's CLI defaults plus the timeouts/thresholds
// the core needs that the CLI doesn't expose directly.
func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("env", "development")
	v.SetDefault("sentryUrl", "http://127.0.0.1:8005")
	v.SetDefault("adapter", string(AdapterEthereum))
	v.SetDefault("singleTick", false)
	v.SetDefault("tickInterval", "30s")
	v.SetDefault("propagationTimeout", "5s")
	v.SetDefault("fetchTimeout", "5s")
	v.SetDefault("validatorTickTimeout", "20s")
	v.SetDefault("maxChannels", 500)
	v.SetDefault("healthThresholdPromilles", 950)
	v.SetDefault("healthUnsignablePromilles", 750)
	return v
}

// Load builds a Config from, in increasing priority: built-in defaults, the
// TOML file at path (if non-empty), and environment variables prefixed
// VALIDATOR_WORKER_ (e.g. VALIDATOR_WORKER_SENTRYURL).
func Load(path string) (Config, error) {
	v := defaults()
	v.SetEnvPrefix("validator_worker")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the adapter-specific requirements from spec.md §6: a
// keystore file when adapter=ethereum, an identity string when
// adapter=dummy.
func (c Config) Validate() error {
	switch c.Adapter {
	case AdapterEthereum:
		if c.KeystoreFile == "" {
			return fmt.Errorf("config: keystoreFile is required when adapter=ethereum")
		}
	case AdapterDummy:
		if c.DummyIdentity == "" {
			return fmt.Errorf("config: dummyIdentity is required when adapter=dummy")
		}
	default:
		return fmt.Errorf("config: unknown adapter %q (want ethereum or dummy)", c.Adapter)
	}
	return nil
}
