package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName  string   `env:"SERVICE_NAME" envDefault:"heirloom"`
	OpsHTTPPort  string   `env:"OPS_HTTP_PORT" envDefault:"9090"`
	PostgresDSN  string   `env:"POSTGRES_DSN"`
	EventBrokers []string `env:"EVENT_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	VerifierMinimumStake decimal.Decimal `env:"VERIFIER_MINIMUM_STAKE" envDefault:"1000"`
	ClaimVotingPeriod    time.Duration   `env:"CLAIM_VOTING_PERIOD" envDefault:"168h"`
	ClaimAutoResolveBps  uint32          `env:"CLAIM_AUTO_RESOLVE_BPS" envDefault:"7000"`
	ClaimAutoResolveMin  uint32          `env:"CLAIM_AUTO_RESOLVE_MIN_VOTES" envDefault:"1"`
	ReputationPolicy     string          `env:"REPUTATION_POLICY" envDefault:"none"`
	ReputationReward     uint32          `env:"REPUTATION_REWARD" envDefault:"10"`
	ReputationPenalty    uint32          `env:"REPUTATION_PENALTY" envDefault:"10"`

	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"168h"`
	EventDedupTTL      time.Duration `env:"EVENT_DEDUP_TTL" envDefault:"168h"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	EnableReleaseConsumer       bool `env:"ENABLE_RELEASE_CONSUMER" envDefault:"true"`
	EnableClaimDeadlineResolver bool `env:"ENABLE_CLAIM_DEADLINE_RESOLVER" envDefault:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.ReputationPolicy = strings.ToLower(strings.TrimSpace(cfg.ReputationPolicy))
	switch cfg.ReputationPolicy {
	case "none", "fixed":
	default:
		return Config{}, fmt.Errorf("parse env: REPUTATION_POLICY %q is not one of none, fixed", cfg.ReputationPolicy)
	}
	brokers := make([]string, 0, len(cfg.EventBrokers))
	for _, value := range cfg.EventBrokers {
		value = strings.TrimSpace(value)
		if value != "" {
			brokers = append(brokers, value)
		}
	}
	cfg.EventBrokers = brokers
	return cfg, nil
}

// InMemory reports whether the process runs without postgres.
func (c Config) InMemory() bool {
	return strings.TrimSpace(c.PostgresDSN) == ""
}
