package bootstrap

import (
	"context"
	"log/slog"
	"strings"
	"time"

	claimarbitration "heirloom/contexts/dispute-resolution/claim-arbitration"
	claimmemory "heirloom/contexts/dispute-resolution/claim-arbitration/adapters/memory"
	claimpostgres "heirloom/contexts/dispute-resolution/claim-arbitration/adapters/postgres"
	claimentities "heirloom/contexts/dispute-resolution/claim-arbitration/domain/entities"
	estateregistry "heirloom/contexts/estate-settlement/estate-registry"
	"heirloom/contexts/estate-settlement/estate-registry/adapters/custody"
	estatememory "heirloom/contexts/estate-settlement/estate-registry/adapters/memory"
	estatepostgres "heirloom/contexts/estate-settlement/estate-registry/adapters/postgres"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/db"
	"heirloom/internal/platform/httpserver"
	"heirloom/internal/platform/messaging"
	"heirloom/internal/platform/observability"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type WorkerApp struct {
	postgres     *db.Postgres
	bus          *messaging.EventBus
	vault        *custody.Vault
	estates      estateregistry.Module
	claims       claimarbitration.Module
	server       *httpserver.Server
	pollInterval time.Duration
	logger       *slog.Logger
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	return NewWorkerApp(cfg, logger)
}

// NewWorkerApp wires both services from cfg. Without a POSTGRES_DSN every
// store is in memory; custody is always the in-process vault.
func NewWorkerApp(cfg config.Config, logger *slog.Logger) (*WorkerApp, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bus := messaging.NewEventBus(cfg.EventBrokers, logger)
	vault := custody.NewVault(logger)
	app := &WorkerApp{
		bus:          bus,
		vault:        vault,
		pollInterval: cfg.WorkerPollInterval,
		logger:       logger,
	}
	if app.pollInterval <= 0 {
		app.pollInterval = 2 * time.Second
	}

	estateDeps := estateregistry.Dependencies{
		Custody:        vault,
		Publisher:      bus,
		Subscriber:     bus,
		Metrics:        observability.NewEstateMetrics(),
		IdempotencyTTL: cfg.IdempotencyTTL,
		EventDedupTTL:  cfg.EventDedupTTL,
		OutboxBatch:    cfg.OutboxBatchSize,
		DisableRelease: !cfg.EnableReleaseConsumer,
		Logger:         logger,
	}
	claimDeps := claimarbitration.Dependencies{
		Publisher:           bus,
		Metrics:             observability.NewClaimMetrics(),
		Reputation:          reputationPolicy(cfg),
		MinimumStake:        cfg.VerifierMinimumStake,
		VotingPeriod:        cfg.ClaimVotingPeriod,
		AutoResolveBps:      cfg.ClaimAutoResolveBps,
		AutoResolveMinVotes: cfg.ClaimAutoResolveMin,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		OutboxBatch:         cfg.OutboxBatchSize,
		DeadlineBatch:       cfg.OutboxBatchSize,
		DisableDeadline:     !cfg.EnableClaimDeadlineResolver,
		Logger:              logger,
	}

	checks := map[string]httpserver.HealthCheck{}
	if cfg.InMemory() {
		estateStore := estatememory.NewStoreWithRetention(nil, cfg.EventDedupTTL)
		estateDeps.Estates = estateStore
		estateDeps.Approvals = estateStore
		estateDeps.Idempotency = estateStore
		estateDeps.Dedup = estateStore
		estateDeps.Outbox = estateStore
		estateDeps.OutboxReader = estateStore
		estateDeps.Clock = estateStore
		estateDeps.IDGen = estateStore

		claimStore := claimmemory.NewStore(cfg.IdempotencyTTL)
		claimDeps.Verifiers = claimStore
		claimDeps.Claims = claimStore
		claimDeps.Idempotency = claimStore
		claimDeps.Outbox = claimStore
		claimDeps.OutboxReader = claimStore
		claimDeps.Clock = claimStore
		claimDeps.IDGen = claimStore

		logger.Warn("running with in-memory stores",
			"event", "bootstrap_in_memory",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	} else {
		pg, err := db.Connect(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		app.postgres = pg
		checks["postgres"] = pg.Ping

		estateRepo := estatepostgres.NewRepository(pg.DB, logger)
		estateDeps.Estates = estateRepo
		estateDeps.Approvals = estateRepo
		estateDeps.Idempotency = estateRepo
		estateDeps.Dedup = estateRepo
		estateDeps.Outbox = estateRepo
		estateDeps.OutboxReader = estateRepo
		estateDeps.Clock = estatepostgres.SystemClock{}
		estateDeps.IDGen = estatepostgres.UUIDGenerator{}

		claimRepo := claimpostgres.NewRepository(pg.DB, logger)
		claimDeps.Verifiers = claimRepo
		claimDeps.Claims = claimRepo
		claimDeps.Idempotency = claimRepo
		claimDeps.Outbox = claimRepo
		claimDeps.OutboxReader = claimRepo
		claimDeps.Clock = claimpostgres.SystemClock{}
		claimDeps.IDGen = claimpostgres.UUIDGenerator{}
	}

	app.estates = estateregistry.NewModule(estateDeps)
	app.estates.Vault = vault
	app.claims = claimarbitration.NewModule(claimDeps)
	app.server = httpserver.New(cfg.ServiceName, checks, logger, normalizeAddr(cfg.OpsHTTPPort))
	return app, nil
}

// Migrate creates both services' schemas.
func Migrate(pg *db.Postgres) error {
	return pg.Migrate(estatepostgres.AutoMigrate, claimpostgres.AutoMigrate)
}

func (w *WorkerApp) Estates() estateregistry.Module {
	return w.estates
}

func (w *WorkerApp) Claims() claimarbitration.Module {
	return w.claims
}

func (w *WorkerApp) Bus() *messaging.EventBus {
	return w.bus
}

func (w *WorkerApp) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.estates.ReleaseConsumer.Start(ctx); err != nil {
		return err
	}
	serverErrs := make(chan error, 1)
	go func() {
		serverErrs <- w.server.Start(ctx)
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
	)

	for {
		if err := w.RunCycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErrs:
			return err
		case <-ticker.C:
		}
	}
}

// RunCycle runs every periodic job once: the deadline sweep first so its
// claim.resolved events leave in the same cycle.
func (w *WorkerApp) RunCycle(ctx context.Context) error {
	if err := w.claims.DeadlineResolver.RunOnce(ctx); err != nil {
		return err
	}
	if err := w.claims.OutboxRelay.RunOnce(ctx); err != nil {
		return err
	}
	return w.estates.OutboxRelay.RunOnce(ctx)
}

func (w *WorkerApp) Close() error {
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

func reputationPolicy(cfg config.Config) claimentities.ReputationPolicy {
	if cfg.ReputationPolicy == "fixed" {
		return claimentities.FixedStep{
			Reward:  cfg.ReputationReward,
			Penalty: cfg.ReputationPenalty,
		}
	}
	return claimentities.NoFeedback{}
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":9090"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
