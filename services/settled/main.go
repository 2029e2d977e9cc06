package settled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"guardiansettle/core/events"
	"guardiansettle/native/auction"
	"guardiansettle/native/payout"
	"guardiansettle/native/staking"
	"guardiansettle/native/yield"
	"guardiansettle/observability"
	"guardiansettle/observability/logging"
	telemetry "guardiansettle/observability/otel"
	"guardiansettle/services/settled/transfer"
	"guardiansettle/storage/ledger"
)

// Daemon holds the assembled settlement service.
type Daemon struct {
	Coordinator *Coordinator
	Server      *Server
	Hub         *EventHub
	Exporter    *Exporter
	Scheduler   *cron.Cron
	logger      *slog.Logger
}

// Assemble wires engines, coordinator, HTTP surface and scheduled jobs over
// an open ledger store.
func Assemble(cfg Config, store *ledger.Store, capability transfer.Capability, logger *slog.Logger) (*Daemon, error) {
	if store == nil {
		return nil, errors.New("ledger store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	hub := NewEventHub()
	emitter := events.Multi{hub, observability.Events()}

	auctions := auction.NewEngine()
	auctions.SetState(store)
	auctions.SetEmitter(emitter)
	auctions.SetVault(cfg.Vaults.Escrow)
	auctions.SetAllowSelfBid(cfg.Auction.AllowSelfBid)

	yields := yield.NewEngine()
	yields.SetState(store)
	yields.SetEmitter(emitter)
	yields.SetVault(cfg.Vaults.Treasury)
	yields.SetCooldown(cfg.Yield.Cooldown.Duration)

	stakes := staking.NewEngine()
	stakes.SetState(store)
	stakes.SetEmitter(emitter)
	stakes.SetVault(cfg.Vaults.Staking)
	stakes.SetParallelism(cfg.Staking.Parallelism)

	var enforcer *PolicyEnforcer
	if strings.TrimSpace(cfg.PoliciesPath) != "" {
		defs, err := LoadPolicies(cfg.PoliciesPath)
		if err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
		if enforcer, err = NewPolicyEnforcer(defs); err != nil {
			return nil, fmt.Errorf("init policies: %w", err)
		}
	}

	roles := RoleAccounts{payout.RoleDAO: cfg.Roles.DAO, payout.RolePlatform: cfg.Roles.Platform}
	if cfg.Roles.Referrer != "" {
		roles[payout.RoleReferrer] = cfg.Roles.Referrer
	}
	coord, err := NewCoordinator(Engines{Auctions: auctions, Yield: yields, Staking: stakes}, store,
		WithTransfer(capability),
		WithPolicies(enforcer),
		WithMetrics(NewMetrics()),
		WithLogger(logger.With(slog.String("component", "coordinator"))),
		WithRoleAccounts(roles),
		WithRetryBudget(cfg.Transfer.RetryBudget),
		WithSubmitTimeout(cfg.Transfer.Timeout.Duration),
		WithConfirmTimeout(cfg.Transfer.ConfirmTimeout.Duration),
	)
	if err != nil {
		return nil, err
	}
	if err := coord.SeedPolicies(); err != nil {
		return nil, fmt.Errorf("seed policies: %w", err)
	}
	if strings.TrimSpace(cfg.PoolsPath) != "" {
		defs, err := LoadPools(cfg.PoolsPath)
		if err != nil {
			return nil, err
		}
		if err := ApplyPools(stakes, defs); err != nil {
			return nil, err
		}
	}
	if cfg.PauseOnStart {
		coord.Pause()
	}

	var exporter *Exporter
	if cfg.Export.Directory != "" {
		if exporter, err = NewExporter(coord, cfg.Export, logger.With(slog.String("component", "export"))); err != nil {
			return nil, err
		}
	}

	auth, err := NewAuthenticator(cfg.Auth, logger.With(slog.String("component", "auth")))
	if err != nil {
		return nil, err
	}
	server, err := NewServer(coord, ServerConfig{
		Auth:           auth,
		Limiter:        NewRateLimiter(cfg.RateLimit),
		Hub:            hub,
		Exporter:       exporter,
		Logger:         logger.With(slog.String("component", "api")),
		OriginPatterns: cfg.Auth.StreamOrigins,
	})
	if err != nil {
		return nil, err
	}

	d := &Daemon{Coordinator: coord, Server: server, Hub: hub, Exporter: exporter, logger: logger}
	if d.Scheduler, err = d.schedule(cfg.Schedule); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) schedule(cfg ScheduleConfig) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(d.logger.Handler(), slog.LevelWarn))
	scheduler := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"accrual", cfg.Accrual, func(ctx context.Context) error {
			_, err := d.Coordinator.AccrueAll(ctx)
			return err
		}},
		{"sweep", cfg.Sweep, func(ctx context.Context) error {
			_, err := d.Coordinator.Sweep(ctx)
			return err
		}},
		{"export", cfg.Export, func(ctx context.Context) error {
			if d.Exporter == nil {
				return nil
			}
			_, err := d.Exporter.Run(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if cfg.DisableAll || strings.TrimSpace(job.spec) == "" {
			continue
		}
		job := job
		if _, err := scheduler.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := job.run(ctx); err != nil {
				d.Coordinator.metrics.RecordError("job_"+job.name, "failed")
				d.logger.Warn("scheduled job failed", slog.String("job", job.name), slog.Any("error", err))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	return scheduler, nil
}

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settled/config.yaml", "path to settled configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SETTLE_ENV"))
	logger, closeLogs := logging.SetupWithOptions("settled", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer closeLogs.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("settled", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn := cfg.Database.LedgerDSN()
	store, err := ledger.Open(dsn)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", logging.MaskDSN(dsn), err)
	}
	defer store.Close()
	logger.Info("ledger opened", slog.String("dsn", logging.MaskDSN(dsn)))

	client, err := transfer.NewClient(transfer.Config{
		BaseURL: cfg.Transfer.Endpoint,
		APIKey:  cfg.Transfer.APIKey,
		Timeout: cfg.Transfer.Timeout.Duration,
	})
	if err != nil {
		return err
	}

	daemon, err := Assemble(cfg, store, client, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           daemon.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon.Scheduler.Start()
	errs := make(chan error, 1)
	go func() {
		logger.Info("settled listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("transfer_endpoint", cfg.Transfer.Endpoint),
			logging.MaskField("transfer_api_key", cfg.Transfer.APIKey))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		<-daemon.Scheduler.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		<-daemon.Scheduler.Stop().Done()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
