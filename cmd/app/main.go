package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/atvirokodosprendimai/organledger/internal/adapters/db/gormdb"
	httpadapter "github.com/atvirokodosprendimai/organledger/internal/adapters/http"
	"github.com/atvirokodosprendimai/organledger/internal/adapters/ledger/embedded"
	"github.com/atvirokodosprendimai/organledger/internal/adapters/ledger/gateway"
	kafkasink "github.com/atvirokodosprendimai/organledger/internal/adapters/notify/kafka"
	rpcadapter "github.com/atvirokodosprendimai/organledger/internal/adapters/rpcjson"
	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/config"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func setupLogging(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, opts))
	slog.SetDefault(logger)
	return logger
}

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "organledger",
		Usage: "Organ allocation registry with ledger-backed governance",
		Commands: []*cli.Command{
			serverCommand(),
			authCommand(),
			recipientsCommand(),
			organsCommand(),
			matchingCommand(),
			matchesCommand(),
			proposalsCommand(),
			membersCommand(),
			notificationsCommand(),
			accessCommand(),
			auditCommand(),
			hashPasswordCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the HTTP API, JSON-RPC socket and housekeeping loop",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to YAML config file"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.Bool("debug") {
				cfg.Debug = true
			}
			logger := setupLogging(cfg.Debug)
			if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
				logger.Error("set GOMAXPROCS", "error", err)
			}
			return runServer(ctx, cfg, logger)
		},
	}
}

func openLedger(cfg config.LedgerConfig, logger *slog.Logger) (domain.Ledger, func() error, error) {
	if cfg.Mode == config.LedgerGateway {
		logger.Info("using ledger gateway", "url", cfg.URL)
		return gateway.NewClient(cfg.URL, cfg.Token, cfg.Timeout), func() error { return nil }, nil
	}
	chain, err := embedded.Open(cfg.Path, embedded.Options{Logger: logger.With("component", "ledger")})
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded ledger: %w", err)
	}
	logger.Info("using embedded ledger", "path", cfg.Path, "height", chain.Height())
	return chain, chain.Close, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gormdb.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := gormdb.RunMigrations(ctx, db, logger); err != nil {
		return err
	}
	repo := gormdb.NewRepository(db)

	ledger, closeLedger, err := openLedger(cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLedger() }()

	var (
		metrics        *application.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = application.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	sinks := application.FanOut{application.NewStoreSink(repo)}
	if cfg.Kafka.Enabled() {
		sink := kafkasink.NewSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.With("component", "kafka"))
		defer func() { _ = sink.Close() }()
		sinks = append(sinks, sink)
		logger.Info("publishing notifications to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	deps := application.Deps{Repo: repo, Ledger: ledger, Notifier: sinks, Logger: logger, Metrics: metrics}
	rec := application.NewReconciler(deps, application.RetryPolicy{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Multiplier:   cfg.Retry.Multiplier,
	})
	core := application.NewService(deps, rec)
	allocation := application.NewAllocationService(deps, rec, application.AllocationConfig{
		Ranking: domain.RankingPolicy{
			UrgencyWeight:     cfg.Allocation.UrgencyWeight,
			WaitBonusInterval: cfg.Allocation.WaitBonusInterval,
			MaxWaitBonus:      cfg.Allocation.MaxWaitBonus,
		},
		AppointmentLeadTime: cfg.Allocation.AppointmentLeadTime,
	})
	governance := application.NewGovernanceService(deps, rec, application.GovernanceConfig{
		EmergencyPasswordHash: cfg.Governance.EmergencyPasswordHash,
		ExpiryGrace:           cfg.Governance.ExpiryGrace,
	})
	execution := application.NewExecutionService(deps, rec, application.ExecutionConfig{Lease: cfg.Governance.ExecutionLease})

	if err := core.BootstrapAdmin(ctx, cfg.Bootstrap.AdminEmail, cfg.Bootstrap.AdminPassword); err != nil {
		return err
	}

	router := httpadapter.NewRouter(httpadapter.Services{
		Core:       core,
		Allocation: allocation,
		Governance: governance,
		Execution:  execution,
	}, httpadapter.Options{Logger: logger, Metrics: metricsHandler})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	rpcSrv, err := rpcadapter.Start(cfg.RPC.Socket, rpcadapter.Services{
		Core:       core,
		Allocation: allocation,
		Governance: governance,
		Execution:  execution,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rpcSrv.Close() }()
	logger.Info("json-rpc listening", "socket", cfg.RPC.Socket)

	servers := []*http.Server{srv}
	if cfg.Ledger.Serve != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.Ledger.Serve,
			Handler:           gateway.NewHandler(ledger, cfg.Ledger.Token, logger.With("component", "gateway")),
			ReadHeaderTimeout: 5 * time.Second,
		})
		logger.Info("serving ledger gateway", "addr", cfg.Ledger.Serve)
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("http listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		housekeeping(ctx, cfg.Allocation.MatchInterval, allocation, governance, logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("http server failed", "error", runErr)
		stop()
	}
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}

// housekeeping periodically allocates waiting organs and expires stale
// organs and proposals. A zero interval disables it.
func housekeeping(ctx context.Context, interval time.Duration, allocation *application.AllocationService, governance *application.GovernanceService, logger *slog.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if expired, err := allocation.ExpireOrgans(ctx); err != nil {
			logger.Error("expire organs", "error", err)
		} else if len(expired) > 0 {
			logger.Info("organs expired", "organ_ids", expired)
		}
		if res, err := allocation.RunMatching(ctx); err != nil {
			logger.Error("run matching", "error", err)
		} else if res.Total > 0 {
			logger.Info("matching run", "total", res.Total, "matched", res.Matched, "unmatched", res.Unmatched, "failed", res.Failed)
		}
		if ids, err := governance.ExpireStale(ctx); err != nil {
			logger.Error("expire proposals", "error", err)
		} else if len(ids) > 0 {
			logger.Info("proposals expired", "proposal_ids", ids)
		}
	}
}

func hashPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-password",
		Usage:     "Print the bcrypt hash of a password, e.g. for governance.emergencyPasswordHash",
		ArgsUsage: "<password>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one password argument")
			}
			hash, err := application.HashPassword(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func jsonMarshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
