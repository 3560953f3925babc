package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/config"
	"github.com/bookline/concierge/internal/delivery"
	"github.com/bookline/concierge/internal/dispatch"
	"github.com/bookline/concierge/internal/engine"
	"github.com/bookline/concierge/internal/gateway"
	httpapi "github.com/bookline/concierge/internal/http"
	"github.com/bookline/concierge/internal/reconcile"
	"github.com/bookline/concierge/internal/recovery"
	"github.com/bookline/concierge/internal/store"
	"github.com/bookline/concierge/internal/store/pg"
	"github.com/bookline/concierge/internal/store/sqlite"
	"github.com/bookline/concierge/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the concierge gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	if err := serve(); err != nil {
		slog.Error("concierge exited", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "concierge", cfg.Tracing.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	instructions, err := engine.LoadInstructions(cfg.Engine.InstructionsPath)
	if err != nil {
		return fmt.Errorf("load instructions: %w", err)
	}
	if instructions != nil {
		defer instructions.Close()
	}
	eng := engine.NewHTTPEngine(cfg.Engine, instructions)

	var history reconcile.HistoryProvider
	if h := reconcile.NewHTTPHistory(cfg.Reconcile.HistoryBaseURL); h != nil {
		history = h
	}
	rec := reconcile.New(history, cfg.Reconcile.HistoryLimit, cfg.Reconcile.MaxItems)

	var (
		sender bus.Sender
		bridge *delivery.BridgeChannel
	)
	switch cfg.Delivery.Mode {
	case "bridge":
		bridge, err = delivery.NewBridgeChannel(cfg.Delivery.BridgeURL, nil)
		if err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
		sender = bridge
	default:
		sender, err = delivery.NewCloudAPISender(cfg.Delivery)
		if err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
	}

	processor := dispatch.NewProcessor(stores, rec, eng, sender)
	dispatcher := dispatch.NewDispatcher(stores, processor, cfg.Dispatch.DebounceWindow())
	defer dispatcher.Stop()

	if bridge != nil {
		bridge.SetHandler(dispatcher)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		defer bridge.Stop()
	}

	sweeper, err := recovery.NewSweeper(stores, dispatcher,
		cfg.Dispatch.EventTTL(), cfg.Dispatch.LockStaleness(), cfg.Dispatch.SweepSchedule)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := sweeper.OnStart(ctx); err != nil {
		// Startup recovery is best effort: a failed sweep must not keep
		// the gateway from accepting traffic.
		slog.Error("startup recovery incomplete", "error", err)
	}
	go sweeper.RunPeriodic(ctx)

	limiter := httpapi.NewSenderRateLimiter(cfg.Gateway.RateLimitRPM)
	webhook := httpapi.NewWebhookHandler(dispatcher, cfg.Gateway.VerifyToken, cfg.Gateway.AppSecret, limiter)
	ops := httpapi.NewOpsHandler(stores.Locks, sweeper)

	srv := gateway.NewServer(cfg, webhook, ops)
	return srv.Start(ctx)
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.Config{
		Driver:      cfg.Database.Driver,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	}
	switch cfg.Database.Driver {
	case "postgres":
		return pg.NewPGStores(sc)
	case "sqlite", "":
		return sqlite.NewSQLiteStores(sc)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
