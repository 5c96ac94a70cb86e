// Command execd runs the signal-to-execution pipeline: signal intake,
// certification, risk gating, order state machines, the position ledger,
// and the operator surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/adapters"
	"github.com/meridianx/execpipe/internal/admin"
	"github.com/meridianx/execpipe/internal/breaker"
	"github.com/meridianx/execpipe/internal/certify"
	"github.com/meridianx/execpipe/internal/config"
	"github.com/meridianx/execpipe/internal/coordinator"
	"github.com/meridianx/execpipe/internal/events"
	"github.com/meridianx/execpipe/internal/journal"
	"github.com/meridianx/execpipe/internal/ledger"
	"github.com/meridianx/execpipe/internal/metrics"
	"github.com/meridianx/execpipe/internal/ratelimit"
	"github.com/meridianx/execpipe/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "execd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:    cfg.Log.Level,
		FilePath: cfg.Log.FilePath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting execution pipeline",
		zap.String("environment", cfg.Environment),
		zap.Int("workers", cfg.Workers))

	m := metrics.New()

	jnl, err := journal.Open(log, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	ckpts, err := journal.OpenCheckpointStore(log, cfg.Journal.CheckpointDir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer ckpts.Close()

	led := ledger.New(log, decimal.NewFromFloat(cfg.Risk.PortfolioEquity))
	defer led.Close()

	bus := events.NewInMemoryBus(log)
	var kafkaSink *events.KafkaSink
	if len(cfg.Events.KafkaBrokers) > 0 && cfg.Events.KafkaTopic != "" {
		kafkaSink = events.NewKafkaSink(log, cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		kafkaSink.Attach(bus)
		defer kafkaSink.Close()
	}

	brk := breaker.New(breaker.Config{
		MaxConsecutiveAdapterFailures: cfg.Risk.MaxConsecutiveAdapterFailures,
		MaxFailedOrdersPerHour:        cfg.Risk.MaxFailedOrdersPerHour,
		DailyLossTripRatio:            cfg.Risk.DailyLossTripRatio,
	}, log, func(reason string) {
		m.BreakerTrips.Inc()
		m.BreakerHalted.Set(1)
		bus.Publish(events.Event{
			Topic:    events.TopicBreaker,
			Type:     events.TypeEmergencyBreakerTripped,
			Payload:  map[string]string{"reason": reason},
			Priority: true,
		})
	})

	registry, err := buildAdapters(cfg, log, m)
	if err != nil {
		return err
	}
	log.Info("venue adapters registered", zap.Strings("venues", registry.Names()))

	verifier := certify.NewVerifier(cfg.Certify.SigningSecret, cfg.Certify.MaxSignalAge)

	coord := coordinator.New(coordinator.Deps{
		Logger:      log,
		Config:      cfg,
		Registry:    registry,
		Verifier:    verifier,
		Ledger:      led,
		Journal:     jnl,
		Checkpoints: ckpts,
		Breaker:     brk,
		Bus:         bus,
		Metrics:     m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	adminSrv := admin.New(log, cfg.Admin.ListenAddr, coord, led, brk, m)
	adminErr := make(chan error, 1)
	go func() { adminErr <- adminSrv.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-adminErr:
		if err != nil {
			log.Error("admin server failed", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown incomplete", zap.Error(err))
	}

	coord.Wait()

	// Final checkpoint so the next start replays as little as possible.
	if err := ckpts.Save(led.Checkpoint(jnl.LastSeq())); err != nil {
		log.Error("final checkpoint failed", zap.Error(err))
	}

	log.Info("execution pipeline stopped")
	return nil
}

// buildAdapters constructs and registers one adapter per enabled venue.
func buildAdapters(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()
	limiter := ratelimit.NewLimiter()
	limiter.SetWaitObserver(func(venue, class string, waiting int) {
		m.RateLimitWaiting.WithLabelValues(venue, class).Set(float64(waiting))
	})

	for venue, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		symbols := symbolTable(vc)

		var adapter adapters.ExchangeAdapter
		switch venue {
		case "bybit":
			adapter = adapters.NewBybit(vc, limiter, cfg.AdapterTimeout, symbols, log)
		case "coinbase":
			adapter = adapters.NewCoinbase(vc, limiter, cfg.AdapterTimeout, symbols, log)
		case "kraken":
			adapter = adapters.NewKraken(vc, limiter, cfg.AdapterTimeout, symbols, log)
		case "phemex":
			adapter = adapters.NewPhemex(vc, limiter, cfg.AdapterTimeout, symbols, log)
		case "paper":
			adapter = adapters.NewPaper(symbols)
		default:
			return nil, fmt.Errorf("unknown venue %q in config", venue)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no venues enabled")
	}
	return registry, nil
}

func symbolTable(vc config.VenueConfig) map[string]adapters.SymbolInfo {
	symbols := make(map[string]adapters.SymbolInfo, len(vc.Symbols))
	for _, s := range vc.Symbols {
		symbols[s.Symbol] = adapters.SymbolInfo{
			Symbol:   s.Symbol,
			TickSize: decimal.NewFromFloat(s.TickSize),
			MinQty:   decimal.NewFromFloat(s.MinQty),
		}
	}
	return symbols
}
