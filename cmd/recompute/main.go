// Package main runs one recomputation pass and prints its report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/retention/internal/config"
	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/internal/scoring"
	"github.com/thebtf/retention/pkg/client"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	timeout := flag.Duration("timeout", time.Hour, "Abort the run after this long")
	local := flag.Bool("local", false, "Always run in-process, even when a worker is running")
	flag.Parse()

	// The report goes to stdout, so log to stderr
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Interrupting recomputation")
		cancel()
	}()

	var report scoring.RunReport
	worker := client.ForPort(cfg.WorkerPort, "recompute")
	if !*local && worker.IsReady(ctx) {
		log.Info().Int("port", cfg.WorkerPort).Msg("Worker is running, triggering recomputation there")
		report, err = worker.Recompute(ctx)
	} else {
		report, err = runLocal(ctx, cfg)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Recomputation failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}

	log.Info().
		Str("version", Version).
		Int("processed", report.Processed).
		Int("changed", report.Changed).
		Int("alerts_opened", report.AlertsOpened).
		Bool("skipped", report.Skipped).
		Msg("Recomputation finished")
}

// runLocal opens the database and runs the job in this process.
func runLocal(ctx context.Context, cfg *config.Config) (scoring.RunReport, error) {
	store, err := gorm.NewStore(gorm.Config{
		DSN:      cfg.DatabaseDSN,
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return scoring.RunReport{}, fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	bus := notify.NewBus(notify.DefaultBufferSize, log.Logger)
	bus.Subscribe(notify.NewLogSink(log.Logger))

	riskStore := gorm.NewRiskStore(store, cfg.ConflictRetries)
	riskStore.SetLocation(cfg.Location())

	recalculator := scoring.NewRecalculator(
		gorm.NewAttributeStore(store),
		riskStore,
		scoring.NewCalculator(nil),
		scoring.RecalculatorConfig{
			PageSize:             cfg.RecomputePageSize,
			Concurrency:          cfg.RecomputeConcurrency,
			NeutralOnSourceError: cfg.NeutralOnSourceError,
		},
		log.Logger,
	)
	recalculator.SetPublisher(bus)

	// Share the worker's lease so a manual run never overlaps a scheduled one.
	if cfg.RedisAddr != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return scoring.RunReport{}, fmt.Errorf("redis configured but unavailable: %w", err)
		}
		defer rdb.Close()
		bus.Subscribe(notify.NewRedisSink(rdb, cfg.RedisChannel))
		recalculator.SetLease(scoring.NewRedisLease(redislock.New(rdb), scoring.DefaultLeaseKey, time.Minute, log.Logger))
	}

	bus.Start(context.Background())
	defer bus.Close()
	return recalculator.RunNow(ctx)
}
