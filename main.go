package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gainscan/config"
	"gainscan/internal/analysis"
	"gainscan/internal/dashboard"
	"gainscan/internal/history"
	"gainscan/internal/liquidity"
	"gainscan/internal/metrics"
	"gainscan/internal/notify"
	"gainscan/internal/scheduler"
	"gainscan/internal/universe"
	"gainscan/logger"
	"gainscan/reader/binance"
	"gainscan/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run a single analysis, print the result and exit")
	historyCount := flag.Int("history", 0, "Print the last N history summaries and exit")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting gainscan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := history.Open(ctx, cfg.Storage.History, log)
	if err != nil {
		log.WithError(err).Error("failed to open history store")
		os.Exit(1)
	}
	defer store.Close()

	if *historyCount > 0 {
		if err := printHistory(ctx, store, *historyCount); err != nil {
			log.WithError(err).Error("failed to list history")
			os.Exit(1)
		}
		return
	}

	entries, err := universe.NewEntryStore(cfg.Storage.Cache)
	if err != nil {
		log.WithError(err).Error("failed to open instrument cache")
		os.Exit(1)
	}
	if closer, ok := entries.(io.Closer); ok {
		defer closer.Close()
	}

	metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch, log)

	market := binance.NewMarketData(cfg.Source.Binance, log)
	settings := config.NewStore(cfg.Settings)

	runner := analysis.NewRunner(
		universe.NewCache(market, entries, log),
		liquidity.NewFilter(market, cfg.Engine.LiquidityOrder, log),
		market,
		settings,
		cfg.Engine,
		log,
	)

	opts := scheduler.Options{KeepCount: cfg.Storage.History.KeepCount}
	if cfg.Storage.S3.Enabled {
		archiver, err := writer.NewArchiveWriter(ctx, cfg.Storage.S3, log)
		if err != nil {
			log.WithError(err).Error("failed to create S3 archive writer")
			os.Exit(1)
		}
		opts.Archiver = archiver
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archive writer")
	}

	sched := scheduler.New(runner, store, notify.FromConfig(cfg.Notify, log), notify.NewMessages(cfg.Notify), settings, cfg.Engine, opts, log)
	runner.SetProgress(sched.Progress)

	if *once {
		bundle, err := sched.RunNow(ctx)
		if bundle != nil {
			printJSON(bundle)
		}
		if err != nil {
			log.WithError(err).Error("analysis run failed")
			os.Exit(1)
		}
		return
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, sched, store, settings, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	dashDone := make(chan struct{})
	go func() {
		defer close(dashDone)
		if err := dash.Run(ctx); err != nil {
			log.WithError(err).Error("dashboard stopped with error")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	if !sched.Stop() {
		log.Warn("graceful shutdown timeout exceeded")
	}
	cancel()
	<-dashDone

	log.Info("gainscan stopped")
}

func printHistory(ctx context.Context, store history.Store, n int) error {
	summaries, err := store.List(ctx, n)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		return errors.New("no history recorded yet")
	}
	printJSON(summaries)
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
