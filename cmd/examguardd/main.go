package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"examguard/internal/api"
	"examguard/internal/config"
	"examguard/internal/ingest"
	"examguard/internal/logging"
	"examguard/internal/queue"
	"examguard/internal/risk"
	"examguard/internal/session"
	"examguard/internal/telemetry"
	"examguard/internal/uploader"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	logLevel := flag.String("log-level", "", "override configured log level")
	attemptID := flag.String("attempt", "", "exam attempt id (overrides config)")
	studentID := flag.String("student", "", "student id (overrides config)")
	examID := flag.String("exam", "", "exam id (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	var mgr *config.Manager
	var err error
	if *configPath != "" {
		mgr, err = config.NewManager(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		mgr = config.NewManagerFromConfig(config.DefaultConfig())
	}

	applySessionFlags := func(cfg *config.Config) {
		if *attemptID != "" {
			cfg.Session.AttemptID = *attemptID
		}
		if *studentID != "" {
			cfg.Session.StudentID = *studentID
		}
		if *examID != "" {
			cfg.Session.ExamID = *examID
		}
	}
	cfg := mgr.Get()
	applySessionFlags(cfg)

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.NewLogger(level)
	logger.Info("examguardd starting", "version", version, "config", *configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		logger.Error("open queue", "path", cfg.Queue.Path, "error", err)
		os.Exit(1)
	}
	defer q.Close()
	if err := q.Init(ctx); err != nil {
		logger.Error("init queue", "error", err)
		os.Exit(1)
	}
	if n, err := q.ReconcileStale(ctx); err != nil {
		logger.Warn("reconcile stale uploads", "error", err)
	} else if n > 0 {
		logger.Info("recycled stale uploads", "count", n)
	}

	var confirmer risk.Confirmer
	if cfg.Confirm.Enabled {
		confirmer = risk.NewHTTPConfirmer(cfg.Confirm)
		logger.Info("confirmation service enabled", "url", cfg.Confirm.URL)
	}

	violations := telemetry.NewStore(cfg.Telemetry.ViolationStoreLimit)
	counters := telemetry.NewCounters()

	sess := session.New(mgr, logging.Component(logger, "session"), q, confirmer, violations, counters)
	sess.Start(ctx)

	var up *uploader.Uploader
	if cfg.Uploader.Enabled {
		store, err := uploader.NewS3Store(ctx, cfg.Uploader.S3)
		if err != nil {
			logger.Error("s3 store", "error", err)
			os.Exit(1)
		}
		var sink uploader.RecordSink
		if cfg.Uploader.Postgres.DSN != "" {
			sink, err = uploader.NewPostgresSink(cfg.Uploader.Postgres.DSN)
			if err != nil {
				logger.Error("postgres sink", "error", err)
				os.Exit(1)
			}
		}
		up = uploader.New(cfg, logging.Component(logger, "uploader"), q, store, sink, counters)
		go up.Run(ctx)
	} else {
		logger.Info("uploader disabled, records stay queued locally")
	}

	out := sess.Signals()
	ingestLogger := logging.Component(logger, "ingest")
	ingest.StartREST(ctx, mgr, out, counters, ingestLogger)
	ingest.StartTCPStream(ctx, mgr, out, counters, ingestLogger)
	ingest.StartFileTail(ctx, mgr, out, counters, ingestLogger)
	ingest.StartKafka(ctx, mgr, out, counters, ingestLogger)

	api.Start(ctx, mgr, sess.Risk(), violations, counters, q, logging.Component(logger, "api"), version)

	watchStop := make(chan struct{})
	var watchWG sync.WaitGroup
	if mgr.Path() != "" {
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			mgr.Watch(3*time.Second,
				func(next *config.Config) {
					applySessionFlags(next)
					sess.UpdateConfig(next)
					if up != nil {
						up.UpdateConfig(next)
					}
					logger.Info("config reloaded", "path", mgr.Path())
				},
				func(err error) {
					logger.Warn("config reload failed", "error", err)
				},
				watchStop)
		}()
	}

	logger.Info("examguardd running", "attempt_id", sess.AttemptID())
	<-ctx.Done()
	logger.Info("shutting down")

	close(watchStop)
	watchWG.Wait()
	sess.Stop()
	if up != nil {
		up.Stop()
	}
	logger.Info("examguardd stopped")
}
