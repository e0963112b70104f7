// Command gridetl converts gridded meteorological data into zonal time
// series and grid records in an output container.
//
// Usage:
//
//	gridetl run -job job.yaml [-reset] [-manifest out.json]
//	gridetl serve
//	gridetl compact -container out.gts
//	gridetl reset -job-id mock-basins-6h
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/grid-met-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/grid-met-etl/internal/adapter/kafka"
	"github.com/couchcryptid/grid-met-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/grid-met-etl/internal/config"
	"github.com/couchcryptid/grid-met-etl/internal/observability"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
	"github.com/couchcryptid/grid-met-etl/internal/store"
)

// Exit codes of the run command.
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFailed)
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(exitFailed)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitFailed)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runJob(cfg, logger, args))
	case "serve":
		err = serve(cfg, logger)
	case "compact":
		err = compact(logger, args)
	case "reset":
		err = reset(cfg, args)
	default:
		usage()
		os.Exit(exitFailed)
	}
	if err != nil {
		logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(exitFailed)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gridetl <run|serve|compact|reset> [flags]")
}

func runnerOptions(cfg *config.Config) pipeline.Options {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		// Options treats zero as unset.
		maxRetries = -1
	}
	return pipeline.Options{
		Workers:       cfg.Workers,
		WindowSize:    cfg.WindowSize,
		IOTimeout:     cfg.IOTimeout,
		MaxRetries:    maxRetries,
		Staleness:     cfg.Staleness,
		MassTolerance: cfg.MassTolerance,
		MaskCacheSize: cfg.MaskCacheSize,
		StoreSync:     cfg.StoreSync,
		RemoteTimeout: cfg.RemoteTimeout,
	}
}

// runJob executes one job file and exits 0 when every step succeeded, 2 when
// some steps failed and 1 when the job failed.
func runJob(cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	jobPath := fs.String("job", "", "YAML or JSON job file")
	resetFirst := fs.Bool("reset", false, "discard the job's checkpoint and start from the first time step")
	manifestOut := fs.String("manifest", "", "write the run manifest as JSON to this file (- for stdout)")
	_ = fs.Parse(args)
	if *jobPath == "" {
		fs.Usage()
		return exitFailed
	}

	spec, err := pipeline.LoadSpec(*jobPath)
	if err != nil {
		logger.Error("failed to load job", "error", err)
		return exitFailed
	}

	db, err := sqlite.Open(cfg.CheckpointDB)
	if err != nil {
		logger.Error("failed to open checkpoint db", "error", err)
		return exitFailed
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *resetFirst {
		id := spec.JobID
		if id == "" {
			id = spec.ComputeJobID()
		}
		if err := db.Reset(ctx, id); err != nil {
			logger.Error("failed to reset checkpoint", "error", err)
			return exitFailed
		}
	}

	runner := pipeline.NewRunner(runnerOptions(cfg), db, db, logger, observability.NewMetrics())
	m, runErr := runner.Run(ctx, spec)

	if *manifestOut != "" {
		if err := writeManifest(*manifestOut, m); err != nil {
			logger.Error("failed to write manifest", "error", err)
		}
	}

	switch {
	case runErr != nil:
		return exitFailed
	case m.Outcome() == "partial":
		return exitPartial
	case m.Outcome() == "failed":
		return exitFailed
	default:
		return exitOK
	}
}

func writeManifest(path string, m *pipeline.Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	b = append(b, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// serve takes jobs from Kafka until SIGINT or SIGTERM.
func serve(cfg *config.Config, logger *slog.Logger) error {
	if !cfg.KafkaEnabled {
		return errors.New("serve takes jobs from Kafka: set KAFKA_ENABLED=true")
	}
	metrics := observability.NewMetrics()

	db, err := sqlite.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer db.Close()

	reader := kafkaadapter.NewJobReader(cfg, logger)
	recorders := pipeline.Recorders{db}
	var writer *kafkaadapter.ManifestWriter
	if cfg.KafkaManifestTopic != "" {
		writer = kafkaadapter.NewManifestWriter(cfg, logger)
		recorders = append(recorders, writer)
	}

	runner := pipeline.NewRunner(runnerOptions(cfg), db, recorders, logger, metrics)
	svc := pipeline.NewService(reader, runner, logger)

	ready := httpadapter.AllReady(svc, httpadapter.ReadinessFunc(db.Ping))
	srv := httpadapter.NewServer(cfg.HTTPAddr, ready, db, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("service error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("service did not stop before shutdown timeout")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func compact(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	path := fs.String("container", "", "container file to compact")
	_ = fs.Parse(args)
	if *path == "" {
		fs.Usage()
		return errors.New("-container is required")
	}

	st, err := store.Open(*path, store.Options{Sync: true, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	stats, err := st.Compact(ctx)
	if err != nil {
		return err
	}
	logger.Info("container compacted",
		"path", *path,
		"records", stats.Records,
		"bytes_before", stats.BytesBefore,
		"bytes_after", stats.BytesAfter,
		"duration", time.Since(start))
	return nil
}

func reset(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	jobID := fs.String("job-id", "", "job whose checkpoint is discarded")
	prune := fs.Duration("prune-manifests", 0, "also delete manifests older than this age")
	_ = fs.Parse(args)
	if *jobID == "" && *prune == 0 {
		fs.Usage()
		return errors.New("-job-id or -prune-manifests is required")
	}

	db, err := sqlite.Open(cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if *jobID != "" {
		if err := db.Reset(ctx, *jobID); err != nil {
			return err
		}
	}
	if *prune > 0 {
		if _, err := db.Prune(ctx, time.Now().Add(-*prune)); err != nil {
			return err
		}
	}
	return nil
}
