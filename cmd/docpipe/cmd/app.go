package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fixbase/docpipe/internal/blob"
	"github.com/fixbase/docpipe/internal/config"
	"github.com/fixbase/docpipe/internal/embed"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/extract"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/retry"
	"github.com/fixbase/docpipe/internal/stages"
	"github.com/fixbase/docpipe/internal/store"
)

// app bundles the wired collaborators a command needs. Commands that only
// read state open the store directly; commands that run stages go through
// openApp so every processor finds its collaborators in the services.
type app struct {
	cfg      *config.Config
	db       *store.DB
	locks    *store.LockManager
	queue    *queue.Queue
	emitter  events.Emitter
	orch     *retry.Orchestrator
	exec     *pipeline.Executor
	dispatch *pipeline.Dispatcher
	services *pipeline.Services

	vectors    *store.HNSWIndex
	vectorPath string
	search     *store.BleveIndex
}

// loadConfig resolves configuration from the data dir flag, DOCPIPE_* env
// overrides and the YAML file in the data directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.Paths.DataDir = flagDataDir
	}
	return cfg, nil
}

// openApp wires the full processing stack: store, queue, retry
// orchestrator, executor with all stage processors, and the enrichment
// collaborators the configuration enables.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, locks: store.NewLockManager()}

	a.emitter, err = buildEmitter(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.queue = queue.New(db, queue.Options{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		PollInterval:      cfg.Queue.PollInterval,
		ReclaimInterval:   cfg.Queue.ReclaimInterval,
		Workers:           cfg.Queue.Workers,
	})
	a.orch = retry.New(db, a.locks, a.queue, a.emitter, retry.Options{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BaseDelay:          cfg.Retry.BaseDelay,
		MaxDelay:           cfg.Retry.MaxDelay,
		RateLimitFloor:     cfg.Retry.RateLimitFloor,
		StageBaseDelays:    cfg.Retry.StageBaseDelays,
		Deferral:           cfg.Retry.Deferral,
		SleepDeferralLimit: cfg.Retry.SleepDeferralLimit,
	})

	a.exec = pipeline.NewExecutor(db, a.locks, a.orch, a.emitter, cfg.Pipeline)
	stages.RegisterAll(a.exec)
	a.dispatch = pipeline.NewDispatcher(a.exec)

	if err := a.buildServices(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildServices constructs the collaborators stages read from the
// processing context. Absent collaborators stay nil; stages degrade or
// fail with a typed error per their own contract.
func (a *app) buildServices(ctx context.Context) error {
	cfg := a.cfg
	svcs := &pipeline.Services{
		DB:      a.db,
		Emitter: a.emitter,
		Config:  cfg,
	}

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	svcs.Blob = blobStore

	embedder, err := embed.New(ctx, cfg.Embed)
	if err != nil {
		return err
	}
	svcs.Embedder = embedder

	a.vectorPath = filepath.Join(cfg.Paths.DataDir, "vectors.hnsw")
	a.vectors = store.NewHNSWIndex(embedder.Dimensions())
	if _, err := os.Stat(a.vectorPath); err == nil {
		if err := a.vectors.Load(a.vectorPath); err != nil {
			slog.Warn("vector_index_load_failed", slog.String("path", a.vectorPath),
				slog.String("error", err.Error()))
			a.vectors = store.NewHNSWIndex(embedder.Dimensions())
		}
	}
	svcs.Vectors = a.vectors

	a.search, err = store.NewBleveIndex(filepath.Join(cfg.Paths.DataDir, "search.bleve"))
	if err != nil {
		return err
	}
	svcs.Search = a.search

	if cfg.Extract.SidecarURL != "" {
		sidecar := extract.NewSidecarClient(cfg.Extract.SidecarURL, cfg.Extract.SidecarTimeout)
		svcs.Text = sidecar
		svcs.Tables = sidecar
		svcs.Images = sidecar
		svcs.SVG = sidecar
	}
	if cfg.Vision.Endpoint != "" {
		svcs.Vision = extract.NewOllamaVision(cfg.Vision.Endpoint, cfg.Vision.Model, cfg.Vision.CallTimeout)
	}
	svcs.Scrape = extract.NewHTTPScraper(cfg.Extract.ScrapeTimeout)
	svcs.Video = extract.NewOEmbedVideoService()

	a.services = svcs
	return nil
}

// Close releases everything openApp acquired, persisting the vector index.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.vectors != nil && a.vectorPath != "" {
		if err := a.vectors.Save(a.vectorPath); err != nil {
			slog.Warn("vector_index_save_failed", slog.String("path", a.vectorPath),
				slog.String("error", err.Error()))
		}
	}
	if a.search != nil {
		_ = a.search.Close()
	}
	if a.emitter != nil {
		_ = a.emitter.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func buildEmitter(ctx context.Context, cfg *config.Config) (events.Emitter, error) {
	sinks := []events.Emitter{events.NewSlogSink(slog.Default())}
	if cfg.Events.RedisURL != "" {
		redisSink, err := events.NewRedisSink(ctx, cfg.Events.RedisURL, cfg.Events.Channel)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis event sink: %w", err)
		}
		sinks = append(sinks, redisSink)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return events.NewMulti(sinks...), nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3Store(ctx, cfg.Blob)
	default:
		dir := cfg.Blob.Dir
		if dir == "" {
			dir = filepath.Join(cfg.Paths.DataDir, "blobs")
		}
		return blob.NewFSStore(dir)
	}
}

func parseMode(s string) (pipeline.Mode, error) {
	switch s {
	case "full":
		return pipeline.ModeFull, nil
	case "smart", "":
		return pipeline.ModeSmart, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (expected full or smart)", s)
	}
}
