// Command pagelens runs the URL analysis service: the HTTP API, the
// orchestrator, and the stage workers, all in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/analyzers"
	"github.com/pagelens/pagelens/internal/api"
	"github.com/pagelens/pagelens/internal/assets"
	assetsgcs "github.com/pagelens/pagelens/internal/assets/gcs"
	assetslocal "github.com/pagelens/pagelens/internal/assets/local"
	assetsmem "github.com/pagelens/pagelens/internal/assets/memory"
	brokermem "github.com/pagelens/pagelens/internal/broker/memory"
	brokerpubsub "github.com/pagelens/pagelens/internal/broker/pubsub"
	"github.com/pagelens/pagelens/internal/clock/system"
	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/fetcher"
	collyprobe "github.com/pagelens/pagelens/internal/fetcher/colly"
	"github.com/pagelens/pagelens/internal/fetcher/headless"
	"github.com/pagelens/pagelens/internal/hash/sha256"
	uuidgen "github.com/pagelens/pagelens/internal/id/uuid"
	"github.com/pagelens/pagelens/internal/logging"
	"github.com/pagelens/pagelens/internal/metrics"
	"github.com/pagelens/pagelens/internal/orchestrator"
	"github.com/pagelens/pagelens/internal/pipeline"
	storemem "github.com/pagelens/pagelens/internal/store/memory"
	storepg "github.com/pagelens/pagelens/internal/store/postgres"
	"github.com/pagelens/pagelens/internal/summary"
	"github.com/pagelens/pagelens/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New("pagelens", cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	idGen := uuidgen.New()
	hasher := sha256.New()

	jobs, tasks, findings, closeStores, err := buildStores(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeStores()

	broker, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	bundles, err := buildAssets(ctx, cfg)
	if err != nil {
		return err
	}

	registry := analyzers.Default()
	retry := pipeline.NewRetryPolicy(
		cfg.Pipeline.MaxAttempts,
		time.Duration(cfg.Pipeline.BackoffInitialMs)*time.Millisecond,
		2,
		time.Duration(cfg.Pipeline.BackoffMaxMs)*time.Millisecond,
	)
	orch := orchestrator.New(jobs, tasks, broker, retry, clk, idGen, registry.Types(), orchestrator.Config{
		JobBudget:    cfg.JobBudget(),
		ReapInterval: cfg.ReapInterval(),
	}, logger)

	capture, closeFetcher, err := buildFetcher(cfg, hasher, logger)
	if err != nil {
		return err
	}
	defer closeFetcher()

	var wg sync.WaitGroup
	runWorker := func(w *worker.Worker) {
		for i := 0; i < cfg.Pipeline.WorkersPerStage; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}
	}

	fetchTimeout := cfg.FetchTimeout() + time.Duration(cfg.Headless.NavTimeoutSec)*time.Second
	runWorker(worker.New(broker,
		worker.NewFetchExecutor(capture, bundles, clk, logger),
		orch,
		worker.Config{Stage: pipeline.StageFetch, Timeout: fetchTimeout},
		logger,
	))
	for _, analyzerType := range registry.Types() {
		analyzer, ok := registry.Get(analyzerType)
		if !ok {
			continue
		}
		runWorker(worker.New(broker,
			worker.NewAnalyzeExecutor(analyzer, bundles, findings, logger),
			orch,
			worker.Config{Stage: pipeline.AnalyzeStage(analyzerType), Timeout: cfg.AnalyzerTimeout()},
			logger,
		))
	}
	runWorker(worker.New(broker,
		summary.New(jobs, tasks, findings, bundles, clk, logger),
		orch,
		worker.Config{Stage: pipeline.StageSummarize, Timeout: cfg.AnalyzerTimeout()},
		logger,
	))

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(orch, bundles, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	stop()
	wg.Wait()
	return nil
}

func buildStores(ctx context.Context, cfg config.Config, clk pipeline.Clock) (
	pipeline.JobStore, pipeline.TaskStore, pipeline.FindingStore, func(), error,
) {
	switch cfg.Store.Provider {
	case "postgres":
		pool, err := storepg.NewPool(ctx, storepg.Config{
			DSN:             cfg.Store.DSN,
			MaxConns:        int32(cfg.Store.MaxConns),
			MinConns:        int32(cfg.Store.MinConns),
			MaxConnLifetime: time.Duration(cfg.Store.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		jobs, err := storepg.NewJobStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
		tasks, err := storepg.NewTaskStore(pool, clk)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
		findings, err := storepg.NewFindingStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
		return jobs, tasks, findings, pool.Close, nil
	default:
		return storemem.NewJobStore(), storemem.NewTaskStore(clk), storemem.NewFindingStore(), func() {}, nil
	}
}

func buildBroker(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Broker, error) {
	switch cfg.Broker.Provider {
	case "pubsub":
		return brokerpubsub.New(ctx, brokerpubsub.Config{
			ProjectID: cfg.Broker.ProjectID,
			Prefix:    cfg.Broker.Prefix,
		}, logger)
	default:
		return brokermem.New(brokermem.Config{
			Capacity:          cfg.Broker.Capacity,
			VisibilityTimeout: time.Duration(cfg.Broker.VisibilityTimeoutSeconds) * time.Second,
			NackDelay:         time.Duration(cfg.Broker.NackDelayMs) * time.Millisecond,
		}), nil
	}
}

func buildAssets(ctx context.Context, cfg config.Config) (pipeline.BundleStore, error) {
	switch cfg.Assets.Provider {
	case "local":
		objects, err := assetslocal.New(assetslocal.Config{BaseDir: cfg.Assets.LocalPath})
		if err != nil {
			return nil, fmt.Errorf("local asset store: %w", err)
		}
		return assets.NewStore(objects), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		objects, err := assetsgcs.New(client, assetsgcs.Config{Bucket: cfg.Assets.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs asset store: %w", err)
		}
		return assets.NewStore(objects), nil
	default:
		return assets.NewStore(assetsmem.New()), nil
	}
}

func buildFetcher(cfg config.Config, hasher pipeline.Hasher, logger *zap.Logger) (pipeline.Fetcher, func(), error) {
	prober := collyprobe.New(collyprobe.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	detector := fetcher.NewHeuristicDetector(
		cfg.Headless.MinHTMLBytes,
		fetcher.DefaultSelectors,
		fetcher.DefaultKeywords,
	)

	var renderer fetcher.Renderer
	closeFetcher := func() {}
	if cfg.Headless.Enabled {
		r, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			CaptureScreenshot: cfg.Headless.CaptureScreenshot,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("headless renderer: %w", err)
		}
		renderer = r
		closeFetcher = r.Close
	}
	return fetcher.New(prober, detector, renderer, hasher, logger), closeFetcher, nil
}
