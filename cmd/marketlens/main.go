package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/marketlens/marketlens/internal/analysis"
	"github.com/marketlens/marketlens/internal/api"
	"github.com/marketlens/marketlens/internal/browser"
	"github.com/marketlens/marketlens/internal/collector"
	"github.com/marketlens/marketlens/internal/completeness"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/coordinator"
	"github.com/marketlens/marketlens/internal/flags"
	"github.com/marketlens/marketlens/internal/governor"
	"github.com/marketlens/marketlens/internal/observability"
	"github.com/marketlens/marketlens/internal/queue"
	"github.com/marketlens/marketlens/internal/report"
	"github.com/marketlens/marketlens/internal/scheduler"
	"github.com/marketlens/marketlens/internal/scraper"
	"github.com/marketlens/marketlens/internal/status"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
	"github.com/marketlens/marketlens/internal/validator"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "marketlens",
		Short: "Competitive intelligence pipeline: scheduled scraping, analysis, and report generation",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serveCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(scrapeCmd())
	root.AddCommand(completenessCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired component graph.
type app struct {
	cfg         *config.Config
	repo        store.Repository
	cache       store.Cache
	jobs        queue.Queue
	fetcher     browser.PageFetcher
	governor    *governor.Governor
	validator   *validator.Validator
	checker     *completeness.Checker
	collector   *collector.Collector
	publisher   *status.Publisher
	metrics     *observability.Metrics
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp loads config and wires the full pipeline.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.NewLogger()

	a := &app{cfg: cfg}

	// Storage
	switch cfg.Storage.Type {
	case "mongodb":
		mongo, err := store.NewMongo(cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, cfg.Storage.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}
		a.repo = mongo
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongo.Close(ctx)
		})
	default:
		a.repo = store.NewMemory()
	}

	// Cache / distributed locks
	switch cfg.Cache.Type {
	case "redis":
		rc, err := store.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		a.cache = rc
		a.closers = append(a.closers, func() { _ = rc.Close() })
	default:
		a.cache = store.NewMemoryCache()
	}

	// Queue
	switch cfg.Queue.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr, DB: cfg.Queue.RedisDB})
		a.jobs = queue.NewRedisQueue(client, cfg.Queue.DedupWindow)
		a.closers = append(a.closers, func() { _ = a.jobs.Close() })
	default:
		a.jobs = queue.NewMemoryQueue(cfg.Queue.DedupWindow)
	}

	// Page fetchers: headless browser by default, plain HTTP otherwise.
	if cfg.Capture.BrowserEnabled {
		rodOpts := []browser.RodOption{browser.WithMaxPages(cfg.Capture.BrowserMaxPages)}
		if cfg.Capture.BrowserStealth {
			rodOpts = append(rodOpts, browser.WithStealth())
		}
		rod, err := browser.NewRodFetcher(logger, rodOpts...)
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		a.fetcher = rod
		a.closers = append(a.closers, func() { _ = rod.Close() })
	} else {
		a.fetcher = browser.NewHTTPFetcher(cfg.Capture.UserAgent, logger)
	}
	fast := browser.NewHTTPFetcher(cfg.Capture.UserAgent, logger)

	a.governor = governor.New(cfg.Governor, logger)
	a.validator = validator.New(a.repo, cfg.Collector.SnapshotMaxAge)
	a.checker = completeness.New(a.repo, a.validator, logger)

	a.publisher = status.NewPublisher(logger)
	a.metrics = observability.New(prometheus.DefaultRegisterer, 0)
	gates := flags.New(cfg.Features)

	worker := scraper.NewWorker(a.fetcher, a.repo, cfg.Capture, logger)
	worker.SetRecorder(a.metrics)
	fastWorker := scraper.NewWorker(fast, a.repo, cfg.Capture, logger)
	fastWorker.SetRecorder(a.metrics)
	a.collector = collector.New(a.repo, worker, fastWorker, a.governor, a.validator, cfg.Collector, logger)
	a.collector.UseFeatureGates(gates)
	a.collector.UseResolutionCache(store.NewResolutionCache(a.cache, cfg.Cache.TTL))

	llm := analysis.NewLLMClient(cfg.Analysis, logger)
	analyzer := analysis.NewAnalyzer(llm, logger)
	composer := report.NewComposer(a.repo, cfg.Report, logger)
	composer.SetStorageRetry(cfg.Storage.MaxRetries, cfg.Storage.RetryBackoffBase)

	a.coordinator = coordinator.New(
		a.repo, a.checker, a.collector, analyzer, composer,
		a.jobs, a.publisher, a.metrics, gates,
		cfg.Coordinator, cfg.Report, cfg.Analysis.CostPerCall,
		logger,
	)
	a.coordinator.SetStorageRetry(cfg.Storage.MaxRetries, cfg.Storage.RetryBackoffBase)
	a.scheduler = scheduler.New(a.repo, a.collector, cfg.Scheduler, logger, nil)
	return a, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, scheduler and queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			logger := a.cfg.NewLogger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer a.scheduler.Shutdown()

			runner := a.coordinator.NewRunner()
			runner.Start(ctx)
			defer runner.Wait()

			if a.cfg.Features.ZombieJanitor {
				go a.coordinator.RunJanitor(ctx, 10*time.Minute)
			}

			var server *api.Server
			if a.cfg.API.Enabled {
				server = api.NewServer(
					a.cfg.API, a.repo, a.cache,
					a.coordinator, a.scheduler, a.scheduler,
					a.checker, a.publisher, a.metrics, logger,
				)
				server.Start()
			}

			logger.Info("marketlens running", "version", config.Version)
			<-ctx.Done()
			logger.Info("shutting down")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	var timeoutSeconds int
	var priority string

	cmd := &cobra.Command{
		Use:   "report [project-id]",
		Short: "Generate a report for a project and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			opts := coordinator.Options{Priority: priority}
			if timeoutSeconds > 0 {
				opts.Timeout = time.Duration(timeoutSeconds) * time.Second
			}
			result := a.coordinator.ProcessInitialReport(cmd.Context(), args[0], opts)
			return printJSON(result)
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "immediate-path timeout in seconds")
	cmd.Flags().StringVar(&priority, "priority", "normal", "queue priority: high, normal, low")
	return cmd
}

func scrapeCmd() *cobra.Command {
	var productID, competitorID string

	cmd := &cobra.Command{
		Use:   "scrape [url]",
		Short: "Capture one page as a snapshot for a product or competitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			owner := types.OwnerRef{ProductID: productID, CompetitorID: competitorID}
			if err := owner.Validate(); err != nil {
				return err
			}

			logger := a.cfg.NewLogger()
			worker := scraper.NewWorker(a.fetcher, a.repo, a.cfg.Capture, logger)
			worker.SetRecorder(a.metrics)
			capture, err := worker.Capture(cmd.Context(), owner, args[0], types.CaptureOptions{})
			if err != nil {
				return err
			}
			return printJSON(capture)
		},
	}
	cmd.Flags().StringVar(&productID, "product-id", "", "owning product id")
	cmd.Flags().StringVar(&competitorID, "competitor-id", "", "owning competitor id")
	return cmd
}

func completenessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completeness [project-id]",
		Short: "Score a project's readiness for report generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.checker.Score(cmd.Context(), args[0], completeness.Options{})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("marketlens", config.Version)
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
