package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	"go.temporal.io/sdk/client"
	"go.uber.org/fx"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/chapterhouse/internal/crawl"
	"github.com/jdholdren/chapterhouse/internal/gaps"
	"github.com/jdholdren/chapterhouse/internal/ingest"
	"github.com/jdholdren/chapterhouse/internal/logger"
	"github.com/jdholdren/chapterhouse/internal/migrations"
	"github.com/jdholdren/chapterhouse/internal/progress"
	"github.com/jdholdren/chapterhouse/internal/queue"
	"github.com/jdholdren/chapterhouse/internal/ratelimit"
	"github.com/jdholdren/chapterhouse/internal/scheduler"
	"github.com/jdholdren/chapterhouse/internal/source"
	"github.com/jdholdren/chapterhouse/internal/sqlite"
	"github.com/jdholdren/chapterhouse/internal/tier"
	"github.com/jdholdren/chapterhouse/internal/worker"
)

type config struct {
	Database         string `env:"DATABASE, required"`
	TemporalHostPort string `env:"TEMPORAL_HOST_PORT, required"`

	// Sources by name, e.g. "mangadex|https://api.mangadex.test".
	HTTPSources map[string]string `env:"HTTP_SOURCES, separator=|"`
	RSSSources  []string          `env:"RSS_SOURCES"`
	CallTimeout time.Duration     `env:"SOURCE_CALL_TIMEOUT, default=30s"`

	// "sqlite" shares buckets across processes, "memory" keeps them local.
	RateLimitStore    string        `env:"RATE_LIMIT_STORE, default=sqlite"`
	RateLimitCapacity float64       `env:"RATE_LIMIT_CAPACITY, default=10"`
	RateLimitRate     float64       `env:"RATE_LIMIT_RATE, default=5"`
	AcquireTimeout    time.Duration `env:"RATE_LIMIT_ACQUIRE_TIMEOUT, default=30s"`

	Workers        int `env:"CRAWL_WORKERS, default=4"`
	BacklogCeiling int `env:"BACKLOG_CEILING, default=1000"`
	FailureCeiling int `env:"FAILURE_CEILING, default=5"`

	TierAThreshold float64       `env:"TIER_A_THRESHOLD, default=20"`
	TierBThreshold float64       `env:"TIER_B_THRESHOLD, default=3"`
	TierAInterval  time.Duration `env:"TIER_A_INTERVAL, default=1h"`
	TierBInterval  time.Duration `env:"TIER_B_INTERVAL, default=6h"`

	CrawlEvery       time.Duration `env:"CRAWL_EVERY, default=5m"`
	GapAuditEvery    time.Duration `env:"GAP_AUDIT_EVERY, default=1h"`
	MaintenanceEvery time.Duration `env:"MAINTENANCE_EVERY, default=6h"`

	LogLevel  slog.Level `env:"LOG_LEVEL, default=info"`
	LogFormat string     `env:"LOG_FORMAT, default=text"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	slog.SetDefault(logger.New(os.Stdout, cfg.LogFormat, cfg.LogLevel))

	// Connect to the sqlite db
	dbx, err := sqlite.Open(cfg.Database)
	if err != nil {
		log.Fatalf("error opening database: %s", err)
	}
	defer dbx.Close()

	if err := migrations.Run(dbx); err != nil {
		log.Fatalf("error running migrations: %s", err)
	}

	repo := sqlite.New(dbx)

	var store ratelimit.Store = repo
	if cfg.RateLimitStore == "memory" {
		mem, err := ratelimit.NewMemoryStore(1024)
		if err != nil {
			log.Fatalf("error creating rate limit store: %s", err)
		}
		store = mem
	}

	var (
		classifier = tier.New(repo, tier.Config{
			TierAThreshold: cfg.TierAThreshold,
			TierBThreshold: cfg.TierBThreshold,
		})
		limiter = ratelimit.New(store, ratelimit.Config{
			Default:        ratelimit.Bucket{Capacity: cfg.RateLimitCapacity, Rate: cfg.RateLimitRate},
			AcquireTimeout: cfg.AcquireTimeout,
		})
		sched = scheduler.New(repo, repo, scheduler.Config{
			BacklogCeiling: cfg.BacklogCeiling,
			FailureCeiling: cfg.FailureCeiling,
			TierAInterval:  cfg.TierAInterval,
			TierBInterval:  cfg.TierBInterval,
		})
		crawlCfg = crawl.DefaultConfig()
	)
	crawlCfg.Workers = cfg.Workers
	crawlCfg.CallTimeout = cfg.CallTimeout

	var adapters []source.Adapter
	for name, baseURL := range cfg.HTTPSources {
		adapters = append(adapters, source.NewBreaker(source.NewHTTPAdapter(name, baseURL, cfg.CallTimeout), source.DefaultBreakerConfig()))
	}
	for _, name := range cfg.RSSSources {
		adapters = append(adapters, source.NewBreaker(source.NewRSSAdapter(name, cfg.CallTimeout), source.DefaultBreakerConfig()))
	}
	registry := source.NewRegistry(adapters...)
	slog.Info("configured sources", "sources", registry.Names())

	// Retry until temporal is ready
	var temporalCli client.Client
	if err := retry.Fibonacci(ctx, 1*time.Second, func(ctx context.Context) error {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalHostPort,
			Namespace: worker.Namespace,
			Logger:    slog.Default(),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		temporalCli = c

		return nil
	}); err != nil {
		log.Fatalln("Unable to create Temporal client:", err)
	}
	if err := worker.EnsureDefaultNamespace(ctx, temporalCli.WorkflowService()); err != nil {
		log.Fatalf("error ensuring namespace: %s", err)
	}

	// Start the application
	fx.New(
		fx.Supply(
			fx.Annotate(ctx, fx.As(new(context.Context))),
			fx.Annotate(temporalCli, fx.As(new(client.Client))),
			worker.Config{
				CrawlEvery:       cfg.CrawlEvery,
				GapAuditEvery:    cfg.GapAuditEvery,
				MaintenanceEvery: cfg.MaintenanceEvery,
			},
			crawlCfg,

			// Crawling
			fx.Annotate(repo, fx.As(new(queue.Consumer))),
			fx.Annotate(repo, fx.As(new(crawl.Repo))),
			fx.Annotate(registry, fx.As(new(crawl.Adapters))),
			fx.Annotate(limiter, fx.As(new(crawl.Limiter))),
			fx.Annotate(ingest.New(repo, classifier, ingest.DefaultConfig()), fx.As(new(crawl.Ingester))),

			// Periodic tasks
			fx.Annotate(sched, fx.As(new(worker.Scheduler))),
			fx.Annotate(gaps.New(repo, repo, cfg.FailureCeiling), fx.As(new(worker.GapAuditor))),
			fx.Annotate(classifier, fx.As(new(worker.Rebalancer))),
			fx.Annotate(progress.New(repo, classifier), fx.As(new(worker.CounterReconciler))),
		),
		crawl.Module,
		worker.Module,
	).Run()
}
