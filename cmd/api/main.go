package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/fx"

	"github.com/jdholdren/chapterhouse/internal/api"
	"github.com/jdholdren/chapterhouse/internal/library"
	"github.com/jdholdren/chapterhouse/internal/logger"
	"github.com/jdholdren/chapterhouse/internal/migrations"
	"github.com/jdholdren/chapterhouse/internal/progress"
	"github.com/jdholdren/chapterhouse/internal/sqlite"
	"github.com/jdholdren/chapterhouse/internal/tier"
)

type config struct {
	Database string `env:"DATABASE, required"`

	Port           int    `env:"PORT, default=4444"`
	HTTPSCookies   bool   `env:"HTTPS_COOKIES, default=false"`
	CookieHashKey  string `env:"COOKIE_HASH_KEY, required"`
	CookieBlockKey string `env:"COOKIE_BLOCK_KEY"`
	CorsHeader     string `env:"CORS_HEADER, default=http://localhost:3000"`
	DebugEndpoints bool   `env:"DEBUG_ENDPOINTS, default=false"`

	TierAThreshold float64 `env:"TIER_A_THRESHOLD, default=20"`
	TierBThreshold float64 `env:"TIER_B_THRESHOLD, default=3"`

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

	// Run all migrations
	if err := migrations.Run(dbx); err != nil {
		log.Fatalf("error running migrations: %s", err)
	}

	var (
		repo       = sqlite.New(dbx)
		classifier = tier.New(repo, tier.Config{
			TierAThreshold: cfg.TierAThreshold,
			TierBThreshold: cfg.TierBThreshold,
		})
	)

	// Start the application
	fx.New(
		fx.Supply(
			api.ServerConfig{
				Port:           cfg.Port,
				CookieHashKey:  []byte(cfg.CookieHashKey),
				CookieBlockKey: []byte(cfg.CookieBlockKey),
				HttpsCookies:   cfg.HTTPSCookies,
				CorsHeader:     cfg.CorsHeader,
				DebugEndpoints: cfg.DebugEndpoints,
			},
			fx.Annotate(progress.New(repo, classifier), fx.As(new(api.Progress))),
			fx.Annotate(library.New(repo, classifier), fx.As(new(api.Library))),
			fx.Annotate(repo, fx.As(new(api.DeadLetters))),
		),
		api.Module,
	).Run()
}
