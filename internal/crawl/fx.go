package crawl

import (
	"context"
	"errors"
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module("crawl",
	fx.Provide(New),
	fx.Invoke(start),
)

// start runs the pool for as long as the app is up and waits for in-flight
// jobs on stop.
func start(lc fx.Lifecycle, p *Pool) {
	var (
		ctx, cancel = context.WithCancel(context.Background())
		done        = make(chan struct{})
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("crawl pool stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
