// Package api is the HTTP surface of the synchronization core. Clients post
// reading progress and replay their outboxes here; operators read dead
// letters and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"go.uber.org/fx"
)

var Module = fx.Module("api",
	fx.Provide(
		NewServer,
	),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("api server stopped", "err", err)
				}
			}()

			slog.Info("started api server", "addr", s.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(ctx)
		},
	})
}
