// Command outbox queues sync actions on a device and replays them against
// the API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/jdholdren/chapterhouse/internal/logger"
	"github.com/jdholdren/chapterhouse/internal/outbox"
)

type config struct {
	Path     string        `env:"CHAPTERHOUSE_OUTBOX"`
	Server   string        `env:"CHAPTERHOUSE_SERVER, default=http://localhost:4444"`
	Session  string        `env:"CHAPTERHOUSE_SESSION"`
	DeviceID string        `env:"CHAPTERHOUSE_DEVICE_ID"`
	Timeout  time.Duration `env:"CHAPTERHOUSE_TIMEOUT, default=10s"`

	LogLevel slog.Level `env:"LOG_LEVEL, default=warn"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing config: %s\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger.New(os.Stderr, "text", cfg.LogLevel))

	if err := rootCmd(&cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:           "outbox",
		Short:         "Queue and replay offline sync actions",
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Path, "db", cfg.Path, "path to the outbox file (default ~/.chapterhouse/outbox.db)")
	flags.StringVar(&cfg.Server, "server", cfg.Server, "chapterhouse API base URL")
	flags.StringVar(&cfg.Session, "session", cfg.Session, "session cookie value")
	flags.StringVar(&cfg.DeviceID, "device", cfg.DeviceID, "id of this device (default the hostname)")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "timeout of each API call")

	root.AddCommand(enqueueCmd(cfg), listCmd(cfg), drainCmd(cfg))
	return root
}

func enqueueCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue TYPE PAYLOAD",
		Short: "Queue an action, e.g. enqueue CHAPTER_READ '{\"series_id\": \"...\", \"chapter_number\": 3, \"is_read\": true}'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cfg, func(r *outbox.Reconciler) error {
				a, err := r.Enqueue(cmd.Context(), outbox.ActionType(strings.ToUpper(args[0])), json.RawMessage(args[1]))
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), a.ID)
				return nil
			})
		},
	}
}

func listCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print queued actions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cfg, func(r *outbox.Reconciler) error {
				actions, err := r.Pending()
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, a := range actions {
					if err := enc.Encode(a); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func drainCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued actions against the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Session == "" {
				return fmt.Errorf("a session is required to drain")
			}

			return withReconciler(cfg, func(r *outbox.Reconciler) error {
				res, err := r.Drain(cmd.Context())
				if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(res); encErr != nil {
					return encErr
				}
				return err
			})
		},
	}
}

func withReconciler(cfg *config, fn func(*outbox.Reconciler) error) error {
	path := cfg.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error finding home directory: %w", err)
		}
		path = filepath.Join(home, ".chapterhouse", "outbox.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("error creating outbox directory: %w", err)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, _ = os.Hostname()
	}

	store, err := outbox.OpenBoltStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	r := outbox.NewReconciler(
		store,
		outbox.NewHTTPTransport(cfg.Server, cfg.Session, cfg.Timeout),
		outbox.Config{DeviceID: deviceID},
	)
	return fn(r)
}
