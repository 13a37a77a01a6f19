// Command canvasd runs the real-time collaborative canvas backend: the
// websocket Transport, the HTTP collaborator surface, and the
// migrate/cleanup/setup maintenance subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"canvasd.io/canvasd/canvas/canvasdb"
	"canvasd.io/canvasd/canvas/config"
	"canvasd.io/canvasd/canvas/lifecycle"
	"canvasd.io/canvasd/canvas/media"
	"canvasd.io/canvasd/canvas/metrics"
	"canvasd.io/canvasd/canvas/presence"
	"canvasd.io/canvasd/canvas/server"
	"canvasd.io/canvasd/canvas/store"
	"canvasd.io/canvasd/canvas/transport"
)

func main() {
	v := viper.New()
	root := &cobra.Command{Use: "canvasd", Short: "Real-time collaborative canvas backend"}
	config.Bind(root, v)

	root.AddCommand(runCmd(v), migrateCmd(v), cleanupCmd(v), setupCmd(v))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return canvasdb.OpenPostgres(cfg.DBDSN)
	default:
		return canvasdb.OpenSQLite(cfg.DBDSN)
	}
}

func runCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the websocket transport and HTTP collaborator surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}

			var presenceBus presence.Bus = presence.NoopBus{}
			if cfg.RedisAddr != "" {
				presenceBus = presence.NewRedisBus(cfg.RedisAddr, 30*time.Second)
			}

			blobs := media.NewDiskBlobs(cfg.BlobsDir, cfg.BlobsBaseURL)
			mediaRegistry := media.New(log, st, blobs, nil, nil)

			reg := prometheus.NewRegistry()
			srv := server.New(server.Config{
				Log:        log,
				Store:      st,
				Media:      mediaRegistry,
				Metrics:    metrics.New(reg),
				Presence:   presenceBus,
				InstanceID: cfg.InstanceID,
			})

			tr := transport.New(log, srv)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			group := lifecycle.NewGroup(log)
			httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.HTTP()}
			wsServer := &http.Server{Addr: cfg.WebsocketAddr, Handler: tr}

			group.Add(lifecycle.Item{
				Name: "http",
				Run: func(ctx context.Context) error {
					log.Info("http collaborator surface listening", zap.String("addr", cfg.HTTPAddr))
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				},
				Close: func() error { return httpServer.Close() },
			})
			group.Add(lifecycle.Item{
				Name: "websocket",
				Run: func(ctx context.Context) error {
					log.Info("websocket transport listening", zap.String("addr", cfg.WebsocketAddr))
					if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				},
				Close: func() error { return wsServer.Close() },
			})
			group.Add(lifecycle.Item{
				Name:  "store",
				Close: st.Close,
			})
			group.Add(lifecycle.Item{Name: "presence", Close: presenceBus.Close})

			g, gctx := errgroup.WithContext(ctx)
			group.Run(gctx, g)
			runErr := g.Wait()
			if closeErr := group.Close(); closeErr != nil {
				log.Error("error during shutdown", zap.Error(closeErr))
			}
			return runErr
		},
	}
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			// OpenSQLite/OpenPostgres already run pending migrations on
			// open; this subcommand exists as an explicit operator action
			// separate from "run", matching the spec's `migrate` CLI entry.
			return st.Close()
		},
	}
}

func cleanupCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run the orphan-file sweep once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			orphans, err := st.CleanupOrphanFiles(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("cleanup complete", zap.Int("removed", len(orphans)))
			return nil
		},
	}
}

func setupCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Write a config file with the current flag/env values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			v.Set("http-addr", cfg.HTTPAddr)
			return v.SafeWriteConfig()
		},
	}
}
