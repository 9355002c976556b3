package cmds

import (
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/server"
	"github.com/go-go-golems/marionette/pkg/store"
)

// NewServeCmd runs the HTTP server with the built-in echo responder. Real
// deployments embed pkg/server and bring their own Responder; this command
// exists to exercise the full stack end to end.
func NewServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		storageDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming engine with the demo echo responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if storageDir != "" {
				cfg.Storage.Path = storageDir
			}

			st, err := openStore(cfg.Storage)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					log.Warn().Err(err).Msg("store close failed")
				}
			}()

			srv, err := server.NewServer(server.Options{
				Addr:        cfg.Addr,
				Store:       st,
				Responder:   &echoResponder{ids: st},
				AllowCancel: cfg.AllowCancel,
				Registry:    prometheus.NewRegistry(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&storageDir, "db", "", "sqlite database path (overrides config)")
	return cmd
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		dsn, err := store.SQLiteDSNForFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
