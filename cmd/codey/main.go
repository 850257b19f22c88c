// Command codey is a terminal client for codey-server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/config"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/events"
	"github.com/tcdent/codey/internal/tracing"
	"github.com/tcdent/codey/internal/transcript"
	"github.com/tcdent/codey/pkg/client"
)

var (
	configDir string
	v         = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "codey",
	Short: "Terminal client for codey-server",
	Long: `codey connects to a running codey-server over WebSocket, sends your
messages to the agent and streams its answer back. Tool calls the agent wants
to run are approved or denied before they execute.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configDir, "config", "", "Directory containing codey.yaml")
	flags.String("url", "", "codey-server WebSocket URL")
	flags.Bool("auto-approve", false, "Approve every tool call without asking")
	flags.Bool("transcript", false, "Record turns to the local transcript database")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")

	_ = v.BindPFlag("server.url", flags.Lookup("url"))
	_ = v.BindPFlag("session.autoApprove", flags.Lookup("auto-approve"))
	_ = v.BindPFlag("transcript.enabled", flags.Lookup("transcript"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))

	// Log lines would interleave with the conversation on the terminal.
	v.SetDefault("logging.level", "warn")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *transcript.Store
	cleanups []func() error
}

func newApp(vp *viper.Viper) (*app, error) {
	cfg, err := config.Unmarshal(vp, configDir)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

// openStore opens the transcript database once.
func (a *app) openStore() (*transcript.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := transcript.Open(a.cfg.Transcript.Path)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.cleanups = append(a.cleanups, store.Close)
	a.log.Debug("transcript opened", zap.String("path", a.cfg.Transcript.Path))
	return store, nil
}

// clientOptions turns the configuration into client options. Turns are
// recorded when the transcript is enabled and mirrored when NATS is
// configured.
func (a *app) clientOptions(extra ...client.Option) ([]client.Option, error) {
	opts := []client.Option{
		client.WithURL(a.cfg.Server.URL),
		client.WithHandshakeTimeout(a.cfg.Server.HandshakeTimeout),
		client.WithPingInterval(a.cfg.Session.PingInterval),
		client.WithAutoApprove(a.cfg.Session.AutoApprove),
		client.WithLogger(a.log),
	}

	if a.cfg.Transcript.Enabled {
		store, err := a.openStore()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithObserver(transcript.NewRecorder(store, a.log)))
	}

	if a.cfg.NATS.URL != "" {
		backend, err := events.Open(a.cfg.NATS, a.log)
		if err != nil {
			return nil, err
		}
		a.cleanups = append(a.cleanups, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return backend.Close(ctx)
		})
		opts = append(opts, client.WithObserver(events.NewMirror(backend.Bus, a.cfg.NATS.SubjectPrefix, a.log)))
	}

	return append(opts, extra...), nil
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			a.log.Warn("cleanup failed", zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Warn("failed to flush traces", zap.Error(err))
	}
	_ = a.log.Sync()
}
