// Command codey-mock-server serves scripted codey sessions over WebSocket
// for local development and end-to-end tests of the client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/mockserver"
	"github.com/tcdent/codey/internal/tracing"
)

var (
	listenAddr    string
	scenariosPath string
	stepDelay     time.Duration
	rejectMessage string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "codey-mock-server",
	Short: "Scripted codey-server for development and tests",
	Long: `codey-mock-server accepts codey client sessions and answers each message
with a scripted scenario. The message text names the scenario; anything else
is echoed back.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.NewLogger(logger.LoggingConfig{
			Level:      logLevel,
			Format:     logger.DetectFormat(),
			OutputPath: "stderr",
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		tracing.SetServiceName("codey-mock-server")
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(ctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}()

		cfg := mockserver.Config{StepDelay: stepDelay, RejectMessage: rejectMessage, Logger: log}
		if scenariosPath != "" {
			scenarios, err := mockserver.LoadScenarios(scenariosPath)
			if err != nil {
				return err
			}
			cfg.Scenarios = scenarios
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, listenAddr, mockserver.New(cfg), log)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:9999", "Address to listen on")
	flags.StringVar(&scenariosPath, "scenarios", "", "YAML file or directory of additional scenarios")
	flags.DurationVar(&stepDelay, "step-delay", 50*time.Millisecond, "Pause between scenario steps")
	flags.StringVar(&rejectMessage, "reject", "", "Refuse every session with this fatal error")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// serve runs srv on addr until ctx is cancelled.
func serve(ctx context.Context, addr string, srv *mockserver.Server, log *logger.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	log.Info("mock server listening",
		zap.String("url", "ws://"+ln.Addr().String()),
		zap.String("scenarios", strings.Join(srv.ScenarioNames(), ",")))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down mock server")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
