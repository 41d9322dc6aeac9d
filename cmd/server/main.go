package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/beechat/internal/history"
	"github.com/Tyrowin/beechat/internal/server"
	"github.com/Tyrowin/beechat/internal/storage"
	"github.com/Tyrowin/beechat/internal/transfer"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
)

var (
	flagPort     string
	flagEnvFile  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:          "beechat",
	Short:        "Real-time chat relay with chunked image transfer",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagPort, "port", "", "listen address, overrides SERVER_PORT")
	rootCmd.Flags().StringVar(&flagEnvFile, "env-file", "", "dotenv file to load before reading the environment")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level, overrides LOG_LEVEL")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies the environment and flags. It also returns the allowed
// origins that were ignored as invalid.
func loadConfig() (*server.Config, []string, error) {
	var files []string
	if flagEnvFile != "" {
		files = append(files, flagEnvFile)
	}
	if err := server.LoadDotEnv(files...); err != nil {
		return nil, nil, err
	}

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	rejected := server.SetConfig(cfg)
	applied := server.CurrentConfig()
	return &applied, rejected, nil
}

func completionPolicy(strict bool) transfer.Policy {
	if strict {
		return transfer.Strict
	}
	return transfer.GapFill
}

func newAssembler(log *slog.Logger, cfg server.TransferConfig) *transfer.Assembler {
	return transfer.NewAssembler(log,
		transfer.WithPolicy(completionPolicy(cfg.StrictCompletion)),
		transfer.WithMaxChunks(cfg.MaxChunks))
}

// run owns every resource so deferred cleanup executes before main exits.
func run(parent context.Context) error {
	cfg, rejected, err := loadConfig()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	for _, origin := range rejected {
		log.Warn("Ignoring invalid origin in configuration", "origin", origin)
	}

	store, err := storage.Open(cfg.Store.Driver, cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("history store opening failed: %w", err)
	}
	svc := history.NewService(log, store, cfg.History.Limit, cfg.History.FallbackLimit, cfg.Store.Timeout)
	defer func() {
		log.Info("Closing history store...", "driver", cfg.Store.Driver)
		if err := svc.Close(); err != nil {
			log.Error("Error closing history store", "error", err)
		}
	}()

	assembler := newAssembler(log, cfg.Transfer)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitor := transfer.NewJanitor(log, assembler, cfg.Transfer.JanitorInterval, cfg.Transfer.MaxAge)
	janitor.Start(ctx)
	defer janitor.Wait()

	hub := server.NewHub(log, assembler, svc)
	server.StartHub(hub)

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))
	listener, err := server.Listen(httpServer)
	if err != nil {
		stop()
		_ = hub.Shutdown(cfg.ShutdownTimeout)
		return fmt.Errorf("failed to listen on %s: %w", cfg.Port, err)
	}

	log.Info("Starting BeeChat server",
		"port", cfg.Port, "store", cfg.Store.Driver, "completion", completionPolicy(cfg.Transfer.StrictCompletion).String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.StartServer(log, httpServer, listener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case serveErr = <-errChan:
		if serveErr != nil {
			log.Error("HTTP server error", "error", serveErr)
		}
	}
	stop()

	if err := server.ShutdownServer(log, httpServer, cfg.ShutdownTimeout); err != nil {
		log.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("Hub did not shut down cleanly", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("http server error: %w", serveErr)
	}
	log.Info("Program stopped cleanly")
	return nil
}
