package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koopa0/medrag/api"
	"github.com/koopa0/medrag/internal/config"
	"github.com/koopa0/medrag/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RAG HTTP server",
	Long: `Start the HTTP server exposing answer generation, document ingestion
and provider health. The server runs migrations at startup and shuts down
gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{JSON: true})
	logger.Info("configuration loaded", "config", cfg)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := api.NewServer(api.ServerConfig{
		Service:   a.Pipeline,
		Pool:      a.Pool,
		Providers: a.Orchestrator,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx, cfg.ServerAddr, logger)
}
