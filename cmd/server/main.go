package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleychat/parley-server/internal/app"
	"github.com/parleychat/parley-server/internal/config"
	"github.com/parleychat/parley-server/internal/log"
)

var (
	flagConfig string
	flagAddr   string
	flagDB     string
)

func main() {
	root := &cobra.Command{
		Use:   "parley-server",
		Short: "Real-time group and private chat server",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (overrides config)")
	serve.Flags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	bootLogger := log.New("info")

	cfg, configPath, err := config.Load(bootLogger, flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", configPath).Str("addr", cfg.Addr).Msg("starting parley server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	if err := application.Run(ctx); err != nil && !isContextErr(err) {
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
