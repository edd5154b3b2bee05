package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/samiralibabic/merlind/internal/server"
)

var (
	serveStdio bool
	serveHTTP  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-RPC on stdio or HTTP/WebSocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("stdio") {
			cfg.Server.Stdio = serveStdio
		}
		if serveHTTP != "" {
			cfg.Server.HTTPListen = serveHTTP
			if !cmd.Flags().Changed("stdio") {
				cfg.Server.Stdio = false
			}
		}
		log := newLogger(cfg.Server.LogLevel)

		svc, err := server.NewService(cfg, nil, log)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := svc.Close(shutdownCtx); err != nil {
				log.Warn("shutdown", "err", err)
			}
		}()

		if cfg.Server.Stdio {
			log.Info("serving stdio", "engine", cfg.Engine.Binary)
			return server.RunStdio(ctx, svc, os.Stdin, os.Stdout)
		}
		if cfg.Server.HTTPListen == "" {
			return errors.New("either --stdio or --http must be configured")
		}
		log.Info("serving http", "addr", cfg.Server.HTTPListen, "engine", cfg.Engine.Binary)
		return server.RunHTTP(ctx, cfg, svc)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve newline-delimited JSON-RPC on stdin/stdout")
	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "listen address for the HTTP and WebSocket transports")
}
