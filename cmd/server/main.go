package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/multichat/internal/config"
	"github.com/omochice/multichat/internal/server"
)

func main() {
	var (
		addr    string
		name    string
		logging config.LoggingConfig
	)

	rootCmd := &cobra.Command{
		Use:   "multichat-server",
		Short: "Local relay for developing and testing multichat",
		Long: `multichat-server is a small IRC-style relay.

It accepts raw TCP and WebSocket connections on the same port and
understands the subset of commands the client speaks: NICK, USER,
JOIN, PART, PRIVMSG, KICK, PING and QUIT.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(os.Stderr)
			slog.SetDefault(logger)

			srv := server.New(addr, server.Options{Name: name, Logger: logger})
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("Relay listening", "addr", srv.Addr(), "transports", "tcp,websocket")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			sig := <-sigChan
			logger.Info("Shutting down", "signal", sig.String())
			srv.Stop()
			logger.Info("Relay stopped")
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&addr, "addr", "a", ":6667", "Address to listen on for TCP and WebSocket clients")
	rootCmd.Flags().StringVar(&name, "name", server.DefaultName, "Server name used in replies")
	rootCmd.Flags().StringVar(&logging.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logging.Format, "log-format", "text", "Log format (text, json)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
