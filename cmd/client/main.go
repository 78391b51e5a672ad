package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omochice/multichat/internal/client"
	"github.com/omochice/multichat/internal/config"
	"github.com/omochice/multichat/internal/metrics"
	"github.com/omochice/multichat/internal/prefs"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func main() {
	opts := &rootOptions{v: config.New()}

	rootCmd := &cobra.Command{
		Use:   "multichat",
		Short: "Chat on several IRC-style servers at once",
		Long: `multichat keeps sessions to several chat servers open at the same time.

Messages from every server are collected into one list of chats. Type
/help at the prompt for the available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringP("nick", "n", "", "Default nickname")
	flags.String("storage", "", "Directory of the preference database (empty keeps it in memory)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	for key, flag := range map[string]string{
		"identity.nick":  "nick",
		"storage.path":   "storage",
		"logging.level":  "log-level",
		"logging.format": "log-format",
		"metrics.addr":   "metrics-addr",
	} {
		if err := opts.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(prefsCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// load reads the configuration and installs the default logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.v, o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runClient(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer stopMetrics()
	}

	store, err := prefs.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	sh := newShell(os.Stdin, os.Stdout)
	c := client.New(client.ConfigFrom(cfg), client.Options{
		Observer: sh,
		Prefs:    store,
		Logger:   logger,
		Metrics:  m,
	})
	sh.client = c

	if err := c.Restore(ctx); err != nil {
		logger.Warn("Some saved servers could not be restored", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sync scheduler stopped", "error", err)
		}
	}()

	sh.run(runCtx)
	cancel()
	return c.Close()
}

// serveMetrics exposes reg on addr/metrics and returns a shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
