package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kanaya23/ShoppingAssistant/internal/completion"
	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/health"
	"github.com/kanaya23/ShoppingAssistant/internal/orchestrator"
	"github.com/kanaya23/ShoppingAssistant/internal/search"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tokens"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
	"github.com/kanaya23/ShoppingAssistant/internal/ws"
)

type serveOptions struct {
	root     *rootOptions
	host     string
	port     int
	strategy string
	provider string
}

func (o *serveOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.host, "host", "", "Override listen host")
	f.IntVar(&o.port, "port", 0, "Override server port")
	f.StringVar(&o.strategy, "strategy", "", "Turn strategy (server, driver)")
	f.StringVar(&o.provider, "provider", "", "Completion provider (gemini, openai)")
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{root: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

// loadConfig reads the config file, then applies environment variables and
// command-line flags on top.
func loadConfig(cmd *cobra.Command, root *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(root.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	v := viper.New()
	if err := config.BindEnv(v); err != nil {
		return nil, err
	}
	for key, flag := range map[string]string{
		"server.host":           "host",
		"server.port":           "port",
		"orchestrator.strategy": "strategy",
		"completion.provider":   "provider",
		"log.level":             "log-level",
		"log.format":            "log-format",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding --%s: %w", flag, err)
			}
		}
	}
	if err := cfg.Overlay(v); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		h = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(h)
}

func (o *serveOptions) run(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd, o.root)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := session.NewStore()
	tracker := health.NewTracker(cfg.Health.FailureThreshold)
	broadcaster := ws.NewBroadcaster(store, cfg.Transport, logger)
	correlator := correlate.New(broadcaster, logger)
	broadcaster.OnDriverLost(func(connID string) {
		if n := correlator.FailDriver(connID, correlate.ErrDriverLost); n > 0 {
			logger.Warn("failed pending requests of lost driver", "conn", connID, "count", n)
		}
	})

	registry := tools.NewRegistry()
	registry.Register(tools.SerperSearch, search.NewClient(cfg.Search, logger).Handle)

	var provider completion.Provider
	if cfg.Orchestrator.Strategy == config.StrategyServer {
		provider, err = completion.New(cfg.Completion, logger)
		if err != nil {
			return err
		}
		if cfg.Completion.APIKey == "" {
			logger.Warn("no completion API key configured; turns will fail until one is set",
				"provider", provider.Name())
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Notifier:   broadcaster,
		Correlator: correlator,
		Provider:   provider,
		Tools:      registry,
		Health:     tracker,
		Config:     cfg.Orchestrator,
		Logger:     logger,
	})

	srv, err := ws.NewServer(ctx, ws.Deps{
		Config:      cfg,
		Store:       store,
		Broadcaster: broadcaster,
		Relay:       ws.NewRelay(store, correlator, broadcaster, logger),
		Correlator:  correlator,
		Turns:       orch,
		Health:      tracker,
		Sampler:     health.NewSampler(),
		Tokens:      tokens.New(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.Address(),
			"strategy", cfg.Orchestrator.Strategy,
			"provider", cfg.Completion.Provider,
			"local_tools", registry.Local(),
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// In-flight turns see ErrShutdown and finalize.
	correlator.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := srv.Wait(shutdownCtx); err != nil {
		logger.Warn("turns still running at shutdown", "busy_sessions", store.BusyCount())
	}
	broadcaster.Stop()
	return nil
}
