package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kanaya23/ShoppingAssistant/internal/mock"
)

func newMockDriverCmd(root *rootOptions) *cobra.Command {
	var (
		url  string
		tab  string
		step time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock-driver",
		Short: "Connect a scripted driver that answers with canned Shopee data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if url == "" {
				url = fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port)
			}
			logger := newLogger(cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting mock driver", "url", url)
			return mock.NewDriver(mock.Options{
				URL:     url,
				TabHint: tab,
				Step:    step,
				Logger:  logger,
			}).Run(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", "", "Server WebSocket URL (default ws://localhost:<port>/ws)")
	f.StringVar(&tab, "tab", "mock", "Tab hint reported at registration")
	f.DurationVar(&step, "step", 300*time.Millisecond, "Pause between scripted events")
	return cmd
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}
}
