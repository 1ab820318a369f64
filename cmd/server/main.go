package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := &serveOptions{root: opts}

	rootCmd := &cobra.Command{
		Use:           "shopping-assistant",
		Short:         "Shopping assistant relay server",
		Long:          "Relays a shopping conversation between browser observers, a completion backend and a browser-extension driver that scrapes Shopee.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve.run(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	serve.addFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMockDriverCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}
