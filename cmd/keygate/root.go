package main

import (
	"log/slog"

	"keygate/internal/config"
	"keygate/internal/logger"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "keygate",
		Short: "API key gateway with per-key quotas",
		Long: `keygate issues API keys, enforces a windowed request quota per key on
every gated request, records usage and proxies admitted requests to the
configured upstream services.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "config file path")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newKeysCmd(opts))
	return cmd
}

// loadConfig loads the configuration and builds the logger, reporting any
// default-value warnings through it.
func (o *rootOptions) loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, warning, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}
	return cfg, log, nil
}
