package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tradebot-core/internal/app"
	"tradebot-core/pkg/config"
	"tradebot-core/pkg/logging"
)

var (
	cfg *config.Config
	log *logrus.Logger

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tradebot",
	Short: "Multi-user automated spot trading core",
	Long: `tradebot runs configured strategies for each user on a schedule, places
paper or real market orders, enforces per-position stop-loss/take-profit and a
daily-loss circuit breaker, and serves the dashboard API.

Configuration is read from the environment (and .env when present).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		cfg = c
		log = logging.New(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

// buildApp wires the core from the loaded configuration.
func buildApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return a, nil
}
