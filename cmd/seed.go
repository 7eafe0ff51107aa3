package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tradebot-core/internal/strategy"
)

var (
	seedUser string
	seedFile string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load strategies for a user from a YAML file",
	Long: `Seed upserts every strategy in the file for the given user. Entries that
fail validation are reported; the valid ones are still stored.

Example:
  tradebot seed --user alice --file strategies.yaml`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringVarP(&seedUser, "user", "u", "", "user id (required)")
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "strategy YAML file (default STRATEGIES_FILE)")
	seedCmd.MarkFlagRequired("user")
}

func runSeed(cmd *cobra.Command, args []string) error {
	path := seedFile
	if path == "" {
		path = cfg.StrategiesFile
	}
	configs, err := strategy.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stored, err := strategy.SyncConfig(ctx, a.Strategies, seedUser, configs)
	log.WithFields(logrus.Fields{"user_id": seedUser, "file": path, "stored": stored, "total": len(configs)}).Info("strategies seeded")
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d of %d strategies for %s\n", stored, len(configs), seedUser)
	return err
}
