package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var runOnceUser string

var runOnceCmd = &cobra.Command{
	Use:     "run-once",
	Short:   "Run a single strategy cycle for one user and print the report",
	Example: `  tradebot run-once --user alice`,
	RunE:    runOnce,
}

func init() {
	rootCmd.AddCommand(runOnceCmd)

	runOnceCmd.Flags().StringVarP(&runOnceUser, "user", "u", "", "user id (required)")
	runOnceCmd.MarkFlagRequired("user")
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.LoadUser(ctx, runOnceUser); err != nil {
		return err
	}
	report, err := a.Bots.GetOrCreate(runOnceUser).RunCycle(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
