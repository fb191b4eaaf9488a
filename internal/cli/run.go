package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wellspend/afeguard/pkg/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate all active alert rules once",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("batch-size", 0, "Rules per batch (overrides config)")
	runCmd.Flags().Int("concurrency", 0, "Concurrent notification sends (overrides config)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		cfg.Engine.BatchSize = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		cfg.Engine.NotifyConcurrency = v
	}

	eng, store, err := initEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m := eng.Run(cmd.Context())
	printMetrics(m)
	return nil
}

func printMetrics(m engine.Metrics) {
	fmt.Printf("Run complete in %s\n", m.Duration.Round(0))
	fmt.Printf("  Rules checked:     %d\n", m.RulesChecked)
	fmt.Printf("  Alerts triggered:  %d\n", m.AlertsTriggered)
	fmt.Printf("  Emails sent:       %d\n", m.EmailsSent)
	fmt.Printf("  Emails failed:     %d\n", m.EmailsFailed)
	fmt.Printf("  Errors:            %d\n", m.Errors)
	fmt.Printf("  Batches processed: %d\n", m.BatchesProcessed)
}
