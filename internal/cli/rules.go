package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wellspend/afeguard/pkg/model"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect alert rules and envelope status",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all alert rules",
	RunE:  runRulesList,
}

var rulesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show envelope utilization",
	RunE:  runRulesStatus,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesStatusCmd)
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rules, err := store.ListRules(cmd.Context())
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	if len(rules) == 0 {
		fmt.Println("No alert rules configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tOWNER\tTYPE\tTHRESHOLD\tACTIVE\tLAST TRIGGERED\tRECIPIENTS")
	for _, r := range rules {
		threshold := fmt.Sprintf("$%.2f", r.ThresholdValue)
		if r.Type == model.TypePercentage {
			threshold = fmt.Sprintf("%.0f%%", r.ThresholdValue)
		}
		lastTriggered := "never"
		if r.LastTriggeredAt != nil {
			lastTriggered = r.LastTriggeredAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			r.Name, r.OwnerID, r.Type, threshold, r.IsActive,
			lastTriggered, strings.Join(r.Recipients, ","))
	}
	return w.Flush()
}

func runRulesStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	envelopes, err := store.ListEnvelopes(cmd.Context())
	if err != nil {
		return fmt.Errorf("list envelopes: %w", err)
	}

	if len(envelopes) == 0 {
		fmt.Println("No envelopes found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AFE\tOWNER\tBUDGET\tSPENT\tREMAINING\tUTILIZATION\tSTATUS")
	for _, e := range envelopes {
		fmt.Fprintf(w, "%s\t%s\t$%.2f\t$%.2f\t$%.2f\t%.1f%%\t%s\n",
			e.Number, e.OwnerID, e.BudgetAmount, e.SpentAmount,
			e.Remaining(), e.Utilization(), e.Status)
	}
	return w.Flush()
}
