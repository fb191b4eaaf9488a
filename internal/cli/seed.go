package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wellspend/afeguard/pkg/model"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load rules and envelopes from a YAML fixture",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringP("file", "f", "", "Fixture file")
	_ = seedCmd.MarkFlagRequired("file")
}

// seedFixture is the YAML shape accepted by the seed command.
type seedFixture struct {
	Rules []struct {
		ID         string   `yaml:"id"`
		Owner      string   `yaml:"owner"`
		Name       string   `yaml:"name"`
		Type       string   `yaml:"type"`
		Threshold  float64  `yaml:"threshold"`
		Recipients []string `yaml:"recipients"`
		Active     *bool    `yaml:"active"`
	} `yaml:"rules"`
	Envelopes []struct {
		ID     string  `yaml:"id"`
		Owner  string  `yaml:"owner"`
		Number string  `yaml:"number"`
		Name   string  `yaml:"name"`
		Budget float64 `yaml:"budget"`
		Spent  float64 `yaml:"spent"`
		Status string  `yaml:"status"`
	} `yaml:"envelopes"`
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}

	var fixture seedFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	store, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	for _, r := range fixture.Rules {
		active := true
		if r.Active != nil {
			active = *r.Active
		}
		rule := &model.AlertRule{
			ID:             r.ID,
			OwnerID:        r.Owner,
			Name:           r.Name,
			Type:           model.AlertType(r.Type),
			ThresholdValue: r.Threshold,
			Recipients:     r.Recipients,
			IsActive:       active,
		}
		if err := store.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}

	for _, e := range fixture.Envelopes {
		env := &model.BudgetEnvelope{
			ID:           e.ID,
			OwnerID:      e.Owner,
			Number:       e.Number,
			Name:         e.Name,
			BudgetAmount: e.Budget,
			SpentAmount:  e.Spent,
			Status:       e.Status,
		}
		if err := store.SaveEnvelope(ctx, env); err != nil {
			return fmt.Errorf("seed envelope %q: %w", e.Number, err)
		}
	}

	fmt.Printf("Seeded %d rules and %d envelopes.\n", len(fixture.Rules), len(fixture.Envelopes))
	return nil
}
