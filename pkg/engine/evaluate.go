package engine

import (
	"fmt"

	"github.com/wellspend/afeguard/pkg/model"
)

// Evaluation is the outcome of checking one rule against one envelope.
type Evaluation struct {
	ShouldAlert bool
	Severity    model.Severity
	Message     string
	Utilization float64
	Remaining   float64
}

// Evaluate checks whether a rule's threshold is crossed by an envelope.
// Pure: no I/O, no clock, identical inputs give identical outputs.
//
// A percentage rule against a zero-budget envelope never alerts; utilization
// is reported as 0 rather than dividing by zero. A threshold rule is
// unaffected by a zero budget (remaining is simply -spent).
func Evaluate(rule model.AlertRule, env model.BudgetEnvelope) Evaluation {
	ev := Evaluation{
		Utilization: env.Utilization(),
		Remaining:   env.Remaining(),
	}

	switch rule.Type {
	case model.TypePercentage:
		if env.BudgetAmount <= 0 || ev.Utilization < rule.ThresholdValue {
			return ev
		}
		ev.ShouldAlert = true
		ev.Severity = model.SeverityWarning
		if ev.Utilization >= 95 {
			ev.Severity = model.SeverityCritical
		}
		ev.Message = fmt.Sprintf("AFE %s is at %.1f%% of budget ($%.2f of $%.2f spent)",
			env.Number, ev.Utilization, env.SpentAmount, env.BudgetAmount)

	case model.TypeThreshold:
		if ev.Remaining > rule.ThresholdValue {
			return ev
		}
		ev.ShouldAlert = true
		ev.Severity = model.SeverityWarning
		if ev.Remaining <= 0 {
			ev.Severity = model.SeverityCritical
		}
		ev.Message = fmt.Sprintf("AFE %s has $%.2f remaining of $%.2f budget",
			env.Number, ev.Remaining, env.BudgetAmount)
	}

	return ev
}
