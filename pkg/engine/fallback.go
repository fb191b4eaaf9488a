package engine

import (
	"context"
	"fmt"

	"github.com/wellspend/afeguard/pkg/model"
	"github.com/wellspend/afeguard/pkg/notify"
)

// processBatchDegraded re-processes a failed batch one rule at a time with
// individual queries. A failing rule is recorded and skipped; it cannot take
// the rest of the batch down with it.
func (e *Engine) processBatchDegraded(ctx context.Context, batch []model.AlertRule, batchID string, m *Metrics) {
	for _, rule := range batch {
		m.RulesChecked++
		if err := e.processRule(ctx, rule, batchID, m); err != nil {
			e.logger.Error("rule failed in degraded mode",
				"batch_id", batchID,
				"rule_id", rule.ID,
				"error", err,
			)
			m.Errors++
			e.recordError(ctx, batchID, rule.ID, "rule", err)
		}
	}
}

// processRule is the safe per-rule path: one envelope query, one dedup query
// per candidate alert, one insert per fire, synchronous sends, one rule update.
func (e *Engine) processRule(ctx context.Context, rule model.AlertRule, batchID string, m *Metrics) error {
	envelopes, err := e.store.ListActiveEnvelopesByOwner(ctx, rule.OwnerID)
	if err != nil {
		return fmt.Errorf("load envelopes for owner %s: %w", rule.OwnerID, err)
	}

	now := e.opts.Now().UTC()
	since := now.Add(-e.opts.DedupWindow)
	triggered := false

	for _, env := range envelopes {
		ev := Evaluate(rule, env)
		if !ev.ShouldAlert {
			continue
		}

		dup, err := e.store.HasRecentAlert(ctx, env.ID, rule.ID, since)
		if err != nil {
			return fmt.Errorf("check recent alert for envelope %s: %w", env.ID, err)
		}
		if dup {
			continue
		}

		entry := model.AlertLogEntry{
			OwnerID:     rule.OwnerID,
			EnvelopeID:  env.ID,
			RuleID:      rule.ID,
			Severity:    ev.Severity,
			Message:     ev.Message,
			Utilization: ev.Utilization,
			Metadata: model.AlertMetadata{
				BatchID:   batchID,
				Budget:    env.BudgetAmount,
				Spent:     env.SpentAmount,
				Remaining: ev.Remaining,
			}.Encode(),
			CreatedAt: now,
		}
		if err := e.store.InsertAlertLog(ctx, &entry); err != nil {
			return fmt.Errorf("insert alert log for envelope %s: %w", env.ID, err)
		}
		m.AlertsTriggered++
		triggered = true

		for _, msg := range e.buildMessages(rule, env, ev) {
			if err := notify.SendWithRetry(ctx, e.sender, msg, e.opts.RetryPolicy, e.logger); err != nil {
				m.EmailsFailed++
				continue
			}
			m.EmailsSent++
		}
	}

	if triggered {
		if err := e.store.UpdateRuleLastTriggered(ctx, rule.ID, now); err != nil {
			return fmt.Errorf("update rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
