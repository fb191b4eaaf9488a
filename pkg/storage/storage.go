package storage

import (
	"context"
	"time"

	"github.com/wellspend/afeguard/pkg/model"
)

// Store defines the persistence layer for rules, envelopes, and alert logs.
//
// The bulk methods exist so the engine can process a whole batch of rules with
// a fixed number of queries; the single-record variants back the degraded
// per-rule path.
type Store interface {
	// ListActiveRules returns every rule with is_active set, in creation order.
	ListActiveRules(ctx context.Context) ([]model.AlertRule, error)

	// ListActiveEnvelopesByOwners bulk-fetches all active envelopes whose owner
	// is in ownerIDs. One query regardless of the number of owners.
	ListActiveEnvelopesByOwners(ctx context.Context, ownerIDs []string) ([]model.BudgetEnvelope, error)

	// ListActiveEnvelopesByOwner fetches one owner's active envelopes.
	ListActiveEnvelopesByOwner(ctx context.Context, ownerID string) ([]model.BudgetEnvelope, error)

	// ListRecentAlerts bulk-fetches alert log entries for the given envelopes
	// created at or after since.
	ListRecentAlerts(ctx context.Context, envelopeIDs []string, since time.Time) ([]model.AlertLogEntry, error)

	// HasRecentAlert reports whether the (envelope, rule) pair has an entry at
	// or after since.
	HasRecentAlert(ctx context.Context, envelopeID, ruleID string, since time.Time) (bool, error)

	// InsertAlertLogs persists all entries in a single multi-row insert.
	InsertAlertLogs(ctx context.Context, entries []model.AlertLogEntry) error

	// InsertAlertLog persists a single entry.
	InsertAlertLog(ctx context.Context, entry *model.AlertLogEntry) error

	// UpdateRulesLastTriggered sets last_triggered_at for all ruleIDs in a
	// single update.
	UpdateRulesLastTriggered(ctx context.Context, ruleIDs []string, at time.Time) error

	// UpdateRuleLastTriggered sets last_triggered_at for one rule.
	UpdateRuleLastTriggered(ctx context.Context, ruleID string, at time.Time) error

	// RecordProcessingError appends a degraded-path failure record.
	RecordProcessingError(ctx context.Context, rec *model.ProcessingError) error

	// SaveRule creates or updates a rule (seed/CLI support; rule authoring is
	// otherwise external to the engine).
	SaveRule(ctx context.Context, rule *model.AlertRule) error

	// SaveEnvelope creates or updates an envelope.
	SaveEnvelope(ctx context.Context, env *model.BudgetEnvelope) error

	// ListRules returns all rules regardless of active flag.
	ListRules(ctx context.Context) ([]model.AlertRule, error)

	// ListEnvelopes returns all envelopes regardless of status.
	ListEnvelopes(ctx context.Context) ([]model.BudgetEnvelope, error)

	// Close releases resources.
	Close() error
}
