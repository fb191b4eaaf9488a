package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wellspend/afeguard/pkg/model"
	"github.com/wellspend/afeguard/pkg/notify"
	"github.com/wellspend/afeguard/pkg/storage"
)

// Options tune one engine instance. Zero values get defaults from New.
type Options struct {
	BatchSize         int
	NotifyConcurrency int
	DedupWindow       time.Duration
	RetryPolicy       notify.RetryPolicy
	FromAddress       string

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Engine evaluates all active alert rules against their owners' envelopes in
// fixed-size batches, bounding queries to four per batch: one envelope read,
// one recent-alert read, one log insert, one rule update. Notification
// dispatch is the only concurrent stage. A bulk-path failure degrades that
// batch to per-rule processing; no failure aborts the run.
type Engine struct {
	store  storage.Store
	sender notify.Sender
	logger *slog.Logger
	opts   Options
}

// New creates an engine. A fresh engine is constructed per invocation site;
// it holds no state across runs.
func New(store storage.Store, sender notify.Sender, logger *slog.Logger, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.NotifyConcurrency <= 0 {
		opts.NotifyConcurrency = 10
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 24 * time.Hour
	}
	if opts.RetryPolicy.MaxAttempts <= 0 {
		opts.RetryPolicy = notify.DefaultRetryPolicy()
	}
	if opts.FromAddress == "" {
		opts.FromAddress = "alerts@afeguard.local"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		store:  store,
		sender: sender,
		logger: logger,
		opts:   opts,
	}
}

// Run performs one full evaluation pass and returns its metrics. In-run
// failures are degraded around or recorded; Run itself never fails.
func (e *Engine) Run(ctx context.Context) Metrics {
	var m Metrics
	start := e.opts.Now()

	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		e.logger.Error("fetch active rules", "error", err)
		m.Errors++
		m.Duration = e.opts.Now().Sub(start)
		return m
	}

	if len(rules) == 0 {
		m.Duration = e.opts.Now().Sub(start)
		return m
	}

	e.logger.Info("run started",
		"rules", len(rules),
		"batch_size", e.opts.BatchSize,
	)

	for _, batch := range partition(rules, e.opts.BatchSize) {
		batchID := uuid.New().String()

		if err := e.processBatch(ctx, batch, batchID, &m); err != nil {
			e.logger.Warn("batch failed, degrading to per-rule processing",
				"batch_id", batchID,
				"rules", len(batch),
				"error", err,
			)
			m.Errors++
			e.recordError(ctx, batchID, "", "batch", err)
			e.processBatchDegraded(ctx, batch, batchID, &m)
		}

		m.BatchesProcessed++
	}

	m.Duration = e.opts.Now().Sub(start)
	e.logger.Info("run finished",
		"rules_checked", m.RulesChecked,
		"alerts_triggered", m.AlertsTriggered,
		"emails_sent", m.EmailsSent,
		"emails_failed", m.EmailsFailed,
		"errors", m.Errors,
		"batches", m.BatchesProcessed,
		"duration", m.Duration,
	)
	return m
}

// processBatch runs the bulk pipeline for one batch. Any returned error means
// the batch must be reprocessed in degraded mode.
func (e *Engine) processBatch(ctx context.Context, batch []model.AlertRule, batchID string, m *Metrics) error {
	envsByOwner, envelopes, err := e.loadEnvelopes(ctx, batch)
	if err != nil {
		return fmt.Errorf("load envelopes: %w", err)
	}

	recent, err := e.loadRecentIndex(ctx, envelopes)
	if err != nil {
		return fmt.Errorf("load recent alerts: %w", err)
	}

	now := e.opts.Now().UTC()
	var entries []model.AlertLogEntry
	triggered := make(map[string]bool)
	var jobs []notify.Message

	for _, rule := range batch {
		for _, env := range envsByOwner[rule.OwnerID] {
			ev := Evaluate(rule, env)
			if !ev.ShouldAlert {
				continue
			}
			if recent[model.DedupKey(env.ID, rule.ID)] {
				continue
			}

			entries = append(entries, model.AlertLogEntry{
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
			})
			triggered[rule.ID] = true
			jobs = append(jobs, e.buildMessages(rule, env, ev)...)
		}
	}

	if len(entries) > 0 {
		if err := e.store.InsertAlertLogs(ctx, entries); err != nil {
			return fmt.Errorf("bulk insert alert logs: %w", err)
		}
	}
	if len(triggered) > 0 {
		ids := make([]string, 0, len(triggered))
		for id := range triggered {
			ids = append(ids, id)
		}
		if err := e.store.UpdateRulesLastTriggered(ctx, ids, now); err != nil {
			return fmt.Errorf("bulk update rules: %w", err)
		}
	}

	m.RulesChecked += len(batch)
	m.AlertsTriggered += len(entries)

	sent, failed := e.dispatch(ctx, jobs)
	m.EmailsSent += sent
	m.EmailsFailed += failed
	return nil
}

// loadEnvelopes bulk-fetches all active envelopes for the batch's distinct
// owners and indexes them by owner.
func (e *Engine) loadEnvelopes(ctx context.Context, batch []model.AlertRule) (map[string][]model.BudgetEnvelope, []model.BudgetEnvelope, error) {
	ownerSet := make(map[string]bool)
	var owners []string
	for _, rule := range batch {
		if !ownerSet[rule.OwnerID] {
			ownerSet[rule.OwnerID] = true
			owners = append(owners, rule.OwnerID)
		}
	}

	envelopes, err := e.store.ListActiveEnvelopesByOwners(ctx, owners)
	if err != nil {
		return nil, nil, err
	}

	byOwner := make(map[string][]model.BudgetEnvelope)
	for _, env := range envelopes {
		byOwner[env.OwnerID] = append(byOwner[env.OwnerID], env)
	}
	return byOwner, envelopes, nil
}

// loadRecentIndex builds the dedup set of envelope:rule pairs already alerted
// within the window. May include pairs for rules outside the batch that share
// an envelope; that only widens the lookup set and never suppresses wrongly.
func (e *Engine) loadRecentIndex(ctx context.Context, envelopes []model.BudgetEnvelope) (map[string]bool, error) {
	index := make(map[string]bool)
	if len(envelopes) == 0 {
		return index, nil
	}

	ids := make([]string, len(envelopes))
	for i, env := range envelopes {
		ids[i] = env.ID
	}

	since := e.opts.Now().UTC().Add(-e.opts.DedupWindow)
	recent, err := e.store.ListRecentAlerts(ctx, ids, since)
	if err != nil {
		return nil, err
	}
	for _, entry := range recent {
		index[model.DedupKey(entry.EnvelopeID, entry.RuleID)] = true
	}
	return index, nil
}

func (e *Engine) recordError(ctx context.Context, batchID, ruleID, stage string, cause error) {
	rec := &model.ProcessingError{
		BatchID: batchID,
		RuleID:  ruleID,
		Stage:   stage,
		Message: cause.Error(),
	}
	if err := e.store.RecordProcessingError(ctx, rec); err != nil {
		e.logger.Error("record processing error", "batch_id", batchID, "error", err)
	}
}

// partition splits rules into ordered, non-overlapping slices of at most size.
func partition(rules []model.AlertRule, size int) [][]model.AlertRule {
	var batches [][]model.AlertRule
	for start := 0; start < len(rules); start += size {
		end := start + size
		if end > len(rules) {
			end = len(rules)
		}
		batches = append(batches, rules[start:end])
	}
	return batches
}
