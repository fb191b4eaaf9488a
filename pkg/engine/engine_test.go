package engine_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellspend/afeguard/pkg/engine"
	"github.com/wellspend/afeguard/pkg/model"
	"github.com/wellspend/afeguard/pkg/notify"
)

// fakeStore is an in-memory Store with query counting and failure injection.
type fakeStore struct {
	mu        sync.Mutex
	rules     []model.AlertRule
	envelopes map[string][]model.BudgetEnvelope // keyed by owner
	logs      []model.AlertLogEntry
	updated   map[string]time.Time
	procErrs  []model.ProcessingError
	queries   map[string]int

	failListRules     error
	failBulkEnvelopes error
	failBulkInsertFor string // rule id; bulk insert fails when a batch contains it
	failInsertFor     string // envelope id; single insert fails for it
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		envelopes: make(map[string][]model.BudgetEnvelope),
		updated:   make(map[string]time.Time),
		queries:   make(map[string]int),
	}
}

func (s *fakeStore) count(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[name]++
}

func (s *fakeStore) totalQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.queries {
		total += n
	}
	return total
}

func (s *fakeStore) ListActiveRules(context.Context) ([]model.AlertRule, error) {
	s.count("ListActiveRules")
	if s.failListRules != nil {
		return nil, s.failListRules
	}
	var active []model.AlertRule
	for _, r := range s.rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}

func (s *fakeStore) ListActiveEnvelopesByOwners(_ context.Context, ownerIDs []string) ([]model.BudgetEnvelope, error) {
	s.count("ListActiveEnvelopesByOwners")
	if s.failBulkEnvelopes != nil {
		return nil, s.failBulkEnvelopes
	}
	var out []model.BudgetEnvelope
	for _, owner := range ownerIDs {
		for _, env := range s.envelopes[owner] {
			if env.Status == model.EnvelopeStatusActive {
				out = append(out, env)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ListActiveEnvelopesByOwner(_ context.Context, ownerID string) ([]model.BudgetEnvelope, error) {
	s.count("ListActiveEnvelopesByOwner")
	var out []model.BudgetEnvelope
	for _, env := range s.envelopes[ownerID] {
		if env.Status == model.EnvelopeStatusActive {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *fakeStore) ListRecentAlerts(_ context.Context, envelopeIDs []string, since time.Time) ([]model.AlertLogEntry, error) {
	s.count("ListRecentAlerts")
	ids := make(map[string]bool, len(envelopeIDs))
	for _, id := range envelopeIDs {
		ids[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AlertLogEntry
	for _, entry := range s.logs {
		if ids[entry.EnvelopeID] && !entry.CreatedAt.Before(since) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *fakeStore) HasRecentAlert(_ context.Context, envelopeID, ruleID string, since time.Time) (bool, error) {
	s.count("HasRecentAlert")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.logs {
		if entry.EnvelopeID == envelopeID && entry.RuleID == ruleID && !entry.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) InsertAlertLogs(_ context.Context, entries []model.AlertLogEntry) error {
	s.count("InsertAlertLogs")
	if s.failBulkInsertFor != "" {
		for _, entry := range entries {
			if entry.RuleID == s.failBulkInsertFor {
				return fmt.Errorf("bulk insert rejected")
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entries...)
	return nil
}

func (s *fakeStore) InsertAlertLog(_ context.Context, entry *model.AlertLogEntry) error {
	s.count("InsertAlertLog")
	if s.failInsertFor != "" && entry.EnvelopeID == s.failInsertFor {
		return fmt.Errorf("insert rejected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *fakeStore) UpdateRulesLastTriggered(_ context.Context, ruleIDs []string, at time.Time) error {
	s.count("UpdateRulesLastTriggered")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ruleIDs {
		s.updated[id] = at
	}
	return nil
}

func (s *fakeStore) UpdateRuleLastTriggered(_ context.Context, ruleID string, at time.Time) error {
	s.count("UpdateRuleLastTriggered")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[ruleID] = at
	return nil
}

func (s *fakeStore) RecordProcessingError(_ context.Context, rec *model.ProcessingError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procErrs = append(s.procErrs, *rec)
	return nil
}

func (s *fakeStore) SaveRule(context.Context, *model.AlertRule) error          { return nil }
func (s *fakeStore) SaveEnvelope(context.Context, *model.BudgetEnvelope) error { return nil }
func (s *fakeStore) ListRules(context.Context) ([]model.AlertRule, error)      { return s.rules, nil }
func (s *fakeStore) ListEnvelopes(context.Context) ([]model.BudgetEnvelope, error) {
	return nil, nil
}
func (s *fakeStore) Close() error { return nil }

// fakeSender records deliveries and can fail per message.
type fakeSender struct {
	mu       sync.Mutex
	sent     []notify.Message
	attempts map[string]int
	failWith func(msg notify.Message, attempt int) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{attempts: make(map[string]int)}
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	key := msg.To[0] + "|" + msg.Subject
	f.attempts[key]++
	attempt := f.attempts[key]
	failWith := f.failWith
	f.mu.Unlock()

	if failWith != nil {
		if err := failWith(msg, attempt); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() notify.RetryPolicy {
	return notify.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}
}

// seedBreaching populates n rules across distinct owners, each owner holding
// envsPerOwner envelopes that all breach the rule's threshold.
func seedBreaching(store *fakeStore, n, envsPerOwner int, recipients []string) {
	for i := 0; i < n; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		store.rules = append(store.rules, model.AlertRule{
			ID:             fmt.Sprintf("rule-%d", i),
			OwnerID:        owner,
			Name:           fmt.Sprintf("rule %d", i),
			Type:           model.TypeThreshold,
			ThresholdValue: 1000,
			Recipients:     recipients,
			IsActive:       true,
		})
		for j := 0; j < envsPerOwner; j++ {
			store.envelopes[owner] = append(store.envelopes[owner], model.BudgetEnvelope{
				ID:           fmt.Sprintf("env-%d-%d", i, j),
				OwnerID:      owner,
				Number:       fmt.Sprintf("AFE-%d-%d", i, j),
				BudgetAmount: 10000,
				SpentAmount:  9500,
				Status:       model.EnvelopeStatusActive,
			})
		}
	}
}

func newTestEngine(store *fakeStore, sender notify.Sender, opts engine.Options) *engine.Engine {
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = fastRetry()
	}
	return engine.New(store, sender, testLogger(), opts)
}

func TestRun_NoRules(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()

	m := newTestEngine(store, sender, engine.Options{}).Run(context.Background())

	assert.Zero(t, m.RulesChecked)
	assert.Zero(t, m.AlertsTriggered)
	assert.Zero(t, m.EmailsSent)
	assert.Zero(t, m.Errors)
	assert.Zero(t, m.BatchesProcessed)
	assert.Equal(t, 1, store.totalQueries())
}

func TestRun_TriggersAlertsAndNotifications(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 2, 3, []string{"a@example.com", "b@example.com"})

	m := newTestEngine(store, sender, engine.Options{}).Run(context.Background())

	assert.Equal(t, 2, m.RulesChecked)
	assert.Equal(t, 6, m.AlertsTriggered)
	assert.Equal(t, 12, m.EmailsSent)
	assert.Zero(t, m.EmailsFailed)
	assert.Zero(t, m.Errors)
	assert.Equal(t, 1, m.BatchesProcessed)
	assert.Len(t, store.logs, 6)
	assert.Len(t, store.updated, 2)
	assert.Equal(t, 12, sender.sentCount())
}

func TestRun_BatchSizeInvariance(t *testing.T) {
	for _, batchSize := range []int{1, 4, 10} {
		t.Run(fmt.Sprintf("batch_size_%d", batchSize), func(t *testing.T) {
			store := newFakeStore()
			sender := newFakeSender()
			seedBreaching(store, 10, 3, []string{"ops@example.com"})

			m := newTestEngine(store, sender, engine.Options{BatchSize: batchSize}).Run(context.Background())

			assert.Equal(t, 10, m.RulesChecked)
			assert.Equal(t, 30, m.AlertsTriggered)
			assert.Equal(t, 30, m.EmailsSent)
			assert.Equal(t, (10+batchSize-1)/batchSize, m.BatchesProcessed)
		})
	}
}

func TestRun_DedupSuppressesRecentAlerts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 1, 1, []string{"ops@example.com"})

	// Already alerted an hour ago.
	store.logs = append(store.logs, model.AlertLogEntry{
		EnvelopeID: "env-0-0",
		RuleID:     "rule-0",
		CreatedAt:  now.Add(-time.Hour),
	})

	eng := newTestEngine(store, sender, engine.Options{Now: func() time.Time { return now }})
	m := eng.Run(context.Background())

	assert.Zero(t, m.AlertsTriggered)
	assert.Zero(t, m.EmailsSent)
	assert.Len(t, store.logs, 1)
	assert.Empty(t, store.updated)
}

func TestRun_DedupExpiresOutsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 1, 1, []string{"ops@example.com"})

	// Last alert was 25 hours ago; the pair may fire again.
	store.logs = append(store.logs, model.AlertLogEntry{
		EnvelopeID: "env-0-0",
		RuleID:     "rule-0",
		CreatedAt:  now.Add(-25 * time.Hour),
	})

	eng := newTestEngine(store, sender, engine.Options{Now: func() time.Time { return now }})
	m := eng.Run(context.Background())

	assert.Equal(t, 1, m.AlertsTriggered)
	assert.Equal(t, 1, m.EmailsSent)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 5, 2, []string{"ops@example.com"})

	eng := newTestEngine(store, sender, engine.Options{})

	first := eng.Run(context.Background())
	assert.Equal(t, 10, first.AlertsTriggered)

	second := eng.Run(context.Background())
	assert.Zero(t, second.AlertsTriggered)
	assert.Zero(t, second.EmailsSent)
	assert.Len(t, store.logs, 10)
}

func TestRun_QueryBound(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 100, 5, []string{"ops@example.com"})

	m := newTestEngine(store, sender, engine.Options{BatchSize: 50}).Run(context.Background())

	assert.Equal(t, 100, m.RulesChecked)
	assert.Equal(t, 500, m.AlertsTriggered)
	assert.Equal(t, 500, m.EmailsSent)
	assert.Equal(t, 2, m.BatchesProcessed)

	// 1 rule fetch + at most 4 queries per batch, independent of envelope count.
	assert.LessOrEqual(t, store.totalQueries(), 1+4*2)
	assert.Zero(t, store.queries["ListActiveEnvelopesByOwner"])
	assert.Zero(t, store.queries["HasRecentAlert"])
}

func TestRun_DegradesOnlyTheFailedBatch(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 4, 1, []string{"ops@example.com"})

	// Bulk insert fails for the batch holding rule-2 (batches of 2: {0,1}, {2,3}).
	store.failBulkInsertFor = "rule-2"

	m := newTestEngine(store, sender, engine.Options{BatchSize: 2}).Run(context.Background())

	// All four rules still produce their alerts.
	assert.Equal(t, 4, m.RulesChecked)
	assert.Equal(t, 4, m.AlertsTriggered)
	assert.Equal(t, 4, m.EmailsSent)
	assert.Equal(t, 2, m.BatchesProcessed)
	assert.Equal(t, 1, m.Errors)

	// Only the failed batch's rules went through per-rule queries.
	assert.Equal(t, 2, store.queries["ListActiveEnvelopesByOwner"])
	assert.Equal(t, 2, store.queries["InsertAlertLog"])
	assert.Equal(t, 2, store.queries["UpdateRuleLastTriggered"])

	// The failure was persisted for inspection.
	require.Len(t, store.procErrs, 1)
	assert.Equal(t, "batch", store.procErrs[0].Stage)
}

func TestRun_DegradedRuleFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 2, 1, []string{"ops@example.com"})

	// Force the whole (single) batch into degraded mode, then fail rule-0's insert.
	store.failBulkInsertFor = "rule-0"
	store.failInsertFor = "env-0-0"

	m := newTestEngine(store, sender, engine.Options{}).Run(context.Background())

	// rule-1 still completes; rule-0's failure is recorded, not fatal.
	assert.Equal(t, 1, m.AlertsTriggered)
	assert.Equal(t, 1, m.EmailsSent)
	assert.Equal(t, 2, m.Errors) // one batch failure + one rule failure

	var stages []string
	for _, rec := range store.procErrs {
		stages = append(stages, rec.Stage)
	}
	assert.ElementsMatch(t, []string{"batch", "rule"}, stages)
}

func TestRun_InitialRuleFetchFailure(t *testing.T) {
	store := newFakeStore()
	store.failListRules = fmt.Errorf("connection refused")
	sender := newFakeSender()

	m := newTestEngine(store, sender, engine.Options{}).Run(context.Background())

	assert.Equal(t, 1, m.Errors)
	assert.Zero(t, m.RulesChecked)
	assert.Zero(t, m.BatchesProcessed)
}

func TestRun_BulkEnvelopeFailureDegrades(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 3, 2, []string{"ops@example.com"})
	store.failBulkEnvelopes = fmt.Errorf("query timeout")

	m := newTestEngine(store, sender, engine.Options{}).Run(context.Background())

	// Degraded path still delivers everything.
	assert.Equal(t, 3, m.RulesChecked)
	assert.Equal(t, 6, m.AlertsTriggered)
	assert.Equal(t, 6, m.EmailsSent)
	assert.Equal(t, 1, m.Errors)
	assert.Equal(t, 3, store.queries["ListActiveEnvelopesByOwner"])
}

func TestRun_SkipsInactiveEnvelopes(t *testing.T) {
	store := newFakeStore()
	sender := newFakeSender()
	seedBreaching(store, 1, 1, []string{"ops@example.com"})
	store.envelopes["owner-0"] = append(store.envelopes["owner-0"], model.BudgetEnvelope{
		ID:           "env-closed",
		OwnerID:      "owner-0",
		Number:       "AFE-CLOSED",
		BudgetAmount: 100,
		SpentAmount:  99,
		Status:       "closed",
	})

	m := newTestEngine(store, sender, engine.Options{}).Run(context.Background())

	assert.Equal(t, 1, m.AlertsTriggered)
}
