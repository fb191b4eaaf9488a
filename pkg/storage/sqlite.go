package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wellspend/afeguard/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite implements the Store interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

const ruleColumns = "id, owner_id, name, alert_type, threshold_value, recipients, is_active, last_triggered_at, created_at, updated_at"

func (s *SQLite) ListActiveRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM alert_rules WHERE is_active = 1 ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *SQLite) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM alert_rules ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

const envelopeColumns = "id, owner_id, afe_number, name, budget_amount, spent_amount, status, created_at, updated_at"

func (s *SQLite) ListActiveEnvelopesByOwners(ctx context.Context, ownerIDs []string) ([]model.BudgetEnvelope, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		"SELECT %s FROM afes WHERE status = ? AND owner_id IN (%s) ORDER BY afe_number",
		envelopeColumns, placeholders(len(ownerIDs)))
	args := append([]any{model.EnvelopeStatusActive}, toAnySlice(ownerIDs)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list envelopes by owners: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (s *SQLite) ListActiveEnvelopesByOwner(ctx context.Context, ownerID string) ([]model.BudgetEnvelope, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+envelopeColumns+" FROM afes WHERE status = ? AND owner_id = ? ORDER BY afe_number",
		model.EnvelopeStatusActive, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list envelopes by owner: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (s *SQLite) ListEnvelopes(ctx context.Context) ([]model.BudgetEnvelope, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+envelopeColumns+" FROM afes ORDER BY afe_number")
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

const logColumns = "id, owner_id, envelope_id, rule_id, severity, message, utilization, metadata, created_at"

func (s *SQLite) ListRecentAlerts(ctx context.Context, envelopeIDs []string, since time.Time) ([]model.AlertLogEntry, error) {
	if len(envelopeIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		"SELECT %s FROM alert_logs WHERE created_at >= ? AND envelope_id IN (%s)",
		logColumns, placeholders(len(envelopeIDs)))
	args := append([]any{since.UTC()}, toAnySlice(envelopeIDs)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	var entries []model.AlertLogEntry
	for rows.Next() {
		var e model.AlertLogEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.EnvelopeID, &e.RuleID, &e.Severity,
			&e.Message, &e.Utilization, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) HasRecentAlert(ctx context.Context, envelopeID, ruleID string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alert_logs WHERE envelope_id = ? AND rule_id = ? AND created_at >= ?",
		envelopeID, ruleID, since.UTC()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check recent alert: %w", err)
	}
	return count > 0, nil
}

func (s *SQLite) InsertAlertLogs(ctx context.Context, entries []model.AlertLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO alert_logs (" + logColumns + ") VALUES ")
	args := make([]any, 0, len(entries)*9)
	for i := range entries {
		e := &entries[i]
		fillLogDefaults(e)
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, e.ID, e.OwnerID, e.EnvelopeID, e.RuleID, e.Severity,
			e.Message, e.Utilization, e.Metadata, e.CreatedAt)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk insert alert logs: %w", err)
	}
	return nil
}

func (s *SQLite) InsertAlertLog(ctx context.Context, entry *model.AlertLogEntry) error {
	fillLogDefaults(entry)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO alert_logs ("+logColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		entry.ID, entry.OwnerID, entry.EnvelopeID, entry.RuleID, entry.Severity,
		entry.Message, entry.Utilization, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert log: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateRulesLastTriggered(ctx context.Context, ruleIDs []string, at time.Time) error {
	if len(ruleIDs) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		"UPDATE alert_rules SET last_triggered_at = ?, updated_at = ? WHERE id IN (%s)",
		placeholders(len(ruleIDs)))
	args := append([]any{at.UTC(), time.Now().UTC()}, toAnySlice(ruleIDs)...)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk update rules last_triggered_at: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateRuleLastTriggered(ctx context.Context, ruleID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alert_rules SET last_triggered_at = ?, updated_at = ? WHERE id = ?",
		at.UTC(), time.Now().UTC(), ruleID)
	if err != nil {
		return fmt.Errorf("update rule last_triggered_at: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %q not found", ruleID)
	}
	return nil
}

func (s *SQLite) RecordProcessingError(ctx context.Context, rec *model.ProcessingError) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processing_errors (id, batch_id, rule_id, stage, message, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, rec.BatchID, rec.RuleID, rec.Stage, rec.Message, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record processing error: %w", err)
	}
	return nil
}

func (s *SQLite) SaveRule(ctx context.Context, rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	recipients, err := json.Marshal(rule.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   alert_type = excluded.alert_type,
		   threshold_value = excluded.threshold_value,
		   recipients = excluded.recipients,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		rule.ID, rule.OwnerID, rule.Name, rule.Type, rule.ThresholdValue,
		string(recipients), rule.IsActive, rule.LastTriggeredAt, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

func (s *SQLite) SaveEnvelope(ctx context.Context, env *model.BudgetEnvelope) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Status == "" {
		env.Status = model.EnvelopeStatusActive
	}
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO afes (`+envelopeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   afe_number = excluded.afe_number,
		   name = excluded.name,
		   budget_amount = excluded.budget_amount,
		   spent_amount = excluded.spent_amount,
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		env.ID, env.OwnerID, env.Number, env.Name, env.BudgetAmount,
		env.SpentAmount, env.Status, env.CreatedAt, env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save envelope: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanRules(rows *sql.Rows) ([]model.AlertRule, error) {
	var rules []model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var recipients string
		var lastTriggered sql.NullTime
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Type, &r.ThresholdValue,
			&recipients, &r.IsActive, &lastTriggered, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients for rule %s: %w", r.ID, err)
		}
		if lastTriggered.Valid {
			t := lastTriggered.Time
			r.LastTriggeredAt = &t
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanEnvelopes(rows *sql.Rows) ([]model.BudgetEnvelope, error) {
	var envelopes []model.BudgetEnvelope
	for rows.Next() {
		var e model.BudgetEnvelope
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Number, &e.Name, &e.BudgetAmount,
			&e.SpentAmount, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan envelope row: %w", err)
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, rows.Err()
}

func fillLogDefaults(e *model.AlertLogEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
}

// placeholders returns n comma-separated "?" markers for an IN clause.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
