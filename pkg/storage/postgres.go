package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wellspend/afeguard/pkg/model"
)

// Postgres implements the Store interface against a PostgreSQL database.
// Schema management is external (the tables are shared with the invoice
// system); this store only reads and appends.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to PostgreSQL using the given DSN.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing database handle. Used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ListActiveRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM alert_rules WHERE is_active = true ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (p *Postgres) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM alert_rules ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (p *Postgres) ListActiveEnvelopesByOwners(ctx context.Context, ownerIDs []string) ([]model.BudgetEnvelope, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT "+envelopeColumns+" FROM afes WHERE status = $1 AND owner_id = ANY($2) ORDER BY afe_number",
		model.EnvelopeStatusActive, pq.Array(ownerIDs))
	if err != nil {
		return nil, fmt.Errorf("list envelopes by owners: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (p *Postgres) ListActiveEnvelopesByOwner(ctx context.Context, ownerID string) ([]model.BudgetEnvelope, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+envelopeColumns+" FROM afes WHERE status = $1 AND owner_id = $2 ORDER BY afe_number",
		model.EnvelopeStatusActive, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list envelopes by owner: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (p *Postgres) ListEnvelopes(ctx context.Context) ([]model.BudgetEnvelope, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+envelopeColumns+" FROM afes ORDER BY afe_number")
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (p *Postgres) ListRecentAlerts(ctx context.Context, envelopeIDs []string, since time.Time) ([]model.AlertLogEntry, error) {
	if len(envelopeIDs) == 0 {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT "+logColumns+" FROM alert_logs WHERE created_at >= $1 AND envelope_id = ANY($2)",
		since.UTC(), pq.Array(envelopeIDs))
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

func (p *Postgres) HasRecentAlert(ctx context.Context, envelopeID, ruleID string, since time.Time) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alert_logs WHERE envelope_id = $1 AND rule_id = $2 AND created_at >= $3",
		envelopeID, ruleID, since.UTC()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check recent alert: %w", err)
	}
	return count > 0, nil
}

func (p *Postgres) InsertAlertLogs(ctx context.Context, entries []model.AlertLogEntry) error {
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
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, e.ID, e.OwnerID, e.EnvelopeID, e.RuleID, e.Severity,
			e.Message, e.Utilization, e.Metadata, e.CreatedAt)
	}

	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk insert alert logs: %w", err)
	}
	return nil
}

func (p *Postgres) InsertAlertLog(ctx context.Context, entry *model.AlertLogEntry) error {
	fillLogDefaults(entry)
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO alert_logs ("+logColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		entry.ID, entry.OwnerID, entry.EnvelopeID, entry.RuleID, entry.Severity,
		entry.Message, entry.Utilization, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert log: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateRulesLastTriggered(ctx context.Context, ruleIDs []string, at time.Time) error {
	if len(ruleIDs) == 0 {
		return nil
	}

	_, err := p.db.ExecContext(ctx,
		"UPDATE alert_rules SET last_triggered_at = $1, updated_at = $2 WHERE id = ANY($3)",
		at.UTC(), time.Now().UTC(), pq.Array(ruleIDs))
	if err != nil {
		return fmt.Errorf("bulk update rules last_triggered_at: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateRuleLastTriggered(ctx context.Context, ruleID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx,
		"UPDATE alert_rules SET last_triggered_at = $1, updated_at = $2 WHERE id = $3",
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

func (p *Postgres) RecordProcessingError(ctx context.Context, rec *model.ProcessingError) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx,
		"INSERT INTO processing_errors (id, batch_id, rule_id, stage, message, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		rec.ID, rec.BatchID, rec.RuleID, rec.Stage, rec.Message, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record processing error: %w", err)
	}
	return nil
}

func (p *Postgres) SaveRule(ctx context.Context, rule *model.AlertRule) error {
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

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO alert_rules (`+ruleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
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

func (p *Postgres) SaveEnvelope(ctx context.Context, env *model.BudgetEnvelope) error {
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

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO afes (`+envelopeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
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

func (p *Postgres) Close() error {
	return p.db.Close()
}
