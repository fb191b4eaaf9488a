package model

import (
	"encoding/json"
	"time"
)

// AlertType selects how a rule's threshold value is interpreted.
type AlertType string

const (
	// TypeThreshold fires when the remaining budget drops to or below the threshold amount.
	TypeThreshold AlertType = "threshold"
	// TypePercentage fires when utilization reaches the threshold percentage.
	TypePercentage AlertType = "percentage"
)

// Severity indicates how urgent a fired alert is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule is a user-defined budget condition evaluated against the owner's envelopes.
// Rules are authored externally; the engine only reads them and writes back
// LastTriggeredAt after a successful fire.
type AlertRule struct {
	ID              string     `json:"id" db:"id"`
	OwnerID         string     `json:"owner_id" db:"owner_id"`
	Name            string     `json:"name" db:"name"`
	Type            AlertType  `json:"alert_type" db:"alert_type"`
	ThresholdValue  float64    `json:"threshold_value" db:"threshold_value"`
	Recipients      []string   `json:"recipients" db:"recipients"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// BudgetEnvelope is an AFE: a bounded spending allocation with a budget and a
// running spent total. Spend is posted by external invoice logic; the engine
// treats envelopes as read-only.
type BudgetEnvelope struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Number       string    `json:"afe_number" db:"afe_number"`
	Name         string    `json:"name,omitempty" db:"name"`
	BudgetAmount float64   `json:"budget_amount" db:"budget_amount"`
	SpentAmount  float64   `json:"spent_amount" db:"spent_amount"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// EnvelopeStatusActive is the only status the engine evaluates.
const EnvelopeStatusActive = "active"

// Remaining returns the unspent budget. Negative when overspent.
func (e BudgetEnvelope) Remaining() float64 {
	return e.BudgetAmount - e.SpentAmount
}

// Utilization returns spent/budget as a percentage. A zero-budget envelope
// reports 0 so percentage rules never fire on it.
func (e BudgetEnvelope) Utilization() float64 {
	if e.BudgetAmount <= 0 {
		return 0
	}
	return e.SpentAmount / e.BudgetAmount * 100
}

// DisplayName returns the envelope name, falling back to the AFE number.
func (e BudgetEnvelope) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Number
}

// AlertLogEntry is one fired alert. Entries are append-only; the
// (envelope, rule) pair plus CreatedAt is the basis of the dedup window.
type AlertLogEntry struct {
	ID          string    `json:"id" db:"id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	EnvelopeID  string    `json:"envelope_id" db:"envelope_id"`
	RuleID      string    `json:"rule_id" db:"rule_id"`
	Severity    Severity  `json:"severity" db:"severity"`
	Message     string    `json:"message" db:"message"`
	Utilization float64   `json:"utilization" db:"utilization"`
	Metadata    string    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AlertMetadata is the snapshot stored in AlertLogEntry.Metadata.
type AlertMetadata struct {
	BatchID   string  `json:"batch_id"`
	Budget    float64 `json:"budget_amount"`
	Spent     float64 `json:"spent_amount"`
	Remaining float64 `json:"remaining_amount"`
}

// Encode renders the metadata as the JSON blob stored alongside the log entry.
func (m AlertMetadata) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ProcessingError records a failure the engine degraded around instead of
// aborting the run. Persisted for later inspection, never read by the engine.
type ProcessingError struct {
	ID        string    `json:"id" db:"id"`
	BatchID   string    `json:"batch_id" db:"batch_id"`
	RuleID    string    `json:"rule_id,omitempty" db:"rule_id"`
	Stage     string    `json:"stage" db:"stage"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DedupKey identifies an (envelope, rule) pair in the recent-alert index.
func DedupKey(envelopeID, ruleID string) string {
	return envelopeID + ":" + ruleID
}
