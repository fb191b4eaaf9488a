package engine

import "time"

// Metrics is the run-scoped aggregate returned by Run. Never persisted.
type Metrics struct {
	RulesChecked     int           `json:"rules_checked"`
	AlertsTriggered  int           `json:"alerts_triggered"`
	EmailsSent       int           `json:"emails_sent"`
	EmailsFailed     int           `json:"emails_failed"`
	Errors           int           `json:"errors"`
	BatchesProcessed int           `json:"batches_processed"`
	Duration         time.Duration `json:"duration"`
}
