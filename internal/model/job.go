package model

import "time"

// JobState is the lifecycle state of an ingestion job.
type JobState string

const (
	JobQueued          JobState = "queued"
	JobRunning         JobState = "running"
	JobCancelling      JobState = "cancelling"
	JobSucceeded       JobState = "succeeded"
	JobFailed          JobState = "failed"
	JobPartiallyFailed JobState = "partially_failed"
	JobCancelled       JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobPartiallyFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// SourceError records one upstream source that exhausted its retries.
type SourceError struct {
	Source   string `json:"source"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// JobCounts aggregates what an ingestion run touched.
type JobCounts struct {
	ListingsUpserted    int `json:"listings_upserted"`
	TransactionsAdded   int `json:"transactions_added"`
	PropertiesResolved  int `json:"properties_resolved"`
	Unresolved          int `json:"unresolved"`
	MetricsRecomputed   int `json:"metrics_recomputed"`
	PropertiesUnchanged int `json:"properties_unchanged"`
}

// IngestionJob tracks one multi-source refresh run.
// Scope is a set of postcode districts; empty means all.
type IngestionJob struct {
	ID           string        `json:"id"`
	Scope        []string      `json:"scope,omitempty"`
	ForceRefresh bool          `json:"force_refresh"`
	State        JobState      `json:"state"`
	SourceErrors []SourceError `json:"source_errors,omitempty"`
	Counts       JobCounts     `json:"counts"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}
