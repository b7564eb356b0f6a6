package domain

import (
	"time"

	"github.com/google/uuid"
)

// Trigger records why a job was dispatched.
type Trigger string

const (
	TriggerOnDemand  Trigger = "on-demand"
	TriggerScheduled Trigger = "scheduled"
)

// Job is one aggregate or purge request handed to the worker pool.
type Job struct {
	ID          uuid.UUID `json:"id"`
	Category    Category  `json:"category"`
	Operation   Operation `json:"operation"`
	Trigger     Trigger   `json:"trigger"`
	RequestedAt time.Time `json:"requested_at"`
}

// JobAck is the immediate acknowledgement returned by the dispatcher.
type JobAck struct {
	JobID     uuid.UUID `json:"job_id"`
	Category  Category  `json:"category"`
	Operation Operation `json:"operation"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"started_at"`
}

// ReconcileResult counts what one reconciliation pass did.
type ReconcileResult struct {
	Category  Category `json:"category"`
	Fetched   int      `json:"fetched"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Deleted   int      `json:"deleted"`
	Skipped   int      `json:"skipped"`
}

// Changed reports whether the pass wrote anything.
func (r ReconcileResult) Changed() bool {
	return r.Inserted > 0 || r.Updated > 0 || r.Deleted > 0
}
