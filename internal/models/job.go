package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobSent       = "sent"
	JobFailed     = "failed"
	JobDead       = "dead"
	JobCancelled  = "cancelled"
)

// JobTerminal reports whether a job status admits no further transitions.
func JobTerminal(status string) bool {
	switch status {
	case JobSent, JobFailed, JobDead, JobCancelled:
		return true
	}
	return false
}

// Job is one outbound message for one recipient, persisted in Postgres.
// Ownership is transferred atomically at dequeue; only the worker holding
// the queue lease mutates a processing job.
type Job struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaign_id"`
	TenantID       string     `json:"tenant_id"`
	RecipientPhone string     `json:"recipient_phone"`
	Body           string     `json:"body"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	Priority       string     `json:"priority"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	ProviderMsgID  *string    `json:"provider_msg_id,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AuditLogEntry records a single send attempt. Append-only.
type AuditLogEntry struct {
	ID               int64     `json:"id"`
	TenantID         string    `json:"tenant_id"`
	CampaignID       string    `json:"campaign_id"`
	JobID            string    `json:"job_id"`
	Phone            string    `json:"phone"`
	Status           string    `json:"status"`
	ProviderResponse string    `json:"provider_response"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Recipient is one row of a campaign's launch input.
type Recipient struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Phone      string            `json:"phone"`
	Variables  map[string]string `json:"variables"`
	CreatedAt  time.Time         `json:"created_at"`
}
