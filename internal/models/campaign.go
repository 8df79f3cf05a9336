package models

import (
	"time"
)

// CampaignStatus enumerates campaign lifecycle states.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// campaignTransitions is the legal state machine:
// draft -> active -> {paused <-> active} -> {completed | cancelled}.
var campaignTransitions = map[string][]string{
	CampaignDraft:  {CampaignActive, CampaignCancelled},
	CampaignActive: {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused: {CampaignActive, CampaignCancelled},
}

// CanTransition reports whether from -> to is a legal campaign transition.
// Self-transitions are allowed so resume/pause stay idempotent.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CampaignTerminal reports whether a campaign status is final.
func CampaignTerminal(status string) bool {
	return status == CampaignCompleted || status == CampaignCancelled
}

// Campaign owns one bulk send: a template plus pacing bounds plus aggregate
// counters recomputed from job state.
type Campaign struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	Name              string        `json:"name"`
	Status            string        `json:"status"`
	Template          string        `json:"template"`
	MinDelay          time.Duration `json:"min_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	MaxRetries        int           `json:"max_retries"`
	TotalMessages     int           `json:"total_messages"`
	SentMessages      int           `json:"sent_messages"`
	DeliveredMessages int           `json:"delivered_messages"`
	FailedMessages    int           `json:"failed_messages"`
	LastError         *string       `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LaunchedAt        *time.Time    `json:"launched_at,omitempty"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
}

// Counters is the aggregate view derived from a grouped job-status count.
type Counters struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

// Percent returns completion as 0-100 over terminal jobs.
func (c Counters) Percent() float64 {
	if c.Total == 0 {
		return 0
	}
	done := c.Sent + c.Failed + c.Dead + c.Cancelled
	return float64(done) / float64(c.Total) * 100
}

// Done reports whether every job reached a terminal state.
func (c Counters) Done() bool {
	return c.Total > 0 && c.Sent+c.Failed+c.Dead+c.Cancelled >= c.Total
}
