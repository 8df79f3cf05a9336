// Package events broadcasts campaign and job state transitions to interested
// subscribers (UI, monitoring). Production wires the Redis publisher; tests
// use the in-memory Collector.
package events

import (
	"context"
	"time"
)

// Topics published by the dispatcher.
const (
	TopicCampaignProgress  = "campaign.progress"
	TopicCampaignHeartbeat = "campaign.heartbeat"
	TopicJobCompleted      = "job.completed"
	TopicJobFailed         = "job.failed"
)

// Publisher pushes one event to a topic. Implementations must be safe for
// concurrent use by the worker pool.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Progress is the per-campaign payload emitted once per job completion.
type Progress struct {
	CampaignID string    `json:"campaign_id"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Delivered  int       `json:"delivered"`
	Pending    int       `json:"pending"`
	Percent    float64   `json:"percent"`
	Timestamp  time.Time `json:"timestamp"`
}

// JobEvent accompanies job.completed and job.failed.
type JobEvent struct {
	CampaignID string    `json:"campaign_id"`
	JobID      string    `json:"job_id"`
	Phone      string    `json:"phone"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Heartbeat carries the low-frequency rate/ETA estimate.
type Heartbeat struct {
	CampaignID       string    `json:"campaign_id"`
	Pending          int       `json:"pending"`
	PerMinute        float64   `json:"per_minute"`
	EstimatedMinutes float64   `json:"estimated_minutes"`
	Timestamp        time.Time `json:"timestamp"`
}
