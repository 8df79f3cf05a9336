// Package campaign owns the campaign lifecycle: the
// draft/active/paused/completed/cancelled state machine, bulk job creation at
// launch, and the counter aggregation that feeds progress events.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/events"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/models"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/pacing"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/store"
)

// ErrBadTransition is returned for illegal state machine moves.
var ErrBadTransition = errors.New("illegal campaign transition")

// ErrWrongTenant is returned when a tenant touches a campaign it does not own.
var ErrWrongTenant = errors.New("campaign belongs to another tenant")

// Store is the persistence surface the service needs. *store.Store satisfies
// it; tests plug a fake.
type Store interface {
	CreateCampaign(ctx context.Context, p store.CreateCampaignParams) (models.Campaign, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id, from, to string) error
	SetCampaignError(ctx context.Context, id, msg string) error
	MarkCampaignLaunched(ctx context.Context, id string, total int) error
	UpdateCampaignCounters(ctx context.Context, id string, c models.Counters) error
	MarkCampaignFinished(ctx context.Context, id, status string) error
	DeleteCampaign(ctx context.Context, id string) error
	AddRecipients(ctx context.Context, campaignID string, recipients []models.Recipient) (int, error)
	ListRecipients(ctx context.Context, campaignID string) ([]models.Recipient, error)
	CreateJobs(ctx context.Context, jobs []models.Job) error
	CancelQueuedJobs(ctx context.Context, campaignID string) ([]string, error)
	CountJobsByStatus(ctx context.Context, campaignID string) (models.Counters, error)
	RecentJobs(ctx context.Context, campaignID string, limit int) ([]models.Job, error)
}

// Queue is the coordination surface the service needs from the durable queue.
type Queue interface {
	Enqueue(ctx context.Context, jobID, campaignID, priority string, notBefore time.Time) error
	ResumeParked(ctx context.Context, campaignID string) (int, error)
	DropParked(ctx context.Context, campaignID string) error
	Remove(ctx context.Context, jobID, campaignID string) error
}

// Service coordinates campaign operations for the API layer and aggregates
// job outcomes for the worker pool.
type Service struct {
	store Store
	queue Queue
	pub   events.Publisher
	log   *zap.Logger
}

func NewService(st Store, q Queue, pub events.Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, queue: q, pub: pub, log: log}
}

// CreateParams is the API-facing campaign creation input.
type CreateParams struct {
	TenantID   string
	Name       string
	Template   string
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Create inserts a draft campaign.
func (s *Service) Create(ctx context.Context, p CreateParams) (models.Campaign, error) {
	if p.Name == "" {
		return models.Campaign{}, errors.New("campaign name is required")
	}
	if p.Template == "" {
		return models.Campaign{}, errors.New("campaign template is required")
	}
	return s.store.CreateCampaign(ctx, store.CreateCampaignParams{
		TenantID:   p.TenantID,
		Name:       p.Name,
		Template:   p.Template,
		MinDelay:   p.MinDelay,
		MaxDelay:   p.MaxDelay,
		MaxRetries: p.MaxRetries,
	})
}

// get loads a campaign and enforces tenant ownership.
func (s *Service) get(ctx context.Context, tenantID, id string) (models.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return models.Campaign{}, err
	}
	if c.TenantID != tenantID {
		return models.Campaign{}, ErrWrongTenant
	}
	return c, nil
}

// Get returns a tenant's campaign.
func (s *Service) Get(ctx context.Context, tenantID, id string) (models.Campaign, error) {
	return s.get(ctx, tenantID, id)
}

// AddRecipients appends launch input to a draft campaign.
func (s *Service) AddRecipients(ctx context.Context, tenantID, id string, recipients []models.Recipient) (int, error) {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if c.Status != models.CampaignDraft {
		return 0, fmt.Errorf("%w: recipients can only be added while draft", ErrBadTransition)
	}
	return s.store.AddRecipients(ctx, id, recipients)
}

// LaunchResult reports what a launch enqueued.
type LaunchResult struct {
	TotalMessages    int     `json:"total_messages"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
}

// Launch renders one job per recipient, schedules each with a cumulative
// jittered delay inside the campaign's pacing window, and flips the campaign
// active. Rejects inverted pacing bounds and empty recipient lists.
func (s *Service) Launch(ctx context.Context, tenantID, id string) (LaunchResult, error) {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return LaunchResult{}, err
	}
	if c.Status != models.CampaignDraft {
		return LaunchResult{}, fmt.Errorf("%w: launch requires draft, campaign is %s", ErrBadTransition, c.Status)
	}
	if err := pacing.Validate(c.MinDelay, c.MaxDelay); err != nil {
		return LaunchResult{}, fmt.Errorf("invalid pacing window: %w", err)
	}

	recipients, err := s.store.ListRecipients(ctx, id)
	if err != nil {
		return LaunchResult{}, err
	}
	if len(recipients) == 0 {
		return LaunchResult{}, errors.New("campaign has no recipients")
	}

	now := time.Now()
	at := now
	jobs := make([]models.Job, 0, len(recipients))
	for _, r := range recipients {
		at = at.Add(pacing.Delay(c.MinDelay, c.MaxDelay))
		jobs = append(jobs, models.Job{
			ID:             uuid.New().String(),
			CampaignID:     id,
			TenantID:       tenantID,
			RecipientPhone: r.Phone,
			Body:           Render(c.Template, r.Variables),
			MaxRetries:     c.MaxRetries,
			Priority:       "default",
			ScheduledAt:    at,
		})
	}

	if err := s.store.CreateJobs(ctx, jobs); err != nil {
		return LaunchResult{}, fmt.Errorf("create jobs: %w", err)
	}
	if err := s.store.MarkCampaignLaunched(ctx, id, len(jobs)); err != nil {
		return LaunchResult{}, fmt.Errorf("mark launched: %w", err)
	}
	for _, j := range jobs {
		if err := s.queue.Enqueue(ctx, j.ID, id, j.Priority, j.ScheduledAt); err != nil {
			// Queued rows stay in Postgres; the worker's reconciliation sweep
			// re-enqueues anything that never made it into Redis.
			s.log.Error("enqueue failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}

	avg := (c.MinDelay + c.MaxDelay) / 2
	est := time.Duration(len(jobs)) * avg
	s.log.Info("campaign launched",
		zap.String("campaign_id", id),
		zap.String("tenant_id", tenantID),
		zap.Int("total", len(jobs)),
		zap.Duration("estimated", est),
	)
	return LaunchResult{TotalMessages: len(jobs), EstimatedMinutes: est.Minutes()}, nil
}

// Pause stops new dispatches for the campaign. In-flight jobs finish at their
// next checkpoint; queued jobs get parked by the workers as they surface.
func (s *Service) Pause(ctx context.Context, tenantID, id string) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignPaused {
		return nil
	}
	if !models.CanTransition(c.Status, models.CampaignPaused) {
		return fmt.Errorf("%w: %s -> paused", ErrBadTransition, c.Status)
	}
	if err := s.store.UpdateCampaignStatus(ctx, id, c.Status, models.CampaignPaused); err != nil {
		return err
	}
	s.log.Info("campaign paused", zap.String("campaign_id", id))
	return nil
}

// Resume restores dispatch for a paused campaign. Idempotent: resuming an
// active campaign is a no-op.
func (s *Service) Resume(ctx context.Context, tenantID, id string) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignActive {
		return nil
	}
	if !models.CanTransition(c.Status, models.CampaignActive) {
		return fmt.Errorf("%w: %s -> active", ErrBadTransition, c.Status)
	}
	if err := s.store.UpdateCampaignStatus(ctx, id, c.Status, models.CampaignActive); err != nil {
		return err
	}
	restored, err := s.queue.ResumeParked(ctx, id)
	if err != nil {
		return fmt.Errorf("resume parked jobs: %w", err)
	}
	s.log.Info("campaign resumed", zap.String("campaign_id", id), zap.Int("restored", restored))
	return nil
}

// Cancel is the explicit terminal transition. Queued jobs are discarded;
// in-flight jobs finish normally and settle through the aggregator.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(c.Status, models.CampaignCancelled) {
		return fmt.Errorf("%w: %s -> cancelled", ErrBadTransition, c.Status)
	}

	discarded, err := s.store.CancelQueuedJobs(ctx, id)
	if err != nil {
		return err
	}
	for _, jobID := range discarded {
		if err := s.queue.Remove(ctx, jobID, id); err != nil {
			s.log.Warn("failed to remove cancelled job from queue", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if err := s.queue.DropParked(ctx, id); err != nil {
		s.log.Warn("failed to drop parked jobs", zap.String("campaign_id", id), zap.Error(err))
	}
	if err := s.store.MarkCampaignFinished(ctx, id, models.CampaignCancelled); err != nil {
		return err
	}
	s.log.Info("campaign cancelled", zap.String("campaign_id", id), zap.Int("discarded", len(discarded)))
	return s.publishProgress(ctx, id)
}

// Delete removes a campaign. Refused while the campaign is active.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignActive {
		return fmt.Errorf("%w: delete requires a non-active campaign", ErrBadTransition)
	}
	return s.store.DeleteCampaign(ctx, id)
}

// StatusView is the aggregated read model served to the API.
type StatusView struct {
	Campaign   models.Campaign `json:"campaign"`
	Counters   models.Counters `json:"counters"`
	RecentJobs []models.Job    `json:"recent_jobs"`
}

// Status returns last-known-good aggregated state plus recent jobs.
func (s *Service) Status(ctx context.Context, tenantID, id string) (StatusView, error) {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return StatusView{}, err
	}
	counters, err := s.store.CountJobsByStatus(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	recent, err := s.store.RecentJobs(ctx, id, 20)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Campaign: c, Counters: counters, RecentJobs: recent}, nil
}

// ReportTenantFailure surfaces a configuration error: the campaign is paused
// so no further jobs dispatch, and the error is recorded for the UI.
func (s *Service) ReportTenantFailure(ctx context.Context, campaignID, msg string) error {
	if err := s.store.SetCampaignError(ctx, campaignID, msg); err != nil {
		return err
	}
	err := s.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignActive, models.CampaignPaused)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.log.Warn("campaign halted by configuration error",
		zap.String("campaign_id", campaignID), zap.String("reason", msg))
	return nil
}

// JobFinished is the aggregator entry point, called once per job terminal
// write. Counters come from a single grouped count so they stay correct under
// retries and restarts, then exactly one progress event goes out.
func (s *Service) JobFinished(ctx context.Context, campaignID string) error {
	counters, err := s.store.CountJobsByStatus(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateCampaignCounters(ctx, campaignID, counters); err != nil {
		return err
	}

	if counters.Done() {
		c, err := s.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if !models.CampaignTerminal(c.Status) {
			if err := s.store.MarkCampaignFinished(ctx, campaignID, models.CampaignCompleted); err != nil {
				return err
			}
			s.log.Info("campaign completed",
				zap.String("campaign_id", campaignID),
				zap.Int("sent", counters.Sent),
				zap.Int("failed", counters.Failed+counters.Dead),
			)
		}
	}
	return s.publishProgressCounters(ctx, campaignID, counters)
}

func (s *Service) publishProgress(ctx context.Context, campaignID string) error {
	counters, err := s.store.CountJobsByStatus(ctx, campaignID)
	if err != nil {
		return err
	}
	return s.publishProgressCounters(ctx, campaignID, counters)
}

func (s *Service) publishProgressCounters(ctx context.Context, campaignID string, counters models.Counters) error {
	if s.pub == nil {
		return nil
	}
	return s.pub.Publish(ctx, events.TopicCampaignProgress, events.Progress{
		CampaignID: campaignID,
		Sent:       counters.Sent,
		Failed:     counters.Failed + counters.Dead,
		Delivered:  counters.Delivered,
		Pending:    counters.Pending,
		Percent:    counters.Percent(),
		Timestamp:  time.Now().UTC(),
	})
}
