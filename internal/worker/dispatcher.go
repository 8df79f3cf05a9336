// Package worker pulls jobs off the durable queue and drives them through
// admission, rendering, the transport call, and outcome bookkeeping.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/admission"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/config"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/events"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/models"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/pacing"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/store"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/telemetry"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/transport"
)

// Store is the persistence surface the dispatcher needs. *store.Store
// satisfies it; tests plug a fake.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	MarkJobProcessing(ctx context.Context, id string) error
	MarkJobQueued(ctx context.Context, id string, scheduledAt time.Time) error
	MarkJobSent(ctx context.Context, id, providerMsgID string, at time.Time) error
	MarkJobFailed(ctx context.Context, id, reason string) error
	MarkJobDead(ctx context.Context, id, reason string) error
	MarkJobCancelled(ctx context.Context, id string) error
	UpdateJobRetry(ctx context.Context, id string, retryCount int, nextRun time.Time, reason string) error
	AppendAudit(ctx context.Context, e models.AuditLogEntry) error
	CountJobsByStatus(ctx context.Context, campaignID string) (models.Counters, error)
	StaleQueuedJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
}

// Queue is the coordination surface the dispatcher needs.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	Requeue(ctx context.Context, jobID, campaignID, priority string) (bool, error)
	Park(ctx context.Context, jobID, campaignID string) error
	Remove(ctx context.Context, jobID, campaignID string) error
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Aggregator recomputes campaign counters after terminal job writes and
// surfaces tenant-level configuration failures.
type Aggregator interface {
	JobFinished(ctx context.Context, campaignID string) error
	ReportTenantFailure(ctx context.Context, campaignID, msg string) error
}

// SenderFactory builds a transport sender from resolved tenant credentials.
type SenderFactory func(creds transport.Credentials) transport.Sender

// Dispatcher holds everything one job's processing needs. It is shared by
// all workers in the pool; all state it mutates is behind locks or in the
// shared stores.
type Dispatcher struct {
	cfg     config.Config
	store   Store
	queue   Queue
	adm     admission.Store
	creds   transport.CredentialProvider
	senders SenderFactory
	agg     Aggregator
	pub     events.Publisher
	limiter *rate.Limiter
	log     *zap.Logger

	mu      sync.Mutex
	blocked map[string]time.Time // tenant -> blocked until (config failures)

	statsMu   sync.Mutex
	sendStats map[string]int // campaign -> sends since last heartbeat

	reconMu   sync.Mutex
	lastRecon time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(cfg config.Config, st Store, q Queue, adm admission.Store, creds transport.CredentialProvider, senders SenderFactory, agg Aggregator, pub events.Publisher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.GlobalSendRate > 0 {
		burst := cfg.GlobalSendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalSendRate), burst)
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     st,
		queue:     q,
		adm:       adm,
		creds:     creds,
		senders:   senders,
		agg:       agg,
		pub:       pub,
		limiter:   limiter,
		log:       log,
		blocked:   make(map[string]time.Time),
		sendStats: make(map[string]int),
	}
}

// Maintain promotes due scheduled jobs and reclaims expired leases. Reclaimed
// jobs go back to queued in Postgres so their ownership is visibly released.
func (d *Dispatcher) Maintain(ctx context.Context) {
	now := time.Now()
	_, _ = d.queue.PromoteScheduled(ctx, now, int64(d.cfg.ScheduledBatchSize))
	if reclaimed, _ := d.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		for _, id := range reclaimed {
			_ = d.store.MarkJobQueued(ctx, id, now)
		}
		d.log.Warn("reclaimed expired leases", zap.Int("count", len(reclaimed)))
	}
	if depth, err := d.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	d.reconcile(ctx, now)
}

// reconcile restores queued Postgres rows that Redis has lost track of (a
// failed Enqueue at launch, a store error during processing). Runs at a low
// fixed interval; Requeue refuses duplicates, so over-scanning is harmless.
func (d *Dispatcher) reconcile(ctx context.Context, now time.Time) {
	d.reconMu.Lock()
	if now.Sub(d.lastRecon) < d.cfg.ReconcileInterval {
		d.reconMu.Unlock()
		return
	}
	d.lastRecon = now
	d.reconMu.Unlock()

	stale, err := d.store.StaleQueuedJobs(ctx, now.Add(-d.cfg.ReconcileGrace), 100)
	if err != nil {
		d.log.Error("reconcile scan", zap.Error(err))
		return
	}
	requeued := 0
	for _, j := range stale {
		added, err := d.queue.Requeue(ctx, j.ID, j.CampaignID, j.Priority)
		if err != nil {
			d.log.Error("requeue job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		if added {
			requeued++
		}
	}
	if requeued > 0 {
		d.log.Warn("requeued jobs missing from redis", zap.Int("count", requeued))
	}
}

// DispatchNext pulls and processes one job. Returns false when the queue was
// empty so the caller can sleep.
func (d *Dispatcher) DispatchNext(ctx context.Context) (bool, error) {
	jobID, err := d.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	d.process(ctx, jobID)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, jobID string) {
	job, err := d.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Row is gone (campaign deleted); drop the queue entry.
		_ = d.queue.Remove(ctx, jobID, "")
		return
	}
	if err != nil {
		// Store hiccup: keep the job circulating, it must not be dropped.
		d.log.Error("load job", zap.String("job_id", jobID), zap.Error(err))
		_ = d.queue.Schedule(ctx, jobID, time.Now().Add(d.cfg.RecheckDelay))
		_ = d.queue.Ack(ctx, jobID)
		return
	}
	if models.JobTerminal(job.Status) {
		_ = d.queue.Remove(ctx, jobID, job.CampaignID)
		return
	}

	camp, err := d.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		d.log.Error("load campaign", zap.String("job_id", jobID), zap.Error(err))
		_ = d.queue.Schedule(ctx, jobID, time.Now().Add(d.cfg.RecheckDelay))
		_ = d.queue.Ack(ctx, jobID)
		return
	}

	switch camp.Status {
	case models.CampaignPaused:
		// Campaign-scoped dequeue filter: parked jobs sit out until resume.
		_ = d.queue.Park(ctx, jobID, job.CampaignID)
		return
	case models.CampaignCancelled, models.CampaignCompleted:
		_ = d.store.MarkJobCancelled(ctx, jobID)
		_ = d.queue.Remove(ctx, jobID, job.CampaignID)
		_ = d.agg.JobFinished(ctx, job.CampaignID)
		return
	}

	if d.tenantBlocked(job.TenantID) {
		_ = d.queue.Park(ctx, jobID, job.CampaignID)
		return
	}

	ok, err := d.adm.Acquire(ctx, job.TenantID, job.ID)
	if err != nil {
		d.log.Error("admission check", zap.String("job_id", jobID), zap.Error(err))
		_ = d.queue.Schedule(ctx, jobID, time.Now().Add(d.cfg.RecheckDelay))
		_ = d.queue.Ack(ctx, jobID)
		return
	}
	if !ok {
		// Denied: back off briefly without burning a retry.
		telemetry.AdmissionDenied.Inc()
		_ = d.queue.Schedule(ctx, jobID, time.Now().Add(d.cfg.RecheckDelay))
		_ = d.queue.Ack(ctx, jobID)
		return
	}
	defer func() { _ = d.adm.Release(ctx, job.TenantID, job.ID) }()

	creds, err := d.creds.Resolve(ctx, job.TenantID)
	if err != nil {
		if errors.Is(err, transport.ErrNotConfigured) {
			d.failTenant(ctx, job, "transport credentials not configured")
			return
		}
		d.log.Error("resolve credentials", zap.String("tenant_id", job.TenantID), zap.Error(err))
		_ = d.queue.Schedule(ctx, jobID, time.Now().Add(d.cfg.RecheckDelay))
		_ = d.queue.Ack(ctx, jobID)
		return
	}

	_ = d.store.MarkJobProcessing(ctx, job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			_ = d.store.MarkJobQueued(ctx, job.ID, time.Now())
			_ = d.queue.Schedule(ctx, job.ID, time.Now())
			_ = d.queue.Ack(ctx, job.ID)
			return
		}
	}

	body := job.Body
	if body == "" {
		body = camp.Template
	}

	// A slow provider call must not outlive the lease.
	_ = d.queue.ExtendLease(ctx, job.ID, d.cfg.SendTimeout+d.cfg.VisibilityTimeout)

	// The send itself is never interrupted mid-call; the timeout is the only
	// bound, so a pause or cancel lands at the next checkpoint.
	sendCtx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	msgID, sendErr := d.senders(creds).Send(sendCtx, job.RecipientPhone, body)
	cancel()

	if sendErr == nil {
		d.completeSend(ctx, job, msgID)
		return
	}
	d.handleSendError(ctx, job, sendErr)
}

func (d *Dispatcher) completeSend(ctx context.Context, job models.Job, msgID string) {
	now := time.Now().UTC()
	_ = d.store.MarkJobSent(ctx, job.ID, msgID, now)
	d.audit(ctx, job, models.JobSent, "provider_msg_id="+msgID)
	_ = d.queue.Remove(ctx, job.ID, job.CampaignID)
	telemetry.MessagesSent.Inc()
	d.recordSend(job.CampaignID)
	d.publishJobEvent(ctx, events.TopicJobCompleted, job, models.JobSent, "")
	if err := d.agg.JobFinished(ctx, job.CampaignID); err != nil {
		d.log.Error("aggregate after send", zap.String("campaign_id", job.CampaignID), zap.Error(err))
	}
	d.log.Info("message sent",
		zap.String("job_id", job.ID),
		zap.String("campaign_id", job.CampaignID),
		zap.String("tenant_id", job.TenantID),
	)
}

func (d *Dispatcher) handleSendError(ctx context.Context, job models.Job, sendErr error) {
	kind := transport.KindOf(sendErr)
	switch kind {
	case transport.KindAuthFailed:
		d.audit(ctx, job, "config_error", sendErr.Error())
		d.failTenant(ctx, job, sendErr.Error())
		return

	case transport.KindInvalidRecipient:
		_ = d.store.MarkJobFailed(ctx, job.ID, sendErr.Error())
		d.audit(ctx, job, models.JobFailed, sendErr.Error())
		_ = d.queue.Remove(ctx, job.ID, job.CampaignID)
		telemetry.MessagesFailed.Inc()
		d.publishJobEvent(ctx, events.TopicJobFailed, job, models.JobFailed, sendErr.Error())
		_ = d.agg.JobFinished(ctx, job.CampaignID)
		return

	case transport.KindRateLimited:
		// Provider pushed back: widen this tenant's pacing gap reactively.
		_ = d.adm.Penalize(ctx, job.TenantID, d.cfg.ThrottlePenalty)
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}
	retryCount := job.RetryCount + 1
	if retryCount >= maxRetries {
		_ = d.store.MarkJobDead(ctx, job.ID, sendErr.Error())
		d.audit(ctx, job, models.JobDead, sendErr.Error())
		_ = d.queue.Remove(ctx, job.ID, job.CampaignID)
		_ = d.queue.DLQPush(ctx, job.ID)
		telemetry.MessagesDead.Inc()
		d.publishJobEvent(ctx, events.TopicJobFailed, job, models.JobDead, sendErr.Error())
		_ = d.agg.JobFinished(ctx, job.CampaignID)
		d.log.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", retryCount),
			zap.Error(sendErr),
		)
		return
	}

	nextRun := time.Now().Add(pacing.Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax, job.RetryCount))
	_ = d.store.UpdateJobRetry(ctx, job.ID, retryCount, nextRun, sendErr.Error())
	d.audit(ctx, job, "retry", sendErr.Error())
	_ = d.queue.Schedule(ctx, job.ID, nextRun)
	_ = d.queue.Ack(ctx, job.ID)
	telemetry.MessagesRetried.Inc()
	d.log.Info("retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", retryCount),
		zap.Time("next_run", nextRun),
	)
}

// failTenant handles configuration errors: stop dispatching for this tenant
// for the rest of the run, keep the job queued, and surface the failure on
// the campaign.
func (d *Dispatcher) failTenant(ctx context.Context, job models.Job, msg string) {
	d.mu.Lock()
	d.blocked[job.TenantID] = time.Now().Add(d.cfg.AdmissionSlotTTL)
	d.mu.Unlock()

	_ = d.store.MarkJobQueued(ctx, job.ID, time.Now())
	_ = d.queue.Park(ctx, job.ID, job.CampaignID)
	if err := d.agg.ReportTenantFailure(ctx, job.CampaignID, msg); err != nil {
		d.log.Error("report tenant failure", zap.String("campaign_id", job.CampaignID), zap.Error(err))
	}
	telemetry.TenantFailures.Inc()
	d.log.Error("tenant dispatch halted",
		zap.String("tenant_id", job.TenantID),
		zap.String("campaign_id", job.CampaignID),
		zap.String("reason", msg),
	)
}

func (d *Dispatcher) tenantBlocked(tenantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.blocked[tenantID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(d.blocked, tenantID)
		return false
	}
	return true
}

func (d *Dispatcher) audit(ctx context.Context, job models.Job, status, response string) {
	if err := d.store.AppendAudit(ctx, models.AuditLogEntry{
		TenantID:         job.TenantID,
		CampaignID:       job.CampaignID,
		JobID:            job.ID,
		Phone:            job.RecipientPhone,
		Status:           status,
		ProviderResponse: response,
	}); err != nil {
		d.log.Error("append audit", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (d *Dispatcher) publishJobEvent(ctx context.Context, topic string, job models.Job, status, reason string) {
	if d.pub == nil {
		return
	}
	_ = d.pub.Publish(ctx, topic, events.JobEvent{
		CampaignID: job.CampaignID,
		JobID:      job.ID,
		Phone:      job.RecipientPhone,
		Status:     status,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (d *Dispatcher) recordSend(campaignID string) {
	d.statsMu.Lock()
	d.sendStats[campaignID]++
	d.statsMu.Unlock()
}

// drainSendStats returns and resets the per-campaign send counts since the
// last heartbeat.
func (d *Dispatcher) drainSendStats() map[string]int {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	out := d.sendStats
	d.sendStats = make(map[string]int)
	return out
}
