package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/models"
)

// ErrNotFound is returned when a campaign or job does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. The relational tables are the
// single source of truth; Redis coordination state is always reconcilable
// from here.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the pool is usable. Used by boot-time connection retry.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- campaigns ---

// CreateCampaignParams collects inputs required to insert a campaign.
type CreateCampaignParams struct {
	TenantID   string
	Name       string
	Template   string
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// CreateCampaign inserts a draft campaign and returns it.
func (s *Store) CreateCampaign(ctx context.Context, p CreateCampaignParams) (models.Campaign, error) {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, status, template, min_delay_ms, max_delay_ms, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.TenantID, p.Name, models.CampaignDraft, p.Template, p.MinDelay.Milliseconds(), p.MaxDelay.Milliseconds(), p.MaxRetries, now)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return models.Campaign{
		ID:         id,
		TenantID:   p.TenantID,
		Name:       p.Name,
		Status:     models.CampaignDraft,
		Template:   p.Template,
		MinDelay:   p.MinDelay,
		MaxDelay:   p.MaxDelay,
		MaxRetries: p.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

const campaignColumns = `id, tenant_id, name, status, template, min_delay_ms, max_delay_ms, max_retries,
	total_messages, sent_messages, delivered_messages, failed_messages, last_error,
	created_at, updated_at, launched_at, finished_at`

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var c models.Campaign
	var minMs, maxMs int64
	var lastErr pgtype.Text
	var launched, finished pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Status, &c.Template, &minMs, &maxMs, &c.MaxRetries,
		&c.TotalMessages, &c.SentMessages, &c.DeliveredMessages, &c.FailedMessages, &lastErr,
		&c.CreatedAt, &c.UpdatedAt, &launched, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, ErrNotFound
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	c.MinDelay = time.Duration(minMs) * time.Millisecond
	c.MaxDelay = time.Duration(maxMs) * time.Millisecond
	c.LastError = textPtr(lastErr)
	c.LaunchedAt = tsPtr(launched)
	c.FinishedAt = tsPtr(finished)
	return c, nil
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// UpdateCampaignStatus performs a guarded transition: the row only changes
// when its current status equals from. Returns ErrNotFound when the guard
// fails, which keeps concurrent transitions serialized by the database.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id, from, to string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCampaignError records a campaign-level error message (configuration
// failures surfaced by the worker).
func (s *Store) SetCampaignError(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET last_error = $2, updated_at = NOW() WHERE id = $1
	`, id, msg)
	return err
}

// MarkCampaignLaunched stamps launch metadata when a draft goes active.
func (s *Store) MarkCampaignLaunched(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, total_messages = $3, last_error = NULL, launched_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.CampaignActive, total)
	return err
}

// UpdateCampaignCounters overwrites the aggregate counters from a recount.
func (s *Store) UpdateCampaignCounters(ctx context.Context, id string, c models.Counters) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET sent_messages = $2, delivered_messages = $3, failed_messages = $4, updated_at = NOW()
		WHERE id = $1
	`, id, c.Sent, c.Delivered, c.Failed+c.Dead)
	return err
}

// MarkCampaignFinished stamps the terminal transition time.
func (s *Store) MarkCampaignFinished(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, finished_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// DeleteCampaign removes a campaign and, via cascade, its recipients and jobs.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- recipients ---

// AddRecipients bulk-inserts launch input rows, skipping duplicates.
func (s *Store) AddRecipients(ctx context.Context, campaignID string, recipients []models.Recipient) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	added := 0
	for _, r := range recipients {
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			return 0, fmt.Errorf("marshal variables: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO campaign_recipients (id, campaign_id, phone, variables)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (campaign_id, phone) DO NOTHING
		`, uuid.New().String(), campaignID, r.Phone, vars)
		if err != nil {
			return 0, fmt.Errorf("insert recipient: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

// ListRecipients returns a campaign's launch input in insertion order.
func (s *Store) ListRecipients(ctx context.Context, campaignID string) ([]models.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, phone, variables, created_at
		FROM campaign_recipients WHERE campaign_id = $1 ORDER BY created_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var vars []byte
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Phone, &vars, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if err := json.Unmarshal(vars, &r.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- jobs ---

// CreateJobs bulk-inserts one job per recipient inside a transaction.
func (s *Store) CreateJobs(ctx context.Context, jobs []models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, j := range jobs {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, campaign_id, tenant_id, recipient_phone, body, status, retry_count, max_retries, priority, scheduled_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, NOW(), NOW())
			ON CONFLICT (campaign_id, recipient_phone) DO NOTHING
		`, j.ID, j.CampaignID, j.TenantID, j.RecipientPhone, j.Body, models.JobQueued, j.MaxRetries, j.Priority, j.ScheduledAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const jobColumns = `id, campaign_id, tenant_id, recipient_phone, body, status, retry_count, max_retries,
	priority, scheduled_at, sent_at, provider_msg_id, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var sentAt pgtype.Timestamptz
	var msgID, lastErr pgtype.Text
	err := row.Scan(&j.ID, &j.CampaignID, &j.TenantID, &j.RecipientPhone, &j.Body, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.Priority, &j.ScheduledAt, &sentAt, &msgID, &lastErr,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.SentAt = tsPtr(sentAt)
	j.ProviderMsgID = textPtr(msgID)
	j.LastError = textPtr(lastErr)
	return j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// MarkJobProcessing transitions a queued job into processing.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.JobProcessing)
	return err
}

// MarkJobQueued resets a job to queued, e.g. after a reclaimed lease or an
// admission denial.
func (s *Store) MarkJobQueued(ctx context.Context, id string, scheduledAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, scheduled_at = $3, updated_at = NOW() WHERE id = $1
	`, id, models.JobQueued, scheduledAt)
	return err
}

// MarkJobSent records a successful dispatch.
func (s *Store) MarkJobSent(ctx context.Context, id, providerMsgID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, sent_at = $3, provider_msg_id = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobSent, at, providerMsgID)
	return err
}

// MarkJobFailed is terminal without retry (recipient errors).
func (s *Store) MarkJobFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.JobFailed, reason)
	return err
}

// MarkJobDead is terminal after retry exhaustion.
func (s *Store) MarkJobDead(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.JobDead, reason)
	return err
}

// UpdateJobRetry re-queues a transient failure with bumped retry count.
func (s *Store) UpdateJobRetry(ctx context.Context, id string, retryCount int, nextRun time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = $3, scheduled_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobQueued, retryCount, nextRun, reason)
	return err
}

// MarkJobCancelled discards a single job that surfaced after its campaign
// was cancelled.
func (s *Store) MarkJobCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.JobCancelled)
	return err
}

// CancelQueuedJobs marks every still-queued job of a campaign cancelled and
// returns the affected ids so the queue entries can be discarded too.
func (s *Store) CancelQueuedJobs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE campaign_id = $1 AND status = $3
		RETURNING id
	`, campaignID, models.JobCancelled, models.JobQueued)
	if err != nil {
		return nil, fmt.Errorf("cancel queued jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountJobsByStatus runs the single grouped count the aggregator relies on.
func (s *Store) CountJobsByStatus(ctx context.Context, campaignID string) (models.Counters, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return models.Counters{}, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	var c models.Counters
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.Counters{}, fmt.Errorf("scan status count: %w", err)
		}
		c.Total += n
		switch status {
		case models.JobSent:
			c.Sent += n
			c.Delivered += n
		case models.JobFailed:
			c.Failed += n
		case models.JobDead:
			c.Dead += n
		case models.JobCancelled:
			c.Cancelled += n
		default:
			c.Pending += n
		}
	}
	return c, rows.Err()
}

// RecentJobs lists a campaign's most recently updated jobs.
func (s *Store) RecentJobs(ctx context.Context, campaignID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE campaign_id = $1
		ORDER BY updated_at DESC LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// StaleQueuedJobs lists jobs still queued in Postgres whose scheduled time is
// long past. The reconciliation sweep re-enqueues any of them that Redis has
// lost track of; the Job table wins when the two disagree.
func (s *Store) StaleQueuedJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND scheduled_at < $2
		ORDER BY scheduled_at LIMIT $3
	`, models.JobQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale queued jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- audit ---

// AppendAudit writes one immutable send-attempt record. Callers append the
// audit row before touching counters so a crash between the two is
// recoverable from job state.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, campaign_id, job_id, phone, status, provider_response, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.TenantID, e.CampaignID, e.JobID, e.Phone, e.Status, e.ProviderResponse)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
