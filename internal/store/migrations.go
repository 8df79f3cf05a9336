package store

import (
	"context"
	"fmt"
)

// migrations run in order at boot. Statements are idempotent so every
// process can apply them on startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		template TEXT NOT NULL DEFAULT '',
		min_delay_ms BIGINT NOT NULL DEFAULT 1000,
		max_delay_ms BIGINT NOT NULL DEFAULT 2000,
		max_retries INT NOT NULL DEFAULT 3,
		total_messages INT NOT NULL DEFAULT 0,
		sent_messages INT NOT NULL DEFAULT 0,
		delivered_messages INT NOT NULL DEFAULT 0,
		failed_messages INT NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		launched_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS campaign_recipients (
		id UUID PRIMARY KEY,
		campaign_id UUID NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		phone TEXT NOT NULL,
		variables JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (campaign_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		campaign_id UUID NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		tenant_id TEXT NOT NULL,
		recipient_phone TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		priority TEXT NOT NULL DEFAULT 'default',
		scheduled_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		provider_msg_id TEXT,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (campaign_id, recipient_phone)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_campaign_status ON jobs (campaign_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs (status, scheduled_at)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		campaign_id UUID NOT NULL,
		job_id UUID NOT NULL,
		phone TEXT NOT NULL,
		status TEXT NOT NULL,
		provider_response TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_campaign ON audit_log (campaign_id)`,
}

// RunMigrations applies the schema statements in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
