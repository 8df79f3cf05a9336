// Package admission gate-keeps per-tenant dispatch: at most N jobs in flight
// per tenant, and at least one pacing gap between consecutive dispatches.
// State lives in a shared store with per-slot TTLs so a crashed worker cannot
// leak a slot forever; the Job table stays authoritative when they disagree.
package admission

import (
	"context"
	"time"
)

// Stats is the observable admission state for one tenant.
type Stats struct {
	ActiveCount    int       `json:"active_count"`
	LastDispatchAt time.Time `json:"last_dispatch_at"`
}

// Store is the shared admission state. Acquire must be atomic: the
// count-check and the slot reservation happen in a single round trip, so the
// concurrency cap can never be overshot. Under-admitting briefly is fine;
// over-admitting is not.
type Store interface {
	// Acquire reserves a dispatch slot for jobID if the tenant is under its
	// concurrency cap and past its pacing gap. Returns false when denied.
	Acquire(ctx context.Context, tenantID, jobID string) (bool, error)
	// Release frees the slot held by jobID. Safe to call for expired slots.
	Release(ctx context.Context, tenantID, jobID string) error
	// Stats reports the tenant's current active count and last dispatch time.
	Stats(ctx context.Context, tenantID string) (Stats, error)
	// Penalize pushes the tenant's last-dispatch timestamp forward, widening
	// the effective gap. Used when the provider signals throttling.
	Penalize(ctx context.Context, tenantID string, d time.Duration) error
}

// Limits configures a Store.
type Limits struct {
	MaxConcurrency int
	MinGap         time.Duration
	SlotTTL        time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = 5
	}
	if l.MinGap <= 0 {
		l.MinGap = 5 * time.Second
	}
	if l.SlotTTL <= 0 {
		l.SlotTTL = 5 * time.Minute
	}
	return l
}
