package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/events"
)

// Pool runs a fixed number of dispatch workers plus the queue maintenance
// and heartbeat loops. Worker count is global capacity; per-tenant fairness
// is the admission controller's job, and the two limits compose.
type Pool struct {
	d       *Dispatcher
	workers int
	log     *zap.Logger
}

// NewPool builds a pool around a shared dispatcher.
func NewPool(d *Dispatcher, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{d: d, workers: workers, log: log}
}

// Run blocks until the context is cancelled. In-flight sends finish their
// current attempt before the workers exit.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintainLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	p.log.Info("worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker shutting down", zap.Int("worker_id", id))
			return
		default:
		}

		dispatched, err := p.d.DispatchNext(ctx)
		if err != nil {
			p.log.Error("dispatch", zap.Int("worker_id", id), zap.Error(err))
		}
		if !dispatched {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.d.cfg.WorkerPollInterval):
			}
		}
	}
}

func (p *Pool) maintainLoop(ctx context.Context) {
	interval := p.d.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.d.Maintain(ctx)
		}
	}
}

// heartbeatLoop publishes low-frequency rate/ETA estimates per campaign that
// saw sends since the previous tick.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	interval := p.d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.emitHeartbeats(ctx, interval)
		}
	}
}

func (p *Pool) emitHeartbeats(ctx context.Context, window time.Duration) {
	stats := p.d.drainSendStats()
	if len(stats) == 0 || p.d.pub == nil {
		return
	}
	for campaignID, sends := range stats {
		counters, err := p.d.store.CountJobsByStatus(ctx, campaignID)
		if err != nil {
			p.log.Error("heartbeat count", zap.String("campaign_id", campaignID), zap.Error(err))
			continue
		}
		perMinute := float64(sends) / window.Minutes()
		hb := events.Heartbeat{
			CampaignID: campaignID,
			Pending:    counters.Pending,
			PerMinute:  perMinute,
			Timestamp:  time.Now().UTC(),
		}
		if perMinute > 0 {
			hb.EstimatedMinutes = float64(counters.Pending) / perMinute
		}
		_ = p.d.pub.Publish(ctx, events.TopicCampaignHeartbeat, hb)
	}
}
