package campaign

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/events"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/models"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/store"
)

// --- fakes ---

type fakeStore struct {
	campaigns  map[string]*models.Campaign
	recipients map[string][]models.Recipient
	jobs       map[string]*models.Job
	jobOrder   []string
	finishes   []string
	deleted    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  make(map[string]*models.Campaign),
		recipients: make(map[string][]models.Recipient),
		jobs:       make(map[string]*models.Job),
	}
}

func (f *fakeStore) CreateCampaign(_ context.Context, p store.CreateCampaignParams) (models.Campaign, error) {
	c := models.Campaign{
		ID:         uuid.New().String(),
		TenantID:   p.TenantID,
		Name:       p.Name,
		Template:   p.Template,
		Status:     models.CampaignDraft,
		MinDelay:   p.MinDelay,
		MaxDelay:   p.MaxDelay,
		MaxRetries: p.MaxRetries,
		CreatedAt:  time.Now(),
	}
	f.campaigns[c.ID] = &c
	return c, nil
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (models.Campaign, error) {
	if c, ok := f.campaigns[id]; ok {
		return *c, nil
	}
	return models.Campaign{}, store.ErrNotFound
}

func (f *fakeStore) UpdateCampaignStatus(_ context.Context, id, from, to string) error {
	c, ok := f.campaigns[id]
	if !ok || c.Status != from {
		return store.ErrNotFound
	}
	c.Status = to
	return nil
}

func (f *fakeStore) SetCampaignError(_ context.Context, id, msg string) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastError = &msg
	return nil
}

func (f *fakeStore) MarkCampaignLaunched(_ context.Context, id string, total int) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	c.Status = models.CampaignActive
	c.TotalMessages = total
	c.LastError = nil
	c.LaunchedAt = &now
	return nil
}

func (f *fakeStore) UpdateCampaignCounters(_ context.Context, id string, counters models.Counters) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.SentMessages = counters.Sent
	c.DeliveredMessages = counters.Delivered
	c.FailedMessages = counters.Failed + counters.Dead
	return nil
}

func (f *fakeStore) MarkCampaignFinished(_ context.Context, id, status string) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	c.Status = status
	c.FinishedAt = &now
	f.finishes = append(f.finishes, status)
	return nil
}

func (f *fakeStore) DeleteCampaign(_ context.Context, id string) error {
	delete(f.campaigns, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) AddRecipients(_ context.Context, campaignID string, recipients []models.Recipient) (int, error) {
	seen := make(map[string]bool)
	for _, r := range f.recipients[campaignID] {
		seen[r.Phone] = true
	}
	added := 0
	for _, r := range recipients {
		if seen[r.Phone] {
			continue
		}
		seen[r.Phone] = true
		f.recipients[campaignID] = append(f.recipients[campaignID], r)
		added++
	}
	return added, nil
}

func (f *fakeStore) ListRecipients(_ context.Context, campaignID string) ([]models.Recipient, error) {
	return f.recipients[campaignID], nil
}

func (f *fakeStore) CreateJobs(_ context.Context, jobs []models.Job) error {
	for i := range jobs {
		j := jobs[i]
		if j.Status == "" {
			j.Status = models.JobQueued
		}
		f.jobs[j.ID] = &j
		f.jobOrder = append(f.jobOrder, j.ID)
	}
	return nil
}

func (f *fakeStore) CancelQueuedJobs(_ context.Context, campaignID string) ([]string, error) {
	var ids []string
	for _, id := range f.jobOrder {
		j := f.jobs[id]
		if j.CampaignID == campaignID && j.Status == models.JobQueued {
			j.Status = models.JobCancelled
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) CountJobsByStatus(_ context.Context, campaignID string) (models.Counters, error) {
	var c models.Counters
	for _, j := range f.jobs {
		if j.CampaignID != campaignID {
			continue
		}
		c.Total++
		switch j.Status {
		case models.JobSent:
			c.Sent++
			c.Delivered++
		case models.JobFailed:
			c.Failed++
		case models.JobDead:
			c.Dead++
		case models.JobCancelled:
			c.Cancelled++
		default:
			c.Pending++
		}
	}
	return c, nil
}

func (f *fakeStore) RecentJobs(_ context.Context, campaignID string, limit int) ([]models.Job, error) {
	var out []models.Job
	for i := len(f.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		j := f.jobs[f.jobOrder[i]]
		if j.CampaignID == campaignID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeStore) orderedJobs(campaignID string) []models.Job {
	var out []models.Job
	for _, id := range f.jobOrder {
		if j := f.jobs[id]; j.CampaignID == campaignID {
			out = append(out, *j)
		}
	}
	return out
}

type fakeQueue struct {
	enqueued  []string
	notBefore map[string]time.Time
	removed   []string
	resumes   int
	drops     int
	parked    int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{notBefore: make(map[string]time.Time)}
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _, _ string, notBefore time.Time) error {
	q.enqueued = append(q.enqueued, jobID)
	q.notBefore[jobID] = notBefore
	return nil
}

func (q *fakeQueue) ResumeParked(_ context.Context, _ string) (int, error) {
	q.resumes++
	n := q.parked
	q.parked = 0
	return n, nil
}

func (q *fakeQueue) DropParked(_ context.Context, _ string) error {
	q.drops++
	q.parked = 0
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, jobID, _ string) error {
	q.removed = append(q.removed, jobID)
	return nil
}

// --- harness ---

func newTestService() (*Service, *fakeStore, *fakeQueue, *events.Collector) {
	st := newFakeStore()
	q := newFakeQueue()
	pub := events.NewCollector()
	return NewService(st, q, pub, nil), st, q, pub
}

func mustCreate(t *testing.T, svc *Service, tenant string, minDelay, maxDelay time.Duration) models.Campaign {
	t.Helper()
	c, err := svc.Create(context.Background(), CreateParams{
		TenantID:   tenant,
		Name:       "spring promo",
		Template:   "Hi {name}, sale at {city}!",
		MinDelay:   minDelay,
		MaxDelay:   maxDelay,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func seedRecipients(t *testing.T, svc *Service, tenant, id string, n int) {
	t.Helper()
	recs := make([]models.Recipient, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, models.Recipient{
			Phone:     "+1555000" + string(rune('0'+i)),
			Variables: map[string]string{"name": "Alice", "city": "Nairobi"},
		})
	}
	if _, err := svc.AddRecipients(context.Background(), tenant, id, recs); err != nil {
		t.Fatalf("add recipients: %v", err)
	}
}

// --- tests ---

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{TenantID: "t1", Template: "x"}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := svc.Create(ctx, CreateParams{TenantID: "t1", Name: "x"}); err == nil {
		t.Fatal("expected error for missing template")
	}
	c := mustCreate(t, svc, "t1", time.Second, 2*time.Second)
	if c.Status != models.CampaignDraft {
		t.Fatalf("new campaign status %s, want draft", c.Status)
	}
}

func TestTenantIsolation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Second, 2*time.Second)

	if _, err := svc.Get(ctx, "t2", c.ID); !errors.Is(err, ErrWrongTenant) {
		t.Fatalf("cross-tenant get: %v, want ErrWrongTenant", err)
	}
	if err := svc.Pause(ctx, "t2", c.ID); !errors.Is(err, ErrWrongTenant) {
		t.Fatalf("cross-tenant pause: %v, want ErrWrongTenant", err)
	}
}

func TestLaunchSchedulesPacedJobs(t *testing.T) {
	svc, st, q, _ := newTestService()
	ctx := context.Background()
	minDelay, maxDelay := 100*time.Millisecond, 200*time.Millisecond
	c := mustCreate(t, svc, "t1", minDelay, maxDelay)
	seedRecipients(t, svc, "t1", c.ID, 5)

	res, err := svc.Launch(ctx, "t1", c.ID)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.TotalMessages != 5 {
		t.Fatalf("total %d, want 5", res.TotalMessages)
	}
	wantEst := (5 * 150 * time.Millisecond).Minutes()
	if math.Abs(res.EstimatedMinutes-wantEst) > 1e-9 {
		t.Fatalf("estimate %v, want %v", res.EstimatedMinutes, wantEst)
	}

	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignActive || got.TotalMessages != 5 {
		t.Fatalf("campaign after launch: status=%s total=%d", got.Status, got.TotalMessages)
	}
	if len(q.enqueued) != 5 {
		t.Fatalf("enqueued %d jobs, want 5", len(q.enqueued))
	}

	jobs := st.orderedJobs(c.ID)
	prev := time.Time{}
	for i, j := range jobs {
		if j.Body != "Hi Alice, sale at Nairobi!" {
			t.Fatalf("job %d body %q not rendered", i, j.Body)
		}
		if j.MaxRetries != 3 {
			t.Fatalf("job %d max retries %d, want 3", i, j.MaxRetries)
		}
		if i > 0 {
			gap := j.ScheduledAt.Sub(prev)
			if gap < minDelay || gap > maxDelay {
				t.Fatalf("job %d gap %v outside [%v, %v]", i, gap, minDelay, maxDelay)
			}
		}
		prev = j.ScheduledAt
	}
}

func TestLaunchRejectsInvertedPacingWindow(t *testing.T) {
	svc, st, q, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", 2*time.Second, time.Second)
	seedRecipients(t, svc, "t1", c.ID, 2)

	if _, err := svc.Launch(ctx, "t1", c.ID); err == nil {
		t.Fatal("expected error for min > max")
	}
	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignDraft {
		t.Fatalf("failed launch must leave campaign draft, got %s", got.Status)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("failed launch enqueued %d jobs", len(q.enqueued))
	}
}

func TestLaunchRequiresRecipients(t *testing.T) {
	svc, _, _, _ := newTestService()
	c := mustCreate(t, svc, "t1", time.Second, 2*time.Second)
	if _, err := svc.Launch(context.Background(), "t1", c.ID); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
}

func TestLaunchOnlyFromDraft(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 1)

	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, err := svc.Launch(ctx, "t1", c.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second launch: %v, want ErrBadTransition", err)
	}
	if _, err := svc.AddRecipients(ctx, "t1", c.ID, []models.Recipient{{Phone: "+1999"}}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("add recipients after launch: %v, want ErrBadTransition", err)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	svc, st, q, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 1)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := svc.Pause(ctx, "t1", c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := svc.Pause(ctx, "t1", c.ID); err != nil {
		t.Fatalf("second pause must be a no-op: %v", err)
	}
	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignPaused {
		t.Fatalf("status %s, want paused", got.Status)
	}

	if err := svc.Resume(ctx, "t1", c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := svc.Resume(ctx, "t1", c.ID); err != nil {
		t.Fatalf("second resume must be a no-op: %v", err)
	}
	got, _ = st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignActive {
		t.Fatalf("status %s, want active", got.Status)
	}
	// Only the real resume drains the parking list.
	if q.resumes != 1 {
		t.Fatalf("parked jobs drained %d times, want 1", q.resumes)
	}
}

func TestPauseDraftRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	c := mustCreate(t, svc, "t1", time.Second, 2*time.Second)
	if err := svc.Pause(context.Background(), "t1", c.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("pause draft: %v, want ErrBadTransition", err)
	}
}

func TestCancelDiscardsQueuedKeepsFinished(t *testing.T) {
	svc, st, q, pub := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 4)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// One job already went out before the cancel.
	sentID := st.jobOrder[0]
	st.jobs[sentID].Status = models.JobSent

	if err := svc.Cancel(ctx, "t1", c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignCancelled {
		t.Fatalf("status %s, want cancelled", got.Status)
	}
	if len(q.removed) != 3 {
		t.Fatalf("removed %d queue entries, want 3", len(q.removed))
	}
	if q.drops != 1 {
		t.Fatalf("parking list dropped %d times, want 1", q.drops)
	}
	counters, _ := st.CountJobsByStatus(ctx, c.ID)
	if counters.Sent != 1 || counters.Cancelled != 3 {
		t.Fatalf("counters after cancel: %+v", counters)
	}
	if got := pub.ByTopic(events.TopicCampaignProgress); len(got) != 1 {
		t.Fatalf("progress events %d, want 1", len(got))
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 1)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := svc.Cancel(ctx, "t1", c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Cancel(ctx, "t1", c.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("cancel of cancelled: %v, want ErrBadTransition", err)
	}
}

func TestDeleteRefusedWhileActive(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 1)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := svc.Delete(ctx, "t1", c.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("delete active: %v, want ErrBadTransition", err)
	}
	if err := svc.Cancel(ctx, "t1", c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Delete(ctx, "t1", c.ID); err != nil {
		t.Fatalf("delete cancelled: %v", err)
	}
	if len(st.deleted) != 1 {
		t.Fatalf("deleted %d campaigns, want 1", len(st.deleted))
	}
}

func TestJobFinishedCompletesCampaign(t *testing.T) {
	svc, st, _, pub := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 3)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Two down, one to go: campaign must stay active.
	st.jobs[st.jobOrder[0]].Status = models.JobSent
	st.jobs[st.jobOrder[1]].Status = models.JobFailed
	if err := svc.JobFinished(ctx, c.ID); err != nil {
		t.Fatalf("job finished: %v", err)
	}
	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignActive {
		t.Fatalf("status %s with pending jobs, want active", got.Status)
	}
	if got.SentMessages != 1 || got.FailedMessages != 1 {
		t.Fatalf("counters sent=%d failed=%d, want 1/1", got.SentMessages, got.FailedMessages)
	}

	// Last job lands: campaign auto-completes exactly once.
	st.jobs[st.jobOrder[2]].Status = models.JobSent
	if err := svc.JobFinished(ctx, c.ID); err != nil {
		t.Fatalf("final job finished: %v", err)
	}
	got, _ = st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Fatalf("status %s, want completed", got.Status)
	}
	if err := svc.JobFinished(ctx, c.ID); err != nil {
		t.Fatalf("repeat job finished: %v", err)
	}
	if len(st.finishes) != 1 {
		t.Fatalf("campaign finished %d times, want 1", len(st.finishes))
	}
	// One progress event per JobFinished call.
	if got := pub.ByTopic(events.TopicCampaignProgress); len(got) != 3 {
		t.Fatalf("progress events %d, want 3", len(got))
	}
}

func TestJobFinishedDoesNotReviveCancelled(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 2)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// One job was in flight when the cancel landed; it settles afterwards.
	inflightID := st.jobOrder[0]
	st.jobs[inflightID].Status = models.JobProcessing
	if err := svc.Cancel(ctx, "t1", c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st.jobs[inflightID].Status = models.JobSent
	if err := svc.JobFinished(ctx, c.ID); err != nil {
		t.Fatalf("job finished: %v", err)
	}

	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignCancelled {
		t.Fatalf("late settle flipped campaign to %s, want cancelled", got.Status)
	}
	if got.SentMessages != 1 {
		t.Fatalf("late send not counted: sent=%d", got.SentMessages)
	}
}

func TestReportTenantFailurePausesCampaign(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 1)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := svc.ReportTenantFailure(ctx, c.ID, "invalid api key"); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	got, _ := st.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignPaused {
		t.Fatalf("status %s, want paused", got.Status)
	}
	if got.LastError == nil || *got.LastError != "invalid api key" {
		t.Fatalf("last error not recorded: %v", got.LastError)
	}

	// Already paused: recording again must not error.
	if err := svc.ReportTenantFailure(ctx, c.ID, "still broken"); err != nil {
		t.Fatalf("repeat report: %v", err)
	}
}

func TestStatusView(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	c := mustCreate(t, svc, "t1", time.Millisecond, 2*time.Millisecond)
	seedRecipients(t, svc, "t1", c.ID, 3)
	if _, err := svc.Launch(ctx, "t1", c.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	st.jobs[st.jobOrder[0]].Status = models.JobSent

	view, err := svc.Status(ctx, "t1", c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Counters.Total != 3 || view.Counters.Sent != 1 || view.Counters.Pending != 2 {
		t.Fatalf("counters %+v", view.Counters)
	}
	if len(view.RecentJobs) != 3 {
		t.Fatalf("recent jobs %d, want 3", len(view.RecentJobs))
	}
}
