package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tidewater/outreach/internal/db"
	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/models"
	"github.com/tidewater/outreach/internal/repository"
)

// fakeQueue collects enqueued jobs for inspection.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []*dispatch.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *dispatch.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*dispatch.Job, error) { return nil, nil }
func (q *fakeQueue) Update(ctx context.Context, job *dispatch.Job) error {
	return nil
}
func (q *fakeQueue) Stats(ctx context.Context) (*dispatch.Stats, error) {
	return &dispatch.Stats{}, nil
}
func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) ofType(jobType string) []*dispatch.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*dispatch.Job
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type engineHarness struct {
	conn      *sql.DB
	campaigns *repository.CampaignRepository
	sequences *repository.SequenceRepository
	leads     *repository.LeadRepository
	accounts  *repository.AccountRepository
	records   *repository.SendRecordRepository
	queue     *fakeQueue
	agg       *Aggregator
	batch     *BatchProcessor
	ctrl      *Controller
}

func setupEngine(t *testing.T) *engineHarness {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Each pooled connection would get its own in-memory database
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatal(err)
	}
	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	h := &engineHarness{
		conn:      conn,
		campaigns: repository.NewCampaignRepository(conn),
		sequences: repository.NewSequenceRepository(conn),
		leads:     repository.NewLeadRepository(conn),
		accounts:  repository.NewAccountRepository(conn),
		records:   repository.NewSendRecordRepository(conn),
		queue:     &fakeQueue{},
	}
	h.agg = NewAggregator(h.accounts, h.campaigns, h.leads,
		AggregatorConfig{FlushThreshold: 1000, FlushInterval: time.Hour}, discardLogger())
	h.batch = NewBatchProcessor(h.campaigns, h.sequences, h.leads, h.accounts, h.queue, h.agg,
		BatchProcessorConfig{BatchSize: 100, RecheckInterval: 5 * time.Minute}, discardLogger())
	h.ctrl = NewController(h.campaigns, h.sequences, h.leads, h.accounts, h.records,
		h.queue, h.batch, discardLogger())

	return h
}

// alwaysOpenSettings keeps the window permanently open so batch tests
// are independent of the wall clock.
func alwaysOpenSettings() models.CampaignSettings {
	return models.CampaignSettings{
		DailyLimit:      500,
		WindowStartHour: 0,
		WindowEndHour:   24,
		Timezone:        "UTC",
	}
}

// closedNowSettings returns a two-hour window guaranteed to exclude
// the current hour.
func closedNowSettings(now time.Time) models.CampaignSettings {
	start := (now.UTC().Hour() + 3) % 22
	return models.CampaignSettings{
		DailyLimit:      500,
		WindowStartHour: start,
		WindowEndHour:   start + 2,
		Timezone:        "UTC",
	}
}

func (h *engineHarness) createCampaign(t *testing.T, settings models.CampaignSettings) *models.Campaign {
	t.Helper()
	c := &models.Campaign{Name: "Test Campaign", Settings: settings}
	if err := h.campaigns.Create(context.Background(), c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

func (h *engineHarness) activate(t *testing.T, campaignID string) {
	t.Helper()
	if err := h.campaigns.UpdateStatus(context.Background(), campaignID, models.CampaignStatusActive); err != nil {
		t.Fatalf("failed to activate campaign: %v", err)
	}
}

func (h *engineHarness) addEmailStep(t *testing.T, campaignID string, order int, variants ...models.StepVariant) *models.SequenceStep {
	t.Helper()
	if len(variants) == 0 {
		variants = []models.StepVariant{{Subject: "Hi {{first_name}}", Body: "From {{sender_name}}"}}
	}
	step := &models.SequenceStep{
		CampaignID: campaignID,
		Order:      order,
		Type:       models.StepTypeEmail,
		Variants:   variants,
	}
	if err := h.sequences.CreateStep(context.Background(), step); err != nil {
		t.Fatalf("failed to create step: %v", err)
	}
	return step
}

func (h *engineHarness) addWaitStep(t *testing.T, campaignID string, order, days int) *models.SequenceStep {
	t.Helper()
	step := &models.SequenceStep{
		CampaignID: campaignID,
		Order:      order,
		Type:       models.StepTypeWait,
		DelayDays:  days,
	}
	if err := h.sequences.CreateStep(context.Background(), step); err != nil {
		t.Fatalf("failed to create wait step: %v", err)
	}
	return step
}

func (h *engineHarness) addLead(t *testing.T, campaignID, email string) *models.Lead {
	t.Helper()
	lead := &models.Lead{Email: email, FirstName: "Ada", Company: "Acme"}
	if err := h.leads.CreateLead(context.Background(), lead); err != nil {
		t.Fatalf("failed to create lead: %v", err)
	}
	if err := h.leads.Attach(context.Background(), campaignID, lead.ID); err != nil {
		t.Fatalf("failed to attach lead: %v", err)
	}
	return lead
}

func (h *engineHarness) addAccount(t *testing.T, campaignID, email string, dailyLimit, sentToday int) *models.SendingAccount {
	t.Helper()
	a := &models.SendingAccount{
		Email:      email,
		FromName:   "Sam",
		DailyLimit: dailyLimit,
		SentToday:  sentToday,
	}
	if err := h.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	if err := h.accounts.Assign(context.Background(), campaignID, a.ID); err != nil {
		t.Fatalf("failed to assign account: %v", err)
	}
	return a
}

type leadState struct {
	status     string
	stepIndex  int
	nextSendAt *time.Time
	lastSentAt *time.Time
}

func (h *engineHarness) leadState(t *testing.T, campaignID, leadID string) leadState {
	t.Helper()
	var s leadState
	var next, last sql.NullTime
	err := h.conn.QueryRow(`
		SELECT status, current_step_index, next_send_at, last_sent_at
		FROM campaign_leads WHERE campaign_id = ? AND lead_id = ?`,
		campaignID, leadID).Scan(&s.status, &s.stepIndex, &next, &last)
	if err != nil {
		t.Fatalf("failed to read lead state: %v", err)
	}
	if next.Valid {
		s.nextSendAt = &next.Time
	}
	if last.Valid {
		s.lastSentAt = &last.Time
	}
	return s
}

func sendPayload(t *testing.T, job *dispatch.Job) dispatch.SendPayload {
	t.Helper()
	var p dispatch.SendPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("failed to decode send payload: %v", err)
	}
	return p
}
