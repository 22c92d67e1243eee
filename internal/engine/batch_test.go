package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/models"
)

func TestProcessQueuesSendsAndAdvancesLeads(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	h.addWaitStep(t, c.ID, 1, 3)
	h.addEmailStep(t, c.ID, 2)
	lead := h.addLead(t, c.ID, "ada@acme.test")
	account := h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !result.Success {
		t.Error("result.Success = false")
	}
	if result.Details.LeadsProcessed != 1 || result.Details.EmailsQueued != 1 {
		t.Errorf("details = %+v, want 1 processed / 1 queued", result.Details)
	}
	if result.Details.NextBatchScheduled == nil {
		t.Error("no follow-up batch scheduled")
	}

	sends := h.queue.ofType(dispatch.TypeSend)
	if len(sends) != 1 {
		t.Fatalf("send jobs = %d, want 1", len(sends))
	}
	p := sendPayload(t, sends[0])
	if p.To != "ada@acme.test" || p.FromEmail != "out@mail.test" {
		t.Errorf("payload = %+v", p)
	}
	if p.Subject != "Hi Ada" {
		t.Errorf("subject = %q, want rendered subject", p.Subject)
	}
	if p.AccountID != account.ID {
		t.Errorf("account = %q, want %q", p.AccountID, account.ID)
	}

	s := h.leadState(t, c.ID, lead.ID)
	if s.status != models.CampaignLeadStatusInSequence {
		t.Errorf("lead status = %q, want in_sequence", s.status)
	}
	if s.stepIndex != 1 {
		t.Errorf("step index = %d, want 1", s.stepIndex)
	}
	if s.nextSendAt == nil {
		t.Error("nextSendAt not set after send")
	}
	if s.lastSentAt == nil {
		t.Error("lastSentAt not set after send")
	}

	// Forced flush landed the account increment
	got, err := h.accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SentToday != 1 {
		t.Errorf("SentToday = %d, want 1", got.SentToday)
	}
}

func TestProcessPausedCampaignNoOps(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)
	if err := h.campaigns.UpdateStatus(ctx, c.ID, models.CampaignStatusPaused); err != nil {
		t.Fatal(err)
	}

	before := h.queue.count()
	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.LeadsProcessed != 0 || result.Details.EmailsQueued != 0 {
		t.Errorf("details = %+v, want zeros", result.Details)
	}
	if result.Details.NextBatchScheduled != nil {
		t.Error("paused campaign must not reschedule")
	}
	if h.queue.count() != before {
		t.Error("paused campaign enqueued jobs")
	}
}

func TestProcessOutsideWindowReschedulesInWindow(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	settings := closedNowSettings(time.Now())
	c := h.createCampaign(t, settings)
	h.addEmailStep(t, c.ID, 0)
	h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.EmailsQueued != 0 {
		t.Errorf("queued %d emails outside window", result.Details.EmailsQueued)
	}
	if len(h.queue.ofType(dispatch.TypeSend)) != 0 {
		t.Error("send jobs enqueued outside window")
	}

	next := result.Details.NextBatchScheduled
	if next == nil {
		t.Fatal("no follow-up scheduled")
	}
	if !IsInWindow(settings, *next) {
		t.Errorf("follow-up %v is outside the sending window", *next)
	}

	batches := h.queue.ofType(dispatch.TypeProcessBatch)
	if len(batches) != 1 {
		t.Fatalf("process_batch jobs = %d, want 1", len(batches))
	}
	if !batches[0].RunAt.Equal(*next) {
		t.Errorf("job RunAt = %v, want %v", batches[0].RunAt, *next)
	}
}

func TestProcessCapacityBound(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	for i := 0; i < 15; i++ {
		h.addLead(t, c.ID, string(rune('a'+i))+"@acme.test")
	}
	// Two accounts, 5 remaining each
	h.addAccount(t, c.ID, "one@mail.test", 50, 45)
	h.addAccount(t, c.ID, "two@mail.test", 50, 45)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 50)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if result.Details.EmailsQueued != 10 {
		t.Errorf("EmailsQueued = %d, want 10 (total capacity)", result.Details.EmailsQueued)
	}
	if len(h.queue.ofType(dispatch.TypeSend)) != 10 {
		t.Errorf("send jobs = %d, want 10", len(h.queue.ofType(dispatch.TypeSend)))
	}

	// Round-robin spread across both accounts
	perAccount := map[string]int{}
	for _, j := range h.queue.ofType(dispatch.TypeSend) {
		perAccount[sendPayload(t, j).FromEmail]++
	}
	if perAccount["one@mail.test"] != 5 || perAccount["two@mail.test"] != 5 {
		t.Errorf("per-account distribution = %v, want 5/5", perAccount)
	}

	// Capacity-limited: follow-up paced by queued volume, not the
	// recheck interval
	next := result.Details.NextBatchScheduled
	if next == nil {
		t.Fatal("no follow-up scheduled")
	}
	if until := time.Until(*next); until > time.Minute {
		t.Errorf("follow-up delay %v, want paced seconds", until)
	}
}

func TestProcessCampaignDailyLimit(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	settings := alwaysOpenSettings()
	settings.DailyLimit = 5
	c := h.createCampaign(t, settings)
	h.addEmailStep(t, c.ID, 0)
	for i := 0; i < 10; i++ {
		h.addLead(t, c.ID, string(rune('a'+i))+"@acme.test")
	}
	// Plenty of mailbox headroom: the campaign limit must bind first
	h.addAccount(t, c.ID, "out@mail.test", 100, 0)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 50)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.EmailsQueued != 5 {
		t.Errorf("EmailsQueued = %d, want 5 (campaign daily limit)", result.Details.EmailsQueued)
	}
	if got := len(h.queue.ofType(dispatch.TypeSend)); got != 5 {
		t.Errorf("send jobs = %d, want 5", got)
	}

	// Budget spent: the next batch today defers to tomorrow's window
	result, err = h.batch.Process(ctx, c.ID, 50)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.EmailsQueued != 0 {
		t.Errorf("EmailsQueued = %d after limit reached, want 0", result.Details.EmailsQueued)
	}
	next := result.Details.NextBatchScheduled
	if next == nil {
		t.Fatal("no follow-up scheduled after limit reached")
	}
	if !next.After(time.Now()) || next.Hour() != 0 {
		t.Errorf("follow-up %v, want next day's window start", *next)
	}
}

func TestProcessNoCapacityDefersToNextDay(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "spent@mail.test", 50, 50)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.EmailsQueued != 0 {
		t.Error("queued emails with no capacity")
	}

	next := result.Details.NextBatchScheduled
	if next == nil {
		t.Fatal("no follow-up scheduled")
	}
	if !next.After(time.Now()) || next.Hour() != 0 {
		t.Errorf("follow-up %v, want next day's window start", *next)
	}
}

func TestProcessWaitStepAdvancesWithoutSend(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addWaitStep(t, c.ID, 0, 3)
	lead := h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.LeadsProcessed != 1 {
		t.Errorf("LeadsProcessed = %d, want 1", result.Details.LeadsProcessed)
	}
	if result.Details.EmailsQueued != 0 {
		t.Errorf("EmailsQueued = %d, want 0 for wait step", result.Details.EmailsQueued)
	}
	if len(h.queue.ofType(dispatch.TypeSend)) != 0 {
		t.Error("wait step enqueued a send")
	}

	s := h.leadState(t, c.ID, lead.ID)
	if s.stepIndex != 1 {
		t.Errorf("step index = %d, want 1", s.stepIndex)
	}
	if s.status != models.CampaignLeadStatusInSequence {
		t.Errorf("status = %q, want in_sequence", s.status)
	}
	if s.nextSendAt == nil || !s.nextSendAt.After(time.Now().Add(48*time.Hour)) {
		t.Errorf("nextSendAt = %v, want ~3 days out", s.nextSendAt)
	}
}

func TestProcessLeadBeyondLastStepCompletes(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	lead := h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	// First pass sends the only step and completes the lead
	if _, err := h.batch.Process(ctx, c.ID, 10); err != nil {
		t.Fatal(err)
	}
	s := h.leadState(t, c.ID, lead.ID)
	if s.status != models.CampaignLeadStatusCompleted {
		t.Errorf("status = %q, want completed after last step", s.status)
	}
	if s.nextSendAt != nil {
		t.Errorf("nextSendAt = %v, want nil after last step", s.nextSendAt)
	}
}

func TestProcessIdempotentReplay(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	h.addEmailStep(t, c.ID, 1, models.StepVariant{Subject: "Bump {{first_name}}", Body: "Still there?"})
	lead := h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	if _, err := h.batch.Process(ctx, c.ID, 10); err != nil {
		t.Fatal(err)
	}
	first := h.leadState(t, c.ID, lead.ID)
	if first.stepIndex != 1 {
		t.Fatalf("step index = %d, want 1", first.stepIndex)
	}

	// Replaying the job against the unchanged lead set selects nothing:
	// the advanced lead's nextSendAt is in the future.
	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Details.EmailsQueued != 0 {
		t.Errorf("replay queued %d emails, want 0", result.Details.EmailsQueued)
	}
	second := h.leadState(t, c.ID, lead.ID)
	if second.stepIndex != 1 {
		t.Errorf("replay advanced lead to %d", second.stepIndex)
	}
	if len(h.queue.ofType(dispatch.TypeSend)) != 1 {
		t.Errorf("send jobs = %d, want 1", len(h.queue.ofType(dispatch.TypeSend)))
	}
}

func TestProcessAllTerminalTriggersComplete(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	lead := h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	if _, err := h.batch.Process(ctx, c.ID, 10); err != nil {
		t.Fatal(err)
	}
	if s := h.leadState(t, c.ID, lead.ID); s.status != models.CampaignLeadStatusCompleted {
		t.Fatalf("lead status = %q", s.status)
	}

	if _, err := h.batch.Process(ctx, c.ID, 10); err != nil {
		t.Fatal(err)
	}
	if len(h.queue.ofType(dispatch.TypeComplete)) != 1 {
		t.Errorf("complete jobs = %d, want 1", len(h.queue.ofType(dispatch.TypeComplete)))
	}
}

func TestProcessTerminalLeadNeverMutated(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0)
	lead := h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	// The reply collaborator marked the lead terminal
	if _, err := h.conn.Exec(
		`UPDATE campaign_leads SET status = ? WHERE campaign_id = ? AND lead_id = ?`,
		models.CampaignLeadStatusReplied, c.ID, lead.ID); err != nil {
		t.Fatal(err)
	}

	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Details.EmailsQueued != 0 {
		t.Error("terminal lead received email")
	}
	if s := h.leadState(t, c.ID, lead.ID); s.status != models.CampaignLeadStatusReplied {
		t.Errorf("terminal status overwritten to %q", s.status)
	}
}

func TestProcessPersonalizationFailureSkipsWithoutAdvancing(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	c := h.createCampaign(t, alwaysOpenSettings())
	h.addEmailStep(t, c.ID, 0, models.StepVariant{
		Subject: "About {{missing_variable}}",
		Body:    "Hello",
	})
	lead := h.addLead(t, c.ID, "ada@acme.test")
	h.addAccount(t, c.ID, "out@mail.test", 50, 0)
	h.activate(t, c.ID)

	result, err := h.batch.Process(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Details.LeadsProcessed != 1 {
		t.Errorf("LeadsProcessed = %d, want 1", result.Details.LeadsProcessed)
	}
	if result.Details.EmailsQueued != 0 {
		t.Errorf("EmailsQueued = %d, want 0", result.Details.EmailsQueued)
	}

	// Unadvanced: retried on the next batch
	s := h.leadState(t, c.ID, lead.ID)
	if s.stepIndex != 0 {
		t.Errorf("step index = %d, want 0", s.stepIndex)
	}
	if s.status != models.CampaignLeadStatusPending {
		t.Errorf("status = %q, want pending", s.status)
	}
}
