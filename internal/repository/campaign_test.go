package repository

import (
	"context"
	"testing"

	"github.com/tidewater/outreach/internal/models"
)

func TestCampaignCreateAndGet(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewCampaignRepository(conn)
	ctx := context.Background()

	c := createTestCampaign(t, conn)

	got, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil")
	}
	if got.Status != models.CampaignStatusDraft {
		t.Errorf("status = %q, want %q", got.Status, models.CampaignStatusDraft)
	}
	if got.Settings.WindowStartHour != 9 || got.Settings.WindowEndHour != 17 {
		t.Errorf("window = %d-%d, want 9-17", got.Settings.WindowStartHour, got.Settings.WindowEndHour)
	}
	if !got.Settings.StopOnReply {
		t.Error("StopOnReply = false, want true")
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be nil for a draft campaign")
	}
}

func TestCampaignGetMissing(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewCampaignRepository(conn)

	got, err := repo.GetByID(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetByID() = %+v, want nil", got)
	}
}

func TestCampaignStatusTransitions(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewCampaignRepository(conn)
	ctx := context.Background()

	c := createTestCampaign(t, conn)

	if err := repo.UpdateStatus(ctx, c.ID, models.CampaignStatusActive); err != nil {
		t.Fatalf("UpdateStatus(active) error = %v", err)
	}
	got, _ := repo.GetByID(ctx, c.ID)
	if got.StartedAt == nil {
		t.Error("StartedAt not set after activating")
	}

	if err := repo.UpdateStatus(ctx, c.ID, models.CampaignStatusPaused); err != nil {
		t.Fatalf("UpdateStatus(paused) error = %v", err)
	}
	got, _ = repo.GetByID(ctx, c.ID)
	if got.PausedAt == nil {
		t.Error("PausedAt not set after pausing")
	}

	// Resuming clears paused_at and keeps the original started_at
	started := *got.StartedAt
	if err := repo.UpdateStatus(ctx, c.ID, models.CampaignStatusActive); err != nil {
		t.Fatalf("UpdateStatus(active) error = %v", err)
	}
	got, _ = repo.GetByID(ctx, c.ID)
	if got.PausedAt != nil {
		t.Error("PausedAt not cleared after resuming")
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt changed on resume: %v -> %v", started, got.StartedAt)
	}

	if err := repo.UpdateStatus(ctx, c.ID, models.CampaignStatusCompleted); err != nil {
		t.Fatalf("UpdateStatus(completed) error = %v", err)
	}
	got, _ = repo.GetByID(ctx, c.ID)
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set after completing")
	}
}

func TestCampaignIncrementContacted(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewCampaignRepository(conn)
	ctx := context.Background()

	c := createTestCampaign(t, conn)

	if err := repo.IncrementContacted(ctx, c.ID, 3); err != nil {
		t.Fatalf("IncrementContacted() error = %v", err)
	}
	if err := repo.IncrementContacted(ctx, c.ID, 2); err != nil {
		t.Fatalf("IncrementContacted() error = %v", err)
	}

	got, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Stats.Contacted != 5 {
		t.Errorf("Stats.Contacted = %d, want 5", got.Stats.Contacted)
	}
}

func TestCampaignUpdateStats(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewCampaignRepository(conn)
	ctx := context.Background()

	c := createTestCampaign(t, conn)

	stats := models.CampaignStats{TotalLeads: 100, Sent: 80, Failed: 5, Replied: 12}
	if err := repo.UpdateStats(ctx, c.ID, stats); err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, c.ID)
	if got.Stats != stats {
		t.Errorf("Stats = %+v, want %+v", got.Stats, stats)
	}
}
