package repository

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tidewater/outreach/internal/db"
	"github.com/tidewater/outreach/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Each pooled connection would get its own in-memory database
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	return conn
}

func createTestCampaign(t *testing.T, conn *sql.DB) *models.Campaign {
	t.Helper()

	repo := NewCampaignRepository(conn)
	c := &models.Campaign{
		Name: "Q1 Outreach",
		Settings: models.CampaignSettings{
			DailyLimit:      50,
			WindowStartHour: 9,
			WindowEndHour:   17,
			Timezone:        "UTC",
			StopOnReply:     true,
			StopOnBounce:    true,
		},
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

func createTestLead(t *testing.T, conn *sql.DB, email string) *models.Lead {
	t.Helper()

	repo := NewLeadRepository(conn)
	lead := &models.Lead{
		Email:     email,
		FirstName: "Ada",
		Company:   "Acme Corp",
	}
	if err := repo.CreateLead(context.Background(), lead); err != nil {
		t.Fatalf("failed to create lead: %v", err)
	}
	return lead
}

func createTestAccount(t *testing.T, conn *sql.DB, email string, dailyLimit, sentToday int) *models.SendingAccount {
	t.Helper()

	repo := NewAccountRepository(conn)
	a := &models.SendingAccount{
		Email:      email,
		FromName:   "Outreach",
		DailyLimit: dailyLimit,
		SentToday:  sentToday,
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return a
}
