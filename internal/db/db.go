package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	for _, m := range Migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Migrations is exported so tests can apply the schema to an in-memory
// database.
var Migrations = []string{
	migrationCampaigns,
	migrationSequenceSteps,
	migrationStepVariants,
	migrationLeads,
	migrationCampaignLeads,
	migrationSendingAccounts,
	migrationCampaignAccounts,
	migrationSendRecords,
}

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    workspace_id TEXT,
    name TEXT NOT NULL,
    status TEXT DEFAULT 'draft',
    daily_limit INTEGER DEFAULT 50,
    window_start_hour INTEGER DEFAULT 9,
    window_end_hour INTEGER DEFAULT 17,
    timezone TEXT DEFAULT 'UTC',
    skip_weekends INTEGER DEFAULT 0,
    track_opens INTEGER DEFAULT 0,
    track_clicks INTEGER DEFAULT 0,
    stop_on_reply INTEGER DEFAULT 1,
    stop_on_bounce INTEGER DEFAULT 1,
    stats JSON,
    started_at TIMESTAMP,
    paused_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationSequenceSteps = `
CREATE TABLE IF NOT EXISTS sequence_steps (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    step_order INTEGER NOT NULL,
    step_type TEXT DEFAULT 'email',
    delay_days INTEGER DEFAULT 0,
    delay_hours INTEGER DEFAULT 0,
    send_condition TEXT DEFAULT 'always',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(campaign_id, step_order)
);
CREATE INDEX IF NOT EXISTS idx_sequence_steps_campaign ON sequence_steps(campaign_id);
`

const migrationStepVariants = `
CREATE TABLE IF NOT EXISTS step_variants (
    id TEXT PRIMARY KEY,
    step_id TEXT NOT NULL REFERENCES sequence_steps(id) ON DELETE CASCADE,
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    plain_text INTEGER DEFAULT 0,
    weight INTEGER DEFAULT 100,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_step_variants_step ON step_variants(step_id);
`

const migrationLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    first_name TEXT,
    last_name TEXT,
    company TEXT,
    variables JSON,
    status TEXT DEFAULT 'active',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCampaignLeads = `
CREATE TABLE IF NOT EXISTS campaign_leads (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    lead_id TEXT NOT NULL REFERENCES leads(id),
    current_step_index INTEGER DEFAULT 0,
    status TEXT DEFAULT 'pending',
    last_sent_at TIMESTAMP,
    next_send_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(campaign_id, lead_id)
);
CREATE INDEX IF NOT EXISTS idx_campaign_leads_due ON campaign_leads(campaign_id, status, next_send_at);
`

const migrationSendingAccounts = `
CREATE TABLE IF NOT EXISTS sending_accounts (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    from_name TEXT,
    daily_limit INTEGER DEFAULT 50,
    sent_today INTEGER DEFAULT 0,
    health_score INTEGER DEFAULT 100,
    status TEXT DEFAULT 'active',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCampaignAccounts = `
CREATE TABLE IF NOT EXISTS campaign_accounts (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    account_id TEXT NOT NULL REFERENCES sending_accounts(id) ON DELETE CASCADE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(campaign_id, account_id)
);
`

const migrationSendRecords = `
CREATE TABLE IF NOT EXISTS send_records (
    id TEXT PRIMARY KEY,
    message_id TEXT,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    lead_id TEXT,
    step_id TEXT,
    variant_id TEXT,
    account_id TEXT,
    status TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_send_records_campaign ON send_records(campaign_id);
CREATE INDEX IF NOT EXISTS idx_send_records_created ON send_records(created_at);
`
