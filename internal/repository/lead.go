package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outreach/internal/models"
)

type LeadRepository struct {
	db *sql.DB
}

func NewLeadRepository(db *sql.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// CreateLead creates a global lead record.
func (r *LeadRepository) CreateLead(ctx context.Context, lead *models.Lead) error {
	lead.ID = uuid.New().String()
	if lead.Status == "" {
		lead.Status = models.LeadStatusActive
	}
	lead.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (id, email, first_name, last_name, company, variables, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.Email, lead.FirstName, lead.LastName, lead.Company, lead.Variables, lead.Status, lead.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// GetLeadByEmail returns a lead by email, or nil if none exists.
func (r *LeadRepository) GetLeadByEmail(ctx context.Context, email string) (*models.Lead, error) {
	lead := &models.Lead{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(company, ''),
			COALESCE(variables, ''), status, created_at
		FROM leads WHERE email = ?`, email,
	).Scan(&lead.ID, &lead.Email, &lead.FirstName, &lead.LastName, &lead.Company, &lead.Variables, &lead.Status, &lead.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

// Attach creates the campaign×lead join row in pending status.
// Attaching the same lead twice is a no-op.
func (r *LeadRepository) Attach(ctx context.Context, campaignID, leadID string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_leads (id, campaign_id, lead_id, current_step_index, status, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(campaign_id, lead_id) DO NOTHING`,
		uuid.New().String(), campaignID, leadID, models.CampaignLeadStatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to attach lead: %w", err)
	}
	return nil
}

// InitializePending resets every pending lead of the campaign to step 0
// with the given first send time. Called by campaign start.
func (r *LeadRepository) InitializePending(ctx context.Context, campaignID string, nextSendAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_leads
		SET current_step_index = 0, next_send_at = ?, updated_at = ?
		WHERE campaign_id = ? AND status = ?`,
		nextSendAt, time.Now(), campaignID, models.CampaignLeadStatusPending,
	)
	return err
}

// SelectDue returns leads eligible for the next action: non-terminal
// status and next_send_at unset or in the past, soonest (NULLs first)
// first, capped at limit. Lead fields needed for personalization are
// joined in.
func (r *LeadRepository) SelectDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]models.CampaignLead, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cl.id, cl.campaign_id, cl.lead_id, l.email, COALESCE(l.first_name, ''), COALESCE(l.last_name, ''),
			COALESCE(l.company, ''), COALESCE(l.variables, ''), cl.current_step_index, cl.status,
			cl.last_sent_at, cl.next_send_at, cl.created_at, cl.updated_at
		FROM campaign_leads cl
		JOIN leads l ON cl.lead_id = l.id
		WHERE cl.campaign_id = ?
			AND cl.status IN (?, ?)
			AND (cl.next_send_at IS NULL OR cl.next_send_at <= ?)
		ORDER BY cl.next_send_at ASC NULLS FIRST
		LIMIT ?`,
		campaignID, models.CampaignLeadStatusPending, models.CampaignLeadStatusInSequence, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []models.CampaignLead{}
	for rows.Next() {
		var cl models.CampaignLead
		var lastSentAt, nextSendAt sql.NullTime

		err := rows.Scan(&cl.ID, &cl.CampaignID, &cl.LeadID, &cl.Email, &cl.FirstName, &cl.LastName,
			&cl.Company, &cl.Variables, &cl.CurrentStepIndex, &cl.Status,
			&lastSentAt, &nextSendAt, &cl.CreatedAt, &cl.UpdatedAt)
		if err != nil {
			return nil, err
		}

		if lastSentAt.Valid {
			cl.LastSentAt = &lastSentAt.Time
		}
		if nextSendAt.Valid {
			cl.NextSendAt = &nextSendAt.Time
		}

		leads = append(leads, cl)
	}

	return leads, rows.Err()
}

// UpdateProgress advances a lead's sequence position. The WHERE clause
// only matches non-terminal rows with a step index at or below the new
// one, so terminal leads are never overwritten and the index never
// decreases even under duplicate job delivery.
func (r *LeadRepository) UpdateProgress(ctx context.Context, id, status string, stepIndex int, lastSentAt, nextSendAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_leads
		SET status = ?, current_step_index = ?, last_sent_at = COALESCE(?, last_sent_at), next_send_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND current_step_index <= ?`,
		status, stepIndex, lastSentAt, nextSendAt, time.Now(),
		id, models.CampaignLeadStatusPending, models.CampaignLeadStatusInSequence, stepIndex,
	)
	return err
}

// CountSentSince returns how many of the campaign's leads were last
// sent to at or after the cutoff. Backs the campaign-level daily limit;
// a lead emailed twice in one day counts once, an acceptable skew for
// pacing.
func (r *LeadRepository) CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_leads
		WHERE campaign_id = ? AND last_sent_at IS NOT NULL AND last_sent_at >= ?`,
		campaignID, since).Scan(&n)
	return n, err
}

// CountByCampaign returns the total number of leads attached to a campaign.
func (r *LeadRepository) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM campaign_leads WHERE campaign_id = ?", campaignID).Scan(&n)
	return n, err
}

// CountNonTerminal returns the number of leads still progressing
// through the sequence.
func (r *LeadRepository) CountNonTerminal(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_leads
		WHERE campaign_id = ? AND status IN (?, ?)`,
		campaignID, models.CampaignLeadStatusPending, models.CampaignLeadStatusInSequence).Scan(&n)
	return n, err
}

// CountByStatus returns lead counts per campaign-lead status.
func (r *LeadRepository) CountByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_leads
		WHERE campaign_id = ? GROUP BY status`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// SampleVariables returns the custom-variable JSON documents of up to
// limit leads attached to the campaign. Used by campaign start to
// sanity-check templates against the variables leads actually carry.
func (r *LeadRepository) SampleVariables(ctx context.Context, campaignID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(l.variables, '')
		FROM campaign_leads cl
		JOIN leads l ON cl.lead_id = l.id
		WHERE cl.campaign_id = ? AND l.variables IS NOT NULL AND l.variables != ''
		LIMIT ?`, campaignID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		docs = append(docs, v)
	}
	return docs, rows.Err()
}

// MarkContacted bulk-updates global lead records to contacted status.
// Used by the stat aggregator flush path.
func (r *LeadRepository) MarkContacted(ctx context.Context, leadIDs []string) error {
	if len(leadIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(leadIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(leadIDs)+1)
	args = append(args, models.LeadStatusContacted)
	for _, id := range leadIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE leads SET status = ?
		WHERE id IN (%s) AND status = 'active'`, placeholders)

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}
