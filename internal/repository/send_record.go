package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outreach/internal/models"
)

type SendRecordRepository struct {
	db *sql.DB
}

func NewSendRecordRepository(db *sql.DB) *SendRecordRepository {
	return &SendRecordRepository{db: db}
}

// Create writes one audit row. Records are immutable; there is no update.
func (r *SendRecordRepository) Create(ctx context.Context, rec *models.SendRecord) error {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_records (id, message_id, campaign_id, lead_id, step_id, variant_id, account_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, rec.CampaignID, rec.LeadID, rec.StepID, rec.VariantID, rec.AccountID,
		rec.Status, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create send record: %w", err)
	}
	return nil
}

// CountByStatus returns send record counts per status for a campaign.
func (r *SendRecordRepository) CountByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM send_records
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

// ListByCampaign returns recent send records for a campaign, newest first.
func (r *SendRecordRepository) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]models.SendRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(message_id, ''), campaign_id, COALESCE(lead_id, ''), COALESCE(step_id, ''),
			COALESCE(variant_id, ''), COALESCE(account_id, ''), status, COALESCE(error, ''), created_at
		FROM send_records
		WHERE campaign_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, campaignID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.SendRecord{}
	for rows.Next() {
		var rec models.SendRecord
		err := rows.Scan(&rec.ID, &rec.MessageID, &rec.CampaignID, &rec.LeadID, &rec.StepID,
			&rec.VariantID, &rec.AccountID, &rec.Status, &rec.Error, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
