package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outreach/internal/models"
)

type SequenceRepository struct {
	db *sql.DB
}

func NewSequenceRepository(db *sql.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// CreateStep creates a step together with its variants.
func (r *SequenceRepository) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	if len(step.Variants) == 0 && step.Type == models.StepTypeEmail {
		return fmt.Errorf("email step requires at least one variant")
	}

	step.ID = uuid.New().String()
	step.CreatedAt = time.Now()
	if step.Type == "" {
		step.Type = models.StepTypeEmail
	}
	if step.Condition == "" {
		step.Condition = models.ConditionAlways
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sequence_steps (id, campaign_id, step_order, step_type, delay_days, delay_hours, send_condition, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.CampaignID, step.Order, step.Type, step.DelayDays, step.DelayHours, step.Condition, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}

	for i := range step.Variants {
		v := &step.Variants[i]
		v.ID = uuid.New().String()
		v.StepID = step.ID
		v.CreatedAt = step.CreatedAt
		if len(step.Variants) == 1 && v.Weight == 0 {
			v.Weight = 100
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_variants (id, step_id, subject, body, plain_text, weight, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.StepID, v.Subject, v.Body, v.PlainText, v.Weight, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create variant: %w", err)
		}
	}

	return tx.Commit()
}

// GetSteps returns a campaign's steps in sequence order, with variants
// loaded in creation order.
func (r *SequenceRepository) GetSteps(ctx context.Context, campaignID string) ([]models.SequenceStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, step_order, step_type, delay_days, delay_hours, send_condition, created_at
		FROM sequence_steps
		WHERE campaign_id = ?
		ORDER BY step_order`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []models.SequenceStep{}
	for rows.Next() {
		var s models.SequenceStep
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.Order, &s.Type, &s.DelayDays, &s.DelayHours, &s.Condition, &s.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range steps {
		variants, err := r.getVariants(ctx, steps[i].ID)
		if err != nil {
			return nil, err
		}
		steps[i].Variants = variants
	}

	return steps, nil
}

// CountSteps returns the number of steps in a campaign.
func (r *SequenceRepository) CountSteps(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sequence_steps WHERE campaign_id = ?", campaignID).Scan(&n)
	return n, err
}

func (r *SequenceRepository) getVariants(ctx context.Context, stepID string) ([]models.StepVariant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, step_id, subject, body, plain_text, weight, created_at
		FROM step_variants
		WHERE step_id = ?
		ORDER BY created_at, id`, stepID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := []models.StepVariant{}
	for rows.Next() {
		var v models.StepVariant
		if err := rows.Scan(&v.ID, &v.StepID, &v.Subject, &v.Body, &v.PlainText, &v.Weight, &v.CreatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}

	return variants, rows.Err()
}
