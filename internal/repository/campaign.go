package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outreach/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign in draft status.
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.CampaignStatusDraft
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	statsJSON, _ := json.Marshal(c.Stats)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, workspace_id, name, status, daily_limit, window_start_hour, window_end_hour,
			timezone, skip_weekends, track_opens, track_clicks, stop_on_reply, stop_on_bounce, stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name, c.Status, c.Settings.DailyLimit, c.Settings.WindowStartHour, c.Settings.WindowEndHour,
		c.Settings.Timezone, c.Settings.SkipWeekends, c.Settings.TrackOpens, c.Settings.TrackClicks,
		c.Settings.StopOnReply, c.Settings.StopOnBounce, string(statsJSON), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or nil if it does not exist.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var stats sql.NullString
	var startedAt, pausedAt, completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(workspace_id, ''), name, status, daily_limit, window_start_hour, window_end_hour,
			timezone, skip_weekends, track_opens, track_clicks, stop_on_reply, stop_on_bounce,
			stats, started_at, paused_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &c.Settings.DailyLimit, &c.Settings.WindowStartHour,
		&c.Settings.WindowEndHour, &c.Settings.Timezone, &c.Settings.SkipWeekends, &c.Settings.TrackOpens,
		&c.Settings.TrackClicks, &c.Settings.StopOnReply, &c.Settings.StopOnBounce,
		&stats, &startedAt, &pausedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &c.Stats); err != nil {
			return nil, fmt.Errorf("failed to parse campaign stats: %w", err)
		}
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if pausedAt.Valid {
		c.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}

	return c, nil
}

// UpdateStatus updates campaign status and the matching lifecycle
// timestamp. Resuming clears paused_at.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id, status string) error {
	now := time.Now()
	var startedAt, pausedAt, completedAt *time.Time
	clearPaused := false

	switch status {
	case models.CampaignStatusActive:
		startedAt = &now
		clearPaused = true
	case models.CampaignStatusPaused:
		pausedAt = &now
	case models.CampaignStatusCompleted:
		completedAt = &now
	}

	var err error
	if clearPaused {
		_, err = r.db.ExecContext(ctx, `
			UPDATE campaigns SET status = ?, started_at = COALESCE(started_at, ?), paused_at = NULL, updated_at = ?
			WHERE id = ?`,
			status, startedAt, now, id)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE campaigns SET status = ?, paused_at = COALESCE(?, paused_at), completed_at = COALESCE(?, completed_at), updated_at = ?
			WHERE id = ?`,
			status, pausedAt, completedAt, now, id)
	}
	return err
}

// UpdateStats replaces the aggregate stats snapshot.
func (r *CampaignRepository) UpdateStats(ctx context.Context, id string, stats models.CampaignStats) error {
	statsJSON, _ := json.Marshal(stats)
	_, err := r.db.ExecContext(ctx, "UPDATE campaigns SET stats = ?, updated_at = ? WHERE id = ?",
		string(statsJSON), time.Now(), id)
	return err
}

// IncrementContacted atomically adds to the contacted counter inside
// the stats JSON. Used by the stat aggregator flush path.
func (r *CampaignRepository) IncrementContacted(ctx context.Context, id string, delta int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET stats = json_set(COALESCE(stats, '{}'), '$.contacted', COALESCE(json_extract(stats, '$.contacted'), 0) + ?),
			updated_at = ?
		WHERE id = ?`,
		delta, time.Now(), id)
	return err
}

// List returns campaigns filtered by status, newest first.
func (r *CampaignRepository) List(ctx context.Context, status string, limit int) ([]models.Campaign, error) {
	query := `
		SELECT id, COALESCE(workspace_id, ''), name, status, daily_limit, window_start_hour, window_end_hour,
			timezone, skip_weekends, track_opens, track_clicks, stop_on_reply, stop_on_bounce,
			stats, started_at, paused_at, completed_at, created_at, updated_at
		FROM campaigns WHERE 1=1`
	args := []any{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		var c models.Campaign
		var stats sql.NullString
		var startedAt, pausedAt, completedAt sql.NullTime

		err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &c.Settings.DailyLimit, &c.Settings.WindowStartHour,
			&c.Settings.WindowEndHour, &c.Settings.Timezone, &c.Settings.SkipWeekends, &c.Settings.TrackOpens,
			&c.Settings.TrackClicks, &c.Settings.StopOnReply, &c.Settings.StopOnBounce,
			&stats, &startedAt, &pausedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, err
		}

		if stats.Valid && stats.String != "" {
			_ = json.Unmarshal([]byte(stats.String), &c.Stats)
		}
		if startedAt.Valid {
			c.StartedAt = &startedAt.Time
		}
		if pausedAt.Valid {
			c.PausedAt = &pausedAt.Time
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.Time
		}

		campaigns = append(campaigns, c)
	}

	return campaigns, rows.Err()
}
