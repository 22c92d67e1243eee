package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outreach/internal/models"
)

// CounterStrategy increments the sent-today counter of a sending
// account. The primary strategy relies on the store's atomic increment;
// the fallback uses a compare-and-swap retry loop for backends without
// one. Selected at the repository boundary, not in business logic.
type CounterStrategy interface {
	IncrementSentToday(ctx context.Context, accountID string, delta int) error
}

type AccountRepository struct {
	db      *sql.DB
	counter CounterStrategy
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	r := &AccountRepository{db: db}
	r.counter = &atomicCounter{db: db}
	return r
}

// NewAccountRepositoryWithCAS returns a repository using the
// compare-and-swap fallback instead of the atomic increment.
func NewAccountRepositoryWithCAS(db *sql.DB) *AccountRepository {
	r := &AccountRepository{db: db}
	r.counter = &casCounter{db: db, maxAttempts: 5}
	return r
}

// Create creates a sending account.
func (r *AccountRepository) Create(ctx context.Context, a *models.SendingAccount) error {
	a.ID = uuid.New().String()
	if a.Status == "" {
		a.Status = models.AccountStatusActive
	}
	if a.HealthScore == 0 {
		a.HealthScore = 100
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sending_accounts (id, email, from_name, daily_limit, sent_today, health_score, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.FromName, a.DailyLimit, a.SentToday, a.HealthScore, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sending account: %w", err)
	}
	return nil
}

// GetByID returns an account by ID, or nil if it does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.SendingAccount, error) {
	a := &models.SendingAccount{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(from_name, ''), daily_limit, sent_today, health_score, status, created_at, updated_at
		FROM sending_accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Email, &a.FromName, &a.DailyLimit, &a.SentToday, &a.HealthScore, &a.Status, &a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Assign assigns an account to a campaign. Assigning twice is a no-op.
func (r *AccountRepository) Assign(ctx context.Context, campaignID, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_accounts (campaign_id, account_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(campaign_id, account_id) DO NOTHING`,
		campaignID, accountID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to assign account: %w", err)
	}
	return nil
}

// GetAssigned returns the accounts assigned to a campaign with current
// counters, in assignment order.
func (r *AccountRepository) GetAssigned(ctx context.Context, campaignID string) ([]models.SendingAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.email, COALESCE(a.from_name, ''), a.daily_limit, a.sent_today, a.health_score, a.status,
			a.created_at, a.updated_at
		FROM sending_accounts a
		JOIN campaign_accounts ca ON ca.account_id = a.id
		WHERE ca.campaign_id = ?
		ORDER BY ca.created_at, a.id`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.SendingAccount{}
	for rows.Next() {
		var a models.SendingAccount
		err := rows.Scan(&a.ID, &a.Email, &a.FromName, &a.DailyLimit, &a.SentToday, &a.HealthScore, &a.Status,
			&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// CountAssigned returns the number of accounts assigned to a campaign.
func (r *AccountRepository) CountAssigned(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM campaign_accounts WHERE campaign_id = ?", campaignID).Scan(&n)
	return n, err
}

// IncrementSentToday adds delta to the account's sent-today counter
// using the configured strategy. Never read-then-write: the row is
// shared across concurrently running campaigns.
func (r *AccountRepository) IncrementSentToday(ctx context.Context, accountID string, delta int) error {
	return r.counter.IncrementSentToday(ctx, accountID, delta)
}

// atomicCounter uses a single relative UPDATE, which sqlite applies
// atomically under its write lock.
type atomicCounter struct {
	db *sql.DB
}

func (c *atomicCounter) IncrementSentToday(ctx context.Context, accountID string, delta int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE sending_accounts SET sent_today = sent_today + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now(), accountID)
	return err
}

// casCounter is the fallback for stores without a relative update:
// read the counter, write it back guarded by the value read, retry on
// conflict.
type casCounter struct {
	db          *sql.DB
	maxAttempts int
}

func (c *casCounter) IncrementSentToday(ctx context.Context, accountID string, delta int) error {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		var current int
		err := c.db.QueryRowContext(ctx,
			"SELECT sent_today FROM sending_accounts WHERE id = ?", accountID).Scan(&current)
		if err != nil {
			return err
		}

		res, err := c.db.ExecContext(ctx, `
			UPDATE sending_accounts SET sent_today = ?, updated_at = ? WHERE id = ? AND sent_today = ?`,
			current+delta, time.Now(), accountID, current)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		// Lost the race, re-read and retry
	}

	return fmt.Errorf("failed to increment sent_today for account %s after %d attempts", accountID, c.maxAttempts)
}
