package models

import "time"

// Sending account statuses
const (
	AccountStatusActive = "active"
	AccountStatusPaused = "paused"
	AccountStatusError  = "error"
)

// MinHealthScore is the health threshold below which an account is
// excluded from capacity allocation.
const MinHealthScore = 50

// SendingAccount is a mailbox used to send campaign email. SentToday is
// reset by an external daily-rollover process and must only be mutated
// through atomic increments: the row is shared by every active campaign
// the account is assigned to.
type SendingAccount struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FromName    string    `json:"from_name"`
	DailyLimit  int       `json:"daily_limit"`
	SentToday   int       `json:"sent_today"`
	HealthScore int       `json:"health_score"` // 0..100
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RemainingToday returns the account's remaining daily quota.
func (a *SendingAccount) RemainingToday() int {
	r := a.DailyLimit - a.SentToday
	if r < 0 {
		return 0
	}
	return r
}

// Sendable reports whether the account may take more mail today.
func (a *SendingAccount) Sendable() bool {
	return a.Status == AccountStatusActive &&
		a.HealthScore >= MinHealthScore &&
		a.SentToday < a.DailyLimit
}
