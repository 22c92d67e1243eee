package models

import "time"

// Send record statuses
const (
	SendStatusSent   = "sent"
	SendStatusFailed = "failed"
)

// SendRecord is an immutable audit row written per attempted send.
// Campaign stats are recomputed from these rows at completion.
type SendRecord struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	CampaignID string    `json:"campaign_id"`
	LeadID     string    `json:"lead_id"`
	StepID     string    `json:"step_id"`
	VariantID  string    `json:"variant_id"`
	AccountID  string    `json:"account_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
