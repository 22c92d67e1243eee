package models

import "time"

// Lead statuses (global lead record)
const (
	LeadStatusActive       = "active"
	LeadStatusContacted    = "contacted"
	LeadStatusUnsubscribed = "unsubscribed"
)

// Lead is a global lead record, shared across campaigns.
type Lead struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Company   string    `json:"company"`
	Variables string    `json:"variables"` // JSON
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CampaignLead statuses. The last four are terminal and are never
// overwritten back to a non-terminal state.
const (
	CampaignLeadStatusPending      = "pending"
	CampaignLeadStatusInSequence   = "in_sequence"
	CampaignLeadStatusCompleted    = "completed"
	CampaignLeadStatusReplied      = "replied"
	CampaignLeadStatusBounced      = "bounced"
	CampaignLeadStatusUnsubscribed = "unsubscribed"
)

// IsTerminalLeadStatus reports whether a campaign lead status is terminal.
func IsTerminalLeadStatus(status string) bool {
	switch status {
	case CampaignLeadStatusCompleted, CampaignLeadStatusReplied,
		CampaignLeadStatusBounced, CampaignLeadStatusUnsubscribed:
		return true
	}
	return false
}

// CampaignLead tracks one lead's position within one campaign's sequence.
// CurrentStepIndex is 0-based and never decreases. A nil NextSendAt means
// the lead is eligible immediately.
type CampaignLead struct {
	ID               string     `json:"id"`
	CampaignID       string     `json:"campaign_id"`
	LeadID           string     `json:"lead_id"`
	Email            string     `json:"email,omitempty"`      // joined field
	FirstName        string     `json:"first_name,omitempty"` // joined field
	LastName         string     `json:"last_name,omitempty"`  // joined field
	Company          string     `json:"company,omitempty"`    // joined field
	Variables        string     `json:"variables,omitempty"`  // joined field, JSON
	CurrentStepIndex int        `json:"current_step_index"`
	Status           string     `json:"status"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	NextSendAt       *time.Time `json:"next_send_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
