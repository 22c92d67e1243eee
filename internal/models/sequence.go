package models

import "time"

// Step types
const (
	StepTypeEmail = "email"
	StepTypeWait  = "wait"
)

// Send conditions for email steps
const (
	ConditionAlways     = "always"
	ConditionNotOpened  = "not_opened"
	ConditionNotReplied = "not_replied"
	ConditionNotClicked = "not_clicked"
)

// SequenceStep is one position in a campaign's ordered email sequence.
// Order is unique per campaign; the delay counts from the previous step.
type SequenceStep struct {
	ID         string        `json:"id"`
	CampaignID string        `json:"campaign_id"`
	Order      int           `json:"order"`
	Type       string        `json:"type"`
	DelayDays  int           `json:"delay_days"`
	DelayHours int           `json:"delay_hours"`
	Condition  string        `json:"condition"`
	Variants   []StepVariant `json:"variants,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Delay returns the step delay as a duration.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// StepVariant is one A/B-testable content alternative for an email step.
// Weights across a step's variants sum to 100; a single variant
// implicitly has weight 100.
type StepVariant struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	PlainText bool      `json:"plain_text"`
	Weight    int       `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}
