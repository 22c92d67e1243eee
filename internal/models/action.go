package models

import "time"

// Lifecycle actions
const (
	ActionStart        = "start"
	ActionPause        = "pause"
	ActionResume       = "resume"
	ActionComplete     = "complete"
	ActionProcessBatch = "process_batch"
)

// ActionResult is returned by every lifecycle operation.
type ActionResult struct {
	Success    bool          `json:"success"`
	Action     string        `json:"action"`
	CampaignID string        `json:"campaign_id"`
	Details    ActionDetails `json:"details"`
}

// ActionDetails carries the per-action outcome.
type ActionDetails struct {
	LeadsProcessed     int        `json:"leads_processed"`
	EmailsQueued       int        `json:"emails_queued"`
	NextBatchScheduled *time.Time `json:"next_batch_scheduled,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Error              string     `json:"error,omitempty"`
}
