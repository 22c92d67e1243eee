package models

import "time"

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusArchived  = "archived"
)

// Campaign represents an outbound email campaign owned by a workspace.
type Campaign struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	Name        string           `json:"name"`
	Status      string           `json:"status"`
	Settings    CampaignSettings `json:"settings"`
	Stats       CampaignStats    `json:"stats"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	PausedAt    *time.Time       `json:"paused_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CampaignSettings controls pacing, sending windows and stop conditions.
type CampaignSettings struct {
	DailyLimit      int    `json:"daily_limit"`
	WindowStartHour int    `json:"window_start_hour"` // local hour, inclusive
	WindowEndHour   int    `json:"window_end_hour"`   // local hour, exclusive
	Timezone        string `json:"timezone"`
	SkipWeekends    bool   `json:"skip_weekends"`
	TrackOpens      bool   `json:"track_opens"`
	TrackClicks     bool   `json:"track_clicks"`
	StopOnReply     bool   `json:"stop_on_reply"`
	StopOnBounce    bool   `json:"stop_on_bounce"`
}

// CampaignStats is the aggregate snapshot stored on the campaign row.
// Recomputed from send records and lead statuses on completion.
type CampaignStats struct {
	TotalLeads   int `json:"total_leads"`
	Contacted    int `json:"contacted"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	Completed    int `json:"completed"`
	Replied      int `json:"replied"`
	Bounced      int `json:"bounced"`
	Unsubscribed int `json:"unsubscribed"`
}

// CampaignMetrics is the report returned by the metrics endpoint.
type CampaignMetrics struct {
	CampaignID   string  `json:"campaign_id"`
	Sent         int     `json:"sent"`
	Failed       int     `json:"failed"`
	Replied      int     `json:"replied"`
	Bounced      int     `json:"bounced"`
	Unsubscribed int     `json:"unsubscribed"`
	ReplyRate    float64 `json:"reply_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}
