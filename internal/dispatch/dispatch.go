package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types consumed by the engine.
const (
	TypeStart        = "start"
	TypePause        = "pause"
	TypeResume       = "resume"
	TypeProcessBatch = "process_batch"
	TypeComplete     = "complete"
	TypeSend         = "send"
)

// Job statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDeferred  = "deferred"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one unit of asynchronous work. Delivery is at-least-once:
// handlers must tolerate duplicate execution.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RunAt      time.Time       `json:"run_at"` // zero means run immediately
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewJob builds a job with a JSON-encoded payload.
func NewJob(jobType string, payload any, runAt time.Time) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := time.Now()
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   data,
		Status:    StatusPending,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CampaignPayload is carried by lifecycle and batch jobs.
type CampaignPayload struct {
	CampaignID   string `json:"campaign_id"`
	Action       string `json:"action"`
	BatchSize    int    `json:"batch_size,omitempty"`
	SequenceStep int    `json:"sequence_step,omitempty"`
}

// SendPayload is carried by send jobs: one fully rendered email.
type SendPayload struct {
	MessageID   string `json:"message_id"`
	CampaignID  string `json:"campaign_id"`
	LeadID      string `json:"lead_id"`
	StepID      string `json:"step_id"`
	VariantID   string `json:"variant_id"`
	AccountID   string `json:"account_id"`
	To          string `json:"to"`
	FromEmail   string `json:"from_email"`
	FromName    string `json:"from_name"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	PlainText   bool   `json:"plain_text"`
	TrackOpens  bool   `json:"track_opens"`
	TrackClicks bool   `json:"track_clicks"`
}

// Queue defines the interface for dispatch queue backends.
type Queue interface {
	// Enqueue adds a job to the queue; jobs with a future RunAt are
	// held back until due.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims the next due job for processing.
	// Returns nil, nil if nothing is due.
	Dequeue(ctx context.Context) (*Job, error)

	// Update records the outcome of a processing attempt and
	// re-defers the job when its status is deferred.
	Update(ctx context.Context, job *Job) error

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the backend.
	Close() error
}

// Stats represents dispatch queue statistics.
type Stats struct {
	Pending   int64 `json:"pending"`
	Deferred  int64 `json:"deferred"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}
