package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/metrics"
	"github.com/tidewater/outreach/internal/models"
	"github.com/tidewater/outreach/internal/personalize"
	"github.com/tidewater/outreach/internal/repository"
)

var (
	// ErrNotStartable is returned when start preconditions fail.
	ErrNotStartable = errors.New("campaign not startable")

	// ErrInvalidTransition is returned for pause/resume on a campaign
	// in the wrong state.
	ErrInvalidTransition = errors.New("invalid campaign state transition")

	// ErrUnknownAction is returned for unroutable lifecycle jobs.
	ErrUnknownAction = errors.New("unknown campaign action")
)

// Controller validates and executes campaign state transitions and
// schedules the batch processing that drives an active campaign.
type Controller struct {
	campaigns *repository.CampaignRepository
	sequences *repository.SequenceRepository
	leads     *repository.LeadRepository
	accounts  *repository.AccountRepository
	records   *repository.SendRecordRepository
	queue     dispatch.Queue
	batch     *BatchProcessor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewController creates a lifecycle controller.
func NewController(
	campaigns *repository.CampaignRepository,
	sequences *repository.SequenceRepository,
	leads *repository.LeadRepository,
	accounts *repository.AccountRepository,
	records *repository.SendRecordRepository,
	queue dispatch.Queue,
	batch *BatchProcessor,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		campaigns: campaigns,
		sequences: sequences,
		leads:     leads,
		accounts:  accounts,
		records:   records,
		queue:     queue,
		batch:     batch,
		logger:    logger,
	}
}

// SetMetrics attaches a metrics handle.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Start activates a draft or paused campaign. It requires at least one
// lead, one step and one assigned sending account, and valid variant
// weights on every email step. On success every pending lead is reset
// to step zero with the first window time, and the first batch is
// scheduled.
func (c *Controller) Start(ctx context.Context, campaignID string) (*models.ActionResult, error) {
	logger := c.logger.With("campaign_id", campaignID)

	campaign, err := c.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return c.fail(models.ActionStart, campaignID, fmt.Errorf("%w: campaign not found", ErrNotStartable))
	}

	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusPaused {
		return c.fail(models.ActionStart, campaignID,
			fmt.Errorf("%w: status is %s", ErrNotStartable, campaign.Status))
	}

	leadCount, err := c.leads.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}
	if leadCount == 0 {
		return c.fail(models.ActionStart, campaignID, fmt.Errorf("%w: no leads attached", ErrNotStartable))
	}

	steps, err := c.sequences.GetSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	if len(steps) == 0 {
		return c.fail(models.ActionStart, campaignID, fmt.Errorf("%w: no sequence steps", ErrNotStartable))
	}
	for _, step := range steps {
		if step.Type != models.StepTypeEmail {
			continue
		}
		if err := ValidateWeights(step.Variants); err != nil {
			return c.fail(models.ActionStart, campaignID,
				fmt.Errorf("%w: step %d: %v", ErrNotStartable, step.Order, err))
		}
	}

	accountCount, err := c.accounts.CountAssigned(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	if accountCount == 0 {
		return c.fail(models.ActionStart, campaignID,
			fmt.Errorf("%w: no sending accounts assigned", ErrNotStartable))
	}

	c.warnOnUnknownVariables(ctx, campaignID, steps, logger)

	now := time.Now()
	next := ComputeNextWindow(campaign.Settings, now)

	if err := c.leads.InitializePending(ctx, campaignID, next); err != nil {
		return nil, fmt.Errorf("failed to initialize leads: %w", err)
	}
	if err := c.campaigns.UpdateStatus(ctx, campaignID, models.CampaignStatusActive); err != nil {
		return nil, fmt.Errorf("failed to activate campaign: %w", err)
	}
	if err := c.batch.scheduleBatch(ctx, campaignID, next); err != nil {
		return nil, err
	}

	c.countAction(models.ActionStart, "success")
	logger.Info("campaign started", "leads", leadCount, "steps", len(steps),
		"accounts", accountCount, "first_batch", next)

	return &models.ActionResult{
		Success:    true,
		Action:     models.ActionStart,
		CampaignID: campaignID,
		Details:    models.ActionDetails{NextBatchScheduled: &next},
	}, nil
}

// Pause suspends an active campaign. Batch jobs already in the queue
// are not cancelled; they observe the new status and no-op.
func (c *Controller) Pause(ctx context.Context, campaignID string) (*models.ActionResult, error) {
	campaign, err := c.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return c.fail(models.ActionPause, campaignID, fmt.Errorf("%w: campaign not found", ErrInvalidTransition))
	}
	if campaign.Status != models.CampaignStatusActive {
		return c.fail(models.ActionPause, campaignID,
			fmt.Errorf("%w: cannot pause %s campaign", ErrInvalidTransition, campaign.Status))
	}

	if err := c.campaigns.UpdateStatus(ctx, campaignID, models.CampaignStatusPaused); err != nil {
		return nil, fmt.Errorf("failed to pause campaign: %w", err)
	}

	c.countAction(models.ActionPause, "success")
	c.logger.Info("campaign paused", "campaign_id", campaignID)

	return &models.ActionResult{
		Success:    true,
		Action:     models.ActionPause,
		CampaignID: campaignID,
	}, nil
}

// Resume reactivates a paused campaign and schedules the next batch.
func (c *Controller) Resume(ctx context.Context, campaignID string) (*models.ActionResult, error) {
	campaign, err := c.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return c.fail(models.ActionResume, campaignID, fmt.Errorf("%w: campaign not found", ErrInvalidTransition))
	}
	if campaign.Status != models.CampaignStatusPaused {
		return c.fail(models.ActionResume, campaignID,
			fmt.Errorf("%w: cannot resume %s campaign", ErrInvalidTransition, campaign.Status))
	}

	if err := c.campaigns.UpdateStatus(ctx, campaignID, models.CampaignStatusActive); err != nil {
		return nil, fmt.Errorf("failed to resume campaign: %w", err)
	}

	next := ComputeNextWindow(campaign.Settings, time.Now())
	if err := c.batch.scheduleBatch(ctx, campaignID, next); err != nil {
		return nil, err
	}

	c.countAction(models.ActionResume, "success")
	c.logger.Info("campaign resumed", "campaign_id", campaignID, "next_batch", next)

	return &models.ActionResult{
		Success:    true,
		Action:     models.ActionResume,
		CampaignID: campaignID,
		Details:    models.ActionDetails{NextBatchScheduled: &next},
	}, nil
}

// Complete finalizes a campaign: stats are recomputed from the send
// records and lead statuses, then the campaign is marked completed.
// Idempotent; completing twice is a no-op.
func (c *Controller) Complete(ctx context.Context, campaignID string) (*models.ActionResult, error) {
	campaign, err := c.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return c.fail(models.ActionComplete, campaignID, fmt.Errorf("campaign not found"))
	}

	if campaign.Status == models.CampaignStatusCompleted {
		return &models.ActionResult{
			Success:    true,
			Action:     models.ActionComplete,
			CampaignID: campaignID,
			Details:    models.ActionDetails{CompletedAt: campaign.CompletedAt},
		}, nil
	}

	sendCounts, err := c.records.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count send records: %w", err)
	}
	leadCounts, err := c.leads.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}
	total, err := c.leads.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}

	stats := models.CampaignStats{
		TotalLeads:   total,
		Contacted:    campaign.Stats.Contacted,
		Sent:         sendCounts[models.SendStatusSent],
		Failed:       sendCounts[models.SendStatusFailed],
		Completed:    leadCounts[models.CampaignLeadStatusCompleted],
		Replied:      leadCounts[models.CampaignLeadStatusReplied],
		Bounced:      leadCounts[models.CampaignLeadStatusBounced],
		Unsubscribed: leadCounts[models.CampaignLeadStatusUnsubscribed],
	}
	if err := c.campaigns.UpdateStats(ctx, campaignID, stats); err != nil {
		return nil, fmt.Errorf("failed to store final stats: %w", err)
	}
	if err := c.campaigns.UpdateStatus(ctx, campaignID, models.CampaignStatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to complete campaign: %w", err)
	}

	now := time.Now()
	c.countAction(models.ActionComplete, "success")
	c.logger.Info("campaign completed", "campaign_id", campaignID,
		"sent", stats.Sent, "failed", stats.Failed)

	return &models.ActionResult{
		Success:    true,
		Action:     models.ActionComplete,
		CampaignID: campaignID,
		Details:    models.ActionDetails{CompletedAt: &now},
	}, nil
}

// Metrics builds the campaign metrics report from send records and
// lead statuses.
func (c *Controller) Metrics(ctx context.Context, campaignID string) (*models.CampaignMetrics, error) {
	campaign, err := c.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	sendCounts, err := c.records.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count send records: %w", err)
	}
	leadCounts, err := c.leads.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count leads: %w", err)
	}

	m := &models.CampaignMetrics{
		CampaignID:   campaignID,
		Sent:         sendCounts[models.SendStatusSent],
		Failed:       sendCounts[models.SendStatusFailed],
		Replied:      leadCounts[models.CampaignLeadStatusReplied],
		Bounced:      leadCounts[models.CampaignLeadStatusBounced],
		Unsubscribed: leadCounts[models.CampaignLeadStatusUnsubscribed],
	}
	if m.Sent > 0 {
		m.ReplyRate = float64(m.Replied) / float64(m.Sent)
		m.BounceRate = float64(m.Bounced) / float64(m.Sent)
	}
	return m, nil
}

// HandleJob routes a dispatch job to the matching lifecycle operation.
// Validation failures are logged and swallowed: retrying them cannot
// succeed and would only churn the queue.
func (c *Controller) HandleJob(ctx context.Context, job *dispatch.Job) error {
	var payload dispatch.CampaignPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		c.logger.Error("malformed campaign job payload", "job_id", job.ID, "error", err)
		return nil
	}

	var err error
	switch job.Type {
	case dispatch.TypeStart:
		_, err = c.Start(ctx, payload.CampaignID)
	case dispatch.TypePause:
		_, err = c.Pause(ctx, payload.CampaignID)
	case dispatch.TypeResume:
		_, err = c.Resume(ctx, payload.CampaignID)
	case dispatch.TypeComplete:
		_, err = c.Complete(ctx, payload.CampaignID)
	case dispatch.TypeProcessBatch:
		_, err = c.batch.Process(ctx, payload.CampaignID, payload.BatchSize)
	default:
		c.logger.Error("unknown campaign job type", "job_id", job.ID, "type", job.Type)
		return nil
	}

	if err != nil {
		if errors.Is(err, ErrNotStartable) || errors.Is(err, ErrInvalidTransition) {
			c.logger.Warn("lifecycle job rejected", "job_id", job.ID, "type", job.Type, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// warnOnUnknownVariables renders no mail; it only logs template
// placeholders that neither the built-in fields nor a sample of the
// campaign's leads can satisfy.
func (c *Controller) warnOnUnknownVariables(ctx context.Context, campaignID string, steps []models.SequenceStep, logger *slog.Logger) {
	docs, err := c.leads.SampleVariables(ctx, campaignID, 5)
	if err != nil {
		logger.Warn("failed to sample lead variables", "error", err)
		return
	}

	stepPtrs := make([]*models.SequenceStep, len(steps))
	for i := range steps {
		stepPtrs[i] = &steps[i]
	}

	for _, w := range personalize.ValidateSteps(stepPtrs, personalize.VariableKeys(docs)) {
		logger.Warn("template validation", "warning", w)
	}
}

// fail records a rejected action and returns the failure result
// together with the sentinel-wrapped error.
func (c *Controller) fail(action, campaignID string, err error) (*models.ActionResult, error) {
	c.countAction(action, "rejected")
	return &models.ActionResult{
		Success:    false,
		Action:     action,
		CampaignID: campaignID,
		Details:    models.ActionDetails{Error: err.Error()},
	}, err
}

func (c *Controller) countAction(action, result string) {
	if c.metrics != nil {
		c.metrics.CampaignActionsTotal.WithLabelValues(action, result).Inc()
	}
}
