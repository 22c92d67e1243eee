package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/metrics"
	"github.com/tidewater/outreach/internal/models"
	"github.com/tidewater/outreach/internal/personalize"
	"github.com/tidewater/outreach/internal/repository"
)

// BatchProcessorConfig contains batch processing tuning.
type BatchProcessorConfig struct {
	BatchSize       int
	RecheckInterval time.Duration
}

// BatchProcessor advances due leads through their campaign's sequence:
// it allocates account capacity, selects variants, renders content,
// submits send jobs, and re-enqueues itself until the campaign is
// exhausted or paused.
type BatchProcessor struct {
	campaigns *repository.CampaignRepository
	sequences *repository.SequenceRepository
	leads     *repository.LeadRepository
	accounts  *repository.AccountRepository
	queue     dispatch.Queue
	stats     *Aggregator
	metrics   *metrics.Metrics
	batchSize int
	recheck   time.Duration
	logger    *slog.Logger
	newRand   func() *rand.Rand
}

// NewBatchProcessor creates a batch processor.
func NewBatchProcessor(
	campaigns *repository.CampaignRepository,
	sequences *repository.SequenceRepository,
	leads *repository.LeadRepository,
	accounts *repository.AccountRepository,
	queue dispatch.Queue,
	stats *Aggregator,
	cfg BatchProcessorConfig,
	logger *slog.Logger,
) *BatchProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 5 * time.Minute
	}

	return &BatchProcessor{
		campaigns: campaigns,
		sequences: sequences,
		leads:     leads,
		accounts:  accounts,
		queue:     queue,
		stats:     stats,
		batchSize: cfg.BatchSize,
		recheck:   cfg.RecheckInterval,
		logger:    logger,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// SetMetrics attaches a metrics handle.
func (p *BatchProcessor) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Process runs one batch for the campaign. Requested overrides the
// configured batch size when positive. The returned result reports
// leads processed, emails queued and the follow-up schedule; a paused
// or completed campaign yields a zero result with no follow-up.
func (p *BatchProcessor) Process(ctx context.Context, campaignID string, requested int) (*models.ActionResult, error) {
	logger := p.logger.With("campaign_id", campaignID)

	result := &models.ActionResult{
		Success:    true,
		Action:     models.ActionProcessBatch,
		CampaignID: campaignID,
	}

	campaign, err := p.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	if p.metrics != nil {
		p.metrics.BatchesProcessedTotal.Inc()
	}

	// A stale job for a paused or finished campaign no-ops without
	// rescheduling; resume enqueues a fresh batch.
	if campaign.Status != models.CampaignStatusActive {
		logger.Info("batch skipped, campaign not active", "status", campaign.Status)
		return result, nil
	}

	now := time.Now()

	if !IsInWindow(campaign.Settings, now) {
		next := ComputeNextWindow(campaign.Settings, now)
		if err := p.scheduleBatch(ctx, campaignID, next); err != nil {
			return nil, err
		}
		result.Details.NextBatchScheduled = &next
		logger.Info("outside sending window", "next_batch", next)
		return result, nil
	}

	if requested <= 0 {
		requested = p.batchSize
	}

	// The campaign's own daily limit caps the batch before account
	// capacity does; sends land on last_sent_at, so counting leads
	// sent since local midnight gives the budget already spent.
	if limit := campaign.Settings.DailyLimit; limit > 0 {
		sentToday, err := p.leads.CountSentSince(ctx, campaignID, DayStart(campaign.Settings, now))
		if err != nil {
			return nil, fmt.Errorf("failed to count today's sends: %w", err)
		}
		remaining := limit - sentToday
		if remaining <= 0 {
			next := NextDayWindowStart(campaign.Settings, now)
			if err := p.scheduleBatch(ctx, campaignID, next); err != nil {
				return nil, err
			}
			result.Details.NextBatchScheduled = &next
			logger.Info("campaign daily limit reached", "daily_limit", limit, "next_batch", next)
			return result, nil
		}
		if requested > remaining {
			requested = remaining
		}
	}

	assigned, err := p.accounts.GetAssigned(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sending accounts: %w", err)
	}

	alloc := Allocate(assigned, requested)
	if alloc.NoCapacity() {
		next := NextDayWindowStart(campaign.Settings, now)
		if err := p.scheduleBatch(ctx, campaignID, next); err != nil {
			return nil, err
		}
		result.Details.NextBatchScheduled = &next
		logger.Info("no account capacity, deferring to next day", "next_batch", next)
		return result, nil
	}

	steps, err := p.sequences.GetSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}

	due, err := p.leads.SelectDue(ctx, campaignID, now, alloc.EffectiveBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select due leads: %w", err)
	}

	if len(due) == 0 {
		remaining, err := p.leads.CountNonTerminal(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("failed to count remaining leads: %w", err)
		}
		if remaining == 0 {
			if err := p.enqueueComplete(ctx, campaignID); err != nil {
				return nil, err
			}
			logger.Info("all leads terminal, completing campaign")
			return result, nil
		}

		next := now.Add(p.recheck)
		if err := p.scheduleBatch(ctx, campaignID, next); err != nil {
			return nil, err
		}
		result.Details.NextBatchScheduled = &next
		logger.Debug("no leads due yet", "remaining", remaining, "next_batch", next)
		return result, nil
	}

	rng := p.newRand()
	var cursor rotor

	for i := range due {
		lead := &due[i]
		result.Details.LeadsProcessed++
		if p.metrics != nil {
			p.metrics.LeadsProcessedTotal.Inc()
		}

		if lead.CurrentStepIndex >= len(steps) {
			// Walked off the end of the sequence: done.
			if err := p.leads.UpdateProgress(ctx, lead.ID, models.CampaignLeadStatusCompleted,
				lead.CurrentStepIndex, nil, nil); err != nil {
				logger.Error("failed to complete lead", "lead_id", lead.LeadID, "error", err)
			}
			continue
		}

		step := steps[lead.CurrentStepIndex]

		if step.Type == models.StepTypeWait {
			next := now.Add(step.Delay())
			if err := p.leads.UpdateProgress(ctx, lead.ID, models.CampaignLeadStatusInSequence,
				lead.CurrentStepIndex+1, nil, &next); err != nil {
				logger.Error("failed to advance lead past wait step", "lead_id", lead.LeadID, "error", err)
			}
			continue
		}

		variant := SelectVariant(step.Variants, rng)
		if variant == nil {
			logger.Error("email step has no variants", "step_id", step.ID)
			continue
		}

		account := cursor.next(alloc.Accounts)

		rendered, err := personalize.RenderEmail(variant, personalize.Data(lead, account))
		if err != nil {
			// Left unadvanced; the lead is retried on the next batch.
			logger.Warn("personalization failed, skipping lead",
				"lead_id", lead.LeadID, "step_id", step.ID, "error", err)
			if p.metrics != nil {
				p.metrics.PersonalizationErrorsTotal.Inc()
			}
			continue
		}

		payload := dispatch.SendPayload{
			MessageID:   uuid.New().String(),
			CampaignID:  campaignID,
			LeadID:      lead.LeadID,
			StepID:      step.ID,
			VariantID:   variant.ID,
			AccountID:   account.ID,
			To:          lead.Email,
			FromEmail:   account.Email,
			FromName:    account.FromName,
			Subject:     rendered.Subject,
			Body:        rendered.Body,
			PlainText:   variant.PlainText,
			TrackOpens:  campaign.Settings.TrackOpens,
			TrackClicks: campaign.Settings.TrackClicks,
		}
		job, err := dispatch.NewJob(dispatch.TypeSend, payload, time.Time{})
		if err != nil {
			logger.Error("failed to build send job", "lead_id", lead.LeadID, "error", err)
			continue
		}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			// Transient: lead stays eligible for the next batch.
			logger.Warn("failed to enqueue send job", "lead_id", lead.LeadID, "error", err)
			continue
		}

		nextIndex := lead.CurrentStepIndex + 1
		status := models.CampaignLeadStatusCompleted
		var nextSendAt *time.Time
		if nextIndex < len(steps) {
			status = models.CampaignLeadStatusInSequence
			t := now.Add(steps[nextIndex].Delay())
			nextSendAt = &t
		}
		if err := p.leads.UpdateProgress(ctx, lead.ID, status, nextIndex, &now, nextSendAt); err != nil {
			logger.Error("failed to advance lead", "lead_id", lead.LeadID, "error", err)
		}

		p.stats.RecordSend(ctx, account.ID, campaignID, lead.LeadID)
		result.Details.EmailsQueued++
		if p.metrics != nil {
			p.metrics.EmailsQueuedTotal.Inc()
		}
	}

	if result.Details.EmailsQueued > 0 {
		if err := p.stats.Flush(ctx); err != nil {
			logger.Error("stat flush failed", "error", err)
		}
	}

	next := p.followUpTime(now, len(due), alloc, result.Details.EmailsQueued)
	if err := p.scheduleBatch(ctx, campaignID, next); err != nil {
		return nil, err
	}
	result.Details.NextBatchScheduled = &next

	logger.Info("batch processed",
		"leads_processed", result.Details.LeadsProcessed,
		"emails_queued", result.Details.EmailsQueued,
		"next_batch", next,
	)
	return result, nil
}

// followUpTime picks the next batch time: paced by the queued volume
// when this batch filled its capacity, a plain recheck otherwise.
func (p *BatchProcessor) followUpTime(now time.Time, selected int, alloc *Allocation, queued int) time.Time {
	if selected >= alloc.EffectiveBatchSize && queued > 0 {
		perAccount := (queued + len(alloc.Accounts) - 1) / len(alloc.Accounts)
		return now.Add(time.Duration(perAccount) * time.Second)
	}
	return now.Add(p.recheck)
}

func (p *BatchProcessor) scheduleBatch(ctx context.Context, campaignID string, runAt time.Time) error {
	job, err := dispatch.NewJob(dispatch.TypeProcessBatch, dispatch.CampaignPayload{
		CampaignID: campaignID,
		Action:     models.ActionProcessBatch,
		BatchSize:  p.batchSize,
	}, runAt)
	if err != nil {
		return err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to schedule batch: %w", err)
	}
	return nil
}

func (p *BatchProcessor) enqueueComplete(ctx context.Context, campaignID string) error {
	job, err := dispatch.NewJob(dispatch.TypeComplete, dispatch.CampaignPayload{
		CampaignID: campaignID,
		Action:     models.ActionComplete,
	}, time.Time{})
	if err != nil {
		return err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue completion: %w", err)
	}
	return nil
}
