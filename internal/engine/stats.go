package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AccountCounter applies atomic sent-today increments.
type AccountCounter interface {
	IncrementSentToday(ctx context.Context, accountID string, delta int) error
}

// CampaignCounter applies atomic contacted increments.
type CampaignCounter interface {
	IncrementContacted(ctx context.Context, campaignID string, delta int) error
}

// LeadMarker bulk-marks global leads as contacted.
type LeadMarker interface {
	MarkContacted(ctx context.Context, leadIDs []string) error
}

// AggregatorConfig contains aggregator tuning.
type AggregatorConfig struct {
	FlushThreshold int
	FlushInterval  time.Duration
}

// Aggregator buffers counter increments so a batch of sends lands as a
// handful of writes instead of one per email. Flushes happen when the
// buffer reaches the threshold, on an interval tick, and on explicit
// Flush at shutdown or after a send-producing batch.
type Aggregator struct {
	accounts  AccountCounter
	campaigns CampaignCounter
	leads     LeadMarker
	threshold int
	interval  time.Duration
	logger    *slog.Logger

	mu                sync.Mutex
	accountSent       map[string]int
	campaignContacted map[string]int
	contactedLeads    map[string]struct{}
	buffered          int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAggregator creates a stat aggregator.
func NewAggregator(accounts AccountCounter, campaigns CampaignCounter, leads LeadMarker, cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	return &Aggregator{
		accounts:          accounts,
		campaigns:         campaigns,
		leads:             leads,
		threshold:         cfg.FlushThreshold,
		interval:          cfg.FlushInterval,
		logger:            logger,
		accountSent:       make(map[string]int),
		campaignContacted: make(map[string]int),
		contactedLeads:    make(map[string]struct{}),
		stopCh:            make(chan struct{}),
	}
}

// RecordSend buffers the counter increments for one queued email.
func (a *Aggregator) RecordSend(ctx context.Context, accountID, campaignID, leadID string) {
	a.mu.Lock()
	a.accountSent[accountID]++
	a.campaignContacted[campaignID]++
	a.contactedLeads[leadID] = struct{}{}
	a.buffered++
	full := a.buffered >= a.threshold
	a.mu.Unlock()

	if full {
		if err := a.Flush(ctx); err != nil {
			a.logger.Error("stat flush failed", "error", err)
		}
	}
}

// Flush applies all buffered increments. Counter writes are atomic
// increments; lead statuses go out as one bulk update. Keys whose
// write fails are merged back into the buffer for the next flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	accountSent := a.accountSent
	campaignContacted := a.campaignContacted
	contactedLeads := a.contactedLeads
	a.accountSent = make(map[string]int)
	a.campaignContacted = make(map[string]int)
	a.contactedLeads = make(map[string]struct{})
	a.buffered = 0
	a.mu.Unlock()

	var firstErr error

	for accountID, n := range accountSent {
		if err := a.accounts.IncrementSentToday(ctx, accountID, n); err != nil {
			a.requeueAccount(accountID, n)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for campaignID, n := range campaignContacted {
		if err := a.campaigns.IncrementContacted(ctx, campaignID, n); err != nil {
			a.requeueCampaign(campaignID, n)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(contactedLeads) > 0 {
		ids := make([]string, 0, len(contactedLeads))
		for id := range contactedLeads {
			ids = append(ids, id)
		}
		if err := a.leads.MarkContacted(ctx, ids); err != nil {
			a.mu.Lock()
			for id := range contactedLeads {
				a.contactedLeads[id] = struct{}{}
			}
			a.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (a *Aggregator) requeueAccount(accountID string, n int) {
	a.mu.Lock()
	a.accountSent[accountID] += n
	a.buffered += n
	a.mu.Unlock()
}

func (a *Aggregator) requeueCampaign(campaignID string, n int) {
	a.mu.Lock()
	a.campaignContacted[campaignID] += n
	a.buffered += n
	a.mu.Unlock()
}

// Start launches the interval flush loop.
func (a *Aggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				if err := a.Flush(ctx); err != nil {
					a.logger.Error("stat flush failed", "error", err)
				}
			}
		}
	}()
}

// Stop flushes remaining buffers and stops the loop.
func (a *Aggregator) Stop(ctx context.Context) {
	close(a.stopCh)
	a.wg.Wait()

	if err := a.Flush(ctx); err != nil {
		a.logger.Error("final stat flush failed", "error", err)
	}
}
