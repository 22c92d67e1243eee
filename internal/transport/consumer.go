package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/metrics"
	"github.com/tidewater/outreach/internal/models"
	"github.com/tidewater/outreach/internal/repository"
)

// Consumer executes send jobs: it hands the rendered message to the
// sender and writes the audit record.
type Consumer struct {
	sender  Sender
	records *repository.SendRecordRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConsumer creates a send job consumer.
func NewConsumer(sender Sender, records *repository.SendRecordRepository, logger *slog.Logger) *Consumer {
	return &Consumer{
		sender:  sender,
		records: records,
		logger:  logger,
	}
}

// SetMetrics attaches a metrics handle.
func (c *Consumer) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// HandleSend delivers one send job. Delivery errors are returned so
// the dispatcher retries with backoff; the failed audit record is only
// written on the final attempt.
func (c *Consumer) HandleSend(ctx context.Context, job *dispatch.Job) error {
	var msg dispatch.SendPayload
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		c.logger.Error("malformed send payload", "job_id", job.ID, "error", err)
		return nil
	}

	if err := c.sender.Send(ctx, &msg); err != nil {
		lastAttempt := job.RetryCount+1 >= job.MaxRetries
		c.logger.Warn("send failed",
			"message_id", msg.MessageID, "to", msg.To,
			"attempt", job.RetryCount+1, "final", lastAttempt, "error", err)

		if lastAttempt {
			c.countSend(models.SendStatusFailed)
			rec := &models.SendRecord{
				MessageID:  msg.MessageID,
				CampaignID: msg.CampaignID,
				LeadID:     msg.LeadID,
				StepID:     msg.StepID,
				VariantID:  msg.VariantID,
				AccountID:  msg.AccountID,
				Status:     models.SendStatusFailed,
				Error:      err.Error(),
			}
			if recErr := c.records.Create(ctx, rec); recErr != nil {
				c.logger.Error("failed to record failed send",
					"message_id", msg.MessageID, "error", recErr)
			}
		}
		return fmt.Errorf("failed to send %s: %w", msg.MessageID, err)
	}

	c.countSend(models.SendStatusSent)
	rec := &models.SendRecord{
		MessageID:  msg.MessageID,
		CampaignID: msg.CampaignID,
		LeadID:     msg.LeadID,
		StepID:     msg.StepID,
		VariantID:  msg.VariantID,
		AccountID:  msg.AccountID,
		Status:     models.SendStatusSent,
	}
	if err := c.records.Create(ctx, rec); err != nil {
		// The mail is out; a lost audit row must not trigger a resend.
		c.logger.Error("failed to record sent message",
			"message_id", msg.MessageID, "error", err)
	}

	c.logger.Debug("message delivered", "message_id", msg.MessageID, "to", msg.To)
	return nil
}

func (c *Consumer) countSend(status string) {
	if c.metrics != nil {
		c.metrics.SendsTotal.WithLabelValues(status).Inc()
	}
}
