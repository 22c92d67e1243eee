package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidewater/outreach/internal/metrics"
)

// Handler executes one job. A nil return completes the job; an error
// defers it for retry until MaxRetries is exhausted.
type Handler func(ctx context.Context, job *Job) error

// Processor pulls jobs from the queue and routes them to registered
// handlers with a worker pool.
type Processor struct {
	queue           Queue
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
}

// NewProcessor creates a new job processor
func NewProcessor(q Queue, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}

	return &Processor{
		queue:           q,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		logger:          logger,
		handlers:        make(map[string]Handler),
		stopCh:          make(chan struct{}),
	}
}

// SetMetrics attaches a metrics handle; call before Start.
func (p *Processor) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Register binds a handler to a job type. Registering twice for the
// same type replaces the previous handler.
func (p *Processor) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting dispatch processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping dispatch processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("dispatch processor stopped")
}

// worker is the main processing loop
func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain everything that is due before sleeping again
			for p.processOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne processes a single job from the queue. Returns true if a
// job was claimed.
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}

	if job == nil {
		return false // queue is empty
	}

	logger = logger.With("job_id", job.ID, "job_type", job.Type)
	logger.Debug("processing job")

	handler := p.handler(job.Type)
	if handler == nil {
		job.Status = StatusFailed
		job.LastError = fmt.Sprintf("no handler registered for type %q", job.Type)
		logger.Error("unroutable job", "error", job.LastError)
		if p.metrics != nil {
			p.metrics.JobsFailedTotal.WithLabelValues(job.Type).Inc()
		}
		if err := p.queue.Update(ctx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		return true
	}

	// Stamp the retry limit so handlers can tell a final attempt apart.
	if job.MaxRetries <= 0 {
		job.MaxRetries = p.maxRetries
	}

	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = handler(jobCtx, job)
	cancel()

	if err == nil {
		job.Status = StatusCompleted
		if err := p.queue.Update(ctx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		logger.Debug("job completed")
		return true
	}

	logger.Warn("job failed", "error", err, "retry_count", job.RetryCount)

	job.RetryCount++
	job.LastError = err.Error()

	if job.RetryCount < job.MaxRetries {
		backoff := p.calculateBackoff(job.RetryCount)
		job.Status = StatusDeferred
		job.RunAt = time.Now().Add(backoff)

		logger.Info("job deferred",
			"retry_count", job.RetryCount,
			"run_at", job.RunAt,
			"backoff", backoff,
		)
	} else {
		job.Status = StatusFailed
		logger.Error("job failed permanently",
			"retry_count", job.RetryCount,
			"max_retries", job.MaxRetries,
		)
		if p.metrics != nil {
			p.metrics.JobsFailedTotal.WithLabelValues(job.Type).Inc()
		}
	}

	if err := p.queue.Update(ctx, job); err != nil {
		logger.Error("failed to update job status", "error", err)
	}
	return true
}

// handler returns the registered handler for a type, or nil.
func (p *Processor) handler(jobType string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[jobType]
}

// calculateBackoff calculates exponential backoff duration
func (p *Processor) calculateBackoff(retryCount int) time.Duration {
	multiplier := 1 << (retryCount - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * p.retryInterval

	maxBackoff := time.Hour
	if backoff > maxBackoff {
		return maxBackoff
	}

	return backoff
}
