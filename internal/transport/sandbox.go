package transport

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tidewater/outreach/internal/dispatch"
)

// CapturedMessage is a message held by the sandbox sender instead of
// being delivered.
type CapturedMessage struct {
	MessageID  string    `json:"message_id"`
	CampaignID string    `json:"campaign_id"`
	LeadID     string    `json:"lead_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	CapturedAt time.Time `json:"captured_at"`
}

// SimulatedError is a delivery error produced by the sandbox sender
// when error simulation is enabled.
type SimulatedError struct {
	Message   string
	Temporary bool
}

func (e *SimulatedError) Error() string {
	return e.Message
}

// SandboxSender captures messages instead of delivering them. It is
// the default sender when no relay is configured, and can simulate
// delivery failures to exercise the retry path.
type SandboxSender struct {
	logger *slog.Logger

	mu       sync.Mutex
	messages []CapturedMessage
	maxKept  int

	simulateErrors   bool
	errorProbability float64
	rng              *rand.Rand
}

// NewSandboxSender creates a sandbox sender that keeps the most recent
// maxKept messages (default 1000).
func NewSandboxSender(maxKept int, logger *slog.Logger) *SandboxSender {
	if maxKept <= 0 {
		maxKept = 1000
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SandboxSender{
		logger:           logger,
		maxKept:          maxKept,
		errorProbability: 0.1,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetErrorSimulation enables or disables simulated delivery failures.
func (s *SandboxSender) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// Send captures the message. With error simulation enabled a fraction
// of sends return an SMTP-style error instead.
func (s *SandboxSender) Send(ctx context.Context, msg *dispatch.SendPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.simulateErrors && s.rng.Float64() < s.errorProbability {
		errorTypes := []struct {
			msg  string
			temp bool
		}{
			{"550 User not found", false},
			{"451 Temporary failure", true},
			{"452 Insufficient storage", true},
			{"421 Service not available", true},
		}
		e := errorTypes[s.rng.Intn(len(errorTypes))]
		s.logger.Info("sandbox: simulating delivery error",
			"message_id", msg.MessageID, "to", msg.To, "error", e.msg)
		return &SimulatedError{Message: e.msg, Temporary: e.temp}
	}

	s.messages = append(s.messages, CapturedMessage{
		MessageID:  msg.MessageID,
		CampaignID: msg.CampaignID,
		LeadID:     msg.LeadID,
		From:       msg.FromEmail,
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		CapturedAt: time.Now(),
	})
	if len(s.messages) > s.maxKept {
		s.messages = s.messages[len(s.messages)-s.maxKept:]
	}

	s.logger.Info("sandbox: message captured",
		"message_id", msg.MessageID, "to", msg.To, "subject", msg.Subject)
	return nil
}

// Messages returns a copy of the captured messages, oldest first.
func (s *SandboxSender) Messages() []CapturedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Clear drops all captured messages.
func (s *SandboxSender) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
