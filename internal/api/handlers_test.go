package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tidewater/outreach/internal/config"
	"github.com/tidewater/outreach/internal/db"
	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/engine"
	"github.com/tidewater/outreach/internal/models"
	"github.com/tidewater/outreach/internal/repository"
	"github.com/tidewater/outreach/internal/transport"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs []*dispatch.Job
}

func (q *stubQueue) Enqueue(ctx context.Context, job *dispatch.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Dequeue(ctx context.Context) (*dispatch.Job, error)  { return nil, nil }
func (q *stubQueue) Update(ctx context.Context, job *dispatch.Job) error { return nil }
func (q *stubQueue) Stats(ctx context.Context) (*dispatch.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &dispatch.Stats{Pending: int64(len(q.jobs)), Total: int64(len(q.jobs))}, nil
}
func (q *stubQueue) Close() error { return nil }

type apiHarness struct {
	server   *Server
	conn     *sql.DB
	accounts *repository.AccountRepository
	leads    *repository.LeadRepository
}

func setupServer(t *testing.T, apiKey string) *apiHarness {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatal(err)
	}
	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	campaigns := repository.NewCampaignRepository(conn)
	sequences := repository.NewSequenceRepository(conn)
	leads := repository.NewLeadRepository(conn)
	accounts := repository.NewAccountRepository(conn)
	records := repository.NewSendRecordRepository(conn)
	queue := &stubQueue{}

	agg := engine.NewAggregator(accounts, campaigns, leads,
		engine.AggregatorConfig{FlushThreshold: 1000, FlushInterval: time.Hour}, logger)
	batch := engine.NewBatchProcessor(campaigns, sequences, leads, accounts, queue, agg,
		engine.BatchProcessorConfig{BatchSize: 100, RecheckInterval: 5 * time.Minute}, logger)
	ctrl := engine.NewController(campaigns, sequences, leads, accounts, records, queue, batch, logger)

	cfg := &config.API{ListenAddr: ":0", APIKey: apiKey}
	server := NewServer(campaigns, sequences, leads, accounts, records, ctrl, queue, cfg, logger)

	return &apiHarness{server: server, conn: conn, accounts: accounts, leads: leads}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reqBody)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func (h *apiHarness) createCampaign(t *testing.T, steps ...CreateStepRequest) models.Campaign {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		Name: "Q3 Outreach",
		Settings: models.CampaignSettings{
			DailyLimit:      500,
			WindowStartHour: 0,
			WindowEndHour:   24,
			Timezone:        "UTC",
		},
		Steps: steps,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign status = %d, body = %s", w.Code, w.Body.String())
	}
	return decode[models.Campaign](t, w)
}

func emailStep(order int) CreateStepRequest {
	return CreateStepRequest{
		Order: order,
		Type:  models.StepTypeEmail,
		Variants: []CreateVariantRequest{
			{Subject: "Hi {{first_name}}", Body: "Hello from {{sender_name}}"},
		},
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := setupServer(t, "secret")

	if w := h.do(t, http.MethodGet, "/api/v1/campaigns", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/api/v1/campaigns", nil,
		map[string]string{"Authorization": "Bearer secret"}); w.Code != http.StatusOK {
		t.Errorf("bearer status = %d, want 200", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/api/v1/campaigns", nil,
		map[string]string{"X-API-Key": "secret"}); w.Code != http.StatusOK {
		t.Errorf("x-api-key status = %d, want 200", w.Code)
	}
	// Health stays open
	if w := h.do(t, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestCreateCampaignWithSteps(t *testing.T) {
	h := setupServer(t, "")

	campaign := h.createCampaign(t, emailStep(0),
		CreateStepRequest{Order: 1, Type: models.StepTypeWait, DelayDays: 3})
	if campaign.ID == "" || campaign.Status != models.CampaignStatusDraft {
		t.Errorf("campaign = %+v", campaign)
	}

	w := h.do(t, http.MethodGet, "/api/v1/campaigns/"+campaign.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	h := setupServer(t, "")

	tests := []struct {
		name string
		req  CreateCampaignRequest
	}{
		{"missing name", CreateCampaignRequest{}},
		{"email step without variants", CreateCampaignRequest{
			Name:  "x",
			Steps: []CreateStepRequest{{Order: 0, Type: models.StepTypeEmail}},
		}},
		{"wait step without delay", CreateCampaignRequest{
			Name:  "x",
			Steps: []CreateStepRequest{{Order: 0, Type: models.StepTypeWait}},
		}},
		{"unknown step type", CreateCampaignRequest{
			Name:  "x",
			Steps: []CreateStepRequest{{Order: 0, Type: "sms"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := h.do(t, http.MethodPost, "/api/v1/campaigns", tt.req, nil); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestImportLeads(t *testing.T) {
	h := setupServer(t, "")
	campaign := h.createCampaign(t)

	w := h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/leads", []ImportLeadRequest{
		{Email: "ada@acme.test", FirstName: "Ada", Company: "Acme",
			Variables: map[string]any{"plan": "pro"}},
		{Email: "grace@acme.test", FirstName: "Grace"},
		{Email: "not-an-email"},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("import status = %d, body = %s", w.Code, w.Body.String())
	}

	resp := decode[ImportLeadsResponse](t, w)
	if resp.Imported != 2 || resp.Attached != 2 {
		t.Errorf("resp = %+v, want 2 imported and attached", resp)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0] != "not-an-email" {
		t.Errorf("skipped = %v", resp.Skipped)
	}

	// Re-importing an existing lead attaches without duplicating it
	w = h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/leads",
		[]ImportLeadRequest{{Email: "ada@acme.test"}}, nil)
	resp = decode[ImportLeadsResponse](t, w)
	if resp.Imported != 0 || resp.Attached != 1 {
		t.Errorf("re-import resp = %+v", resp)
	}
}

func TestAccountLifecycle(t *testing.T) {
	h := setupServer(t, "")
	campaign := h.createCampaign(t)

	w := h.do(t, http.MethodPost, "/api/v1/accounts",
		CreateAccountRequest{Email: "out@mail.test", FromName: "Sam", DailyLimit: 50}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create account status = %d, body = %s", w.Code, w.Body.String())
	}
	account := decode[models.SendingAccount](t, w)
	if account.ID == "" || account.Status != models.AccountStatusActive {
		t.Errorf("account = %+v", account)
	}

	w = h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/accounts",
		AssignAccountRequest{AccountID: account.ID}, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("assign status = %d", w.Code)
	}

	w = h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/accounts",
		AssignAccountRequest{AccountID: "missing"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("assign missing status = %d, want 404", w.Code)
	}

	w = h.do(t, http.MethodPost, "/api/v1/accounts",
		CreateAccountRequest{Email: "bad", DailyLimit: 50}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid email status = %d, want 400", w.Code)
	}
}

func TestStartEndpoint(t *testing.T) {
	h := setupServer(t, "")
	campaign := h.createCampaign(t, emailStep(0))

	// No leads or accounts yet: precondition failure maps to 409
	w := h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/start", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("start status = %d, want 409", w.Code)
	}
	result := decode[models.ActionResult](t, w)
	if result.Success || result.Details.Error == "" {
		t.Errorf("result = %+v", result)
	}

	h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/leads",
		[]ImportLeadRequest{{Email: "ada@acme.test", FirstName: "Ada"}}, nil)
	wAcct := h.do(t, http.MethodPost, "/api/v1/accounts",
		CreateAccountRequest{Email: "out@mail.test", DailyLimit: 50}, nil)
	account := decode[models.SendingAccount](t, wAcct)
	h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/accounts",
		AssignAccountRequest{AccountID: account.ID}, nil)

	w = h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/start", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}
	result = decode[models.ActionResult](t, w)
	if !result.Success || result.Details.NextBatchScheduled == nil {
		t.Errorf("result = %+v", result)
	}

	w = h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/pause", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("pause status = %d", w.Code)
	}
	w = h.do(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/pause", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double pause status = %d, want 409", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupServer(t, "")
	campaign := h.createCampaign(t)

	w := h.do(t, http.MethodGet, "/api/v1/campaigns/"+campaign.ID+"/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	m := decode[models.CampaignMetrics](t, w)
	if m.CampaignID != campaign.ID {
		t.Errorf("metrics = %+v", m)
	}
}

func TestCampaignNotFound(t *testing.T) {
	h := setupServer(t, "")

	for _, path := range []string{
		"/api/v1/campaigns/missing",
		"/api/v1/campaigns/missing/metrics",
		"/api/v1/campaigns/missing/records",
	} {
		if w := h.do(t, http.MethodGet, path, nil, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
		}
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	h := setupServer(t, "")

	w := h.do(t, http.MethodGet, "/api/v1/queue", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue status = %d", w.Code)
	}
	decode[dispatch.Stats](t, w)
}

func TestSandboxMessagesEndpoint(t *testing.T) {
	h := setupServer(t, "")

	if w := h.do(t, http.MethodGet, "/api/v1/sandbox/messages", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("no sandbox status = %d, want 404", w.Code)
	}

	sb := transport.NewSandboxSender(10, nil)
	sb.Send(context.Background(), &dispatch.SendPayload{MessageID: "m1", To: "ada@acme.test"})
	h.server.SetSandbox(sb)

	w := h.do(t, http.MethodGet, "/api/v1/sandbox/messages", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sandbox status = %d", w.Code)
	}
	msgs := decode[[]transport.CapturedMessage](t, w)
	if len(msgs) != 1 || msgs[0].MessageID != "m1" {
		t.Errorf("messages = %+v", msgs)
	}
}
