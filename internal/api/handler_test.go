package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/datamart"
	runservice "github.com/OWOX/owox-data-marts-sub004/internal/service/run"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/storage"
)

type memStore struct {
	mu       sync.Mutex
	marts    map[string]*domain.DataMart
	runs     map[string]*domain.Run
	insights map[string]*domain.Insight
}

func newMemStore() *memStore {
	return &memStore{
		marts:    make(map[string]*domain.DataMart),
		runs:     make(map[string]*domain.Run),
		insights: make(map[string]*domain.Insight),
	}
}

func (s *memStore) Create(_ context.Context, mart *domain.DataMart) (*domain.DataMart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyMart := *mart
	s.marts[mart.ID] = &copyMart
	return &copyMart, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.DataMart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mart, ok := s.marts[id]
	if !ok {
		return nil, domain.ErrNotFound("data mart %s not found", id)
	}
	copyMart := *mart
	return &copyMart, nil
}

func (s *memStore) GetByIDAndProject(ctx context.Context, id, _ string) (*domain.DataMart, error) {
	return s.GetByID(ctx, id)
}

func (s *memStore) List(context.Context, string) ([]domain.DataMart, error) { return nil, nil }

type memRuns struct{ store *memStore }

func (r memRuns) Create(_ context.Context, run *domain.Run) (*domain.Run, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copyRun := *run
	r.store.runs[run.ID] = &copyRun
	out := copyRun
	return &out, nil
}

func (r memRuns) GetByID(_ context.Context, id string) (*domain.Run, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	run, ok := r.store.runs[id]
	if !ok {
		return nil, domain.ErrNotFound("run %s not found", id)
	}
	copyRun := *run
	return &copyRun, nil
}

func (r memRuns) ListByDataMart(_ context.Context, dataMartID string) ([]domain.Run, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []domain.Run
	for _, run := range r.store.runs {
		if run.DataMartID == dataMartID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (r memRuns) MarkRunning(_ context.Context, id string, startedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	run := r.store.runs[id]
	run.Status = domain.RunStatusRunning
	run.StartedAt = &startedAt
	return nil
}

func (r memRuns) ReplaceLogs(context.Context, string, []string) error { return nil }

func (r memRuns) Finish(_ context.Context, id string, status domain.RunStatus, finishedAt time.Time, logs, errs []string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	run := r.store.runs[id]
	if run.Status.Terminal() {
		return domain.ErrConflict("run %s already finished", id)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.Logs = logs
	run.Errors = errs
	return nil
}

func (r memRuns) HasActiveInsightRun(_ context.Context, insightID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, run := range r.store.runs {
		if run.InsightID != nil && *run.InsightID == insightID && !run.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

type memInsights struct{ store *memStore }

func (r memInsights) Create(_ context.Context, insight *domain.Insight) (*domain.Insight, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copyInsight := *insight
	r.store.insights[insight.ID] = &copyInsight
	out := copyInsight
	return &out, nil
}

func (r memInsights) GetByID(_ context.Context, id string) (*domain.Insight, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	insight, ok := r.store.insights[id]
	if !ok {
		return nil, domain.ErrNotFound("insight %s not found", id)
	}
	copyInsight := *insight
	return &copyInsight, nil
}

func (r memInsights) GetByIDAndDataMart(ctx context.Context, id, _ string) (*domain.Insight, error) {
	return r.GetByID(ctx, id)
}

func (r memInsights) ListScheduled(context.Context) ([]domain.Insight, error) { return nil, nil }

func (r memInsights) ResetOutput(_ context.Context, id, lastRunID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	insight := r.store.insights[id]
	insight.Output = ""
	insight.LastRunID = &lastRunID
	return nil
}

func (r memInsights) UpdateOutput(_ context.Context, id, output string, at time.Time, lastRunID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	insight := r.store.insights[id]
	insight.Output = output
	insight.OutputUpdatedAt = &at
	insight.LastRunID = &lastRunID
	return nil
}

type memSecrets struct{}

func (memSecrets) Get(_ context.Context, name string) (*domain.Secret, error) {
	return &domain.Secret{Name: name, Payload: `{"user":"test"}`}, nil
}
func (memSecrets) Put(context.Context, string, string) error { return nil }
func (memSecrets) Delete(context.Context, string) error      { return nil }

type fakeFacade struct{ batches []*domain.Batch }

func (f *fakeFacade) ExecuteBatches(context.Context, domain.StorageType, domain.Credentials, json.RawMessage, domain.Definition, string, domain.ExecuteOptions) (domain.BatchStream, error) {
	return &scriptedStream{batches: f.batches}, nil
}

func (f *fakeFacade) CreateView(_ context.Context, _ domain.StorageType, _ domain.Credentials, _ json.RawMessage, viewName, _ string) (string, error) {
	return "db." + viewName, nil
}

func (f *fakeFacade) DryRun(context.Context, domain.StorageType, domain.Credentials, json.RawMessage, string) (*domain.DryRunResult, error) {
	return &domain.DryRunResult{Valid: true}, nil
}

type scriptedStream struct {
	batches []*domain.Batch
	pulls   int
}

func (s *scriptedStream) Next(context.Context) (*domain.Batch, error) {
	if s.pulls >= len(s.batches) {
		return nil, io.EOF
	}
	batch := s.batches[s.pulls]
	s.pulls++
	return batch, nil
}

func (s *scriptedStream) Close() error { return nil }

type noEvents struct{}

func (noEvents) Produce(context.Context, domain.Event) error { return nil }

func newTestRouter(t *testing.T, store *memStore) (chi.Router, *runservice.Coordinator) {
	t.Helper()
	logger := slog.Default()
	clock := domain.SystemClock()

	facade := &fakeFacade{batches: []*domain.Batch{
		{Columns: []string{"email"}, Rows: []map[string]interface{}{{"email": "a@example.com"}}},
	}}
	credentials := storage.NewCredentialsResolver(memSecrets{}, logger)
	resolver := datamart.NewResolver(facade, credentials, logger)
	consumer := datamart.NewConsumer(facade, credentials, resolver, logger)

	runs := memRuns{store: store}
	service := runservice.NewService(runs, clock, logger)
	coordinator := runservice.NewCoordinator(2, service, clock, logger)
	renderer := runservice.NewRenderer(consumer)
	insights := runservice.NewInsightService(
		store, memInsights{store: store}, runs, service, coordinator, renderer, noEvents{}, logger)
	preview := runservice.NewSQLPreviewService(store, consumer, service, coordinator, logger)

	handler := NewHandler(store, service, insights, preview, consumer, logger)
	r := chi.NewRouter()
	handler.Routes(r)
	return r, coordinator
}

func seedPublishedMart(store *memStore) {
	mart := &domain.DataMart{
		ID:        "mart-1",
		ProjectID: "proj-1",
		Title:     "Orders",
		Status:    domain.DataMartStatusPublished,
		Storage: domain.Storage{
			Type:      domain.StorageTypeBigQuery,
			Config:    json.RawMessage(`{"projectId":"p","dataset":"d"}`),
			SecretRef: "bq-creds",
		},
		Definition: domain.TableDefinition{FullyQualifiedName: "p.d.orders"},
	}
	_, _ = store.Create(context.Background(), mart)
	_, _ = memInsights{store: store}.Create(context.Background(), &domain.Insight{
		ID:         "insight-1",
		DataMartID: "mart-1",
		Title:      "Summary",
		Template:   "plain output",
	})
}

func TestStartInsightRunReturns202(t *testing.T) {
	store := newMemStore()
	seedPublishedMart(store)
	router, coordinator := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/data-marts/mart-1/insights/insight-1/runs", nil)
	req.Header.Set("X-User-ID", "user-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["runId"])

	coordinator.Wait()
	run, err := memRuns{store: store}.GetByID(context.Background(), body["runId"])
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
}

func TestStartInsightRunUnknownMartIs404(t *testing.T) {
	router, _ := newTestRouter(t, newMemStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/data-marts/nope/insights/insight-1/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartInsightRunDraftMartIs422(t *testing.T) {
	store := newMemStore()
	seedPublishedMart(store)
	store.marts["mart-1"].Status = domain.DataMartStatusDraft
	router, _ := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/data-marts/mart-1/insights/insight-1/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetRunScopedToDataMart(t *testing.T) {
	store := newMemStore()
	seedPublishedMart(store)
	router, _ := newTestRouter(t, store)

	run, err := memRuns{store: store}.Create(context.Background(), &domain.Run{
		ID:         "run-1",
		DataMartID: "mart-1",
		Type:       domain.RunOperationInsight,
		Status:     domain.RunStatusPending,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/data-marts/mart-1/runs/run-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), run.ID)

	// The same run under another mart's path is invisible.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/data-marts/other/runs/run-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSampleColumnsEndpoint(t *testing.T) {
	store := newMemStore()
	seedPublishedMart(store)
	router, _ := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/data-marts/mart-1/sample",
		strings.NewReader(`{"columns":["email"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var table struct {
		Columns []string        `json:"columns"`
		Rows    [][]interface{} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &table))
	assert.Equal(t, []string{"email"}, table.Columns)
	assert.Len(t, table.Rows, 1)
}

func TestSampleColumnsRequiresColumns(t *testing.T) {
	store := newMemStore()
	seedPublishedMart(store)
	router, _ := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/data-marts/mart-1/sample",
		strings.NewReader(`{"columns":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDryRunEndpoint(t *testing.T) {
	store := newMemStore()
	seedPublishedMart(store)
	router, _ := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/data-marts/mart-1/sql/dry-run",
		strings.NewReader(`{"sql":"SELECT 1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}
