package run

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/datamart"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/storage"
)

// stepClock hands out strictly increasing timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type memDataMartRepo struct {
	mu    sync.Mutex
	marts map[string]*domain.DataMart
}

func newMemDataMartRepo() *memDataMartRepo {
	return &memDataMartRepo{marts: make(map[string]*domain.DataMart)}
}

func (r *memDataMartRepo) Create(_ context.Context, mart *domain.DataMart) (*domain.DataMart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyMart := *mart
	r.marts[mart.ID] = &copyMart
	return &copyMart, nil
}

func (r *memDataMartRepo) GetByID(_ context.Context, id string) (*domain.DataMart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mart, ok := r.marts[id]
	if !ok {
		return nil, domain.ErrNotFound("data mart %s not found", id)
	}
	copyMart := *mart
	return &copyMart, nil
}

func (r *memDataMartRepo) GetByIDAndProject(_ context.Context, id, projectID string) (*domain.DataMart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mart, ok := r.marts[id]
	if !ok || mart.ProjectID != projectID {
		return nil, domain.ErrNotFound("data mart %s not found", id)
	}
	copyMart := *mart
	return &copyMart, nil
}

func (r *memDataMartRepo) List(_ context.Context, projectID string) ([]domain.DataMart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DataMart
	for _, mart := range r.marts {
		if mart.ProjectID == projectID {
			out = append(out, *mart)
		}
	}
	return out, nil
}

type memRunRepo struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[string]*domain.Run)}
}

func (r *memRunRepo) Create(_ context.Context, run *domain.Run) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyRun := *run
	r.runs[run.ID] = &copyRun
	out := copyRun
	return &out, nil
}

func (r *memRunRepo) GetByID(_ context.Context, id string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrNotFound("run %s not found", id)
	}
	copyRun := *run
	return &copyRun, nil
}

func (r *memRunRepo) ListByDataMart(_ context.Context, dataMartID string) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Run
	for _, run := range r.runs {
		if run.DataMartID == dataMartID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (r *memRunRepo) MarkRunning(_ context.Context, id string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.ErrNotFound("run %s not found", id)
	}
	if run.Status != domain.RunStatusPending {
		return domain.ErrConflict("run %s is not pending", id)
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &startedAt
	return nil
}

func (r *memRunRepo) ReplaceLogs(_ context.Context, id string, logs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.ErrNotFound("run %s not found", id)
	}
	run.Logs = append([]string(nil), logs...)
	return nil
}

func (r *memRunRepo) Finish(_ context.Context, id string, status domain.RunStatus, finishedAt time.Time, logs, errs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.ErrNotFound("run %s not found", id)
	}
	if run.Status.Terminal() {
		return domain.ErrConflict("run %s already finished", id)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.Logs = logs
	run.Errors = errs
	return nil
}

func (r *memRunRepo) HasActiveInsightRun(_ context.Context, insightID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.InsightID != nil && *run.InsightID == insightID && !run.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

type memInsightRepo struct {
	mu       sync.Mutex
	insights map[string]*domain.Insight
}

func newMemInsightRepo() *memInsightRepo {
	return &memInsightRepo{insights: make(map[string]*domain.Insight)}
}

func (r *memInsightRepo) Create(_ context.Context, insight *domain.Insight) (*domain.Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyInsight := *insight
	r.insights[insight.ID] = &copyInsight
	out := copyInsight
	return &out, nil
}

func (r *memInsightRepo) GetByID(_ context.Context, id string) (*domain.Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	insight, ok := r.insights[id]
	if !ok {
		return nil, domain.ErrNotFound("insight %s not found", id)
	}
	copyInsight := *insight
	return &copyInsight, nil
}

func (r *memInsightRepo) GetByIDAndDataMart(_ context.Context, id, dataMartID string) (*domain.Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	insight, ok := r.insights[id]
	if !ok || insight.DataMartID != dataMartID {
		return nil, domain.ErrNotFound("insight %s not found", id)
	}
	copyInsight := *insight
	return &copyInsight, nil
}

func (r *memInsightRepo) ListScheduled(_ context.Context) ([]domain.Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Insight
	for _, insight := range r.insights {
		if insight.ScheduleCron != nil && *insight.ScheduleCron != "" {
			out = append(out, *insight)
		}
	}
	return out, nil
}

func (r *memInsightRepo) ResetOutput(_ context.Context, id, lastRunID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insight, ok := r.insights[id]
	if !ok {
		return domain.ErrNotFound("insight %s not found", id)
	}
	insight.Output = ""
	insight.LastRunID = &lastRunID
	return nil
}

func (r *memInsightRepo) UpdateOutput(_ context.Context, id, output string, at time.Time, lastRunID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insight, ok := r.insights[id]
	if !ok {
		return domain.ErrNotFound("insight %s not found", id)
	}
	insight.Output = output
	insight.OutputUpdatedAt = &at
	insight.LastRunID = &lastRunID
	return nil
}

type memSecretRepo struct {
	payloads map[string]string
}

func (r *memSecretRepo) Get(_ context.Context, name string) (*domain.Secret, error) {
	payload, ok := r.payloads[name]
	if !ok {
		return nil, domain.ErrNotFound("secret %q not found", name)
	}
	return &domain.Secret{Name: name, Payload: payload}, nil
}

func (r *memSecretRepo) Put(_ context.Context, name, payload string) error {
	r.payloads[name] = payload
	return nil
}

func (r *memSecretRepo) Delete(_ context.Context, name string) error {
	delete(r.payloads, name)
	return nil
}

// recordingEvents counts produced events.
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingEvents) Produce(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingEvents) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeFacade scripts batch results and optionally fails execution.
type fakeFacade struct {
	mu          sync.Mutex
	batches     []*domain.Batch
	executeErr  error
	executeHits int
}

func (f *fakeFacade) ExecuteBatches(_ context.Context, _ domain.StorageType, _ domain.Credentials, _ json.RawMessage, _ domain.Definition, _ string, _ domain.ExecuteOptions) (domain.BatchStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executeHits++
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &scriptedStream{batches: f.batches}, nil
}

func (f *fakeFacade) CreateView(_ context.Context, _ domain.StorageType, _ domain.Credentials, _ json.RawMessage, viewName, _ string) (string, error) {
	return "db." + viewName, nil
}

func (f *fakeFacade) DryRun(_ context.Context, _ domain.StorageType, _ domain.Credentials, _ json.RawMessage, _ string) (*domain.DryRunResult, error) {
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

// testEnv wires real services over in-memory repositories and a scripted
// warehouse facade.
type testEnv struct {
	dataMarts *memDataMartRepo
	runs      *memRunRepo
	insights  *memInsightRepo
	facade    *fakeFacade
	events    *recordingEvents
	clock     *stepClock

	service     *Service
	coordinator *Coordinator
	insightSvc  *InsightService
	previewSvc  *SQLPreviewService
}

func newTestEnv(facade *fakeFacade) *testEnv {
	logger := slog.Default()
	env := &testEnv{
		dataMarts: newMemDataMartRepo(),
		runs:      newMemRunRepo(),
		insights:  newMemInsightRepo(),
		facade:    facade,
		events:    &recordingEvents{},
		clock:     newStepClock(),
	}

	secrets := &memSecretRepo{payloads: map[string]string{"wh-creds": `{"user":"test"}`}}
	credentials := storage.NewCredentialsResolver(secrets, logger)
	resolver := datamart.NewResolver(facade, credentials, logger)
	consumer := datamart.NewConsumer(facade, credentials, resolver, logger)

	env.service = NewService(env.runs, env.clock, logger)
	env.coordinator = NewCoordinator(4, env.service, env.clock, logger)
	renderer := NewRenderer(consumer)
	env.insightSvc = NewInsightService(
		env.dataMarts, env.insights, env.runs, env.service, env.coordinator, renderer, env.events, logger)
	env.previewSvc = NewSQLPreviewService(env.dataMarts, consumer, env.service, env.coordinator, logger)
	return env
}

func (e *testEnv) seedMart(def domain.Definition) *domain.DataMart {
	mart := &domain.DataMart{
		ID:        "mart-1",
		ProjectID: "proj-1",
		Title:     "Orders",
		Status:    domain.DataMartStatusPublished,
		Storage: domain.Storage{
			Type:      domain.StorageTypeBigQuery,
			Config:    json.RawMessage(`{"projectId":"p","dataset":"d"}`),
			SecretRef: "wh-creds",
		},
		Definition: def,
	}
	created, _ := e.dataMarts.Create(context.Background(), mart)
	return created
}

func (e *testEnv) seedInsight(template string) *domain.Insight {
	insight := &domain.Insight{
		ID:         "insight-1",
		DataMartID: "mart-1",
		Title:      "Weekly summary",
		Template:   template,
	}
	created, _ := e.insights.Create(context.Background(), insight)
	return created
}
