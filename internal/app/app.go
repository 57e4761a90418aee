// Package app provides application-level wiring and dependency injection.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/OWOX/owox-data-marts-sub004/internal/config"
	"github.com/OWOX/owox-data-marts-sub004/internal/db/crypto"
	"github.com/OWOX/owox-data-marts-sub004/internal/db/repository"
	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/datamart"
	runservice "github.com/OWOX/owox-data-marts-sub004/internal/service/run"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/scheduler"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/storage"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse/athena"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse/bigquery"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse/clickhouse"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse/redshift"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse/snowflake"
)

// Deps holds the external dependencies that main() must provide: database
// handles, config, and the logger.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// App holds the fully-wired application.
type App struct {
	DataMarts   *repository.DataMartRepo
	Runs        *runservice.Service
	Insights    *runservice.InsightService
	SQLPreview  *runservice.SQLPreviewService
	Consumer    *datamart.Consumer
	Coordinator *runservice.Coordinator
	Scheduler   *scheduler.Scheduler
}

// New wires repositories, the warehouse registry, and services from deps.
func New(_ context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	clock := domain.SystemClock()

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init encryptor: %w", err)
	}

	// === Repositories ===
	// The server never mutates data marts, so their repo runs on the read pool.
	dataMartRepo := repository.NewDataMartRepo(deps.ReadDB)
	runRepo := repository.NewRunRepo(deps.WriteDB)
	insightRepo := repository.NewInsightRepo(deps.WriteDB)
	secretRepo := repository.NewSecretRepo(deps.WriteDB, encryptor)

	// === Warehouse registry ===
	registry, err := warehouse.NewRegistry(
		bigquery.NewExecutor(),
		athena.NewExecutor(),
		snowflake.NewExecutor(),
		redshift.NewExecutor(),
		clickhouse.NewExecutor(),
	)
	if err != nil {
		return nil, fmt.Errorf("init warehouse registry: %w", err)
	}

	// === Services ===
	credentials := storage.NewCredentialsResolver(secretRepo, deps.Logger)
	resolver := datamart.NewResolver(registry, credentials, deps.Logger)
	consumer := datamart.NewConsumer(registry, credentials, resolver, deps.Logger)

	runSvc := runservice.NewService(runRepo, clock, deps.Logger)
	coordinator := runservice.NewCoordinator(cfg.MaxConcurrentRuns, runSvc, clock, deps.Logger)
	renderer := runservice.NewRenderer(consumer)
	events := newLogEventProducer(deps.Logger)
	insightSvc := runservice.NewInsightService(
		dataMartRepo, insightRepo, runRepo, runSvc, coordinator, renderer, events, deps.Logger)
	previewSvc := runservice.NewSQLPreviewService(dataMartRepo, consumer, runSvc, coordinator, deps.Logger)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(insightRepo, insightSvc, deps.Logger)
	}

	return &App{
		DataMarts:   dataMartRepo,
		Runs:        runSvc,
		Insights:    insightSvc,
		SQLPreview:  previewSvc,
		Consumer:    consumer,
		Coordinator: coordinator,
		Scheduler:   sched,
	}, nil
}
