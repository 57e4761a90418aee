package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mart := seedDataMart(t, db, domain.TableDefinition{FullyQualifiedName: "p.d.orders"})
	repo := NewRunRepo(db)

	snapshot, err := domain.MarshalDefinition(mart.Definition)
	require.NoError(t, err)

	run, err := repo.Create(ctx, &domain.Run{
		DataMartID:    mart.ID,
		Type:          domain.RunOperationInsight,
		RunType:       domain.RunTypeManual,
		CreatedByID:   "user-1",
		DefinitionRun: snapshot,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Nil(t, run.StartedAt)
	assert.JSONEq(t, string(snapshot), string(run.DefinitionRun))

	startedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkRunning(ctx, run.ID, startedAt))

	running, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	assert.True(t, running.StartedAt.Equal(startedAt))

	// RUNNING again is a conflict: the transition is PENDING-only.
	err = repo.MarkRunning(ctx, run.ID, startedAt)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	logs := []string{`{"at":"2025-06-01T12:00:01Z","type":"run-started"}`}
	finishedAt := startedAt.Add(time.Minute)
	require.NoError(t, repo.Finish(ctx, run.ID, domain.RunStatusSuccess, finishedAt, logs, nil))

	final, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, final.Status)
	require.NotNil(t, final.FinishedAt)
	assert.True(t, final.FinishedAt.Equal(finishedAt))
	assert.Equal(t, logs, final.Logs)
	assert.Empty(t, final.Errors)
}

func TestReplaceLogsOverwrites(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mart := seedDataMart(t, db, domain.TableDefinition{FullyQualifiedName: "p.d.orders"})
	repo := NewRunRepo(db)

	run, err := repo.Create(ctx, &domain.Run{
		DataMartID:  mart.ID,
		Type:        domain.RunOperationInsight,
		RunType:     domain.RunTypeManual,
		CreatedByID: "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, repo.MarkRunning(ctx, run.ID, time.Now().UTC()))

	first := []string{`{"type":"run-started"}`}
	require.NoError(t, repo.ReplaceLogs(ctx, run.ID, first))

	// Every flush carries the whole buffer; a second flush must not
	// duplicate entries already persisted.
	second := []string{`{"type":"run-started"}`, `{"type":"sources-materialized"}`}
	require.NoError(t, repo.ReplaceLogs(ctx, run.ID, second))

	live, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, second, live.Logs)
}

func TestRunFinishIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mart := seedDataMart(t, db, domain.TableDefinition{FullyQualifiedName: "p.d.orders"})
	repo := NewRunRepo(db)

	run, err := repo.Create(ctx, &domain.Run{
		DataMartID:  mart.ID,
		Type:        domain.RunOperationSQLPreview,
		RunType:     domain.RunTypeManual,
		CreatedByID: "user-1",
	})
	require.NoError(t, err)

	finishedAt := time.Now().UTC()
	require.NoError(t, repo.Finish(ctx, run.ID, domain.RunStatusFailed, finishedAt,
		nil, []string{`{"type":"error","message":"boom"}`}))

	// A second terminal write must be refused and leave the row untouched.
	err = repo.Finish(ctx, run.ID, domain.RunStatusSuccess, finishedAt.Add(time.Hour), []string{"late"}, nil)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	final, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0], "boom")
}

func TestRunFinishRejectsNonTerminalStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepo(db)

	err := repo.Finish(context.Background(), "any", domain.RunStatusRunning, time.Now(), nil, nil)
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestHasActiveInsightRun(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mart := seedDataMart(t, db, domain.TableDefinition{FullyQualifiedName: "p.d.orders"})

	insightRepo := NewInsightRepo(db)
	insight, err := insightRepo.Create(ctx, &domain.Insight{DataMartID: mart.ID, Title: "Summary"})
	require.NoError(t, err)

	repo := NewRunRepo(db)
	active, err := repo.HasActiveInsightRun(ctx, insight.ID)
	require.NoError(t, err)
	assert.False(t, active)

	run, err := repo.Create(ctx, &domain.Run{
		DataMartID:  mart.ID,
		InsightID:   &insight.ID,
		Type:        domain.RunOperationInsight,
		RunType:     domain.RunTypeManual,
		CreatedByID: "user-1",
	})
	require.NoError(t, err)

	active, err = repo.HasActiveInsightRun(ctx, insight.ID)
	require.NoError(t, err)
	assert.True(t, active, "a PENDING run counts as active")

	require.NoError(t, repo.Finish(ctx, run.ID, domain.RunStatusSuccess, time.Now().UTC(), nil, nil))
	active, err = repo.HasActiveInsightRun(ctx, insight.ID)
	require.NoError(t, err)
	assert.False(t, active, "terminal runs are not active")
}

func TestGetRunNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepo(db)

	_, err := repo.GetByID(context.Background(), "missing")
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
