package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// DefaultMaxConcurrentRuns bounds detached run tasks in flight.
const DefaultMaxConcurrentRuns = 16

// Coordinator executes run tasks as detached background goroutines. A
// weighted semaphore bounds how many are in flight; excess starts queue on
// the semaphore rather than piling up goroutine work against the warehouses.
//
// The run record outlives its task: a task failure or panic becomes a FAILED
// terminal snapshot, never a crashed process or a run stuck in RUNNING.
type Coordinator struct {
	sem     *semaphore.Weighted
	service *Service
	clock   domain.Clock
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewCoordinator creates a Coordinator bounding in-flight tasks to
// maxConcurrent (DefaultMaxConcurrentRuns when non-positive).
func NewCoordinator(maxConcurrent int64, service *Service, clock domain.Clock, logger *slog.Logger) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	return &Coordinator{
		sem:     semaphore.NewWeighted(maxConcurrent),
		service: service,
		clock:   clock,
		logger:  logger.With("component", "run_coordinator"),
	}
}

// Go detaches task for the given run. The task runs on context.Background()
// so the caller's request context cannot cancel an in-flight run or its
// terminal write. On success the task must have written its own terminal
// snapshot; any returned error or panic is converted into a FAILED snapshot
// carrying the buffered logs and errors.
func (c *Coordinator) Go(runID string, task func(ctx context.Context, buf *logBuffer) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx := context.Background()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		buf := newLogBuffer(c.clock)
		err := c.runProtected(ctx, buf, task)
		if err == nil {
			return
		}

		buf.Error(err.Error())
		c.logger.Error("run failed", "run_id", runID, "error", err)
		if ferr := c.service.Finish(ctx, runID, domain.RunStatusFailed, buf.Logs(), buf.Errors()); ferr != nil {
			c.logger.Error("failed to record run failure", "run_id", runID, "error", ferr)
		}
	}()
}

func (c *Coordinator) runProtected(ctx context.Context, buf *logBuffer, task func(ctx context.Context, buf *logBuffer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return task(ctx, buf)
}

// Wait blocks until every detached task has finished. Used on shutdown so
// terminal snapshots are not cut off mid-write.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
