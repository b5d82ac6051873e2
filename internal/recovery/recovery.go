// Package recovery normalizes queue state left behind by a crashed or
// killed process. It runs once at boot, before the API accepts traffic.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/store"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

// defaultParallelism bounds how many queues are reset concurrently.
const defaultParallelism = 4

// Coordinator scans for queues whose persisted status says they were mid-run
// when the previous process died and resets each one: status back to paused,
// in-flight tasks back to pending, the pending list rebuilt, and the busy
// agents set cleared. Execution never resumes on its own; operators restart
// queues through the resume endpoint.
type Coordinator struct {
	store       store.Store
	logger      *logger.Logger
	parallelism int
}

// New builds a coordinator. parallelism <= 0 selects the default.
func New(st store.Store, log *logger.Logger, parallelism int) *Coordinator {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Coordinator{
		store:       st,
		logger:      log.WithFields(zap.String("component", "recovery")),
		parallelism: parallelism,
	}
}

// Run resets every interrupted queue and returns how many were touched. A
// failure on one queue does not stop the others; the first error observed is
// returned after the sweep completes.
func (c *Coordinator) Run(ctx context.Context) (int, error) {
	started := time.Now()
	queues, err := c.store.LoadInterruptedQueues(ctx)
	if err != nil {
		return 0, fmt.Errorf("load interrupted queues: %w", err)
	}
	if len(queues) == 0 {
		c.logger.Info("no interrupted queues found")
		return 0, nil
	}

	c.logger.Info("recovering interrupted queues", zap.Int("count", len(queues)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	var mu sync.Mutex
	var firstErr error
	for _, q := range queues {
		g.Go(func() error {
			if err := c.recoverQueue(gctx, q); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			// Never abort the sweep for one bad queue.
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("recovery sweep finished",
		zap.Int("queues", len(queues)),
		zap.Duration("elapsed", time.Since(started)))
	return len(queues), firstErr
}

func (c *Coordinator) recoverQueue(ctx context.Context, q *v1.Queue) error {
	inFlight := 0
	for _, task := range q.Tasks {
		if task.Status == v1.TaskStatusInProgress || task.Status == v1.TaskStatusRetrying {
			inFlight++
		}
	}
	if err := c.store.ResetInterruptedQueue(ctx, q.ID); err != nil {
		c.logger.Error("failed to reset interrupted queue",
			zap.String("queue_id", q.ID), zap.Error(err))
		return fmt.Errorf("reset queue %s: %w", q.ID, err)
	}
	c.logger.Info("queue reset for operator resume",
		zap.String("queue_id", q.ID),
		zap.String("previous_status", string(q.Status)),
		zap.Int("in_flight_tasks", inFlight))
	return nil
}
