package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

// ErrStopped is returned once the pool has been stopped
var ErrStopped = errors.New("processor stopped")

// SyncTask is one entity sync with its position in the batch
type SyncTask struct {
	Index  int
	ID     string
	Syncer domain.EntitySyncer

	ctx   context.Context
	reply chan<- *TaskResult
}

// TaskResult is a sync result with its position in the batch
type TaskResult struct {
	Index  int
	Result domain.SyncResult
}

// OrderedProcessor implements domain.BatchSyncer with a worker pool.
// Results come back in input order regardless of completion order.
type OrderedProcessor struct {
	workers    int
	inputQueue chan *SyncTask
	wg         sync.WaitGroup
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

// NewSyncProcessor creates a pool; workers below 1 means 1
func NewSyncProcessor(workers int, queueSize int, logger *zap.Logger) *OrderedProcessor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &OrderedProcessor{
		workers:      workers,
		inputQueue:   make(chan *SyncTask, queueSize),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		shutdownChan: make(chan struct{}),
	}
}

// Start starts the worker pool
func (p *OrderedProcessor) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("sync processor started",
		zap.Int("workers", p.workers),
	)
}

// Stop cancels in-flight work and waits for the workers
func (p *OrderedProcessor) Stop() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownChan)
		p.cancel()
		p.wg.Wait()
		p.logger.Info("sync processor stopped")
	})
}

// SyncAll runs SyncEntity for every id (implements domain.BatchSyncer).
// A failing id never stops the batch. On cancellation the ids that did
// not complete are reported failed and the context error is returned.
func (p *OrderedProcessor) SyncAll(ctx context.Context, syncer domain.EntitySyncer, ids []string) ([]domain.SyncResult, error) {
	if len(ids) == 0 {
		return []domain.SyncResult{}, nil
	}

	select {
	case <-p.shutdownChan:
		return nil, ErrStopped
	default:
	}

	start := time.Now()
	reply := make(chan *TaskResult, len(ids))
	results := make([]domain.SyncResult, len(ids))
	done := make([]bool, len(ids))

	var runErr error
	sent := 0
enqueue:
	for i, id := range ids {
		task := &SyncTask{Index: i, ID: id, Syncer: syncer, ctx: ctx, reply: reply}
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break enqueue
		case <-p.shutdownChan:
			runErr = ErrStopped
			break enqueue
		case p.inputQueue <- task:
			sent++
		}
	}

collect:
	for collected := 0; collected < sent; {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break collect
		case <-p.shutdownChan:
			runErr = ErrStopped
			break collect
		case r := <-reply:
			results[r.Index] = r.Result
			done[r.Index] = true
			collected++
		}
	}

	for i, id := range ids {
		if done[i] {
			continue
		}
		err := runErr
		if err == nil {
			err = context.DeadlineExceeded
		}
		results[i] = domain.SyncResult{
			Kind:     syncer.Kind(),
			EntityID: id,
			Outcome:  domain.OutcomeFailed,
			Err:      err,
		}
	}

	p.logger.Debug("batch finished",
		zap.String("kind", syncer.Kind()),
		zap.Int("entities", len(ids)),
		zap.Duration("duration", time.Since(start)),
	)

	return results, runErr
}

func (p *OrderedProcessor) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-p.shutdownChan:
			p.logger.Debug("worker stopping due to shutdown",
				zap.Int("worker_id", id),
			)
			return
		case task := <-p.inputQueue:
			// reply is buffered for the whole batch, so this never blocks
			task.reply <- &TaskResult{Index: task.Index, Result: p.run(id, task)}
		}
	}
}

// run executes one task; a panicking syncer becomes a failed result
func (p *OrderedProcessor) run(workerID int, task *SyncTask) (result domain.SyncResult) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("sync panicked",
				zap.Int("worker_id", workerID),
				zap.String("entity_id", task.ID),
				zap.Any("panic", rec),
			)
			result = domain.SyncResult{
				Kind:     task.Syncer.Kind(),
				EntityID: task.ID,
				Outcome:  domain.OutcomeFailed,
				Err:      fmt.Errorf("sync panicked: %v", rec),
			}
		}
	}()

	if err := task.ctx.Err(); err != nil {
		return domain.SyncResult{
			Kind:     task.Syncer.Kind(),
			EntityID: task.ID,
			Outcome:  domain.OutcomeFailed,
			Err:      err,
		}
	}

	// the pool's own context stops work on shutdown
	ctx, cancel := mergeCancel(task.ctx, p.ctx)
	defer cancel()

	return task.Syncer.SyncEntity(ctx, task.ID, nil)
}

// mergeCancel returns a context of parent that is also cancelled with other
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Verify that OrderedProcessor implements domain.BatchSyncer interface
var _ domain.BatchSyncer = (*OrderedProcessor)(nil)
