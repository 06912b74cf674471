package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/checksync/internal/domain"
)

// fakeSyncer records calls and returns scripted outcomes
type fakeSyncer struct {
	delay    func(id string) time.Duration
	outcome  func(id string) domain.SyncOutcome
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSyncer) Kind() string { return "acp" }

func (f *fakeSyncer) KnownIDs(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeSyncer) SyncEntity(ctx context.Context, id string, override *domain.Entity) domain.SyncResult {
	f.calls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	if f.delay != nil {
		select {
		case <-time.After(f.delay(id)):
		case <-ctx.Done():
			return domain.SyncResult{Kind: "acp", EntityID: id, Outcome: domain.OutcomeFailed, Err: ctx.Err()}
		}
	}

	outcome := domain.OutcomeSuccess
	if f.outcome != nil {
		outcome = f.outcome(id)
	}
	return domain.SyncResult{Kind: "acp", EntityID: id, Outcome: outcome, Version: 1}
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("unit-%03d", i)
	}
	return out
}

// TestProcessorOrderPreservation tests that results come back in input order
func TestProcessorOrderPreservation(t *testing.T) {
	processor := NewSyncProcessor(5, 100, zaptest.NewLogger(t))
	processor.Start()
	defer processor.Stop()

	syncer := &fakeSyncer{
		// later ids finish first
		delay: func(id string) time.Duration {
			var n int
			fmt.Sscanf(id, "unit-%d", &n)
			return time.Duration(50-n) * time.Millisecond
		},
	}
	input := ids(50)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := processor.SyncAll(ctx, syncer, input)
	require.NoError(t, err)
	require.Len(t, results, 50)

	for i, result := range results {
		assert.Equal(t, input[i], result.EntityID, "order should be preserved at index %d", i)
		assert.True(t, result.Succeeded())
	}
}

// TestProcessorContinuesAfterFailures tests that one failure does not stop the batch
func TestProcessorContinuesAfterFailures(t *testing.T) {
	processor := NewSyncProcessor(1, 10, zaptest.NewLogger(t))
	processor.Start()
	defer processor.Stop()

	syncer := &fakeSyncer{
		outcome: func(id string) domain.SyncOutcome {
			switch id {
			case "unit-001":
				return domain.OutcomeFailed
			case "unit-002":
				return domain.OutcomeBusy
			}
			return domain.OutcomeSuccess
		},
	}

	results, err := processor.SyncAll(context.Background(), syncer, ids(4))
	require.NoError(t, err)

	var summary domain.BatchSummary
	for _, r := range results {
		summary.Add(r)
	}
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Busy)
	assert.Equal(t, int32(4), syncer.calls.Load())
}

// TestProcessorWorkerPoolBound tests that no more than workers run at once
func TestProcessorWorkerPoolBound(t *testing.T) {
	processor := NewSyncProcessor(3, 50, zaptest.NewLogger(t))
	processor.Start()
	defer processor.Stop()

	syncer := &fakeSyncer{delay: func(string) time.Duration { return 5 * time.Millisecond }}

	_, err := processor.SyncAll(context.Background(), syncer, ids(30))
	require.NoError(t, err)

	assert.LessOrEqual(t, syncer.peak.Load(), int32(3))
	assert.Equal(t, int32(30), syncer.calls.Load())
}

// TestProcessorSequentialByDefault tests the single worker default
func TestProcessorSequentialByDefault(t *testing.T) {
	processor := NewSyncProcessor(0, 0, zaptest.NewLogger(t))
	processor.Start()
	defer processor.Stop()

	syncer := &fakeSyncer{delay: func(string) time.Duration { return time.Millisecond }}

	_, err := processor.SyncAll(context.Background(), syncer, ids(10))
	require.NoError(t, err)
	assert.Equal(t, int32(1), syncer.peak.Load())
}

// TestProcessorConcurrentBatches tests that concurrent batches never mix results
func TestProcessorConcurrentBatches(t *testing.T) {
	processor := NewSyncProcessor(4, 20, zaptest.NewLogger(t))
	processor.Start()
	defer processor.Stop()

	syncer := &fakeSyncer{delay: func(string) time.Duration { return time.Millisecond }}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for batch := 0; batch < 8; batch++ {
		wg.Add(1)
		go func(batch int) {
			defer wg.Done()
			input := make([]string, 10)
			for i := range input {
				input[i] = fmt.Sprintf("b%d-%d", batch, i)
			}
			results, err := processor.SyncAll(context.Background(), syncer, input)
			if err != nil {
				errs <- err
				return
			}
			for i, r := range results {
				if r.EntityID != input[i] {
					errs <- fmt.Errorf("batch %d index %d: got %s", batch, i, r.EntityID)
				}
			}
		}(batch)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// TestProcessorCancellation tests that cancelled batches report failed entries
func TestProcessorCancellation(t *testing.T) {
	processor := NewSyncProcessor(1, 5, zaptest.NewLogger(t))
	processor.Start()
	defer processor.Stop()

	syncer := &fakeSyncer{delay: func(string) time.Duration { return time.Second }}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := processor.SyncAll(ctx, syncer, ids(5))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	}
}

// TestProcessorStopped tests SyncAll after Stop
func TestProcessorStopped(t *testing.T) {
	processor := NewSyncProcessor(2, 5, zaptest.NewLogger(t))
	processor.Start()
	processor.Stop()
	processor.Stop()

	_, err := processor.SyncAll(context.Background(), &fakeSyncer{}, ids(2))
	assert.ErrorIs(t, err, ErrStopped)

	results, err := processor.SyncAll(context.Background(), &fakeSyncer{}, nil)
	assert.NoError(t, err)
	assert.Empty(t, results)
}
