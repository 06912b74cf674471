package usecases

import "context"

// TransferLimiter is a semaphore bounding concurrent remote transfers
type TransferLimiter struct {
	semaphore     chan struct{}
	maxConcurrent int
}

// NewTransferLimiter creates a limiter; values below 1 mean 2
func NewTransferLimiter(maxConcurrent int) *TransferLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 2
	}
	return &TransferLimiter{
		semaphore:     make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire blocks until a slot is free or ctx is done
func (l *TransferLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.semaphore <- struct{}{}:
		return nil
	}
}

// Release frees a slot
func (l *TransferLimiter) Release() {
	select {
	case <-l.semaphore:
	default:
		// releasing an empty semaphore is a no-op
	}
}

// InUse reports the number of held slots
func (l *TransferLimiter) InUse() int {
	return len(l.semaphore)
}
