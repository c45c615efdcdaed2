// Package queue moves export tasks from the queue service to worker slots.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when enqueueing on a dispatcher that has shut down
var ErrClosed = errors.New("dispatcher is closed")

// Handler processes one job. The dispatcher runs at most one handler per slot.
type Handler func(ctx context.Context, jobID string) error

// Dispatcher delivers tasks to a fixed number of worker slots in enqueue order.
type Dispatcher interface {
	// Enqueue schedules jobID under taskID after delay. Enqueueing a task id
	// that is already scheduled is a no-op.
	Enqueue(ctx context.Context, jobID, taskID string, delay time.Duration) error
	// Remove drops a scheduled task that has not started yet.
	Remove(ctx context.Context, taskID string) error
	// Start begins serving worker slots and returns immediately.
	Start(h Handler) error
	// Shutdown stops accepting tasks and waits for running handlers.
	Shutdown()
}

// TaskID names one execution attempt of a job
func TaskID(jobID string, attempt int) string {
	return fmt.Sprintf("%s:%d", jobID, attempt)
}

// Backoff is exponential: Base doubled per attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retrying after the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
