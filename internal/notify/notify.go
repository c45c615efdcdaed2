// Package notify delivers job lifecycle events to interested parties.
package notify

import (
	"context"

	"github.com/creative-design-platform/export-service/internal/model"
)

// Notifier receives job events. Implementations must not block the caller on
// slow consumers and must not fail the job.
type Notifier interface {
	NotifyJobEvent(ctx context.Context, ev model.JobEvent)
}

// Nop drops every event
type Nop struct{}

func (Nop) NotifyJobEvent(context.Context, model.JobEvent) {}

// Multi fans an event out to several notifiers in order
type Multi []Notifier

func (m Multi) NotifyJobEvent(ctx context.Context, ev model.JobEvent) {
	for _, n := range m {
		if n != nil {
			n.NotifyJobEvent(ctx, ev)
		}
	}
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, ev model.JobEvent)

func (f Func) NotifyJobEvent(ctx context.Context, ev model.JobEvent) {
	f(ctx, ev)
}
