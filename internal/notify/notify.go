// Package notify delivers phase notifications after a transition commits.
// Delivery is best effort: a failing sink never undoes a transition.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"phaseline/internal/domain"
)

type Sink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, n domain.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"project_id", n.ProjectID,
		"work_item_id", n.WorkItemID,
		"phase_id", n.PhaseID,
		"scope", n.Scope,
		"message", n.Message,
	)
	return nil
}

// Fanout delivers to every sink and joins the failures.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for i, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, domain.Notification) error { return nil }
