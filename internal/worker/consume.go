package worker

import (
	"context"
	"errors"
	"time"

	"tally/internal/events"
	"tally/internal/log"
)

// reconnector is implemented by consumers that must redial after their
// delivery stream breaks.
type reconnector interface {
	Reconnect(ctx context.Context) error
}

// Consume runs consumer until ctx ends. When consumption stops with an
// error it waits pause, reconnects if the consumer supports it, and resumes.
func Consume(ctx context.Context, consumer events.Consumer, handler events.Handler, pause time.Duration, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithComponent(log.ComponentWorker)

	for {
		err := consumer.ConsumeAccepted(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("consumer stopped")
		}
		logger.WarnContext(ctx, "Event consumption interrupted", log.FieldError, err, "retry_in", pause)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}

		if r, ok := consumer.(reconnector); ok {
			if err := r.Reconnect(ctx); err != nil {
				return err
			}
		}
	}
}
