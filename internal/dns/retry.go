package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	retryAttempts = 3
	retryDelay    = time.Second
)

// Retry calls fn until it succeeds, fails with a non-transient error, or runs
// out of attempts. The delay between attempts grows linearly.
func Retry(
	ctx context.Context,
	log *slog.Logger,
	clock clockwork.Clock,
	op string,
	fn func(context.Context) error,
) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		if i > 0 {
			log.Debug("retrying provider call",
				slog.String("op", op),
				slog.Int("attempt", i+1),
				slog.String("error", err.Error()))
			select {
			case <-clock.After(time.Duration(i) * retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", op, retryAttempts, err)
}

// Transient wraps err so Retry will try again.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
