package channel

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/metrics"
)

// retryConnect calls connect until it succeeds, waiting interval between
// attempts. It returns ctx.Err() once ctx is cancelled.
func retryConnect(ctx context.Context, clock clockwork.Clock, interval time.Duration, logger *zap.Logger, connect func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		metrics.ObserveBrokerConnect(err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("Failed to connect to broker",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", interval),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}
