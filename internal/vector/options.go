package vector

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	logger       *zap.Logger
	maxBatchSize int
	now          func() time.Time
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxBatchSize rejects batches longer than n with ErrCapacityExceeded.
// Zero or negative disables the limit.
func WithMaxBatchSize(n int) Option {
	return func(o *storeOptions) { o.maxBatchSize = n }
}

// WithClock overrides the time source used for StoredAt.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// runBatch applies fn to n elements in order, stopping at the first error.
// It returns how many elements reported an effect.
func runBatch(ctx context.Context, maxBatch, n int, fn func(i int) (bool, error)) (int, error) {
	if maxBatch > 0 && n > maxBatch {
		return 0, capacityError(n, maxBatch)
	}
	affected := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		ok, err := fn(i)
		if err != nil {
			return affected, err
		}
		if ok {
			affected++
		}
	}
	return affected, nil
}
