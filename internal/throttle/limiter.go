package throttle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/lens/internal/retry"
)

// Limiter caps diagnoses per client in fixed windows. It protects the shared
// inference token quota.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	logger  *zap.Logger
	policy  retry.Policy
	now     func() time.Time
}

// NewLimiter allows limit requests per client and window.
func NewLimiter(counter Counter, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		logger:  logger.Named("throttle"),
		policy:  retry.Default,
		now:     time.Now,
	}
}

// Allow counts one request for client. On Redis failure the request is
// allowed and the error returned for logging.
func (l *Limiter) Allow(ctx context.Context, client string) (bool, error) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}

	bucket := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("lens:ratelimit:%s:%d", client, bucket)

	var count int64
	err := l.policy.Do(ctx, l.logger, "throttle.incr", "", func() error {
		value, err := l.counter.Incr(ctx, key)
		if err != nil {
			return err
		}
		count = value
		return nil
	})
	if err != nil {
		return true, err
	}

	if count == 1 {
		if err := l.policy.Do(ctx, l.logger, "throttle.expire", "", func() error {
			return l.counter.Expire(ctx, key, l.window)
		}); err != nil {
			l.logger.Warn("failed to set window expiry", zap.String("key", key), zap.Error(err))
		}
	}

	return count <= l.limit, nil
}
