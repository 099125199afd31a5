// Package quota rate-limits automatic charges. Spending a user's real money
// without a fresh confirmation is gated behind a per-user windowed budget
// kept in Redis, shared across all process instances.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrQuotaExceeded is returned when a reservation would push the user's
// window total over the configured budget.
var ErrQuotaExceeded = errors.New("auto charge quota exceeded")

const keyPrefix = "credits:autocharge:"

// Limiter enforces the per-user auto-charge budget.
type Limiter struct {
	client redis.Cmdable
	limit  float64
	window time.Duration
	nowFn  func() time.Time
}

// NewLimiter builds a Limiter. Limit is the maximum auto-charged amount per
// user per window, in the settlement currency.
func NewLimiter(client redis.Cmdable, limit float64, window time.Duration) *Limiter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Limiter{client: client, limit: limit, window: window, nowFn: time.Now}
}

// WithClock overrides the limiter clock.
func (limiter *Limiter) WithClock(now func() time.Time) *Limiter {
	limiter.nowFn = now
	return limiter
}

// Reservation is a provisional claim on the user's auto-charge budget.
// Exactly one of Used or Rollback must be called.
type Reservation struct {
	limiter *Limiter
	key     string
	amount  float64
	settled bool
}

// Reserve claims amount from the user's current window. The claim is
// counted immediately so concurrent reservations cannot jointly exceed the
// budget; a failed charge must release it with Rollback.
func (limiter *Limiter) Reserve(ctx context.Context, userID string, amount float64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %v", amount)
	}
	key := limiter.bucketKey(userID)
	total, err := limiter.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if err := limiter.client.Expire(ctx, key, 2*limiter.window).Err(); err != nil {
		if rollbackErr := limiter.client.IncrByFloat(ctx, key, -amount).Err(); rollbackErr != nil {
			return nil, fmt.Errorf("set quota expiry: %v, release claim: %w", err, rollbackErr)
		}
		return nil, fmt.Errorf("set quota expiry: %w", err)
	}
	if total > limiter.limit {
		if rollbackErr := limiter.client.IncrByFloat(ctx, key, -amount).Err(); rollbackErr != nil {
			return nil, fmt.Errorf("release over-budget reservation: %w", rollbackErr)
		}
		return nil, fmt.Errorf("%w: %.2f over budget %.2f", ErrQuotaExceeded, total, limiter.limit)
	}
	return &Reservation{limiter: limiter, key: key, amount: amount}, nil
}

// Used settles the reservation: the reserved amount stays counted against
// the window.
func (reservation *Reservation) Used() {
	reservation.settled = true
}

// Rollback releases the reservation after a failed charge.
func (reservation *Reservation) Rollback(ctx context.Context) error {
	if reservation.settled {
		return nil
	}
	reservation.settled = true
	if err := reservation.limiter.client.IncrByFloat(ctx, reservation.key, -reservation.amount).Err(); err != nil {
		return fmt.Errorf("rollback quota reservation: %w", err)
	}
	return nil
}

func (limiter *Limiter) bucketKey(userID string) string {
	bucket := limiter.nowFn().UTC().Unix() / int64(limiter.window.Seconds())
	return fmt.Sprintf("%s%s:%d", keyPrefix, userID, bucket)
}
