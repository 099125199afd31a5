package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	moment := time.Unix(1_700_000_000, 0).UTC()
	return func() time.Time { return moment }
}

func bucketKeyAt(userID string, window time.Duration) string {
	bucket := fixedClock()().Unix() / int64(window.Seconds())
	return fmt.Sprintf("%s%s:%d", keyPrefix, userID, bucket)
}

func TestReserveWithinBudget(test *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewLimiter(client, 20, time.Hour).WithClock(fixedClock())
	key := bucketKeyAt("alice", time.Hour)

	mock.ExpectIncrByFloat(key, 5).SetVal(5)
	mock.ExpectExpire(key, 2*time.Hour).SetVal(true)

	reservation, err := limiter.Reserve(context.Background(), "alice", 5)
	require.NoError(test, err)
	require.NotNil(test, reservation)
	reservation.Used()

	assert.NoError(test, mock.ExpectationsWereMet())
}

func TestReserveOverBudgetReleasesClaim(test *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewLimiter(client, 20, time.Hour).WithClock(fixedClock())
	key := bucketKeyAt("alice", time.Hour)

	mock.ExpectIncrByFloat(key, 15).SetVal(25)
	mock.ExpectExpire(key, 2*time.Hour).SetVal(true)
	mock.ExpectIncrByFloat(key, -15).SetVal(10)

	reservation, err := limiter.Reserve(context.Background(), "alice", 15)
	require.ErrorIs(test, err, ErrQuotaExceeded)
	assert.Nil(test, reservation)

	assert.NoError(test, mock.ExpectationsWereMet())
}

func TestReserveExpiryFailureReleasesClaim(test *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewLimiter(client, 20, time.Hour).WithClock(fixedClock())
	key := bucketKeyAt("alice", time.Hour)

	mock.ExpectIncrByFloat(key, 5).SetVal(5)
	mock.ExpectExpire(key, 2*time.Hour).SetErr(errors.New("connection lost"))
	mock.ExpectIncrByFloat(key, -5).SetVal(0)

	reservation, err := limiter.Reserve(context.Background(), "alice", 5)
	require.Error(test, err)
	assert.Nil(test, reservation)

	assert.NoError(test, mock.ExpectationsWereMet())
}

func TestRollbackReleasesReservation(test *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewLimiter(client, 20, time.Hour).WithClock(fixedClock())
	key := bucketKeyAt("alice", time.Hour)

	mock.ExpectIncrByFloat(key, 5).SetVal(5)
	mock.ExpectExpire(key, 2*time.Hour).SetVal(true)
	mock.ExpectIncrByFloat(key, -5).SetVal(0)

	reservation, err := limiter.Reserve(context.Background(), "alice", 5)
	require.NoError(test, err)
	require.NoError(test, reservation.Rollback(context.Background()))

	// Rollback after settle is a no-op.
	require.NoError(test, reservation.Rollback(context.Background()))

	assert.NoError(test, mock.ExpectationsWereMet())
}

func TestUsedKeepsClaimCounted(test *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewLimiter(client, 20, time.Hour).WithClock(fixedClock())
	key := bucketKeyAt("alice", time.Hour)

	mock.ExpectIncrByFloat(key, 5).SetVal(5)
	mock.ExpectExpire(key, 2*time.Hour).SetVal(true)

	reservation, err := limiter.Reserve(context.Background(), "alice", 5)
	require.NoError(test, err)
	reservation.Used()
	require.NoError(test, reservation.Rollback(context.Background()))

	assert.NoError(test, mock.ExpectationsWereMet())
}

func TestReserveRejectsNonPositiveAmount(test *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewLimiter(client, 20, time.Hour).WithClock(fixedClock())

	_, err := limiter.Reserve(context.Background(), "alice", 0)
	require.Error(test, err)
	_, err = limiter.Reserve(context.Background(), "alice", -3)
	require.Error(test, err)

	assert.NoError(test, mock.ExpectationsWereMet())
}
