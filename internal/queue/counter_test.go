package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func newRedisCounter(t *testing.T) *RedisCounter {
	client, _ := setupTestRedis(t)
	return NewRedisCounter(client)
}

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	doctor := uuid.New()

	n, _ := c.Next(ctx, doctor, testDate, 1)
	assert.Equal(t, 1, n)
	n, _ = c.Next(ctx, doctor, testDate, 1)
	assert.Equal(t, 2, n)
	n, _ = c.Next(ctx, doctor, testDate, 7)
	assert.Equal(t, 7, n)
	n, _ = c.Next(ctx, doctor, "2025-03-13", 1)
	assert.Equal(t, 1, n)
}

func TestRedisCounterIncrementsFloorsAndExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewRedisCounter(client)
	ctx := context.Background()
	doctor := uuid.New()

	n, err := c.Next(ctx, doctor, testDate, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Next(ctx, doctor, testDate, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Next(ctx, doctor, testDate, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = c.Next(ctx, doctor, testDate, 1)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	key := "queue:position:" + doctor.String() + ":" + testDate
	assert.Equal(t, 48*time.Hour, mr.TTL(key))
}

func TestPostgresCounter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := NewPostgresCounter(mock)
	doctor := uuid.New()

	mock.ExpectQuery("INSERT INTO queue_counters").
		WithArgs(doctor, testDate, 3).
		WillReturnRows(pgxmock.NewRows([]string{"last_position"}).AddRow(4))

	n, err := c.Next(context.Background(), doctor, testDate, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	mock.ExpectQuery("INSERT INTO queue_counters").
		WithArgs(doctor, testDate, 1).
		WillReturnError(assert.AnError)

	_, err = c.Next(context.Background(), doctor, testDate, 1)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
