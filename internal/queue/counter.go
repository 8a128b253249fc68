package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// PositionCounter hands out queue positions for a doctor's day. Next returns
// a value greater than every value it returned before for the same key and
// never below floor.
type PositionCounter interface {
	Next(ctx context.Context, doctorID uuid.UUID, date string, floor int) (int, error)
}

// MemoryCounter is a process-local PositionCounter.
type MemoryCounter struct {
	mu   sync.Mutex
	last map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{last: make(map[string]int)}
}

func (c *MemoryCounter) Next(_ context.Context, doctorID uuid.UUID, date string, floor int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := counterKey(doctorID, date)
	next := c.last[key] + 1
	if next < floor {
		next = floor
	}
	c.last[key] = next
	return next, nil
}

// nextPositionScript increments and floors the counter in one round trip.
var nextPositionScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
local floor = tonumber(ARGV[1])
if v < floor then
	redis.call('SET', KEYS[1], floor)
	v = floor
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return v
`)

// RedisCounter keeps counters in Redis so positions stay unique across replicas.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, ttl: 48 * time.Hour}
}

func (c *RedisCounter) Next(ctx context.Context, doctorID uuid.UUID, date string, floor int) (int, error) {
	key := "queue:position:" + counterKey(doctorID, date)
	v, err := nextPositionScript.Run(ctx, c.client, []string{key}, floor, int(c.ttl.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: redis next position: %w", err)
	}
	return v, nil
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCounter keeps counters in queue_counters.
type PostgresCounter struct {
	db DB
}

func NewPostgresCounter(db DB) *PostgresCounter {
	return &PostgresCounter{db: db}
}

func (c *PostgresCounter) Next(ctx context.Context, doctorID uuid.UUID, date string, floor int) (int, error) {
	var next int
	err := c.db.QueryRow(ctx, `
		INSERT INTO queue_counters (doctor_id, queue_date, last_position)
		VALUES ($1, $2::date, GREATEST(1, $3))
		ON CONFLICT (doctor_id, queue_date)
		DO UPDATE SET last_position = GREATEST(queue_counters.last_position + 1, $3), updated_at = now()
		RETURNING last_position`, doctorID, date, floor).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("queue: postgres next position: %w", err)
	}
	return next, nil
}

func counterKey(doctorID uuid.UUID, date string) string {
	return doctorID.String() + ":" + date
}
