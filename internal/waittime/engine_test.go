package waittime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
)

type fakeHistory struct {
	records []*appointments.Appointment
	calls   int
	err     error
}

func (f *fakeHistory) ListCompletedSince(_ context.Context, doctorID uuid.UUID, since time.Time) ([]*appointments.Appointment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*appointments.Appointment
	for _, a := range f.records {
		if a.DoctorID == doctorID && !a.ConsultationEndedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func completedAt(doctorID uuid.UUID, end time.Time, minutes float64) *appointments.Appointment {
	start := end.Add(-time.Duration(minutes * float64(time.Minute)))
	return &appointments.Appointment{
		ID:                    uuid.New(),
		DoctorID:              doctorID,
		Status:                appointments.StatusCompleted,
		ConsultationStartedAt: &start,
		ConsultationEndedAt:   &end,
	}
}

func TestDoctorStatsAveragesPlausibleDurations(t *testing.T) {
	doctor := uuid.New()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	history := &fakeHistory{}
	for _, mins := range []float64{10, 20, 10, 20, 15, 2, 90} {
		history.records = append(history.records, completedAt(doctor, now.Add(-48*time.Hour), mins))
	}
	// Outside the 30-day window.
	history.records = append(history.records, completedAt(doctor, now.Add(-31*24*time.Hour), 55))

	engine := NewEngine(history, nil, nil).WithClock(func() time.Time { return now })
	stats, err := engine.DoctorStats(context.Background(), doctor)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.SampleSize)
	assert.InDelta(t, 15.0, stats.AverageMinutes, 0.001)
	assert.False(t, stats.FromDefault)
	assert.Equal(t, ConfidenceMedium, stats.Confidence())
}

func TestDoctorStatsFallsBackToDefault(t *testing.T) {
	doctor := uuid.New()
	now := time.Now()
	history := &fakeHistory{records: []*appointments.Appointment{completedAt(doctor, now.Add(-time.Hour), 30)}}

	engine := NewEngine(history, nil, nil)
	stats, err := engine.DoctorStats(context.Background(), doctor)
	require.NoError(t, err)
	assert.True(t, stats.FromDefault)
	assert.Equal(t, float64(DefaultConsultationMinutes), stats.AverageMinutes)

	other := uuid.New()
	engine.WithDefaults(StaticDefaults{other: 25})
	stats, err = engine.DoctorStats(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 25.0, stats.AverageMinutes)
}

func TestDoctorStatsCachesUntilTTL(t *testing.T) {
	doctor := uuid.New()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	history := &fakeHistory{}
	engine := NewEngine(history, nil, nil).WithClock(func() time.Time { return now })

	_, err := engine.DoctorStats(context.Background(), doctor)
	require.NoError(t, err)
	_, err = engine.DoctorStats(context.Background(), doctor)
	require.NoError(t, err)
	assert.Equal(t, 1, history.calls)

	now = now.Add(61 * time.Minute)
	_, err = engine.DoctorStats(context.Background(), doctor)
	require.NoError(t, err)
	assert.Equal(t, 2, history.calls)

	engine.Invalidate(context.Background(), doctor)
	_, err = engine.DoctorStats(context.Background(), doctor)
	require.NoError(t, err)
	assert.Equal(t, 3, history.calls)
}

type gatedHistory struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedHistory) ListCompletedSince(context.Context, uuid.UUID, time.Time) ([]*appointments.Appointment, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return nil, nil
}

func TestDoctorStatsConcurrentMissesLoadOnce(t *testing.T) {
	doctor := uuid.New()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	history := &gatedHistory{entered: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(history, nil, nil).WithClock(func() time.Time { return now })

	var wg sync.WaitGroup
	results := make([]Stats, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := engine.DoctorStats(context.Background(), doctor)
			assert.NoError(t, err)
			results[i] = stats
		}(i)
		if i == 0 {
			<-history.entered
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(history.release)
	wg.Wait()

	assert.Equal(t, int32(1), history.calls.Load())
	for _, stats := range results {
		assert.Equal(t, float64(DefaultConsultationMinutes), stats.AverageMinutes)
		assert.True(t, stats.FromDefault)
	}
}

func TestDoctorStatsHistoryError(t *testing.T) {
	engine := NewEngine(&fakeHistory{err: errors.New("db down")}, nil, nil)
	_, err := engine.DoctorStats(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "db down")
}

func TestStatsPrefersSameDay(t *testing.T) {
	doctor := uuid.New()
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	dayStart := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	history := &fakeHistory{}
	for i := 0; i < 5; i++ {
		history.records = append(history.records, completedAt(doctor, now.Add(-time.Duration(i+1)*time.Hour), 8))
	}
	engine := NewEngine(history, nil, nil).WithClock(func() time.Time { return now })

	stats, err := engine.Stats(context.Background(), doctor, dayStart)
	require.NoError(t, err)
	assert.True(t, stats.SameDay)
	assert.InDelta(t, 8.0, stats.AverageMinutes, 0.001)
	assert.Equal(t, ConfidenceHigh, stats.Confidence())

	sparse := uuid.New()
	stats, err = engine.Stats(context.Background(), sparse, dayStart)
	require.NoError(t, err)
	assert.False(t, stats.SameDay)
	assert.True(t, stats.FromDefault)
}

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	cache := NewRedisCache(client)
	doctor := uuid.New()

	_, ok, err := cache.Get(ctx, doctor)
	require.NoError(t, err)
	assert.False(t, ok)

	want := Stats{AverageMinutes: 14.5, SampleSize: 22, ComputedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, cache.Set(ctx, doctor, want, time.Hour))

	got, ok, err := cache.Get(ctx, doctor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.AverageMinutes, got.AverageMinutes)
	assert.Equal(t, want.SampleSize, got.SampleSize)
	assert.True(t, want.ComputedAt.Equal(got.ComputedAt))

	ttl, err := client.TTL(ctx, "waittime:avg:"+doctor.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, cache.Delete(ctx, doctor))
	_, ok, err = cache.Get(ctx, doctor)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	doctor := uuid.New()

	require.NoError(t, cache.Set(ctx, doctor, Stats{AverageMinutes: 9}, time.Minute))
	_, ok, _ := cache.Get(ctx, doctor)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = cache.Get(ctx, doctor)
	assert.False(t, ok)
}
