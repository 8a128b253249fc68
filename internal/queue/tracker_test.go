package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/waittime"
)

const testDate = "2025-03-12"

type fixedStats struct {
	stats waittime.Stats
}

func (f fixedStats) Stats(context.Context, uuid.UUID, time.Time) (waittime.Stats, error) {
	return f.stats, nil
}

type fixture struct {
	store   *appointments.MemoryStore
	tracker *Tracker
	doctor  uuid.UUID
	now     time.Time
}

func newFixture(t *testing.T, counter PositionCounter) *fixture {
	t.Helper()
	f := &fixture{
		store:  appointments.NewMemoryStore(),
		doctor: uuid.New(),
		// Wednesday 10:00, neutral wait-time factors.
		now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(f.store, counter, fixedStats{waittime.Stats{AverageMinutes: 10, SampleSize: 25}}, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) add(t *testing.T, clock string, qs appointments.QueueStatus) *appointments.Appointment {
	t.Helper()
	start, err := appointments.SlotStart(testDate, clock, time.UTC)
	require.NoError(t, err)
	expires := start.Add(2 * time.Hour)
	a := &appointments.Appointment{
		PatientID:        uuid.New(),
		DoctorID:         f.doctor,
		Date:             testDate,
		Time:             clock,
		StartsAt:         start,
		ConsultationType: appointments.ConsultationInPerson,
		Status:           appointments.StatusConfirmed,
		QueueStatus:      qs,
		Token:            "HS-GEN-1203-" + uuid.NewString(),
		TokenExpiresAt:   &expires,
	}
	if qs == appointments.QueueVerified {
		a.VerifiedAt = appointments.TimePtr(f.now)
	}
	require.NoError(t, f.store.Create(context.Background(), a))
	return a
}

func TestEnqueueRequiresVerification(t *testing.T) {
	f := newFixture(t, nil)
	a := f.add(t, "09:00", appointments.QueueWaiting)

	_, err := f.tracker.Enqueue(context.Background(), a.ID)
	assert.Equal(t, appointments.KindInvalidState, appointments.KindOf(err))

	_, err = f.tracker.Enqueue(context.Background(), uuid.New())
	assert.Equal(t, appointments.KindNotFound, appointments.KindOf(err))
}

func TestEnqueueAssignsPositionAndNaiveEstimate(t *testing.T) {
	f := newFixture(t, nil)
	first := f.add(t, "09:00", appointments.QueueVerified)
	second := f.add(t, "09:15", appointments.QueueVerified)

	got, err := f.tracker.Enqueue(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.QueueInQueue, got.QueueStatus)
	assert.Equal(t, 1, *got.QueuePosition)
	assert.Equal(t, 15, *got.EstimatedWaitMinutes)

	got, err = f.tracker.Enqueue(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.QueuePosition)
	assert.Equal(t, 30, *got.EstimatedWaitMinutes)

	_, err = f.tracker.Enqueue(context.Background(), second.ID)
	assert.Equal(t, appointments.KindInvalidState, appointments.KindOf(err))
}

func TestConcurrentEnqueueNeverSharesPosition(t *testing.T) {
	for name, counter := range map[string]PositionCounter{
		"memory": NewMemoryCounter(),
		"redis":  newRedisCounter(t),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, counter)
			var ids []uuid.UUID
			for i := 0; i < 30; i++ {
				clock := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC).Add(time.Duration(i) * 10 * time.Minute).Format("15:04")
				ids = append(ids, f.add(t, clock, appointments.QueueVerified).ID)
			}

			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id uuid.UUID) {
					defer wg.Done()
					_, err := f.tracker.Enqueue(context.Background(), id)
					assert.NoError(t, err)
				}(id)
			}
			wg.Wait()

			entries, err := f.tracker.List(context.Background(), f.doctor, testDate)
			require.NoError(t, err)
			require.Len(t, entries, 30)
			seen := map[int]bool{}
			for i, e := range entries {
				require.NotNil(t, e.Position)
				assert.False(t, seen[*e.Position], "duplicate position %d", *e.Position)
				seen[*e.Position] = true
				if i > 0 {
					assert.Greater(t, *e.Position, *entries[i-1].Position)
				}
			}
		})
	}
}

func TestFloorSkipsLivePositionsAfterCounterReset(t *testing.T) {
	f := newFixture(t, nil)
	a := f.add(t, "09:00", appointments.QueueVerified)
	_, err := f.tracker.Enqueue(context.Background(), a.ID)
	require.NoError(t, err)

	// A fresh counter simulates a flushed Redis key.
	f.tracker.counter = NewMemoryCounter()
	b := f.add(t, "09:15", appointments.QueueVerified)
	got, err := f.tracker.Enqueue(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.QueuePosition)
}

func TestListOrdersByPositionThenVerification(t *testing.T) {
	f := newFixture(t, nil)
	queued := f.add(t, "10:00", appointments.QueueVerified)
	_, err := f.tracker.Enqueue(context.Background(), queued.ID)
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	verified := f.add(t, "09:00", appointments.QueueVerified)
	f.add(t, "09:30", appointments.QueueWaiting)

	entries, err := f.tracker.List(context.Background(), f.doctor, testDate)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, queued.ID, entries[0].AppointmentID)
	assert.Equal(t, verified.ID, entries[1].AppointmentID)
	assert.Nil(t, entries[1].Position)

	_, err = f.tracker.List(context.Background(), f.doctor, "12-03-2025")
	assert.Equal(t, appointments.KindValidation, appointments.KindOf(err))
}

func TestMarkCompletedAndNoShow(t *testing.T) {
	f := newFixture(t, nil)
	waiting := f.add(t, "09:00", appointments.QueueWaiting)
	verified := f.add(t, "09:15", appointments.QueueVerified)
	queued := f.add(t, "09:30", appointments.QueueVerified)
	_, err := f.tracker.Enqueue(context.Background(), queued.ID)
	require.NoError(t, err)

	_, err = f.tracker.MarkCompleted(context.Background(), waiting.ID)
	assert.Equal(t, appointments.KindInvalidState, appointments.KindOf(err))

	got, err := f.tracker.MarkNoShow(context.Background(), verified.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.QueueNoShow, got.QueueStatus)

	got, err = f.tracker.MarkCompleted(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.QueueCompleted, got.QueueStatus)
	assert.Nil(t, got.QueuePosition)
	assert.Nil(t, got.EstimatedWaitMinutes)

	_, err = f.tracker.MarkNoShow(context.Background(), queued.ID)
	assert.Equal(t, appointments.KindAlreadyTerminal, appointments.KindOf(err))
}

func TestExpireStaleIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	stale := f.add(t, "06:00", appointments.QueueWaiting)
	staleVerified := f.add(t, "06:30", appointments.QueueVerified)
	fresh := f.add(t, "11:00", appointments.QueueWaiting)
	done := f.add(t, "05:00", appointments.QueueVerified)
	_, err := f.tracker.MarkCompleted(context.Background(), done.ID)
	require.NoError(t, err)

	n, err := f.tracker.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.tracker.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for id, want := range map[uuid.UUID]appointments.QueueStatus{
		stale.ID:         appointments.QueueExpired,
		staleVerified.ID: appointments.QueueExpired,
		fresh.ID:         appointments.QueueWaiting,
		done.ID:          appointments.QueueCompleted,
	} {
		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.QueueStatus)
	}
}

func TestLiveStatusRanksAmongActiveEntries(t *testing.T) {
	f := newFixture(t, nil)
	var ids []uuid.UUID
	for _, clock := range []string{"09:00", "09:15", "09:30"} {
		a := f.add(t, clock, appointments.QueueVerified)
		_, err := f.tracker.Enqueue(context.Background(), a.ID)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	_, err := f.tracker.MarkCompleted(context.Background(), ids[0])
	require.NoError(t, err)

	status, err := f.tracker.LiveStatus(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, 3, status.Position)
	assert.Equal(t, 2, status.Rank)
	assert.Equal(t, 1, status.PatientsAhead)
	assert.Equal(t, 2, status.TotalInQueue)
	// 1 × 10 min + 1.5 min buffer, rounded.
	assert.Equal(t, 12, status.EstimatedWaitMinutes)
	assert.Equal(t, waittime.ConfidenceHigh, status.Confidence)
	assert.Equal(t, waittime.ActionLeaveNow, status.Recommendation.Action)
	assert.Equal(t, f.now.Add(12*time.Minute), status.EstimatedCallTime)

	front, err := f.tracker.LiveStatus(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, 0, front.EstimatedWaitMinutes)
	assert.Equal(t, waittime.ActionProceedNow, front.Recommendation.Action)
}

func TestLiveStatusAccountsForOngoingConsultation(t *testing.T) {
	f := newFixture(t, nil)
	seeing := f.add(t, "09:00", appointments.QueueVerified)
	_, err := appointments.Mutate(context.Background(), f.store, seeing.ID, func(cur *appointments.Appointment) error {
		cur.Status = appointments.StatusInProgress
		cur.ConsultationStartedAt = appointments.TimePtr(f.now.Add(-4 * time.Minute))
		return nil
	})
	require.NoError(t, err)

	next := f.add(t, "09:15", appointments.QueueVerified)
	_, err = f.tracker.Enqueue(context.Background(), next.ID)
	require.NoError(t, err)

	status, err := f.tracker.LiveStatus(context.Background(), next.ID)
	require.NoError(t, err)
	assert.True(t, status.ConsultationOngoing)
	assert.Equal(t, 6, status.EstimatedWaitMinutes)
}

func TestLiveStatusRequiresQueueEntry(t *testing.T) {
	f := newFixture(t, nil)
	a := f.add(t, "09:00", appointments.QueueVerified)
	_, err := f.tracker.LiveStatus(context.Background(), a.ID)
	assert.Equal(t, appointments.KindInvalidState, appointments.KindOf(err))
}
