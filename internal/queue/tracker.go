// Package queue turns verified tokens into ordered positions in a doctor's
// daily queue and answers live wait-status queries.
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/audit"
	"github.com/wolfman30/clinic-queue-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue-platform/internal/waittime"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic-queue-platform/internal/queue")

const (
	DefaultMinutesPerPatient = 15
	lockStripes              = 64
)

// StatsSource supplies duration stats for live estimates.
type StatsSource interface {
	Stats(ctx context.Context, doctorID uuid.UUID, dayStart time.Time) (waittime.Stats, error)
}

// Entry is one row of a doctor's queue.
type Entry struct {
	AppointmentID        uuid.UUID                `json:"appointment_id"`
	PatientID            uuid.UUID                `json:"patient_id"`
	Token                string                   `json:"token"`
	Time                 string                   `json:"time"`
	QueueStatus          appointments.QueueStatus `json:"queue_status"`
	Position             *int                     `json:"position,omitempty"`
	EstimatedWaitMinutes *int                     `json:"estimated_wait_minutes,omitempty"`
	VerifiedAt           *time.Time               `json:"verified_at,omitempty"`
}

// LiveStatus is what a queued patient sees.
type LiveStatus struct {
	AppointmentID        uuid.UUID               `json:"appointment_id"`
	DoctorID             uuid.UUID               `json:"doctor_id"`
	Date                 string                  `json:"date"`
	Position             int                     `json:"position"`
	Rank                 int                     `json:"rank"`
	PatientsAhead        int                     `json:"patients_ahead"`
	TotalInQueue         int                     `json:"total_in_queue"`
	ConsultationOngoing  bool                    `json:"consultation_ongoing"`
	EstimatedWaitMinutes int                     `json:"estimated_wait_minutes"`
	EstimatedCallTime    time.Time               `json:"estimated_call_time"`
	Confidence           waittime.Confidence     `json:"confidence"`
	AverageMinutes       float64                 `json:"average_consultation_minutes"`
	Recommendation       waittime.Recommendation `json:"recommendation"`
}

// Tracker owns queue transitions.
type Tracker struct {
	store             appointments.Store
	counter           PositionCounter
	stats             StatsSource
	audit             audit.Recorder
	metrics           *metrics.LifecycleMetrics
	logger            *logging.Logger
	loc               *time.Location
	minutesPerPatient int
	now               func() time.Time
	locks             [lockStripes]sync.Mutex
}

func NewTracker(store appointments.Store, counter PositionCounter, stats StatsSource, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &Tracker{
		store:             store,
		counter:           counter,
		stats:             stats,
		audit:             audit.Nop{},
		logger:            logger.Component("queue"),
		loc:               time.UTC,
		minutesPerPatient: DefaultMinutesPerPatient,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// WithLocation sets the clinic timezone used for time-of-day factors.
func (t *Tracker) WithLocation(loc *time.Location) *Tracker {
	if loc != nil {
		t.loc = loc
	}
	return t
}

func (t *Tracker) WithMinutesPerPatient(m int) *Tracker {
	if m > 0 {
		t.minutesPerPatient = m
	}
	return t
}

func (t *Tracker) WithAudit(r audit.Recorder) *Tracker {
	if r != nil {
		t.audit = r
	}
	return t
}

func (t *Tracker) WithMetrics(m *metrics.LifecycleMetrics) *Tracker {
	t.metrics = m
	return t
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

// Enqueue moves a verified appointment into the queue and assigns its position.
func (t *Tracker) Enqueue(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "queue.enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	a, err := appointments.Load(ctx, t.store, id)
	if err != nil {
		return nil, err
	}
	if err := requireVerified(a); err != nil {
		return nil, err
	}

	unlock := t.lock(a.DoctorID, a.Date)
	defer unlock()

	sameDay, err := t.store.ListByDoctorDate(ctx, a.DoctorID, a.Date)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("queue: list day: %w", err)
	}
	position, err := t.counter.Next(ctx, a.DoctorID, a.Date, floorPosition(sameDay))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "position counter failed")
		return nil, err
	}

	updated, err := appointments.Mutate(ctx, t.store, id, func(cur *appointments.Appointment) error {
		if err := requireVerified(cur); err != nil {
			return err
		}
		if err := cur.TransitionQueue(appointments.QueueInQueue); err != nil {
			return err
		}
		cur.QueuePosition = appointments.IntPtr(position)
		cur.EstimatedWaitMinutes = appointments.IntPtr(position * t.minutesPerPatient)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("queue.position", position))
	t.metrics.ObserveQueueTransition(string(appointments.QueueInQueue))
	t.logger.Info("patient enqueued", "appointment_id", id, "doctor_id", updated.DoctorID, "position", position)
	t.record(ctx, audit.Event{
		Type:          audit.EventEnqueued,
		AppointmentID: id,
		Details:       audit.Details(map[string]any{"position": position}),
	})
	return updated, nil
}

func requireVerified(a *appointments.Appointment) error {
	if a.QueueStatus != appointments.QueueVerified {
		return appointments.NewError(appointments.KindInvalidState,
			"appointment %s must be verified before joining the queue (queue status %s)", a.ID, a.QueueStatus)
	}
	if !a.Status.Active() {
		return appointments.NewError(appointments.KindInvalidState, "appointment %s is %s", a.ID, a.Status)
	}
	return nil
}

// floorPosition keeps a reset counter from reusing a live position.
func floorPosition(sameDay []*appointments.Appointment) int {
	floor := 1
	for _, a := range sameDay {
		if a.QueueStatus == appointments.QueueInQueue && a.QueuePosition != nil && *a.QueuePosition >= floor {
			floor = *a.QueuePosition + 1
		}
	}
	return floor
}

// List returns queue-eligible appointments ordered by position. Verified
// patients who have not been enqueued yet follow, in verification order.
func (t *Tracker) List(ctx context.Context, doctorID uuid.UUID, date string) ([]Entry, error) {
	if _, err := time.Parse(appointments.DateLayout, date); err != nil {
		return nil, appointments.NewError(appointments.KindValidation, "date %q must be YYYY-MM-DD", date)
	}
	all, err := t.store.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	var eligible []*appointments.Appointment
	for _, a := range all {
		if a.QueueStatus.Queued() {
			eligible = append(eligible, a)
		}
	}
	sortQueue(eligible)

	entries := make([]Entry, 0, len(eligible))
	for _, a := range eligible {
		entries = append(entries, Entry{
			AppointmentID:        a.ID,
			PatientID:            a.PatientID,
			Token:                a.Token,
			Time:                 a.Time,
			QueueStatus:          a.QueueStatus,
			Position:             a.QueuePosition,
			EstimatedWaitMinutes: a.EstimatedWaitMinutes,
			VerifiedAt:           a.VerifiedAt,
		})
	}
	return entries, nil
}

func sortQueue(list []*appointments.Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		pi, pj := list[i].QueuePosition, list[j].QueuePosition
		switch {
		case pi != nil && pj != nil:
			return *pi < *pj
		case pi != nil:
			return true
		case pj != nil:
			return false
		}
		vi, vj := list[i].VerifiedAt, list[j].VerifiedAt
		if vi != nil && vj != nil {
			return vi.Before(*vj)
		}
		return vi != nil
	})
}

// MarkCompleted closes a queue entry after the patient was seen.
func (t *Tracker) MarkCompleted(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	return t.finish(ctx, id, appointments.QueueCompleted, audit.EventQueueCompleted)
}

// MarkNoShow closes a queue entry for a patient who never answered the call.
func (t *Tracker) MarkNoShow(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	return t.finish(ctx, id, appointments.QueueNoShow, audit.EventQueueNoShow)
}

func (t *Tracker) finish(ctx context.Context, id uuid.UUID, to appointments.QueueStatus, event audit.EventType) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "queue.finish")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()), attribute.String("queue.to", string(to)))

	updated, err := appointments.Mutate(ctx, t.store, id, func(cur *appointments.Appointment) error {
		if cur.QueueStatus == appointments.QueueWaiting {
			return appointments.NewError(appointments.KindInvalidState,
				"appointment %s has not checked in", cur.ID)
		}
		return cur.TransitionQueue(to)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	t.metrics.ObserveQueueTransition(string(to))
	t.logger.Info("queue entry closed", "appointment_id", id, "queue_status", to)
	t.record(ctx, audit.Event{Type: event, AppointmentID: id})
	return updated, nil
}

// ExpireStale expires every non-terminal appointment whose token has lapsed.
// It is safe to run repeatedly.
func (t *Tracker) ExpireStale(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "queue.expire_stale")
	defer span.End()

	now := t.now()
	candidates, err := t.store.ListExpirable(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("queue: list expirable: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		changed := false
		_, err := appointments.Mutate(ctx, t.store, c.ID, func(cur *appointments.Appointment) error {
			if cur.QueueStatus.Terminal() || cur.TokenExpiresAt == nil || !cur.TokenExpiresAt.Before(now) {
				return appointments.ErrNoChange
			}
			changed = true
			return cur.TransitionQueue(appointments.QueueExpired)
		})
		if err != nil {
			t.logger.Warn("failed to expire appointment", "appointment_id", c.ID, "error", err)
			continue
		}
		if changed {
			expired++
			t.record(ctx, audit.Event{Type: audit.EventTokenExpired, AppointmentID: c.ID, Actor: "system"})
		}
	}
	t.metrics.ObserveQueueTransitions(string(appointments.QueueExpired), expired)
	span.SetAttributes(attribute.Int("queue.expired", expired))
	if expired > 0 {
		t.logger.Info("expired stale tokens", "count", expired)
	}
	return expired, nil
}

// LiveStatus ranks the patient among active entries and refines the wait estimate.
func (t *Tracker) LiveStatus(ctx context.Context, id uuid.UUID) (LiveStatus, error) {
	ctx, span := tracer.Start(ctx, "queue.live_status")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	a, err := appointments.Load(ctx, t.store, id)
	if err != nil {
		return LiveStatus{}, err
	}
	if a.QueueStatus != appointments.QueueInQueue || a.QueuePosition == nil {
		return LiveStatus{}, appointments.NewError(appointments.KindInvalidState,
			"appointment %s is not in the queue (queue status %s)", a.ID, a.QueueStatus)
	}

	sameDay, err := t.store.ListByDoctorDate(ctx, a.DoctorID, a.Date)
	if err != nil {
		return LiveStatus{}, fmt.Errorf("queue: live status: %w", err)
	}
	var active []*appointments.Appointment
	var ongoing *time.Time
	for _, other := range sameDay {
		if other.QueueStatus == appointments.QueueInQueue && other.QueuePosition != nil {
			active = append(active, other)
		}
		if other.ID != a.ID && other.Status == appointments.StatusInProgress && other.ConsultationStartedAt != nil {
			if ongoing == nil || other.ConsultationStartedAt.After(*ongoing) {
				ongoing = other.ConsultationStartedAt
			}
		}
	}
	sortQueue(active)
	rank := 1
	for i, other := range active {
		if other.ID == a.ID {
			rank = i + 1
			break
		}
	}

	now := t.now().In(t.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.loc)
	stats := t.statsFor(ctx, a.DoctorID, dayStart)

	est := waittime.Estimate(waittime.Input{
		Stats:               stats,
		Position:            rank,
		Now:                 now,
		InProgressStartedAt: ongoing,
	})
	t.metrics.ObserveWaitEstimate(string(est.Confidence), est.Minutes)

	return LiveStatus{
		AppointmentID:        a.ID,
		DoctorID:             a.DoctorID,
		Date:                 a.Date,
		Position:             *a.QueuePosition,
		Rank:                 rank,
		PatientsAhead:        est.PatientsAhead,
		TotalInQueue:         len(active),
		ConsultationOngoing:  ongoing != nil,
		EstimatedWaitMinutes: est.Minutes,
		EstimatedCallTime:    now.Add(time.Duration(est.Minutes) * time.Minute),
		Confidence:           est.Confidence,
		AverageMinutes:       est.AverageMinutes,
		Recommendation:       waittime.Recommend(est.Minutes, rank),
	}, nil
}

func (t *Tracker) statsFor(ctx context.Context, doctorID uuid.UUID, dayStart time.Time) waittime.Stats {
	fallback := waittime.Stats{AverageMinutes: float64(t.minutesPerPatient), FromDefault: true}
	if t.stats == nil {
		return fallback
	}
	stats, err := t.stats.Stats(ctx, doctorID, dayStart)
	if err != nil {
		t.logger.Warn("falling back to default consultation length", "doctor_id", doctorID, "error", err)
		return fallback
	}
	return stats
}

// lock serializes position assignment per (doctor, date) within the process.
func (t *Tracker) lock(doctorID uuid.UUID, date string) func() {
	h := fnv.New32a()
	h.Write(doctorID[:])
	h.Write([]byte(date))
	m := &t.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (t *Tracker) record(ctx context.Context, event audit.Event) {
	if err := t.audit.Record(ctx, event); err != nil {
		t.logger.Warn("failed to record audit event", "event_type", event.Type, "appointment_id", event.AppointmentID, "error", err)
	}
}
