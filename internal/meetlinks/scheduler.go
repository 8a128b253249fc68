// Package meetlinks generates and delivers video links for online
// consultations a fixed lead time before they start. The durable
// MeetLinkGenerated flag on the appointment decides whether a link exists;
// the in-memory timers only decide when to look.
package meetlinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/audit"
	"github.com/wolfman30/clinic-queue-platform/internal/clinic"
	"github.com/wolfman30/clinic-queue-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic-queue-platform/internal/meetlinks")

const (
	DefaultLeadTime = 18 * time.Minute

	fireTimeout     = 30 * time.Second
	recoveryHorizon = 10 * 365 * 24 * time.Hour
)

// Trigger names what caused a fire.
type Trigger string

const (
	TriggerTimer     Trigger = "timer"
	TriggerImmediate Trigger = "immediate"
	TriggerSweep     Trigger = "sweep"
	TriggerManual    Trigger = "manual"
)

// State is the derived scheduling state of one appointment.
type State string

const (
	StateNotScheduled State = "not_scheduled"
	StateScheduled    State = "scheduled"
	StateFired        State = "fired"
	StateDelivered    State = "delivered"
)

// Recipient is one party a link is delivered to.
type Recipient struct {
	ID    uuid.UUID
	Name  string
	Email string
}

// Notifier delivers a generated link to one party.
type Notifier interface {
	Notify(ctx context.Context, to Recipient, lc LinkContext, role appointments.Role) error
}

// Directory resolves names and addresses for link context.
type Directory interface {
	Doctor(ctx context.Context, id uuid.UUID) (clinic.Doctor, error)
	Patient(ctx context.Context, id uuid.UUID) (clinic.Patient, error)
}

// FireResult reports what a fire did.
type FireResult struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	Generated       bool      `json:"generated"`
	Skipped         string    `json:"skipped,omitempty"`
	Link            string    `json:"link,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	PatientNotified bool      `json:"patient_notified"`
	DoctorNotified  bool      `json:"doctor_notified"`
}

// Scheduler owns the timer registry.
type Scheduler struct {
	store     appointments.Store
	primary   Provider
	fallback  Provider
	notifier  Notifier
	directory Directory
	audit     audit.Recorder
	metrics   *metrics.LifecycleMetrics
	logger    *logging.Logger
	lead      time.Duration
	now       func() time.Time

	mu     sync.Mutex
	timers map[uuid.UUID]*pendingTimer
	group  singleflight.Group
}

func NewScheduler(store appointments.Store, primary, fallback Provider, notifier Notifier, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		store:    store,
		primary:  primary,
		fallback: fallback,
		notifier: notifier,
		audit:    audit.Nop{},
		logger:   logger.Component("meetlinks"),
		lead:     DefaultLeadTime,
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[uuid.UUID]*pendingTimer),
	}
}

func (s *Scheduler) WithDirectory(d Directory) *Scheduler {
	s.directory = d
	return s
}

// WithLeadTime sets how long before the start a link is generated.
func (s *Scheduler) WithLeadTime(d time.Duration) *Scheduler {
	if d > 0 {
		s.lead = d
	}
	return s
}

func (s *Scheduler) WithAudit(r audit.Recorder) *Scheduler {
	if r != nil {
		s.audit = r
	}
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.LifecycleMetrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// TriggerTime is when the link for a given start should be generated.
func (s *Scheduler) TriggerTime(start time.Time) time.Time {
	return start.Add(-s.lead)
}

// Schedule registers a timer for an online appointment. When the trigger time
// has already passed the link is generated within this call.
func (s *Scheduler) Schedule(ctx context.Context, a *appointments.Appointment) (State, error) {
	if !a.Online() {
		return StateNotScheduled, appointments.NewError(appointments.KindInvalidState, "appointment %s is not an online consultation", a.ID)
	}
	if a.Status.Final() {
		return StateNotScheduled, appointments.NewError(appointments.KindInvalidState, "appointment %s is %s", a.ID, a.Status)
	}
	if a.MeetLinkGenerated {
		return deriveState(a, false), nil
	}

	trigger := s.TriggerTime(a.StartsAt)
	delay := trigger.Sub(s.now())
	if delay <= 0 {
		s.Cancel(a.ID)
		if _, err := s.Fire(ctx, a.ID, TriggerImmediate); err != nil {
			return StateNotScheduled, err
		}
		return s.Status(ctx, a.ID)
	}

	id := a.ID
	s.mu.Lock()
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	pt := &pendingTimer{}
	pt.timer = time.AfterFunc(delay, func() { s.fireFromTimer(id, pt) })
	s.timers[id] = pt
	s.mu.Unlock()

	s.logger.Debug("meet link scheduled", "appointment_id", id, "trigger_at", trigger)
	return StateScheduled, nil
}

// pendingTimer identifies one registration, so a timer that fires after a
// reschedule cannot drop its replacement.
type pendingTimer struct {
	timer *time.Timer
}

func (s *Scheduler) fireFromTimer(id uuid.UUID, pt *pendingTimer) {
	s.mu.Lock()
	if s.timers[id] == pt {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	if _, err := s.Fire(ctx, id, TriggerTimer); err != nil {
		s.logger.Error("scheduled meet link generation failed", "appointment_id", id, "error", err)
	}
}

// Cancel drops a pending timer. It reports whether one was registered.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.timers[id]
	if ok {
		pt.timer.Stop()
		delete(s.timers, id)
	}
	return ok
}

// Pending is the number of registered timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every timer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pt := range s.timers {
		pt.timer.Stop()
		delete(s.timers, id)
	}
}

// Status derives the state from the durable record and the registry.
func (s *Scheduler) Status(ctx context.Context, id uuid.UUID) (State, error) {
	a, err := appointments.Load(ctx, s.store, id)
	if err != nil {
		return StateNotScheduled, err
	}
	s.mu.Lock()
	_, registered := s.timers[id]
	s.mu.Unlock()
	return deriveState(a, registered), nil
}

func deriveState(a *appointments.Appointment, registered bool) State {
	switch {
	case a.MeetLinkGenerated && a.MeetLinkSentToPatient && a.MeetLinkSentToDoctor:
		return StateDelivered
	case a.MeetLinkGenerated:
		return StateFired
	case registered:
		return StateScheduled
	}
	return StateNotScheduled
}

// Fire generates and delivers the link unless the durable flag is already
// set. Concurrent fires for one appointment share a single attempt.
func (s *Scheduler) Fire(ctx context.Context, id uuid.UUID, trigger Trigger) (FireResult, error) {
	v, err, _ := s.group.Do(id.String(), func() (any, error) {
		return s.fire(ctx, id, trigger)
	})
	if err != nil {
		return FireResult{AppointmentID: id}, err
	}
	return v.(FireResult), nil
}

func (s *Scheduler) fire(ctx context.Context, id uuid.UUID, trigger Trigger) (FireResult, error) {
	ctx, span := tracer.Start(ctx, "meetlinks.fire")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("meetlinks.trigger", string(trigger)),
	)

	if trigger != TriggerTimer {
		s.Cancel(id)
	}

	result := FireResult{AppointmentID: id}
	a, err := appointments.Load(ctx, s.store, id)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveMeetLinkFire(string(trigger), "error")
		return result, err
	}
	switch {
	case a.MeetLinkGenerated:
		result.Skipped = "already_generated"
	case !a.Online():
		result.Skipped = "not_online"
	case a.Status.Final():
		result.Skipped = string(a.Status)
	}
	if result.Skipped != "" {
		s.metrics.ObserveMeetLinkFire(string(trigger), "skipped")
		return result, nil
	}

	lc := s.linkContext(ctx, a)
	link, err := s.generate(ctx, lc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "link generation failed")
		s.metrics.ObserveMeetLinkFire(string(trigger), "failed")
		return result, err
	}

	won, err := s.store.MarkMeetLinkGenerated(ctx, id, appointments.MeetLink{
		URL:         link.URL,
		Provider:    link.Provider,
		GeneratedAt: s.now(),
	})
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveMeetLinkFire(string(trigger), "error")
		return result, appointments.Translate(fmt.Errorf("meetlinks: persist link: %w", err), id)
	}
	if !won {
		result.Skipped = "already_generated"
		s.metrics.ObserveMeetLinkFire(string(trigger), "skipped")
		return result, nil
	}

	result.Generated = true
	result.Link = link.URL
	result.Provider = link.Provider
	s.metrics.ObserveMeetLinkFire(string(trigger), "generated")
	s.logger.Info("meet link generated", "appointment_id", id, "provider", link.Provider, "trigger", trigger)
	s.record(ctx, audit.Event{
		Type:          audit.EventMeetLinkFired,
		AppointmentID: id,
		Actor:         "system",
		Tags:          []string{string(trigger), link.Provider},
		Details:       audit.Details(map[string]string{"link": link.URL, "provider": link.Provider}),
	})

	lc.MeetLink = link.URL
	result.PatientNotified = s.deliver(ctx, Recipient{ID: a.PatientID, Name: lc.PatientName, Email: lc.PatientEmail}, lc, appointments.RolePatient, link)
	result.DoctorNotified = s.deliver(ctx, Recipient{ID: a.DoctorID, Name: lc.DoctorName, Email: lc.DoctorEmail}, lc, appointments.RoleDoctor, link)
	return result, nil
}

// generate tries the primary provider, then the fallback once.
func (s *Scheduler) generate(ctx context.Context, lc LinkContext) (Link, error) {
	var primaryErr error
	if s.primary != nil {
		link, err := s.primary.GenerateLink(ctx, lc)
		if err == nil {
			return link, nil
		}
		primaryErr = err
		s.logger.Warn("primary link provider failed", "appointment_id", lc.AppointmentID, "provider", s.primary.Name(), "error", err)
	}
	if s.fallback != nil {
		link, err := s.fallback.GenerateLink(ctx, lc)
		if err == nil {
			return link, nil
		}
		return Link{}, appointments.WrapError(appointments.KindUpstreamFailure, err,
			fmt.Sprintf("link providers failed (primary: %v)", primaryErr))
	}
	if primaryErr == nil {
		primaryErr = fmt.Errorf("meetlinks: no link provider configured")
	}
	return Link{}, appointments.WrapError(appointments.KindUpstreamFailure, primaryErr, "link generation failed")
}

// deliver notifies one party. Failures are logged and never unset the flag.
func (s *Scheduler) deliver(ctx context.Context, to Recipient, lc LinkContext, role appointments.Role, link Link) bool {
	if s.notifier == nil {
		return false
	}
	if err := s.notifier.Notify(ctx, to, lc, role); err != nil {
		s.metrics.ObserveNotification(string(role), false)
		s.logger.Warn("meet link notification failed", "appointment_id", lc.AppointmentID, "role", role, "error", err)
		return false
	}
	s.metrics.ObserveNotification(string(role), true)
	if err := s.store.MarkMeetLinkNotified(ctx, lc.AppointmentID, role); err != nil {
		s.logger.Warn("failed to record meet link delivery", "appointment_id", lc.AppointmentID, "role", role, "error", err)
	}
	return true
}

func (s *Scheduler) linkContext(ctx context.Context, a *appointments.Appointment) LinkContext {
	lc := LinkContext{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		Date:          a.Date,
		Time:          a.Time,
		StartsAt:      a.StartsAt,
		Reason:        a.Reason,
	}
	if s.directory == nil {
		return lc
	}
	if d, err := s.directory.Doctor(ctx, a.DoctorID); err == nil {
		lc.DoctorName, lc.DoctorEmail, lc.DurationMinutes = d.Name, d.Email, d.ConsultationMinutes
	} else {
		s.logger.Warn("doctor lookup failed", "appointment_id", a.ID, "doctor_id", a.DoctorID, "error", err)
	}
	if p, err := s.directory.Patient(ctx, a.PatientID); err == nil {
		lc.PatientName, lc.PatientEmail = p.Name, p.Email
	} else {
		s.logger.Warn("patient lookup failed", "appointment_id", a.ID, "patient_id", a.PatientID, "error", err)
	}
	return lc
}

// Recover registers timers for every future online appointment without a
// link. Run it once on start, before serving traffic.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	now := s.now()
	pending, err := s.store.ListPendingMeetLinks(ctx, now, now.Add(recoveryHorizon))
	if err != nil {
		return 0, fmt.Errorf("meetlinks: recover: %w", err)
	}
	registered := 0
	for _, a := range pending {
		if _, err := s.Schedule(ctx, a); err != nil {
			s.logger.Warn("failed to recover meet link timer", "appointment_id", a.ID, "error", err)
			continue
		}
		registered++
	}
	s.logger.Info("meet link timers recovered", "count", registered, "candidates", len(pending))
	return registered, nil
}

// Sweep fires every online appointment starting within the lead window whose
// link was never generated, catching timers lost to a restart.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "meetlinks.sweep")
	defer span.End()

	now := s.now()
	pending, err := s.store.ListPendingMeetLinks(ctx, now, now.Add(s.lead))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("meetlinks: sweep: %w", err)
	}
	fired := 0
	for _, a := range pending {
		res, err := s.Fire(ctx, a.ID, TriggerSweep)
		if err != nil {
			s.logger.Error("sweep failed to generate meet link", "appointment_id", a.ID, "error", err)
			continue
		}
		if res.Generated {
			fired++
		}
	}
	span.SetAttributes(attribute.Int("meetlinks.fired", fired))
	if fired > 0 {
		s.logger.Info("meet link sweep fired", "count", fired)
	}
	return fired, nil
}

func (s *Scheduler) record(ctx context.Context, event audit.Event) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record audit event", "event_type", event.Type, "appointment_id", event.AppointmentID, "error", err)
	}
}
