// Package booking creates and cancels appointments and records consultation
// start and end. It is the glue between the appointment record and the token,
// meet-link, refund and wait-time components.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/audit"
	"github.com/wolfman30/clinic-queue-platform/internal/clinic"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue-platform/internal/refunds"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic-queue-platform/internal/booking")

const maxStampTries = 3

// TokenStamper fills token fields before insert.
type TokenStamper interface {
	Stamp(a *appointments.Appointment, codeHint string) error
}

// Doctors looks up the doctor profile used for the token prefix.
type Doctors interface {
	Doctor(ctx context.Context, id uuid.UUID) (clinic.Doctor, error)
}

// LinkScheduler is the part of meetlinks.Scheduler booking depends on.
type LinkScheduler interface {
	Schedule(ctx context.Context, a *appointments.Appointment) (meetlinks.State, error)
	Cancel(id uuid.UUID) bool
}

type Refunder interface {
	Process(ctx context.Context, id uuid.UUID, cancelledBy appointments.Actor, reason string) (refunds.Outcome, error)
}

// StatsInvalidator drops cached duration statistics for a doctor.
type StatsInvalidator interface {
	Invalidate(ctx context.Context, doctorID uuid.UUID)
}

// Request is a booking request.
type Request struct {
	PatientID            uuid.UUID                     `json:"patient_id"`
	DoctorID             uuid.UUID                     `json:"doctor_id"`
	ClinicID             uuid.UUID                     `json:"clinic_id"`
	Date                 string                        `json:"date"`
	Time                 string                        `json:"time"`
	ConsultationType     appointments.ConsultationType `json:"consultation_type"`
	Reason               string                        `json:"reason"`
	AmountPaise          int64                         `json:"amount_paise"`
	PaymentStatus        appointments.PaymentStatus    `json:"payment_status"`
	PaymentTransactionID string                        `json:"payment_transaction_id"`
}

// Booked is returned by Book.
type Booked struct {
	Appointment   *appointments.Appointment `json:"appointment"`
	MeetLinkState meetlinks.State           `json:"meet_link_state,omitempty"`
}

// Cancelled is returned by Cancel. Refund is nil when the refund step failed.
type Cancelled struct {
	Appointment *appointments.Appointment `json:"appointment"`
	Refund      *refunds.Outcome          `json:"refund,omitempty"`
	Replayed    bool                      `json:"replayed"`
}

// Service implements booking, cancellation and consultation recording.
type Service struct {
	store     appointments.Store
	tokens    TokenStamper
	doctors   Doctors
	scheduler LinkScheduler
	refunds   Refunder
	stats     StatsInvalidator
	audit     audit.Recorder
	metrics   *metrics.LifecycleMetrics
	logger    *logging.Logger
	loc       *time.Location
	now       func() time.Time
}

func NewService(store appointments.Store, tokens TokenStamper, scheduler LinkScheduler, refunder Refunder, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:     store,
		tokens:    tokens,
		scheduler: scheduler,
		refunds:   refunder,
		audit:     audit.Nop{},
		logger:    logger.Component("booking"),
		loc:       time.UTC,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithDoctors(d Doctors) *Service {
	s.doctors = d
	return s
}

func (s *Service) WithStats(st StatsInvalidator) *Service {
	s.stats = st
	return s
}

// WithLocation sets the clinic timezone that slot times are expressed in.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Service) WithAudit(r audit.Recorder) *Service {
	if r != nil {
		s.audit = r
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.LifecycleMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Book creates an appointment with its token already stamped. Paid bookings
// without a settled payment are created pending and hold the slot until
// Confirm. Online visits are registered with the
// meet-link scheduler; a scheduling failure is logged and left to the sweep.
func (s *Service) Book(ctx context.Context, req Request) (Booked, error) {
	ctx, span := tracer.Start(ctx, "booking.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("doctor.id", req.DoctorID.String()),
		attribute.String("appointment.date", req.Date),
		attribute.String("appointment.time", req.Time),
	)

	a, err := s.newAppointment(req)
	if err != nil {
		return Booked{}, err
	}
	hint := s.tokenHint(ctx, req.DoctorID)

	for attempt := 0; ; attempt++ {
		if err := s.tokens.Stamp(a, hint); err != nil {
			span.RecordError(err)
			return Booked{}, fmt.Errorf("booking: stamp token: %w", err)
		}
		err = s.store.Create(ctx, a)
		if err == nil {
			break
		}
		if errors.Is(err, appointments.ErrTokenTaken) && attempt+1 < maxStampTries {
			s.logger.Warn("token collision on booking, restamping", "doctor_id", req.DoctorID, "attempt", attempt+1)
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		if errors.Is(err, appointments.ErrSlotTaken) {
			return Booked{}, appointments.WrapError(appointments.KindConflict, err,
				fmt.Sprintf("doctor %s is already booked on %s at %s", req.DoctorID, req.Date, req.Time))
		}
		return Booked{}, appointments.Translate(fmt.Errorf("booking: create: %w", err), a.ID)
	}
	span.SetAttributes(attribute.String("appointment.id", a.ID.String()))

	s.logger.Info("appointment booked",
		"appointment_id", a.ID,
		"doctor_id", a.DoctorID,
		"date", a.Date,
		"time", a.Time,
		"consultation_type", a.ConsultationType,
	)
	s.record(ctx, audit.Event{
		Type:          audit.EventBooked,
		AppointmentID: a.ID,
		Actor:         string(appointments.ActorPatient),
		Tags:          []string{string(a.ConsultationType)},
		Details:       audit.Details(map[string]any{"token": a.Token, "date": a.Date, "time": a.Time, "status": a.Status}),
	})

	booked := Booked{Appointment: a}
	if a.Online() && s.scheduler != nil {
		state, err := s.scheduler.Schedule(ctx, a)
		if err != nil {
			s.logger.Error("meet link scheduling failed", "appointment_id", a.ID, "error", err)
		}
		booked.MeetLinkState = state
		if state != meetlinks.StateScheduled {
			// An immediate fire already changed the record.
			if fresh, err := s.store.Get(ctx, a.ID); err == nil {
				booked.Appointment = fresh
			}
		}
	}
	return booked, nil
}

func (s *Service) newAppointment(req Request) (*appointments.Appointment, error) {
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil {
		return nil, appointments.NewError(appointments.KindValidation, "patient_id and doctor_id are required")
	}
	if req.ConsultationType == "" {
		req.ConsultationType = appointments.ConsultationInPerson
	}
	if !req.ConsultationType.Valid() {
		return nil, appointments.NewError(appointments.KindValidation, "unknown consultation type %q", req.ConsultationType)
	}
	if req.AmountPaise < 0 {
		return nil, appointments.NewError(appointments.KindValidation, "amount must not be negative")
	}
	start, err := appointments.SlotStart(req.Date, req.Time, s.loc)
	if err != nil {
		return nil, err
	}
	if start.Before(s.now()) {
		return nil, appointments.NewError(appointments.KindValidation, "slot %s %s is in the past", req.Date, req.Time)
	}

	status := appointments.StatusConfirmed
	payment := req.PaymentStatus
	switch {
	case req.AmountPaise == 0:
		payment = appointments.PaymentNotRequired
	case payment == appointments.PaymentCompleted:
		if req.PaymentTransactionID == "" {
			return nil, appointments.NewError(appointments.KindValidation, "payment_transaction_id is required for completed payments")
		}
	case payment == "" || payment == appointments.PaymentPending:
		// Held as pending until Confirm settles the payment.
		status = appointments.StatusPending
		payment = appointments.PaymentPending
	default:
		return nil, appointments.NewError(appointments.KindValidation, "payment status %q cannot open a booking", payment)
	}

	return &appointments.Appointment{
		PatientID:            req.PatientID,
		DoctorID:             req.DoctorID,
		ClinicID:             req.ClinicID,
		Date:                 req.Date,
		Time:                 req.Time,
		StartsAt:             start.UTC(),
		ConsultationType:     req.ConsultationType,
		Reason:               req.Reason,
		Status:               status,
		QueueStatus:          appointments.QueueWaiting,
		AmountPaise:          req.AmountPaise,
		PaymentStatus:        payment,
		PaymentTransactionID: req.PaymentTransactionID,
	}, nil
}

func (s *Service) tokenHint(ctx context.Context, doctorID uuid.UUID) string {
	if s.doctors == nil {
		return ""
	}
	d, err := s.doctors.Doctor(ctx, doctorID)
	if err != nil {
		if !errors.Is(err, clinic.ErrNotFound) {
			s.logger.Warn("doctor lookup failed, using default token prefix", "doctor_id", doctorID, "error", err)
		}
		return ""
	}
	return d.TokenHint()
}

// Confirm settles the payment of a pending booking and moves it to confirmed.
// Repeating the call with the same transaction id returns the record
// unchanged; a different transaction id on a confirmed booking is a conflict.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, paymentTxnID string) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "booking.confirm")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	confirmed := false
	a, err := appointments.Mutate(ctx, s.store, id, func(a *appointments.Appointment) error {
		confirmed = false
		if a.Status == appointments.StatusConfirmed {
			if paymentTxnID == "" || paymentTxnID == a.PaymentTransactionID || a.AmountPaise == 0 {
				return appointments.ErrNoChange
			}
			return appointments.NewError(appointments.KindConflict,
				"appointment %s is already confirmed with a different payment transaction", a.ID)
		}
		if err := a.TransitionStatus(appointments.StatusConfirmed); err != nil {
			return err
		}
		if a.AmountPaise > 0 {
			if paymentTxnID == "" {
				return appointments.NewError(appointments.KindValidation, "payment_transaction_id is required to confirm a paid booking")
			}
			a.PaymentStatus = appointments.PaymentCompleted
			a.PaymentTransactionID = paymentTxnID
		}
		confirmed = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if confirmed {
		s.logger.Info("appointment confirmed", "appointment_id", id, "payment_status", a.PaymentStatus)
		s.record(ctx, audit.Event{
			Type:          audit.EventConfirmed,
			AppointmentID: id,
			Actor:         string(appointments.ActorClinic),
			Details:       audit.Details(map[string]any{"payment_transaction_id": a.PaymentTransactionID}),
		})
	}
	return a, nil
}

// Cancel cancels a pending or confirmed appointment, drops its meet-link timer
// and runs the refund engine. Cancelling twice replays the stored refund.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, by appointments.Actor, reason string) (Cancelled, error) {
	ctx, span := tracer.Start(ctx, "booking.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()), attribute.String("cancel.actor", string(by)))

	if by == "" {
		by = appointments.ActorPatient
	}
	if !by.Valid() {
		return Cancelled{}, appointments.NewError(appointments.KindValidation, "unknown actor %q", by)
	}

	replayed := false
	a, err := appointments.Mutate(ctx, s.store, id, func(a *appointments.Appointment) error {
		replayed = false
		if a.Status == appointments.StatusCancelled {
			replayed = true
			return appointments.ErrNoChange
		}
		if err := a.TransitionStatus(appointments.StatusCancelled); err != nil {
			return err
		}
		now := s.now()
		a.CancelledBy = by
		a.CancelledAt = &now
		a.CancellationReason = reason
		if !a.QueueStatus.Terminal() {
			if err := a.TransitionQueue(appointments.QueueExpired); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Cancelled{}, err
	}

	if s.scheduler != nil {
		s.scheduler.Cancel(id)
	}
	if !replayed {
		s.logger.Info("appointment cancelled", "appointment_id", id, "cancelled_by", by)
		s.record(ctx, audit.Event{
			Type:          audit.EventCancelled,
			AppointmentID: id,
			Actor:         string(by),
			Details:       audit.Details(map[string]any{"reason": reason}),
		})
	}

	result := Cancelled{Appointment: a, Replayed: replayed}
	if s.refunds == nil {
		return result, nil
	}
	outcome, err := s.refunds.Process(ctx, id, a.CancelledBy, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		s.logger.Error("refund processing failed after cancellation", "appointment_id", id, "error", err)
		return result, err
	}
	result.Refund = &outcome
	if fresh, err := s.store.Get(ctx, id); err == nil {
		result.Appointment = fresh
	}
	return result, nil
}

// StartConsultation moves an appointment to in_progress and stamps the start.
// Calling it again for a running consultation is a no-op.
func (s *Service) StartConsultation(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	started := false
	a, err := appointments.Mutate(ctx, s.store, id, func(a *appointments.Appointment) error {
		started = false
		if a.Status == appointments.StatusInProgress && a.ConsultationStartedAt != nil {
			return appointments.ErrNoChange
		}
		if err := a.TransitionStatus(appointments.StatusInProgress); err != nil {
			return err
		}
		now := s.now()
		a.ConsultationStartedAt = &now
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		s.logger.Info("consultation started", "appointment_id", id, "doctor_id", a.DoctorID)
		s.record(ctx, audit.Event{Type: audit.EventConsultStarted, AppointmentID: id, Actor: string(appointments.ActorDoctor)})
	}
	return a, nil
}

// CompleteConsultation ends a running consultation, records its duration and
// closes the queue entry. The doctor's cached statistics are dropped so the
// next estimate sees the new sample.
func (s *Service) CompleteConsultation(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	queueClosed := false
	a, err := appointments.Mutate(ctx, s.store, id, func(a *appointments.Appointment) error {
		queueClosed = false
		if a.Status == appointments.StatusCompleted {
			return appointments.NewError(appointments.KindAlreadyTerminal, "appointment %s is already completed", a.ID)
		}
		if err := a.TransitionStatus(appointments.StatusCompleted); err != nil {
			return err
		}
		now := s.now()
		start := now
		if a.ConsultationStartedAt != nil {
			start = *a.ConsultationStartedAt
		} else {
			a.ConsultationStartedAt = &now
		}
		a.ConsultationEndedAt = &now
		a.ConsultationDurationSeconds = int(now.Sub(start).Seconds())
		if a.QueueStatus.Queued() {
			if err := a.TransitionQueue(appointments.QueueCompleted); err != nil {
				return err
			}
			queueClosed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if queueClosed {
		s.metrics.ObserveQueueTransition(string(appointments.QueueCompleted))
	}
	if s.stats != nil {
		s.stats.Invalidate(ctx, a.DoctorID)
	}
	s.logger.Info("consultation completed",
		"appointment_id", id,
		"doctor_id", a.DoctorID,
		"duration_seconds", a.ConsultationDurationSeconds,
	)
	s.record(ctx, audit.Event{
		Type:          audit.EventConsultCompleted,
		AppointmentID: id,
		Actor:         string(appointments.ActorDoctor),
		Details:       audit.Details(map[string]any{"duration_seconds": a.ConsultationDurationSeconds}),
	})
	return a, nil
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record audit event", "event_type", event.Type, "appointment_id", event.AppointmentID, "error", err)
	}
}
