package refunds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/audit"
	"github.com/wolfman30/clinic-queue-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic-queue-platform/internal/refunds")

// Gateway refunds a captured payment. A pending refund resolves out of band.
type Gateway interface {
	Refund(ctx context.Context, transactionID string, amountPaise int64, notes map[string]string) (GatewayRefund, error)
}

type GatewayRefund struct {
	ID      string
	Status  string
	Pending bool
}

// Wallet credits a patient's in-app balance. Credits with the same
// referenceID are applied once.
type Wallet interface {
	Credit(ctx context.Context, userID uuid.UUID, amountPaise int64, reason, referenceID string) error
}

// Outcome is returned by Process.
type Outcome struct {
	AppointmentID         uuid.UUID                   `json:"appointment_id"`
	Snapshot              appointments.RefundSnapshot `json:"refund"`
	PaymentStatus         appointments.PaymentStatus  `json:"payment_status"`
	RefundProcessed       bool                        `json:"refund_processed"`
	WalletCreditProcessed bool                        `json:"wallet_credit_processed"`
	Replayed              bool                        `json:"replayed"`
}

// Service applies the policy to stored appointments.
type Service struct {
	store   appointments.Store
	policy  Policy
	gateway Gateway
	wallet  Wallet
	audit   audit.Recorder
	metrics *metrics.LifecycleMetrics
	logger  *logging.Logger
	now     func() time.Time

	attemptTimeout time.Duration
}

// DefaultAttemptTimeout bounds how long a claimed gateway attempt may stay
// unreported before it is marked failed.
const DefaultAttemptTimeout = 5 * time.Minute

const errAttemptInterrupted = "refund attempt interrupted before the gateway result was recorded; reconcile with the gateway"

// NewService wires the refund engine. A nil gateway marks eligible refunds as
// processed without a gateway call, which is how unpaid test bookings behave.
func NewService(store appointments.Store, policy Policy, gateway Gateway, wallet Wallet, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:   store,
		policy:  policy,
		gateway: gateway,
		wallet:  wallet,
		audit:   audit.Nop{},
		logger:  logger.Component("refunds"),
		now:     func() time.Time { return time.Now().UTC() },

		attemptTimeout: DefaultAttemptTimeout,
	}
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

func (s *Service) WithAttemptTimeout(d time.Duration) *Service {
	if d > 0 {
		s.attemptTimeout = d
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

// Preview evaluates the policy without side effects.
func (s *Service) Preview(ctx context.Context, id uuid.UUID, cancelledBy appointments.Actor) (Calculation, error) {
	if cancelledBy != "" && !cancelledBy.Valid() {
		return Calculation{}, appointments.NewError(appointments.KindValidation, "unknown actor %q", cancelledBy)
	}
	a, err := appointments.Load(ctx, s.store, id)
	if err != nil {
		return Calculation{}, err
	}
	return s.policy.Calculate(a, cancelledBy, s.now()), nil
}

// Process evaluates and applies the refund for a cancelled appointment. The
// snapshot is persisted once; later calls replay it. Whichever call claims the
// empty sub-status makes the single gateway attempt. An attempt that never
// reported back is marked failed after the attempt timeout. The wallet credit
// is retried on every call until it succeeds.
func (s *Service) Process(ctx context.Context, id uuid.UUID, cancelledBy appointments.Actor, reason string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "refunds.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("refund.cancelled_by", string(cancelledBy)),
	)

	if cancelledBy != "" && !cancelledBy.Valid() {
		return Outcome{}, appointments.NewError(appointments.KindValidation, "unknown actor %q", cancelledBy)
	}
	a, err := appointments.Load(ctx, s.store, id)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}

	replayed := a.Refund != nil
	if !replayed {
		snap := s.policy.Calculate(a, cancelledBy, s.now()).Snapshot(s.now())
		if reason != "" {
			snap.Reason = reason
		}
		wrote, err := s.store.SetRefundSnapshot(ctx, id, snap)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "snapshot write failed")
			return Outcome{}, appointments.Translate(fmt.Errorf("refunds: persist snapshot: %w", err), id)
		}
		if !wrote {
			// Another caller won the write; continue from its snapshot.
			replayed = true
		}
		if a, err = appointments.Load(ctx, s.store, id); err != nil {
			return Outcome{}, err
		}
	}
	snap := *a.Refund
	span.SetAttributes(attribute.String("refund.policy", string(snap.PolicyApplied)))

	switch snap.Status {
	case appointments.RefundNotAttempted:
		if err := s.attempt(ctx, a, snap); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "refund attempt failed")
			return Outcome{}, err
		}
	case appointments.RefundAttempting:
		if err := s.failStale(ctx, id, snap); err != nil {
			span.RecordError(err)
			return Outcome{}, err
		}
	}

	if snap.WalletCreditPaise > 0 && !snap.WalletCreditProcessed && s.wallet != nil {
		note := fmt.Sprintf("Compensation for appointment cancellation by %s", snap.CancelledBy)
		if err := s.wallet.Credit(ctx, a.PatientID, snap.WalletCreditPaise, note, walletReference(id)); err != nil {
			s.logger.Error("wallet credit failed", "appointment_id", id, "patient_id", a.PatientID, "error", err)
		} else if err := s.store.UpdateRefundOutcome(ctx, id, appointments.RefundOutcome{WalletCreditProcessed: true}); err != nil {
			span.RecordError(err)
			return Outcome{}, appointments.Translate(fmt.Errorf("refunds: persist wallet credit: %w", err), id)
		}
	}

	if a, err = appointments.Load(ctx, s.store, id); err != nil {
		return Outcome{}, err
	}
	snap = *a.Refund
	return Outcome{
		AppointmentID:         id,
		Snapshot:              snap,
		PaymentStatus:         a.PaymentStatus,
		RefundProcessed:       snap.Status == appointments.RefundProcessed || snap.Status == appointments.RefundPending,
		WalletCreditProcessed: snap.WalletCreditProcessed,
		Replayed:              replayed,
	}, nil
}

// attempt claims the empty sub-status and, if this call won the claim, makes
// the gateway attempt and records its result.
func (s *Service) attempt(ctx context.Context, a *appointments.Appointment, snap appointments.RefundSnapshot) error {
	claimed, err := s.store.ClaimRefundStatus(ctx, a.ID, appointments.RefundNotAttempted, appointments.RefundAttempting, s.now())
	if err != nil {
		return appointments.Translate(fmt.Errorf("refunds: claim attempt: %w", err), a.ID)
	}
	if !claimed {
		return nil
	}

	outcome := s.refund(ctx, a, snap)
	if err := s.store.UpdateRefundOutcome(ctx, a.ID, outcome); err != nil {
		return appointments.Translate(fmt.Errorf("refunds: persist outcome: %w", err), a.ID)
	}
	s.metrics.ObserveRefund(string(snap.PolicyApplied), string(outcome.Status), refundedAmount(snap, outcome))
	s.logger.Info("refund processed",
		"appointment_id", a.ID,
		"policy", snap.PolicyApplied,
		"refund_paise", snap.RefundAmountPaise,
		"wallet_credit_paise", snap.WalletCreditPaise,
		"status", outcome.Status,
	)
	s.record(ctx, audit.Event{
		Type:          audit.EventRefundProcessed,
		AppointmentID: a.ID,
		Actor:         string(snap.CancelledBy),
		Tags:          []string{string(snap.PolicyApplied), string(outcome.Status)},
		Details:       audit.Details(snap),
	})
	return nil
}

// failStale marks an attempt that never reported back as failed. Whether the
// gateway saw the request is unknown, so it is left for manual reconciliation.
func (s *Service) failStale(ctx context.Context, id uuid.UUID, snap appointments.RefundSnapshot) error {
	if snap.StatusAt == nil || s.now().Sub(*snap.StatusAt) < s.attemptTimeout {
		return nil
	}
	claimed, err := s.store.ClaimRefundStatus(ctx, id, appointments.RefundAttempting, appointments.RefundFailed, s.now())
	if err != nil {
		return appointments.Translate(fmt.Errorf("refunds: mark stale attempt: %w", err), id)
	}
	if !claimed {
		return nil
	}
	if err := s.store.UpdateRefundOutcome(ctx, id, appointments.RefundOutcome{GatewayError: errAttemptInterrupted}); err != nil {
		return appointments.Translate(fmt.Errorf("refunds: persist stale attempt: %w", err), id)
	}
	s.metrics.ObserveRefund(string(snap.PolicyApplied), string(appointments.RefundFailed), 0)
	s.logger.Error("refund attempt interrupted", "appointment_id", id, "attempt_started_at", *snap.StatusAt)
	return nil
}

// refund runs the single gateway attempt for a fresh snapshot.
func (s *Service) refund(ctx context.Context, a *appointments.Appointment, snap appointments.RefundSnapshot) appointments.RefundOutcome {
	var outcome appointments.RefundOutcome
	if !snap.Eligible || snap.RefundAmountPaise < s.policy.MinimumRefundPaise {
		outcome.Status = appointments.RefundSkipped
		return outcome
	}
	if s.gateway == nil || a.PaymentTransactionID == "" {
		s.logger.Info("refund marked without gateway transaction", "appointment_id", a.ID)
		outcome.Status = appointments.RefundProcessed
		outcome.PaymentStatus = appointments.PaymentRefunded
		return outcome
	}

	res, err := s.gateway.Refund(ctx, a.PaymentTransactionID, snap.RefundAmountPaise, map[string]string{
		"appointment_id": a.ID.String(),
		"policy_applied": string(snap.PolicyApplied),
		"reason":         snap.Reason,
	})
	if err != nil {
		s.logger.Error("gateway refund failed", "appointment_id", a.ID, "transaction_id", a.PaymentTransactionID, "error", err)
		outcome.Status = appointments.RefundFailed
		outcome.GatewayError = err.Error()
		return outcome
	}
	outcome.GatewayRefundID = res.ID
	if res.Pending {
		outcome.Status = appointments.RefundPending
		outcome.PaymentStatus = appointments.PaymentRefundRequested
	} else {
		outcome.Status = appointments.RefundProcessed
		outcome.PaymentStatus = appointments.PaymentRefunded
	}
	return outcome
}

func refundedAmount(snap appointments.RefundSnapshot, outcome appointments.RefundOutcome) int64 {
	if outcome.Status == appointments.RefundProcessed || outcome.Status == appointments.RefundPending {
		return snap.RefundAmountPaise
	}
	return 0
}

func walletReference(id uuid.UUID) string {
	return "cancellation-compensation:" + id.String()
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record audit event", "event_type", event.Type, "appointment_id", event.AppointmentID, "error", err)
	}
}
