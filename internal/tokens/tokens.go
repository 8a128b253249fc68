// Package tokens issues and verifies the queue tokens patients present at
// the clinic front desk.
package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/audit"
	"github.com/wolfman30/clinic-queue-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

var tracer = otel.Tracer("clinic-queue-platform/internal/tokens")

const (
	// Alphabet omits I, O, 0 and 1 so tokens survive being read aloud.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	suffixLength   = 4
	defaultPrefix  = "GEN"
	maxIssueTries  = 5
	defaultGrace   = 2 * time.Hour
	tokenNamespace = "HS"
)

// Summary is returned to the front desk after verification.
type Summary struct {
	AppointmentID   uuid.UUID                `json:"appointment_id"`
	Token           string                   `json:"token"`
	DoctorID        uuid.UUID                `json:"doctor_id"`
	PatientID       uuid.UUID                `json:"patient_id"`
	Date            string                   `json:"date"`
	Time            string                   `json:"time"`
	QueueStatus     appointments.QueueStatus `json:"queue_status"`
	VerifiedAt      *time.Time               `json:"verified_at,omitempty"`
	ExpiresAt       *time.Time               `json:"expires_at,omitempty"`
	AlreadyVerified bool                     `json:"already_verified"`
}

// Issued is the result of Issue.
type Issued struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and verifies tokens.
type Service struct {
	store   appointments.Store
	audit   audit.Recorder
	metrics *metrics.LifecycleMetrics
	logger  *logging.Logger
	grace   time.Duration
	now     func() time.Time
	random  func(n int) (string, error)
}

func NewService(store appointments.Store, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:  store,
		audit:  audit.Nop{},
		logger: logger.Component("tokens"),
		grace:  defaultGrace,
		now:    func() time.Time { return time.Now().UTC() },
		random: randomSuffix,
	}
}

// WithGracePeriod sets how long after the slot start a token stays valid.
func (s *Service) WithGracePeriod(d time.Duration) *Service {
	if d > 0 {
		s.grace = d
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

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Issue stamps a fresh token on an appointment. codeHint is usually the
// doctor's specialty; its first three letters become the token prefix.
func (s *Service) Issue(ctx context.Context, appointmentID uuid.UUID, codeHint string) (Issued, error) {
	ctx, span := tracer.Start(ctx, "tokens.issue")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID.String()))

	prefix := Prefix(codeHint)
	var lastErr error
	for attempt := 0; attempt < maxIssueTries; attempt++ {
		issued, err := s.issueOnce(ctx, appointmentID, prefix)
		if err == nil {
			s.record(ctx, audit.Event{
				Type:          audit.EventTokenIssued,
				AppointmentID: appointmentID,
				Details:       audit.Details(issued),
			})
			return issued, nil
		}
		if !errors.Is(err, appointments.ErrTokenTaken) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "issue failed")
			return Issued{}, err
		}
		lastErr = err
		s.logger.Warn("token collision, retrying", "appointment_id", appointmentID, "attempt", attempt+1)
	}
	span.SetStatus(codes.Error, "token collisions exhausted")
	return Issued{}, appointments.WrapError(appointments.KindConflict, lastErr,
		fmt.Sprintf("could not allocate a unique token after %d attempts", maxIssueTries))
}

func (s *Service) issueOnce(ctx context.Context, id uuid.UUID, prefix string) (Issued, error) {
	var issued Issued
	_, err := appointments.Mutate(ctx, s.store, id, func(a *appointments.Appointment) error {
		if !a.Status.Active() {
			return appointments.NewError(appointments.KindInvalidState, "appointment %s is %s", a.ID, a.Status)
		}
		if a.QueueStatus != appointments.QueueWaiting {
			return appointments.NewError(appointments.KindInvalidState, "appointment %s queue status is %s", a.ID, a.QueueStatus)
		}
		token, err := s.generate(prefix, a.StartsAt)
		if err != nil {
			return fmt.Errorf("tokens: generate: %w", err)
		}
		now := s.now()
		expires := a.StartsAt.Add(s.grace)
		a.Token = token
		a.TokenGeneratedAt = &now
		a.TokenExpiresAt = &expires
		issued = Issued{Token: token, ExpiresAt: expires}
		return nil
	})
	return issued, err
}

// Stamp fills token fields on a record that is about to be created.
func (s *Service) Stamp(a *appointments.Appointment, codeHint string) error {
	token, err := s.generate(Prefix(codeHint), a.StartsAt)
	if err != nil {
		return fmt.Errorf("tokens: generate: %w", err)
	}
	now := s.now()
	expires := a.StartsAt.Add(s.grace)
	a.Token = token
	a.TokenGeneratedAt = &now
	a.TokenExpiresAt = &expires
	return nil
}

func (s *Service) generate(prefix string, start time.Time) (string, error) {
	suffix, err := s.random(suffixLength)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s-%s", tokenNamespace, prefix, start.Format("0201"), suffix), nil
}

// Verify checks a presented token and moves the appointment to verified.
func (s *Service) Verify(ctx context.Context, token string) (Summary, error) {
	ctx, span := tracer.Start(ctx, "tokens.verify")
	defer span.End()

	summary, outcome, err := s.verify(ctx, Normalize(token))
	s.metrics.ObserveVerification(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(appointments.KindOf(err)))
		return Summary{}, err
	}
	span.SetAttributes(
		attribute.String("appointment.id", summary.AppointmentID.String()),
		attribute.Bool("token.already_verified", summary.AlreadyVerified),
	)
	return summary, nil
}

func (s *Service) verify(ctx context.Context, token string) (Summary, string, error) {
	a, err := s.store.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, appointments.ErrNotFound) {
			return Summary{}, "not_found", appointments.WrapError(appointments.KindNotFound, err, "invalid token")
		}
		return Summary{}, "error", fmt.Errorf("tokens: lookup: %w", err)
	}

	switch a.QueueStatus {
	case appointments.QueueExpired:
		return Summary{}, "expired", appointments.NewError(appointments.KindExpired, "token %s has expired", token)
	case appointments.QueueCompleted, appointments.QueueNoShow:
		return Summary{}, "terminal", appointments.NewError(appointments.KindAlreadyTerminal, "token %s is already %s", token, a.QueueStatus)
	}
	if !a.Status.Active() {
		return Summary{}, "invalid_state", appointments.NewError(appointments.KindInvalidState, "appointment %s is %s", a.ID, a.Status)
	}

	now := s.now()
	if a.TokenExpiresAt != nil && now.After(*a.TokenExpiresAt) {
		s.expire(ctx, a.ID, now)
		return Summary{}, "expired", appointments.NewError(appointments.KindExpired, "token %s expired at %s", token, a.TokenExpiresAt.Format(time.RFC3339))
	}

	already := false
	updated, err := appointments.Mutate(ctx, s.store, a.ID, func(cur *appointments.Appointment) error {
		if cur.Token != token {
			return appointments.NewError(appointments.KindNotFound, "invalid token")
		}
		if cur.QueueStatus.Queued() {
			already = true
			return appointments.ErrNoChange
		}
		if err := cur.TransitionQueue(appointments.QueueVerified); err != nil {
			return err
		}
		cur.VerifiedAt = &now
		return nil
	})
	if err != nil {
		return Summary{}, string(appointments.KindOf(err)), err
	}

	if !already {
		s.logger.Info("token verified", "appointment_id", updated.ID, "doctor_id", updated.DoctorID)
		s.record(ctx, audit.Event{Type: audit.EventTokenVerified, AppointmentID: updated.ID})
	}
	outcome := "verified"
	if already {
		outcome = "already_verified"
	}
	return summarize(updated, already), outcome, nil
}

// expire records the expiry side effect; failures are logged only.
func (s *Service) expire(ctx context.Context, id uuid.UUID, now time.Time) {
	_, err := appointments.Mutate(ctx, s.store, id, func(cur *appointments.Appointment) error {
		if cur.QueueStatus.Terminal() {
			return appointments.ErrNoChange
		}
		return cur.TransitionQueue(appointments.QueueExpired)
	})
	if err != nil {
		s.logger.Warn("failed to expire token", "appointment_id", id, "error", err)
		return
	}
	s.record(ctx, audit.Event{Type: audit.EventTokenExpired, AppointmentID: id, Actor: "system"})
}

func summarize(a *appointments.Appointment, already bool) Summary {
	return Summary{
		AppointmentID:   a.ID,
		Token:           a.Token,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		Date:            a.Date,
		Time:            a.Time,
		QueueStatus:     a.QueueStatus,
		VerifiedAt:      a.VerifiedAt,
		ExpiresAt:       a.TokenExpiresAt,
		AlreadyVerified: already,
	}
}

// Prefix derives the three-letter token prefix from a code hint.
func Prefix(hint string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(hint) {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() == 3 {
			return b.String()
		}
	}
	return defaultPrefix
}

// Normalize upper-cases and trims a presented token.
func Normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func randomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = Alphabet[idx.Int64()]
	}
	return string(out), nil
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record audit event", "event_type", event.Type, "appointment_id", event.AppointmentID, "error", err)
	}
}
