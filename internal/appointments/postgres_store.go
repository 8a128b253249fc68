package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Constraint names from migrations/000001_appointments.up.sql.
const (
	slotConstraint  = "appointments_active_slot_key"
	tokenConstraint = "appointments_live_token_key"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists appointments in the appointments table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `
	id, patient_id, doctor_id, clinic_id, appointment_date::text, appointment_time, starts_at,
	consultation_type, reason, status, queue_status,
	token, token_expires_at, token_generated_at, verified_at,
	queue_position, estimated_wait_minutes,
	meet_link, meet_link_provider, meet_link_generated, meet_link_generated_at,
	meet_link_sent_to_patient, meet_link_sent_to_doctor,
	consultation_started_at, consultation_ended_at, consultation_duration_seconds,
	amount_paise, payment_status, payment_transaction_id,
	cancelled_by, cancelled_at, cancellation_reason,
	refund, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1

	_, err := s.db.Exec(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_id, clinic_id, appointment_date, appointment_time, starts_at,
			consultation_type, reason, status, queue_status,
			token, token_expires_at, token_generated_at,
			amount_paise, payment_status, payment_transaction_id,
			consultation_duration_seconds,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		a.ID, a.PatientID, a.DoctorID, a.ClinicID, a.Date, a.Time, a.StartsAt,
		string(a.ConsultationType), a.Reason, string(a.Status), string(a.QueueStatus),
		a.Token, a.TokenExpiresAt, a.TokenGeneratedAt,
		a.AmountPaise, string(a.PaymentStatus), a.PaymentTransactionID,
		a.ConsultationDurationSeconds,
		a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("appointments: create: %w", mapConstraint(err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: get: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*Appointment, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM appointments
		WHERE token = $1
		ORDER BY (queue_status = 'expired') ASC, created_at DESC
		LIMIT 1`, token)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: get by token: %w", err)
	}
	return a, nil
}

// Update writes every mutable column except the refund snapshot in one
// statement guarded by the version column.
func (s *PostgresStore) Update(ctx context.Context, a *Appointment) error {
	var queuePos, waitMin *int32
	if a.QueuePosition != nil {
		v := int32(*a.QueuePosition)
		queuePos = &v
	}
	if a.EstimatedWaitMinutes != nil {
		v := int32(*a.EstimatedWaitMinutes)
		waitMin = &v
	}

	var version int
	var updatedAt time.Time
	err := s.db.QueryRow(ctx, `
		UPDATE appointments SET
			appointment_date = $3::date, appointment_time = $4, starts_at = $5,
			status = $6, queue_status = $7,
			token = $8, token_expires_at = $9, token_generated_at = $10, verified_at = $11,
			queue_position = $12, estimated_wait_minutes = $13,
			consultation_started_at = $14, consultation_ended_at = $15, consultation_duration_seconds = $16,
			payment_status = $17, payment_transaction_id = $18,
			cancelled_by = $19, cancelled_at = $20, cancellation_reason = $21,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		a.ID, a.Version, a.Date, a.Time, a.StartsAt,
		string(a.Status), string(a.QueueStatus),
		a.Token, a.TokenExpiresAt, a.TokenGeneratedAt, a.VerifiedAt,
		queuePos, waitMin,
		a.ConsultationStartedAt, a.ConsultationEndedAt, a.ConsultationDurationSeconds,
		string(a.PaymentStatus), a.PaymentTransactionID,
		string(a.CancelledBy), a.CancelledAt, a.CancellationReason,
	).Scan(&version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missingOrConflict(ctx, a.ID)
		}
		return fmt.Errorf("appointments: update: %w", mapConstraint(err))
	}
	a.Version = version
	a.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM appointments WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("appointments: update: %w", err)
	}
	return ErrVersionConflict
}

func (s *PostgresStore) SetRefundSnapshot(ctx context.Context, id uuid.UUID, snap RefundSnapshot) (bool, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("appointments: encode refund: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET refund = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND refund IS NULL`, id, payload)
	if err != nil {
		return false, fmt.Errorf("appointments: set refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) ClaimRefundStatus(ctx context.Context, id uuid.UUID, from, to RefundStatus, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET
			refund = refund || jsonb_build_object('status', $3::text, 'status_at', $4::text),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND refund IS NOT NULL AND COALESCE(refund->>'status', '') = $2`,
		id, string(from), string(to), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("appointments: claim refund status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateRefundOutcome(ctx context.Context, id uuid.UUID, outcome RefundOutcome) error {
	fields := map[string]any{}
	if outcome.Status != RefundNotAttempted {
		fields["status"] = outcome.Status
	}
	if outcome.GatewayRefundID != "" {
		fields["gateway_refund_id"] = outcome.GatewayRefundID
	}
	if outcome.GatewayError != "" {
		fields["gateway_error"] = outcome.GatewayError
	}
	if outcome.WalletCreditProcessed {
		fields["wallet_credit_processed"] = true
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("appointments: encode refund outcome: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET
			refund = refund || $2::jsonb,
			payment_status = COALESCE(NULLIF($3, ''), payment_status),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND refund IS NOT NULL`, id, patch, string(outcome.PaymentStatus))
	if err != nil {
		return fmt.Errorf("appointments: update refund outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkMeetLinkGenerated(ctx context.Context, id uuid.UUID, link MeetLink) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET
			meet_link = $2, meet_link_provider = $3, meet_link_generated = true, meet_link_generated_at = $4,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND meet_link_generated = false`, id, link.URL, link.Provider, link.GeneratedAt)
	if err != nil {
		return false, fmt.Errorf("appointments: mark meet link: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkMeetLinkNotified(ctx context.Context, id uuid.UUID, role Role) error {
	column := "meet_link_sent_to_patient"
	if role == RoleDoctor {
		column = "meet_link_sent_to_doctor"
	}
	tag, err := s.db.Exec(ctx, `UPDATE appointments SET `+column+` = true, version = version + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("appointments: mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error) {
	return s.list(ctx, "list by doctor date", `
		WHERE doctor_id = $1 AND appointment_date = $2::date
		ORDER BY starts_at ASC, created_at ASC`, doctorID, date)
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]*Appointment, error) {
	return s.list(ctx, "list expirable", `
		WHERE token_expires_at < $1 AND queue_status IN ('waiting', 'verified', 'in_queue')
		ORDER BY token_expires_at ASC`, now)
}

func (s *PostgresStore) ListPendingMeetLinks(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	return s.list(ctx, "list pending meet links", `
		WHERE consultation_type = 'online' AND meet_link_generated = false
			AND status NOT IN ('cancelled', 'completed')
			AND starts_at >= $1 AND starts_at <= $2
		ORDER BY starts_at ASC`, from, to)
}

func (s *PostgresStore) ListCompletedSince(ctx context.Context, doctorID uuid.UUID, since time.Time) ([]*Appointment, error) {
	return s.list(ctx, "list completed", `
		WHERE doctor_id = $1 AND status = 'completed'
			AND consultation_started_at IS NOT NULL AND consultation_ended_at IS NOT NULL
			AND consultation_ended_at >= $2
		ORDER BY consultation_ended_at DESC`, doctorID, since)
}

func (s *PostgresStore) list(ctx context.Context, op, where string, args ...any) ([]*Appointment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM appointments `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: %s: %w", op, err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: %s: scan: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: %s: %w", op, err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a                                     Appointment
		consultationType, status, queueStatus string
		paymentStatus, cancelledBy            string
		queuePos, waitMin, durationSec        *int32
		refund                                []byte
	)
	err := row.Scan(
		&a.ID, &a.PatientID, &a.DoctorID, &a.ClinicID, &a.Date, &a.Time, &a.StartsAt,
		&consultationType, &a.Reason, &status, &queueStatus,
		&a.Token, &a.TokenExpiresAt, &a.TokenGeneratedAt, &a.VerifiedAt,
		&queuePos, &waitMin,
		&a.MeetLink, &a.MeetLinkProvider, &a.MeetLinkGenerated, &a.MeetLinkGeneratedAt,
		&a.MeetLinkSentToPatient, &a.MeetLinkSentToDoctor,
		&a.ConsultationStartedAt, &a.ConsultationEndedAt, &durationSec,
		&a.AmountPaise, &paymentStatus, &a.PaymentTransactionID,
		&cancelledBy, &a.CancelledAt, &a.CancellationReason,
		&refund, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ConsultationType = ConsultationType(consultationType)
	a.Status = Status(status)
	a.QueueStatus = QueueStatus(queueStatus)
	a.PaymentStatus = PaymentStatus(paymentStatus)
	a.CancelledBy = Actor(cancelledBy)
	if queuePos != nil {
		a.QueuePosition = IntPtr(int(*queuePos))
	}
	if waitMin != nil {
		a.EstimatedWaitMinutes = IntPtr(int(*waitMin))
	}
	if durationSec != nil {
		a.ConsultationDurationSeconds = int(*durationSec)
	}
	if len(refund) > 0 {
		var snap RefundSnapshot
		if err := json.Unmarshal(refund, &snap); err != nil {
			return nil, fmt.Errorf("decode refund: %w", err)
		}
		a.Refund = &snap
	}
	return &a, nil
}

// mapConstraint turns unique violations on the partial indexes into sentinels.
func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case slotConstraint:
		return ErrSlotTaken
	case tokenConstraint:
		return ErrTokenTaken
	}
	return err
}
