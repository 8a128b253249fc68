// Package appointments holds the appointment record shared by the token,
// queue, wait-time, meet-link and refund components, together with its two
// state machines and the storage contract they rely on.
package appointments

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var timeOfDayPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Appointment is the central record. Queue fields are only meaningful while
// QueueStatus is in_queue; online fields are owned by the meet-link scheduler.
type Appointment struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	ClinicID  uuid.UUID `json:"clinic_id"`

	Date             string           `json:"date"`
	Time             string           `json:"time"`
	StartsAt         time.Time        `json:"starts_at"`
	ConsultationType ConsultationType `json:"consultation_type"`
	Reason           string           `json:"reason,omitempty"`

	Status      Status      `json:"status"`
	QueueStatus QueueStatus `json:"queue_status"`

	Token            string     `json:"token,omitempty"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`
	TokenGeneratedAt *time.Time `json:"token_generated_at,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`

	QueuePosition        *int `json:"queue_position,omitempty"`
	EstimatedWaitMinutes *int `json:"estimated_wait_minutes,omitempty"`

	MeetLink              string     `json:"meet_link,omitempty"`
	MeetLinkProvider      string     `json:"meet_link_provider,omitempty"`
	MeetLinkGenerated     bool       `json:"meet_link_generated"`
	MeetLinkGeneratedAt   *time.Time `json:"meet_link_generated_at,omitempty"`
	MeetLinkSentToPatient bool       `json:"meet_link_sent_to_patient"`
	MeetLinkSentToDoctor  bool       `json:"meet_link_sent_to_doctor"`

	ConsultationStartedAt       *time.Time `json:"consultation_started_at,omitempty"`
	ConsultationEndedAt         *time.Time `json:"consultation_ended_at,omitempty"`
	ConsultationDurationSeconds int        `json:"consultation_duration_seconds"`

	AmountPaise          int64         `json:"amount_paise"`
	PaymentStatus        PaymentStatus `json:"payment_status"`
	PaymentTransactionID string        `json:"payment_transaction_id,omitempty"`

	CancelledBy        Actor      `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`

	Refund *RefundSnapshot `json:"refund,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefundSnapshot is written once, when a cancellation is first evaluated.
// The gateway/wallet outcome fields below it are the only later writes.
type RefundSnapshot struct {
	PolicyApplied          RefundPolicy `json:"policy_applied"`
	Eligible               bool         `json:"eligible"`
	RefundPercentage       int          `json:"refund_percentage"`
	RefundAmountPaise      int64        `json:"refund_amount_paise"`
	OriginalAmountPaise    int64        `json:"original_amount_paise"`
	GatewayFeePaise        int64        `json:"gateway_fee_paise"`
	PlatformRetainedPaise  int64        `json:"platform_retained_paise"`
	WalletCreditPaise      int64        `json:"wallet_credit_paise"`
	CancelledBy            Actor        `json:"cancelled_by"`
	HoursBeforeAppointment float64      `json:"hours_before_appointment"`
	Reason                 string       `json:"reason"`
	CalculatedAt           time.Time    `json:"calculated_at"`

	Status                RefundStatus `json:"status"`
	StatusAt              *time.Time   `json:"status_at,omitempty"`
	GatewayRefundID       string       `json:"gateway_refund_id,omitempty"`
	GatewayError          string       `json:"gateway_error,omitempty"`
	WalletCreditProcessed bool         `json:"wallet_credit_processed"`
}

// SlotStart resolves a civil date and a clinic-local time of day to an instant.
func SlotStart(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if !timeOfDayPattern.MatchString(clock) {
		return time.Time{}, NewError(KindValidation, "time %q must be HH:MM", clock)
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, WrapError(KindValidation, err, fmt.Sprintf("date %q must be YYYY-MM-DD", date))
	}
	return t, nil
}

// Online reports whether the appointment is a video consultation.
func (a *Appointment) Online() bool {
	return a.ConsultationType == ConsultationOnline
}

// PaymentCompleted reports whether a completed payment with a positive amount exists.
func (a *Appointment) PaymentCompleted() bool {
	return a.PaymentStatus == PaymentCompleted && a.AmountPaise > 0
}

// TransitionStatus moves the primary status, rejecting invalid sources.
func (a *Appointment) TransitionStatus(next Status) error {
	if !a.Status.CanTransitionTo(next) {
		return NewError(KindInvalidState, "appointment %s cannot move from %s to %s", a.ID, a.Status, next)
	}
	a.Status = next
	return nil
}

// TransitionQueue moves the queue status, rejecting invalid sources. Leaving
// in_queue clears the queue-only fields.
func (a *Appointment) TransitionQueue(next QueueStatus) error {
	if a.QueueStatus.Terminal() {
		return NewError(KindAlreadyTerminal, "appointment %s queue status is already %s", a.ID, a.QueueStatus)
	}
	if !a.QueueStatus.CanTransitionTo(next) {
		return NewError(KindInvalidState, "appointment %s cannot move from queue status %s to %s", a.ID, a.QueueStatus, next)
	}
	a.QueueStatus = next
	if next != QueueInQueue {
		a.EstimatedWaitMinutes = nil
		if next.Terminal() {
			a.QueuePosition = nil
		}
	}
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	c := *a
	c.TokenExpiresAt = cloneTime(a.TokenExpiresAt)
	c.TokenGeneratedAt = cloneTime(a.TokenGeneratedAt)
	c.VerifiedAt = cloneTime(a.VerifiedAt)
	c.MeetLinkGeneratedAt = cloneTime(a.MeetLinkGeneratedAt)
	c.ConsultationStartedAt = cloneTime(a.ConsultationStartedAt)
	c.ConsultationEndedAt = cloneTime(a.ConsultationEndedAt)
	c.CancelledAt = cloneTime(a.CancelledAt)
	c.QueuePosition = cloneInt(a.QueuePosition)
	c.EstimatedWaitMinutes = cloneInt(a.EstimatedWaitMinutes)
	if a.Refund != nil {
		r := *a.Refund
		c.Refund = &r
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// TimePtr and IntPtr are small helpers for optional fields.
func TimePtr(t time.Time) *time.Time { return &t }

func IntPtr(i int) *int { return &i }
