// Package refunds derives the monetary outcome of a cancellation and applies
// it through the payment gateway and the patient wallet.
package refunds

import (
	"fmt"
	"time"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
)

// Policy holds the knobs of the cancellation decision table. Amounts are paise.
type Policy struct {
	FullRefundWindow      time.Duration
	PartialRefundPercent  int
	GatewayFeeBasisPoints int64
	CompensationPaise     int64
	MinimumRefundPaise    int64
}

// DefaultPolicy is 6h full-refund window, 50% late refund, 2.5% gateway fee,
// ₹50 compensation and a ₹1 minimum.
func DefaultPolicy() Policy {
	return Policy{
		FullRefundWindow:      6 * time.Hour,
		PartialRefundPercent:  50,
		GatewayFeeBasisPoints: 250,
		CompensationPaise:     5000,
		MinimumRefundPaise:    100,
	}
}

// Calculation is the pure result of evaluating the policy.
type Calculation struct {
	Policy                 appointments.RefundPolicy `json:"policy_applied"`
	Eligible               bool                      `json:"eligible"`
	Reason                 string                    `json:"reason"`
	RefundPercentage       int                       `json:"refund_percentage"`
	RefundAmountPaise      int64                     `json:"refund_amount_paise"`
	OriginalAmountPaise    int64                     `json:"original_amount_paise"`
	GatewayFeePaise        int64                     `json:"gateway_fee_paise"`
	PlatformRetainedPaise  int64                     `json:"platform_retained_paise"`
	WalletCreditPaise      int64                     `json:"wallet_credit_paise"`
	CancelledBy            appointments.Actor        `json:"cancelled_by"`
	HoursBeforeAppointment float64                   `json:"hours_before_appointment"`
}

// Calculate evaluates the decision table in order: no payment, provider-side
// cancellation, already started, inside the full-refund window, otherwise partial.
func (p Policy) Calculate(a *appointments.Appointment, cancelledBy appointments.Actor, now time.Time) Calculation {
	if cancelledBy == "" {
		cancelledBy = appointments.ActorPatient
	}
	hours := a.StartsAt.Sub(now).Hours()
	calc := Calculation{
		CancelledBy:            cancelledBy,
		HoursBeforeAppointment: hours,
		OriginalAmountPaise:    a.AmountPaise,
	}

	if !a.PaymentCompleted() {
		calc.Policy = appointments.PolicyNoPayment
		calc.Reason = "No payment was made for this appointment"
		calc.OriginalAmountPaise = 0
		return calc
	}
	paid := a.AmountPaise

	if cancelledBy.ProviderSide() {
		calc.Policy = appointments.PolicyDoctorCancelled
		calc.Eligible = true
		calc.Reason = "Doctor/clinic cancelled the appointment"
		calc.RefundPercentage = 100
		calc.RefundAmountPaise = paid
		calc.WalletCreditPaise = p.CompensationPaise
		return calc
	}

	if hours < 0 {
		calc.Policy = appointments.PolicyNoShow
		calc.Reason = "Appointment time has already passed"
		calc.PlatformRetainedPaise = paid
		return calc
	}

	if hours >= p.FullRefundWindow.Hours() {
		fee := roundShare(paid, p.GatewayFeeBasisPoints, 10000)
		calc.Policy = appointments.PolicyFullRefund
		calc.Eligible = true
		calc.Reason = fmt.Sprintf("Cancelled more than %s before appointment", formatWindow(p.FullRefundWindow))
		calc.RefundPercentage = 100
		calc.GatewayFeePaise = fee
		calc.RefundAmountPaise = max(0, paid-fee)
		return calc
	}

	refund := roundShare(paid, int64(p.PartialRefundPercent), 100)
	calc.Policy = appointments.PolicyPartialRefund
	calc.Eligible = true
	calc.Reason = fmt.Sprintf("Cancelled less than %s before appointment - partial refund", formatWindow(p.FullRefundWindow))
	calc.RefundPercentage = p.PartialRefundPercent
	calc.RefundAmountPaise = refund
	calc.PlatformRetainedPaise = paid - refund
	return calc
}

// Snapshot converts a calculation into the record persisted on the appointment.
func (c Calculation) Snapshot(at time.Time) appointments.RefundSnapshot {
	return appointments.RefundSnapshot{
		PolicyApplied:          c.Policy,
		Eligible:               c.Eligible,
		RefundPercentage:       c.RefundPercentage,
		RefundAmountPaise:      c.RefundAmountPaise,
		OriginalAmountPaise:    c.OriginalAmountPaise,
		GatewayFeePaise:        c.GatewayFeePaise,
		PlatformRetainedPaise:  c.PlatformRetainedPaise,
		WalletCreditPaise:      c.WalletCreditPaise,
		CancelledBy:            c.CancelledBy,
		HoursBeforeAppointment: c.HoursBeforeAppointment,
		Reason:                 c.Reason,
		CalculatedAt:           at,
	}
}

// Details is the policy table shown to patients before they cancel.
type Details struct {
	FullRefundWindowHours float64    `json:"full_refund_window_hours"`
	PatientEarly          RuleDetail `json:"patient_cancellation_early"`
	PatientLate           RuleDetail `json:"patient_cancellation_late"`
	DoctorCancellation    RuleDetail `json:"doctor_cancellation"`
	NoShow                RuleDetail `json:"no_show"`
}

type RuleDetail struct {
	RefundPercentage  int    `json:"refund_percentage"`
	WalletCreditPaise int64  `json:"wallet_credit_paise,omitempty"`
	Description       string `json:"description"`
}

func (p Policy) Details() Details {
	window := formatWindow(p.FullRefundWindow)
	return Details{
		FullRefundWindowHours: p.FullRefundWindow.Hours(),
		PatientEarly: RuleDetail{
			RefundPercentage: 100,
			Description: fmt.Sprintf("More than %s before: 100%% refund (payment gateway fee of %s%% may be deducted)",
				window, formatBasisPoints(p.GatewayFeeBasisPoints)),
		},
		PatientLate: RuleDetail{
			RefundPercentage: p.PartialRefundPercent,
			Description:      fmt.Sprintf("Less than %s before: %d%% refund - doctor slot was blocked", window, p.PartialRefundPercent),
		},
		DoctorCancellation: RuleDetail{
			RefundPercentage:  100,
			WalletCreditPaise: p.CompensationPaise,
			Description:       fmt.Sprintf("100%% refund + %s wallet credit as compensation", formatRupees(p.CompensationPaise)),
		},
		NoShow: RuleDetail{Description: "No refund for missed appointments"},
	}
}

// roundShare returns amount*num/den rounded half up. Amounts are never negative.
func roundShare(amount, num, den int64) int64 {
	if amount <= 0 || num <= 0 {
		return 0
	}
	return (amount*num + den/2) / den
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
	return d.String()
}

func formatBasisPoints(bp int64) string {
	if bp%100 == 0 {
		return fmt.Sprintf("%d", bp/100)
	}
	return fmt.Sprintf("%.2g", float64(bp)/100)
}

func formatRupees(paise int64) string {
	if paise%100 == 0 {
		return fmt.Sprintf("₹%d", paise/100)
	}
	return fmt.Sprintf("₹%.2f", float64(paise)/100)
}
