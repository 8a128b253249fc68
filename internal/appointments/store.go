package appointments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store persists appointment records. Every write is a single atomic
// statement so concurrent readers never observe a half-applied transition.
type Store interface {
	// Create inserts a record, failing with ErrSlotTaken when another active
	// appointment already holds the same (doctor, date, time).
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetByToken looks a token up case-insensitively.
	GetByToken(ctx context.Context, token string) (*Appointment, error)
	// Update writes the full record when a.Version still matches the stored
	// version, then bumps a.Version. ErrVersionConflict otherwise; ErrTokenTaken
	// when the token collides with another non-expired token.
	Update(ctx context.Context, a *Appointment) error

	// SetRefundSnapshot stores the snapshot only if none exists yet and
	// reports whether this call wrote it.
	SetRefundSnapshot(ctx context.Context, id uuid.UUID, snap RefundSnapshot) (bool, error)
	// ClaimRefundStatus moves the snapshot sub-status from `from` to `to`,
	// stamping StatusAt, only while it still equals `from`. It reports whether
	// this call made the move.
	ClaimRefundStatus(ctx context.Context, id uuid.UUID, from, to RefundStatus, at time.Time) (bool, error)
	// UpdateRefundOutcome records gateway/wallet results next to an existing
	// snapshot. Empty fields and a false wallet flag leave stored values alone.
	UpdateRefundOutcome(ctx context.Context, id uuid.UUID, outcome RefundOutcome) error

	// MarkMeetLinkGenerated sets the durable link flag only if it is unset and
	// reports whether this call set it.
	MarkMeetLinkGenerated(ctx context.Context, id uuid.UUID, link MeetLink) (bool, error)
	MarkMeetLinkNotified(ctx context.Context, id uuid.UUID, role Role) error

	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error)
	// ListExpirable returns records whose token expired before now while their
	// queue status is still non-terminal.
	ListExpirable(ctx context.Context, now time.Time) ([]*Appointment, error)
	// ListPendingMeetLinks returns online, non-cancelled, non-completed records
	// without a generated link whose start lies in [from, to].
	ListPendingMeetLinks(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	// ListCompletedSince returns completed records of a doctor that carry both
	// consultation timestamps and ended at or after since.
	ListCompletedSince(ctx context.Context, doctorID uuid.UUID, since time.Time) ([]*Appointment, error)
}

// Role names the party a meet link is delivered to.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// MeetLink is the persisted result of link generation.
type MeetLink struct {
	URL         string
	Provider    string
	GeneratedAt time.Time
}

// RefundOutcome captures side-effect results recorded after the snapshot.
type RefundOutcome struct {
	Status                RefundStatus
	GatewayRefundID       string
	GatewayError          string
	PaymentStatus         PaymentStatus
	WalletCreditProcessed bool
}

const maxMutateAttempts = 3

// Mutate loads a record, applies fn and writes it back, retrying on version
// conflicts. fn may return an *Error to abort without writing. When fn
// returns ErrNoChange the loaded record is returned untouched.
func Mutate(ctx context.Context, store Store, id uuid.UUID, fn func(a *Appointment) error) (*Appointment, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		a, err := store.Get(ctx, id)
		if err != nil {
			return nil, translate(err, id)
		}
		if err := fn(a); err != nil {
			if errors.Is(err, ErrNoChange) {
				return a, nil
			}
			return a, err
		}
		err = store.Update(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, translate(err, id)
		}
		lastErr = err
	}
	return nil, translate(lastErr, id)
}

// ErrNoChange lets a Mutate callback short-circuit as a read-only success.
var ErrNoChange = errors.New("appointments: no change")

// Load fetches a record and translates storage errors.
func Load(ctx context.Context, store Store, id uuid.UUID) (*Appointment, error) {
	a, err := store.Get(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return a, nil
}

// Translate exposes the storage-to-taxonomy mapping to other packages.
func Translate(err error, id uuid.UUID) error {
	return translate(err, id)
}
