package appointments

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development.
// Slot and token uniqueness are checked under the same lock as the write.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Appointment
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Appointment),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := s.records[a.ID]; exists {
		return ErrSlotTaken
	}
	if a.Status.Active() && s.slotHeldLocked(a) {
		return ErrSlotTaken
	}
	if s.tokenHeldLocked(a) {
		return ErrTokenTaken
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	s.records[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetByToken(ctx context.Context, token string) (*Appointment, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Appointment
	for _, a := range s.records {
		if a.Token != token {
			continue
		}
		// Prefer the live holder; expired tokens may be reissued elsewhere.
		if found == nil || found.QueueStatus == QueueExpired {
			found = a
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[a.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != a.Version {
		return ErrVersionConflict
	}
	if a.Status.Active() && (!current.Status.Active() || current.Date != a.Date || current.Time != a.Time || current.DoctorID != a.DoctorID) && s.slotHeldLocked(a) {
		return ErrSlotTaken
	}
	if a.Token != current.Token && s.tokenHeldLocked(a) {
		return ErrTokenTaken
	}
	a.Version++
	a.UpdatedAt = s.now()
	next := a.Clone()
	// The snapshot is owned by SetRefundSnapshot/UpdateRefundOutcome.
	next.Refund = current.Refund
	a.Refund = cloneSnapshot(current.Refund)
	s.records[a.ID] = next
	return nil
}

func (s *MemoryStore) SetRefundSnapshot(ctx context.Context, id uuid.UUID, snap RefundSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.Refund != nil {
		return false, nil
	}
	a.Refund = &snap
	a.Version++
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) UpdateRefundOutcome(ctx context.Context, id uuid.UUID, outcome RefundOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if a.Refund == nil {
		return ErrNotFound
	}
	applyOutcome(a, outcome)
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ClaimRefundStatus(ctx context.Context, id uuid.UUID, from, to RefundStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok || a.Refund == nil {
		return false, ErrNotFound
	}
	if a.Refund.Status != from {
		return false, nil
	}
	a.Refund.Status = to
	a.Refund.StatusAt = TimePtr(at.UTC())
	a.Version++
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) MarkMeetLinkGenerated(ctx context.Context, id uuid.UUID, link MeetLink) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.MeetLinkGenerated {
		return false, nil
	}
	a.MeetLink = link.URL
	a.MeetLinkProvider = link.Provider
	a.MeetLinkGenerated = true
	a.MeetLinkGeneratedAt = TimePtr(link.GeneratedAt)
	a.Version++
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) MarkMeetLinkNotified(ctx context.Context, id uuid.UUID, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	switch role {
	case RolePatient:
		a.MeetLinkSentToPatient = true
	case RoleDoctor:
		a.MeetLinkSentToDoctor = true
	}
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error) {
	return s.filter(func(a *Appointment) bool {
		return a.DoctorID == doctorID && a.Date == date
	}), nil
}

func (s *MemoryStore) ListExpirable(ctx context.Context, now time.Time) ([]*Appointment, error) {
	return s.filter(func(a *Appointment) bool {
		return a.TokenExpiresAt != nil && a.TokenExpiresAt.Before(now) && !a.QueueStatus.Terminal()
	}), nil
}

func (s *MemoryStore) ListPendingMeetLinks(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	return s.filter(func(a *Appointment) bool {
		return a.Online() && !a.MeetLinkGenerated && !a.Status.Final() &&
			!a.StartsAt.Before(from) && !a.StartsAt.After(to)
	}), nil
}

func (s *MemoryStore) ListCompletedSince(ctx context.Context, doctorID uuid.UUID, since time.Time) ([]*Appointment, error) {
	return s.filter(func(a *Appointment) bool {
		return a.DoctorID == doctorID && a.Status == StatusCompleted &&
			a.ConsultationStartedAt != nil && a.ConsultationEndedAt != nil &&
			!a.ConsultationEndedAt.Before(since)
	}), nil
}

func (s *MemoryStore) filter(keep func(a *Appointment) bool) []*Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Appointment
	for _, a := range s.records {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) slotHeldLocked(a *Appointment) bool {
	for id, other := range s.records {
		if id == a.ID {
			continue
		}
		if other.DoctorID == a.DoctorID && other.Date == a.Date && other.Time == a.Time && other.Status.Active() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) tokenHeldLocked(a *Appointment) bool {
	if a.Token == "" || a.QueueStatus == QueueExpired {
		return false
	}
	for id, other := range s.records {
		if id == a.ID {
			continue
		}
		if other.Token == a.Token && other.QueueStatus != QueueExpired {
			return true
		}
	}
	return false
}

func applyOutcome(a *Appointment, outcome RefundOutcome) {
	if outcome.Status != RefundNotAttempted {
		a.Refund.Status = outcome.Status
	}
	if outcome.GatewayRefundID != "" {
		a.Refund.GatewayRefundID = outcome.GatewayRefundID
	}
	if outcome.GatewayError != "" {
		a.Refund.GatewayError = outcome.GatewayError
	}
	if outcome.WalletCreditProcessed {
		a.Refund.WalletCreditProcessed = true
	}
	if outcome.PaymentStatus != "" {
		a.PaymentStatus = outcome.PaymentStatus
	}
}

func cloneSnapshot(s *RefundSnapshot) *RefundSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
