package refunds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
)

type fakeGateway struct {
	mu      sync.Mutex
	calls   int
	pending bool
	err     error
}

func (g *fakeGateway) Refund(_ context.Context, transactionID string, amountPaise int64, _ map[string]string) (GatewayRefund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return GatewayRefund{}, g.err
	}
	status := "processed"
	if g.pending {
		status = "pending"
	}
	return GatewayRefund{ID: "rfnd_" + transactionID, Status: status, Pending: g.pending}, nil
}

type flakyWallet struct {
	*MemoryWallet
	failures int
	calls    int
}

func (w *flakyWallet) Credit(ctx context.Context, userID uuid.UUID, amountPaise int64, reason, referenceID string) error {
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("ledger unavailable")
	}
	return w.MemoryWallet.Credit(ctx, userID, amountPaise, reason, referenceID)
}

type serviceFixture struct {
	store   *appointments.MemoryStore
	gateway *fakeGateway
	wallet  *flakyWallet
	svc     *Service
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		store:   appointments.NewMemoryStore(),
		gateway: &fakeGateway{},
		wallet:  &flakyWallet{MemoryWallet: NewMemoryWallet()},
	}
	f.svc = NewService(f.store, DefaultPolicy(), f.gateway, f.wallet, nil).
		WithClock(func() time.Time { return policyNow })
	return f
}

func (f *serviceFixture) create(t *testing.T, hoursAhead float64) *appointments.Appointment {
	t.Helper()
	a := paidAppointment(hoursAhead, 60000)
	a.ID = uuid.Nil
	a.DoctorID = uuid.New()
	a.Date = a.StartsAt.Format(appointments.DateLayout)
	a.Time = a.StartsAt.Format(appointments.TimeLayout)
	a.QueueStatus = appointments.QueueWaiting
	a.PaymentTransactionID = "pay_" + uuid.NewString()
	require.NoError(t, f.store.Create(context.Background(), a))
	return a
}

func TestProcessDoctorCancellation(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	a := f.create(t, 1)

	out, err := f.svc.Process(ctx, a.ID, appointments.ActorDoctor, "")
	require.NoError(t, err)
	assert.Equal(t, appointments.PolicyDoctorCancelled, out.Snapshot.PolicyApplied)
	assert.Equal(t, int64(60000), out.Snapshot.RefundAmountPaise)
	assert.Equal(t, appointments.RefundProcessed, out.Snapshot.Status)
	assert.Equal(t, appointments.PaymentRefunded, out.PaymentStatus)
	assert.True(t, out.WalletCreditProcessed)
	assert.False(t, out.Replayed)

	balance, err := f.wallet.Balance(ctx, a.PatientID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "rfnd_"+a.PaymentTransactionID, stored.Refund.GatewayRefundID)
	assert.True(t, stored.Refund.WalletCreditProcessed)
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	a := f.create(t, 10)

	first, err := f.svc.Process(ctx, a.ID, appointments.ActorPatient, "")
	require.NoError(t, err)
	assert.Equal(t, int64(58500), first.Snapshot.RefundAmountPaise)

	// A later evaluation under a different actor still replays the first snapshot.
	second, err := f.svc.Process(ctx, a.ID, appointments.ActorDoctor, "")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, appointments.PolicyFullRefund, second.Snapshot.PolicyApplied)
	assert.Equal(t, 1, f.gateway.calls)
	assert.Zero(t, f.wallet.calls)
}

func TestProcessPartialRefundPending(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	f.gateway.pending = true
	a := f.create(t, 2)

	out, err := f.svc.Process(ctx, a.ID, appointments.ActorPatient, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, appointments.PolicyPartialRefund, out.Snapshot.PolicyApplied)
	assert.Equal(t, int64(30000), out.Snapshot.RefundAmountPaise)
	assert.Equal(t, appointments.RefundPending, out.Snapshot.Status)
	assert.Equal(t, appointments.PaymentRefundRequested, out.PaymentStatus)
	assert.Equal(t, "changed plans", out.Snapshot.Reason)
}

func TestProcessGatewayFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	f.gateway.err = errors.New("gateway timeout")
	a := f.create(t, 10)

	out, err := f.svc.Process(ctx, a.ID, appointments.ActorPatient, "")
	require.NoError(t, err)
	assert.Equal(t, appointments.RefundFailed, out.Snapshot.Status)
	assert.Contains(t, out.Snapshot.GatewayError, "gateway timeout")
	assert.False(t, out.RefundProcessed)

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Refund)
	assert.Equal(t, appointments.PaymentCompleted, stored.PaymentStatus)

	// Failed gateway refunds are left for manual follow-up, not retried.
	_, err = f.svc.Process(ctx, a.ID, appointments.ActorPatient, "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.gateway.calls)
}

func TestProcessRetriesWalletCreditOnly(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	f.wallet.failures = 1
	a := f.create(t, 10)

	first, err := f.svc.Process(ctx, a.ID, appointments.ActorClinic, "")
	require.NoError(t, err)
	assert.False(t, first.WalletCreditProcessed)
	assert.Equal(t, appointments.RefundProcessed, first.Snapshot.Status)

	second, err := f.svc.Process(ctx, a.ID, appointments.ActorClinic, "")
	require.NoError(t, err)
	assert.True(t, second.WalletCreditProcessed)
	assert.Equal(t, 1, f.gateway.calls)
	assert.Equal(t, 2, f.wallet.calls)

	_, err = f.svc.Process(ctx, a.ID, appointments.ActorClinic, "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.wallet.calls)

	balance, err := f.wallet.Balance(ctx, a.PatientID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)
}

func TestProcessNoShowSkipsGateway(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	a := f.create(t, -1)

	out, err := f.svc.Process(ctx, a.ID, appointments.ActorPatient, "")
	require.NoError(t, err)
	assert.Equal(t, appointments.PolicyNoShow, out.Snapshot.PolicyApplied)
	assert.Equal(t, appointments.RefundSkipped, out.Snapshot.Status)
	assert.Zero(t, f.gateway.calls)
}

func TestProcessConcurrentCallsWriteOneSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	a := f.create(t, 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Process(ctx, a.ID, appointments.ActorPatient, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(58500), stored.Refund.RefundAmountPaise)
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	a := f.create(t, 2)

	calc, err := f.svc.Preview(ctx, a.ID, appointments.ActorPatient)
	require.NoError(t, err)
	assert.Equal(t, appointments.PolicyPartialRefund, calc.Policy)

	stored, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Refund)
	assert.Zero(t, f.gateway.calls)

	_, err = f.svc.Preview(ctx, uuid.New(), appointments.ActorPatient)
	assert.Equal(t, appointments.KindNotFound, appointments.KindOf(err))

	_, err = f.svc.Preview(ctx, a.ID, appointments.Actor("robot"))
	assert.Equal(t, appointments.KindValidation, appointments.KindOf(err))
}

func TestProcessWithoutGatewayMarksRefunded(t *testing.T) {
	ctx := context.Background()
	store := appointments.NewMemoryStore()
	svc := NewService(store, DefaultPolicy(), nil, nil, nil).WithClock(func() time.Time { return policyNow })

	a := paidAppointment(10, 60000)
	a.ID = uuid.Nil
	a.Date = a.StartsAt.Format(appointments.DateLayout)
	a.Time = a.StartsAt.Format(appointments.TimeLayout)
	a.QueueStatus = appointments.QueueWaiting
	require.NoError(t, store.Create(ctx, a))

	out, err := svc.Process(ctx, a.ID, appointments.ActorPatient, "")
	require.NoError(t, err)
	assert.Equal(t, appointments.RefundProcessed, out.Snapshot.Status)
	assert.Equal(t, appointments.PaymentRefunded, out.PaymentStatus)
}

func TestProcessResumesSnapshotWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	a := f.create(t, 1)

	// The first caller stored the snapshot and stopped before the gateway.
	snap := DefaultPolicy().Calculate(a, appointments.ActorDoctor, policyNow).Snapshot(policyNow)
	wrote, err := f.store.SetRefundSnapshot(ctx, a.ID, snap)
	require.NoError(t, err)
	require.True(t, wrote)

	for i := 0; i < 3; i++ {
		out, err := f.svc.Process(ctx, a.ID, appointments.ActorDoctor, "")
		require.NoError(t, err)
		assert.True(t, out.Replayed)
		assert.Equal(t, appointments.RefundProcessed, out.Snapshot.Status)
		assert.Equal(t, appointments.PaymentRefunded, out.PaymentStatus)
		assert.True(t, out.WalletCreditProcessed)
	}
	assert.Equal(t, 1, f.gateway.calls)

	balance, err := f.wallet.Balance(ctx, a.PatientID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)
}

func TestProcessMarksAbandonedAttemptFailed(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	now := policyNow
	f.svc.WithClock(func() time.Time { return now })
	a := f.create(t, 1)

	snap := DefaultPolicy().Calculate(a, appointments.ActorDoctor, policyNow).Snapshot(policyNow)
	_, err := f.store.SetRefundSnapshot(ctx, a.ID, snap)
	require.NoError(t, err)
	claimed, err := f.store.ClaimRefundStatus(ctx, a.ID, appointments.RefundNotAttempted, appointments.RefundAttempting, policyNow)
	require.NoError(t, err)
	require.True(t, claimed)

	// Inside the timeout the attempt may still report back.
	now = policyNow.Add(time.Minute)
	out, err := f.svc.Process(ctx, a.ID, appointments.ActorDoctor, "")
	require.NoError(t, err)
	assert.Equal(t, appointments.RefundAttempting, out.Snapshot.Status)
	assert.True(t, out.WalletCreditProcessed, "compensation does not wait for the gateway")

	now = policyNow.Add(DefaultAttemptTimeout + time.Minute)
	out, err = f.svc.Process(ctx, a.ID, appointments.ActorDoctor, "")
	require.NoError(t, err)
	assert.Equal(t, appointments.RefundFailed, out.Snapshot.Status)
	assert.Contains(t, out.Snapshot.GatewayError, "interrupted")
	assert.False(t, out.RefundProcessed)
	assert.Equal(t, appointments.PaymentCompleted, out.PaymentStatus)
	assert.Zero(t, f.gateway.calls)

	balance, err := f.wallet.Balance(ctx, a.PatientID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)
}
