package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/booking"
	"github.com/wolfman30/clinic-queue-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-queue-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/internal/queue"
	"github.com/wolfman30/clinic-queue-platform/internal/refunds"
	"github.com/wolfman30/clinic-queue-platform/internal/tokens"
	"github.com/wolfman30/clinic-queue-platform/internal/waittime"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, meetlinks.Recipient, meetlinks.LinkContext, appointments.Role) error {
	return nil
}

type testServer struct {
	handler http.Handler
	store   *appointments.MemoryStore
	now     time.Time
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	ts := &testServer{
		store: appointments.NewMemoryStore(),
		now:   time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return ts.now }
	logger := logging.New("error")

	engine := waittime.NewEngine(ts.store, waittime.NewMemoryCache(), logger).WithClock(clock)
	tok := tokens.NewService(ts.store, logger).WithClock(clock)
	tracker := queue.NewTracker(ts.store, queue.NewMemoryCounter(), engine, logger).WithClock(clock)
	sched := meetlinks.NewScheduler(ts.store, meetlinks.NewJitsiProvider(""), nil, nopNotifier{}, logger).WithClock(clock)
	t.Cleanup(sched.Close)
	ref := refunds.NewService(ts.store, refunds.DefaultPolicy(), nil, refunds.NewMemoryWallet(), logger).WithClock(clock)
	book := booking.NewService(ts.store, tok, sched, ref, logger).WithStats(engine).WithClock(clock)

	lc := handlers.NewLifecycleHandler(handlers.LifecycleDeps{
		Store:     ts.store,
		Booking:   book,
		Tokens:    tok,
		Queue:     tracker,
		WaitTime:  engine,
		Refunds:   ref,
		Scheduler: sched,
	}, logger)
	ts.handler = New(&Config{Logger: logger, Lifecycle: lc, StaffAuthSecret: secret})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestRouterHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	rr := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestRouterQueueFlow(t *testing.T) {
	ts := newTestServer(t, "")
	doctor := uuid.New()

	rr := ts.do(t, http.MethodPost, "/appointments", booking.Request{
		PatientID:   uuid.New(),
		DoctorID:    doctor,
		Date:        "2025-03-12",
		Time:        "10:00",
		AmountPaise: 0,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	booked := decode[booking.Booked](t, rr)
	id := booked.Appointment.ID
	token := booked.Appointment.Token
	require.NotEmpty(t, token)

	ts.now = time.Date(2025, 3, 12, 9, 40, 0, 0, time.UTC)
	rr = ts.do(t, http.MethodPost, "/staff/tokens/verify", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, appointments.QueueVerified, decode[tokens.Summary](t, rr).QueueStatus)

	rr = ts.do(t, http.MethodPost, "/staff/appointments/"+id.String()+"/queue", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/appointments/"+id.String()+"/live", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	live := decode[queue.LiveStatus](t, rr)
	assert.Equal(t, 1, live.Rank)
	assert.Equal(t, 0, live.PatientsAhead)

	rr = ts.do(t, http.MethodGet, "/staff/doctors/"+doctor.String()+"/queue?date=2025-03-12", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodPost, "/staff/appointments/"+id.String()+"/consultation/start", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ts.now = ts.now.Add(12 * time.Minute)
	rr = ts.do(t, http.MethodPost, "/staff/appointments/"+id.String()+"/consultation/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	done := decode[appointments.Appointment](t, rr)
	assert.Equal(t, appointments.StatusCompleted, done.Status)
	assert.Equal(t, 720, done.ConsultationDurationSeconds)

	// A second verification of a completed entry is terminal.
	rr = ts.do(t, http.MethodPost, "/staff/tokens/verify", map[string]string{"token": token})
	assert.Equal(t, http.StatusConflict, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, string(appointments.KindAlreadyTerminal), body["kind"])
}

func TestRouterCancelAndRefund(t *testing.T) {
	ts := newTestServer(t, "")
	rr := ts.do(t, http.MethodPost, "/appointments", booking.Request{
		PatientID:            uuid.New(),
		DoctorID:             uuid.New(),
		Date:                 "2025-03-12",
		Time:                 "10:00",
		AmountPaise:          60000,
		PaymentStatus:        appointments.PaymentCompleted,
		PaymentTransactionID: "pay_1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[booking.Booked](t, rr).Appointment.ID

	rr = ts.do(t, http.MethodGet, "/appointments/"+id.String()+"/refund/preview", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(appointments.PolicyPartialRefund), decode[map[string]any](t, rr)["policy_applied"])

	rr = ts.do(t, http.MethodPost, "/appointments/"+id.String()+"/cancel", map[string]string{"cancelled_by": "doctor", "reason": "busy"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[booking.Cancelled](t, rr)
	require.NotNil(t, res.Refund)
	// The public route ignores the claimed actor.
	assert.Equal(t, appointments.ActorPatient, res.Refund.Snapshot.CancelledBy)
	assert.Equal(t, int64(30000), res.Refund.Snapshot.RefundAmountPaise)

	rr = ts.do(t, http.MethodGet, "/refunds/policy", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouterConfirmPendingBooking(t *testing.T) {
	ts := newTestServer(t, "")
	rr := ts.do(t, http.MethodPost, "/appointments", booking.Request{
		PatientID:     uuid.New(),
		DoctorID:      uuid.New(),
		Date:          "2025-03-12",
		Time:          "12:00",
		AmountPaise:   60000,
		PaymentStatus: appointments.PaymentPending,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	pending := decode[booking.Booked](t, rr).Appointment
	assert.Equal(t, appointments.StatusPending, pending.Status)

	path := "/staff/appointments/" + pending.ID.String() + "/confirm"
	for i := 0; i < 2; i++ {
		rr = ts.do(t, http.MethodPost, path, map[string]string{"payment_transaction_id": "pay_settled"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		a := decode[appointments.Appointment](t, rr)
		assert.Equal(t, appointments.StatusConfirmed, a.Status)
		assert.Equal(t, appointments.PaymentCompleted, a.PaymentStatus)
	}

	rr = ts.do(t, http.MethodPost, path, map[string]string{"payment_transaction_id": "pay_other"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRouterBookingConflict(t *testing.T) {
	ts := newTestServer(t, "")
	req := booking.Request{PatientID: uuid.New(), DoctorID: uuid.New(), Date: "2025-03-12", Time: "11:00"}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/appointments", req).Code)

	rr := ts.do(t, http.MethodPost, "/appointments", req)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(appointments.KindConflict), decode[map[string]any](t, rr)["kind"])
}

func TestRouterStaffRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, "secret")
	rr := ts.do(t, http.MethodPost, "/staff/tokens/verify", map[string]string{"token": "HS-GEN-1203-ABCD"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	claims := httpmiddleware.StaffClaims{
		Role:             httpmiddleware.RoleDesk,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	rr = ts.do(t, http.MethodPost, "/staff/tokens/verify", map[string]string{"token": "HS-GEN-1203-ABCD"}, "Authorization", "Bearer "+signed)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
