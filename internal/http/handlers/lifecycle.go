package handlers

import (
	"net/http"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/booking"
	httpmiddleware "github.com/wolfman30/clinic-queue-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/internal/queue"
	"github.com/wolfman30/clinic-queue-platform/internal/refunds"
	"github.com/wolfman30/clinic-queue-platform/internal/tokens"
	"github.com/wolfman30/clinic-queue-platform/internal/waittime"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// LifecycleDeps groups the services behind the lifecycle endpoints.
type LifecycleDeps struct {
	Store     appointments.Store
	Booking   *booking.Service
	Tokens    *tokens.Service
	Queue     *queue.Tracker
	WaitTime  *waittime.Engine
	Refunds   *refunds.Service
	Scheduler *meetlinks.Scheduler
	Doctors   booking.Doctors
}

// LifecycleHandler serves booking, token, queue, refund and meet-link routes.
type LifecycleHandler struct {
	deps   LifecycleDeps
	logger *logging.Logger
}

func NewLifecycleHandler(deps LifecycleDeps, logger *logging.Logger) *LifecycleHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &LifecycleHandler{deps: deps, logger: logger.Component("http.lifecycle")}
}

// GetAppointment handles GET /appointments/{id}.
func (h *LifecycleHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := appointments.Load(r.Context(), h.deps.Store, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Book handles POST /appointments.
func (h *LifecycleHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	booked, err := h.deps.Booking.Book(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, booked)
}

type confirmRequest struct {
	PaymentTransactionID string `json:"payment_transaction_id"`
}

// Confirm handles POST /staff/appointments/{id}/confirm, called once the
// payment for a pending booking has settled.
func (h *LifecycleHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body confirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	a, err := h.deps.Booking.Confirm(r.Context(), id, body.PaymentTransactionID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type cancelRequest struct {
	CancelledBy appointments.Actor `json:"cancelled_by"`
	Reason      string             `json:"reason"`
}

// CancelByPatient handles POST /appointments/{id}/cancel. The actor is
// always the patient on the public route.
func (h *LifecycleHandler) CancelByPatient(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, func(cancelRequest) appointments.Actor { return appointments.ActorPatient })
}

// CancelByStaff handles POST /staff/appointments/{id}/cancel. The actor comes
// from the staff token, or from the body when staff auth is disabled.
func (h *LifecycleHandler) CancelByStaff(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, func(body cancelRequest) appointments.Actor {
		if claims, ok := httpmiddleware.StaffClaimsFromContext(r.Context()); ok {
			if claims.Role == httpmiddleware.RoleDoctor {
				return appointments.ActorDoctor
			}
			return appointments.ActorClinic
		}
		if body.CancelledBy == "" {
			return appointments.ActorClinic
		}
		return body.CancelledBy
	})
}

func (h *LifecycleHandler) cancel(w http.ResponseWriter, r *http.Request, actor func(cancelRequest) appointments.Actor) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body cancelRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.deps.Booking.Cancel(r.Context(), id, actor(body), body.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StartConsultation handles POST /staff/appointments/{id}/consultation/start.
func (h *LifecycleHandler) StartConsultation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.deps.Booking.StartConsultation(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CompleteConsultation handles POST /staff/appointments/{id}/consultation/complete.
func (h *LifecycleHandler) CompleteConsultation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.deps.Booking.CompleteConsultation(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
