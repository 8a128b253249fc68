package handlers

import (
	"net/http"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
)

// RefundPolicy handles GET /refunds/policy.
func (h *LifecycleHandler) RefundPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Refunds.Policy().Details())
}

// PreviewRefund handles GET /appointments/{id}/refund/preview?cancelled_by=.
func (h *LifecycleHandler) PreviewRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor := appointments.Actor(r.URL.Query().Get("cancelled_by"))
	calc, err := h.deps.Refunds.Preview(r.Context(), id, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// ProcessRefund handles POST /staff/appointments/{id}/refund. It is the
// manual retry path; cancellation already runs the refund once.
func (h *LifecycleHandler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body cancelRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	a, err := appointments.Load(r.Context(), h.deps.Store, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if a.Status != appointments.StatusCancelled {
		writeError(w, h.logger, appointments.NewError(appointments.KindInvalidState, "appointment %s is %s, not cancelled", id, a.Status))
		return
	}
	actor := a.CancelledBy
	if actor == "" {
		actor = body.CancelledBy
	}
	outcome, err := h.deps.Refunds.Process(r.Context(), id, actor, body.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
