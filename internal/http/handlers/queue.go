package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
)

type verifyRequest struct {
	Token string `json:"token"`
}

// VerifyToken handles POST /staff/tokens/verify.
func (h *LifecycleHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		badRequest(w, "token is required")
		return
	}
	summary, err := h.deps.Tokens.Verify(r.Context(), body.Token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// IssueToken handles POST /staff/appointments/{id}/token.
func (h *LifecycleHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := appointments.Load(r.Context(), h.deps.Store, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	issued, err := h.deps.Tokens.Issue(r.Context(), id, h.codeHint(r.Context(), a.DoctorID))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (h *LifecycleHandler) codeHint(ctx context.Context, doctorID uuid.UUID) string {
	if h.deps.Doctors == nil {
		return ""
	}
	d, err := h.deps.Doctors.Doctor(ctx, doctorID)
	if err != nil {
		return ""
	}
	return d.TokenHint()
}

// Enqueue handles POST /staff/appointments/{id}/queue.
func (h *LifecycleHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.deps.Queue.Enqueue(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// MarkQueueCompleted handles POST /staff/appointments/{id}/queue/complete.
func (h *LifecycleHandler) MarkQueueCompleted(w http.ResponseWriter, r *http.Request) {
	h.finishQueue(w, r, h.deps.Queue.MarkCompleted)
}

// MarkNoShow handles POST /staff/appointments/{id}/queue/no-show.
func (h *LifecycleHandler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.finishQueue(w, r, h.deps.Queue.MarkNoShow)
}

func (h *LifecycleHandler) finishQueue(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*appointments.Appointment, error)) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DoctorQueue handles GET /staff/doctors/{doctorID}/queue?date=YYYY-MM-DD.
func (h *LifecycleHandler) DoctorQueue(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "doctorID")
	if !ok {
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		badRequest(w, "date is required")
		return
	}
	entries, err := h.deps.Queue.List(r.Context(), doctorID, date)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id": doctorID,
		"date":      date,
		"entries":   entries,
	})
}

// LiveStatus handles GET /appointments/{id}/live.
func (h *LifecycleHandler) LiveStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	status, err := h.deps.Queue.LiveStatus(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// WaitStats handles GET /staff/doctors/{doctorID}/wait-stats.
func (h *LifecycleHandler) WaitStats(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "doctorID")
	if !ok {
		return
	}
	stats, err := h.deps.WaitTime.DoctorStats(r.Context(), doctorID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id":  doctorID,
		"stats":      stats,
		"confidence": stats.Confidence(),
	})
}
