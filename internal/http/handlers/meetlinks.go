package handlers

import (
	"net/http"
	"time"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
)

type linkStatus struct {
	AppointmentID string          `json:"appointment_id"`
	State         meetlinks.State `json:"state"`
	MeetLink      string          `json:"meet_link,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	TriggerAt     string          `json:"trigger_at,omitempty"`
}

// MeetLink handles GET /appointments/{id}/meet-link.
func (h *LifecycleHandler) MeetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := appointments.Load(r.Context(), h.deps.Store, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !a.Online() {
		writeError(w, h.logger, appointments.NewError(appointments.KindInvalidState, "appointment %s is not an online consultation", id))
		return
	}
	state, err := h.deps.Scheduler.Status(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, linkStatus{
		AppointmentID: id.String(),
		State:         state,
		MeetLink:      a.MeetLink,
		Provider:      a.MeetLinkProvider,
		TriggerAt:     h.deps.Scheduler.TriggerTime(a.StartsAt).Format(time.RFC3339),
	})
}

// ScheduleMeetLink handles POST /staff/appointments/{id}/meet-link/schedule.
func (h *LifecycleHandler) ScheduleMeetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	a, err := appointments.Load(r.Context(), h.deps.Store, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	state, err := h.deps.Scheduler.Schedule(r.Context(), a)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment_id": id, "state": state})
}

// CancelMeetLink handles DELETE /staff/appointments/{id}/meet-link/schedule.
func (h *LifecycleHandler) CancelMeetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment_id": id, "cancelled": h.deps.Scheduler.Cancel(id)})
}

// FireMeetLink handles POST /staff/appointments/{id}/meet-link/fire.
func (h *LifecycleHandler) FireMeetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.deps.Scheduler.Fire(r.Context(), id, meetlinks.TriggerManual)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
