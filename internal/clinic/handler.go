package clinic

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// Handler provides admin endpoints for doctor and patient profiles.
type Handler struct {
	store  *Store
	logger *logging.Logger
}

func NewHandler(store *Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:  store,
		logger: logger.Component("clinic"),
	}
}

// Routes returns a chi router mounted under /admin.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/doctors/{id}", h.GetDoctor)
	r.Put("/doctors/{id}", h.PutDoctor)
	r.Get("/patients/{id}", h.GetPatient)
	r.Put("/patients/{id}", h.PutPatient)
	return r
}

// GetDoctor handles GET /admin/doctors/{id}.
func (h *Handler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, err := h.store.Doctor(r.Context(), id)
	if err != nil {
		h.fail(w, err, "doctor_id", id)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// PutDoctor handles PUT /admin/doctors/{id}.
func (h *Handler) PutDoctor(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var d Doctor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if d.ConsultationMinutes < 0 {
		http.Error(w, `{"error": "consultation_minutes must not be negative"}`, http.StatusBadRequest)
		return
	}
	d.ID = id
	if err := h.store.SaveDoctor(r.Context(), d); err != nil {
		h.logger.Error("failed to save doctor", "doctor_id", id, "error", err)
		http.Error(w, `{"error": "failed to save doctor"}`, http.StatusInternalServerError)
		return
	}
	h.logger.Info("doctor profile updated", "doctor_id", id)
	writeJSON(w, http.StatusOK, d)
}

// GetPatient handles GET /admin/patients/{id}.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	p, err := h.store.Patient(r.Context(), id)
	if err != nil {
		h.fail(w, err, "patient_id", id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutPatient handles PUT /admin/patients/{id}.
func (h *Handler) PutPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var p Patient
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	p.ID = id
	if err := h.store.SavePatient(r.Context(), p); err != nil {
		h.logger.Error("failed to save patient", "patient_id", id, "error", err)
		http.Error(w, `{"error": "failed to save patient"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) fail(w http.ResponseWriter, err error, key string, id uuid.UUID) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	h.logger.Error("profile lookup failed", key, id, "error", err)
	http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
