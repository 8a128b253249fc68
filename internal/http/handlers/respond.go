// Package handlers exposes the appointment lifecycle over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

type errorBody struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
}

var kindStatus = map[appointments.Kind]int{
	appointments.KindNotFound:        http.StatusNotFound,
	appointments.KindInvalidState:    http.StatusConflict,
	appointments.KindExpired:         http.StatusGone,
	appointments.KindConflict:        http.StatusConflict,
	appointments.KindAlreadyTerminal: http.StatusConflict,
	appointments.KindUpstreamFailure: http.StatusBadGateway,
	appointments.KindValidation:      http.StatusBadRequest,
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the error taxonomy to a status code. Errors outside the
// taxonomy are logged and reported as internal.
func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	kind := appointments.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Kind: "internal", Reason: "internal server error"})
		return
	}
	if status >= http.StatusInternalServerError {
		logger.Error("upstream failure", "error", err)
	}
	writeJSON(w, status, errorBody{Kind: string(kind), Reason: appointments.ReasonOf(err)})
}

func badRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Kind: string(appointments.KindValidation), Reason: reason})
}

// decodeJSON reads an optional JSON body. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
