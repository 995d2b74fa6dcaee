package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skygames/payout-engine/internal/api/problem"
	"github.com/skygames/payout-engine/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		problem.BadRequest(w, r, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		problem.BadRequest(w, r, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors onto problem responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrTransactionNotFound):
		problem.NotFound(w, r, err.Error())
	case errors.Is(err, service.ErrTokenNotFound):
		problem.NotFound(w, r, err.Error())
	case errors.Is(err, service.ErrTokenUsed):
		problem.Conflict(w, r, err.Error())
	case errors.Is(err, service.ErrTokenExpired):
		problem.Gone(w, r, err.Error())
	case errors.Is(err, service.ErrTokenScopeMismatch),
		errors.Is(err, service.ErrTokenAdminMismatch):
		problem.Forbidden(w, r, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		problem.Conflict(w, r, err.Error())
	case errors.Is(err, service.ErrFeeTooHigh):
		problem.UnprocessableEntity(w, r, err.Error())
	case errors.Is(err, service.ErrUnsignedEnvelope):
		problem.UnprocessableEntity(w, r, err.Error())
	case errors.Is(err, service.ErrInvalidTargetStatus),
		errors.Is(err, service.ErrUnknownAction):
		problem.BadRequest(w, r, err.Error())
	default:
		problem.Internal(w, r)
	}
}
