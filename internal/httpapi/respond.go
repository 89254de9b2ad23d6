package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/popraf/librarynet/internal/orchestrator"
	"github.com/popraf/librarynet/internal/repo"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// respondError translates domain errors into HTTP responses in one place
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrBookNotFound),
		errors.Is(err, repo.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrDuplicateReservation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repo.ErrAlreadyReturned),
		errors.Is(err, orchestrator.ErrUnavailable),
		errors.Is(err, orchestrator.ErrInvalidExpiry),
		errors.Is(err, orchestrator.ErrBookMismatch),
		errors.Is(err, repo.ErrBookAlreadyExists):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrUpstreamFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
