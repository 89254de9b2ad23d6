package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/popraf/librarynet/internal/auth"
	"github.com/popraf/librarynet/internal/orchestrator"
)

type reservePayload struct {
	BookID        uint       `json:"book_id"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`
}

type returnPayload struct {
	ReservationID uint `json:"reservation_id"`
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (orchestrator.User, string, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return orchestrator.User{}, "", false
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return orchestrator.User{}, "", false
	}
	token, _ := auth.BearerFromContext(r.Context())
	return orchestrator.User{ID: userID, Username: claims.Username}, token, true
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	user, _, ok := s.caller(w, r)
	if !ok {
		return
	}

	reservations, err := s.reservations.ListByUser(r.Context(), user.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	user, token, ok := s.caller(w, r)
	if !ok {
		return
	}
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}

	// An empty body means defaults
	var payload reservePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.BookID != 0 && payload.BookID != bookID {
		writeError(w, http.StatusBadRequest, "book_id does not match path")
		return
	}

	var until time.Time
	if payload.ReservedUntil != nil {
		until = *payload.ReservedUntil
	}

	reservation, err := s.orch.Reserve(r.Context(), user, bookID, token, until)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	user, _, ok := s.caller(w, r)
	if !ok {
		return
	}
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}

	var payload returnPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ReservationID == 0 {
		writeError(w, http.StatusBadRequest, "reservation_id is required")
		return
	}

	if err := s.orch.Return(r.Context(), user, payload.ReservationID, bookID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Book returned successfully"})
}

type tokenVerifyPayload struct {
	Token string `json:"token"`
}

// handleTokenVerify introspects a bearer token for the partner service
func (s *Server) handleTokenVerify(w http.ResponseWriter, r *http.Request) {
	var payload tokenVerifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if _, err := auth.ParseToken(s.jwtSecret, payload.Token); err != nil {
		writeError(w, http.StatusUnauthorized, "token is invalid or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}
