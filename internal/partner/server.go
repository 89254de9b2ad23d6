package partner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/popraf/librarynet/internal/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the partner availability service's HTTP surface
type Server struct {
	mux          *http.ServeMux
	store        *Store
	introspector *auth.Introspector
	primaryURL   string
	http         *http.Client
	log          *zap.Logger
}

// NewServer creates the partner HTTP server. The introspector points at the
// issuing authority's verify endpoint; primaryURL is the primary service the
// reserve relay forwards to.
func NewServer(store *Store, introspector *auth.Introspector, primaryURL string, timeout time.Duration, log *zap.Logger) *Server {
	s := &Server{
		mux:          http.NewServeMux(),
		store:        store,
		introspector: introspector,
		primaryURL:   primaryURL,
		http:         &http.Client{Timeout: timeout},
		log:          log,
	}
	s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /books/{isbn}/availability", s.handleAvailability)
	s.mux.HandleFunc("GET /books/{id}/details", s.handleDetails)
	s.mux.HandleFunc("POST /book_reserved_external/{id}", s.handleReserveExternal)
	s.mux.HandleFunc("POST /books/{id}/release", s.handleRelease)
	s.mux.HandleFunc("POST /reserve/{id}", s.handleReserveRelay)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("Store health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	isbn := r.PathValue("isbn")
	records, err := s.store.AvailabilityByISBN(r.Context(), isbn)
	if err != nil {
		s.log.Error("Availability query failed", zap.String("isbn", isbn), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "availability query failed"})
		return
	}

	if len(records) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no books found for ISBN"})
		return
	}

	// Keyed by partner-assigned id, matching the availability contract
	out := make(map[string]map[string]any, len(records))
	for _, rec := range records {
		out[strconv.FormatInt(rec.ID, 10)] = map[string]any{
			"library":          rec.Library,
			"count_in_library": rec.CountInLibrary,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}

	record, err := s.store.BookByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPartnerBookNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "book not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleReserveExternal takes one copy at this partner on behalf of a caller
// whose token the primary service vouches for
func (s *Server) handleReserveExternal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if !s.authorize(w, r) {
		return
	}

	record, err := s.store.Reserve(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrPartnerBookNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "book not found"})
		case errors.Is(err, ErrNoStock):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("Book %d not available in external library", id),
			})
		default:
			s.log.Error("Reserve failed", zap.Int64("book_id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reserve failed"})
		}
		return
	}

	confirmationID := uuid.NewString()
	s.log.Info("Book reserved in external library",
		zap.Int64("book_id", id),
		zap.String("library", record.Library),
		zap.String("confirmation_id", confirmationID),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "reserved",
		"confirmation_id": confirmationID,
		"library":         record.Library,
		"message":         fmt.Sprintf("Book with id %d reserved successfully", id),
	})
}

// handleRelease compensates a reservation whose local commit failed upstream
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if !s.authorize(w, r) {
		return
	}

	if err := s.store.Release(r.Context(), id); err != nil {
		if errors.Is(err, ErrPartnerBookNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "book not found"})
			return
		}
		s.log.Error("Release failed", zap.Int64("book_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "release failed"})
		return
	}

	s.log.Info("Book released in external library", zap.Int64("book_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleReserveRelay forwards a reservation request to the primary service,
// passing the caller's bearer token through unchanged
func (s *Server) handleReserveRelay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}

	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing Authorization header"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	url := fmt.Sprintf("%s/api/reserve/%d", s.primaryURL, id)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to build relay request"})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Error("Reserve relay failed", zap.Int64("book_id", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to reach primary library service"})
		return
	}
	defer resp.Body.Close()

	var details any
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &details); err != nil {
		details = map[string]string{"detail": string(raw)}
	}

	writeJSON(w, resp.StatusCode, map[string]any{
		"status":  "Reservation relayed to primary library",
		"details": details,
	})
}

// authorize re-verifies the relayed bearer token with the issuing authority.
// 401 when the header is missing, 403 when introspection rejects the token.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing Authorization header"})
		return false
	}

	valid, err := s.introspector.Verify(r.Context(), token)
	if err != nil || !valid {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid token"})
		return false
	}
	return true
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
