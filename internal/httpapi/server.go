package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/popraf/librarynet/internal/auth"
	"github.com/popraf/librarynet/internal/db"
	"github.com/popraf/librarynet/internal/orchestrator"
	"github.com/popraf/librarynet/internal/repo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	IsHealthy() bool
}

// Server wires the primary service's REST surface
type Server struct {
	mux          *http.ServeMux
	catalog      *repo.CatalogRepository
	reservations *repo.ReservationRepository
	orch         *orchestrator.Orchestrator
	database     *db.DB
	publisher    HealthChecker
	jwtSecret    []byte
	log          *zap.Logger
}

// NewServer creates the primary HTTP server
func NewServer(
	database *db.DB,
	catalog *repo.CatalogRepository,
	reservations *repo.ReservationRepository,
	orch *orchestrator.Orchestrator,
	publisher HealthChecker,
	jwtSecret []byte,
	log *zap.Logger,
) *Server {
	s := &Server{
		mux:          http.NewServeMux(),
		catalog:      catalog,
		reservations: reservations,
		orch:         orch,
		database:     database,
		publisher:    publisher,
		jwtSecret:    jwtSecret,
		log:          log,
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped handler chain
func (s *Server) Handler() http.Handler {
	return withRequestID(s.logging(s.mux))
}

func (s *Server) routes() {
	authn := auth.Middleware(s.jwtSecret, s.log)
	admin := auth.RequireRole("admin")

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Token introspection for the partner service; the primary stands in
	// for the issuing authority here.
	s.mux.HandleFunc("POST /api/token/verify", s.handleTokenVerify)
	s.mux.HandleFunc("POST /api/token/verify/", s.handleTokenVerify)

	// Catalog reads are public
	s.mux.HandleFunc("GET /api/books", s.handleListBooks)
	s.mux.HandleFunc("GET /api/books/search", s.handleSearchByISBN)
	s.mux.HandleFunc("GET /api/books/{id}", s.handleGetBook)

	// Catalog mutations are admin only
	s.mux.Handle("POST /api/books", authn(admin(http.HandlerFunc(s.handleCreateBook))))
	s.mux.Handle("PUT /api/books/{id}", authn(admin(http.HandlerFunc(s.handleUpdateBook))))
	s.mux.Handle("DELETE /api/books/{id}", authn(admin(http.HandlerFunc(s.handleDeleteBook))))

	// Reservation flow
	s.mux.Handle("GET /api/reservations", authn(http.HandlerFunc(s.handleListReservations)))
	s.mux.Handle("POST /api/reserve/{bookID}", authn(http.HandlerFunc(s.handleReserve)))
	s.mux.Handle("PUT /api/return/{bookID}", authn(http.HandlerFunc(s.handleReturn)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.database.Ping(); err != nil {
		s.log.Error("Database health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy: database connection failed"})
		return
	}
	if s.publisher != nil && !s.publisher.IsHealthy() {
		s.log.Error("RabbitMQ health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy: rabbitmq connection failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
