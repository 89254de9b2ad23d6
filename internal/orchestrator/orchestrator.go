package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/popraf/librarynet/internal/clients"
	"github.com/popraf/librarynet/internal/db"
	"github.com/popraf/librarynet/internal/obs"
	"github.com/popraf/librarynet/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidExpiry is returned when the requested loan window is in the
	// past or further than the maximum loan period out
	ErrInvalidExpiry = errors.New("requested expiry is invalid or beyond the maximum loan period")

	// ErrDuplicateReservation is returned when the user already holds an
	// active reservation for the book
	ErrDuplicateReservation = errors.New("user already has an active reservation for this book")

	// ErrUnavailable is returned when neither the local library nor any
	// partner has a copy
	ErrUnavailable = errors.New("this book is not available in any library")

	// ErrUpstreamFailure is returned when the partner service fails during
	// an external reservation
	ErrUpstreamFailure = errors.New("partner service failed to confirm the reservation")

	// ErrNotOwner is returned when a caller tries to return a reservation
	// that belongs to someone else
	ErrNotOwner = errors.New("you do not have permission to return this book")

	// ErrBookMismatch is returned when the reservation being returned does
	// not belong to the addressed book
	ErrBookMismatch = errors.New("reservation does not belong to this book")
)

// MaxLoanPeriod bounds every reservation window; it is also the default
// when the caller does not request an expiry.
const MaxLoanPeriod = 30 * 24 * time.Hour

// User identifies the authenticated caller
type User struct {
	ID       uint
	Username string
}

// PartnerClient is the orchestrator's view of the external availability service
type PartnerClient interface {
	CheckAvailability(ctx context.Context, isbn string) ([]clients.PartnerStock, error)
	ReserveExternal(ctx context.Context, partnerID, token string) (*clients.Confirmation, error)
	ReleaseExternal(ctx context.Context, partnerID, confirmationID, token string) error
}

// EventPublisher receives reservation lifecycle events; publishing is
// best-effort and never fails a request
type EventPublisher interface {
	PublishReservationCreated(ctx context.Context, reservationID, userID, bookID uint, library string, isExternal bool, reservedUntil time.Time) error
	PublishReservationReturned(ctx context.Context, reservationID, userID, bookID uint) error
}

// Orchestrator decides how to fulfill a reservation request: locally when a
// copy is on the shelf, otherwise through the first partner library that
// stocks the ISBN.
type Orchestrator struct {
	db           *db.DB
	catalog      *repo.CatalogRepository
	reservations *repo.ReservationRepository
	partner      PartnerClient
	publisher    EventPublisher
	metrics      *obs.Metrics
	log          *zap.Logger
}

// New creates a reservation orchestrator
func New(database *db.DB, catalog *repo.CatalogRepository, reservations *repo.ReservationRepository, partner PartnerClient, publisher EventPublisher, metrics *obs.Metrics, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:           database,
		catalog:      catalog,
		reservations: reservations,
		partner:      partner,
		publisher:    publisher,
		metrics:      metrics,
		log:          log,
	}
}

// Reserve fulfills a reservation request for the given book. Exactly one
// reservation row is created on success; every failure path leaves both the
// catalog and the reservation store untouched. The bearer token is relayed
// unchanged to the partner on the external path.
func (o *Orchestrator) Reserve(ctx context.Context, user User, bookID uint, token string, requestedUntil time.Time) (*db.Reservation, error) {
	until, err := normalizeExpiry(requestedUntil)
	if err != nil {
		o.count("local", "invalid_expiry")
		return nil, err
	}

	book, err := o.catalog.GetBook(ctx, bookID)
	if err != nil {
		o.count("local", "not_found")
		return nil, err
	}

	active, err := o.reservations.HasActiveReservation(ctx, user.ID, bookID)
	if err != nil {
		o.count("local", "error")
		return nil, err
	}
	if active {
		o.count("local", "conflict")
		return nil, ErrDuplicateReservation
	}

	// Local path: the conditional decrement and the reservation insert
	// commit or roll back together.
	reservation := &db.Reservation{
		UserID:             user.ID,
		Username:           user.Username,
		BookID:             book.BookID,
		ReservedAt:         time.Now().UTC(),
		ReservedUntil:      until,
		ReservationStatus:  true,
		ReservationLibrary: book.Library,
		IsExternal:         false,
	}

	err = o.db.Transaction(func(tx *gorm.DB) error {
		if err := o.catalog.DecrementCountTx(tx, book.BookID); err != nil {
			return err
		}
		return o.reservations.CreateTx(tx, reservation)
	})
	if err == nil {
		o.count("local", "success")
		o.log.Info("Book reserved locally",
			zap.Uint("reservation_id", reservation.ReservationID),
			zap.Uint("book_id", book.BookID),
			zap.Uint("user_id", user.ID),
		)
		o.publishCreated(reservation)
		return reservation, nil
	}
	if !errors.Is(err, repo.ErrNoLocalStock) {
		o.count("local", "error")
		return nil, err
	}

	// No copies on the shelf; delegate to the partner network.
	return o.reserveExternal(ctx, user, book, token, until)
}

func (o *Orchestrator) reserveExternal(ctx context.Context, user User, book *db.Book, token string, until time.Time) (*db.Reservation, error) {
	stocks, err := o.partner.CheckAvailability(ctx, book.ISBN)
	if err != nil || len(stocks) == 0 {
		o.count("external", "unavailable")
		return nil, ErrUnavailable
	}

	// First entry in the partner-returned ordering; a policy choice, not a
	// ranking.
	target := stocks[0]

	confirmation, err := o.partner.ReserveExternal(ctx, target.PartnerID, token)
	if err != nil {
		o.count("external", "upstream_error")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}

	reservation := &db.Reservation{
		UserID:             user.ID,
		Username:           user.Username,
		BookID:             book.BookID,
		ReservedAt:         time.Now().UTC(),
		ReservedUntil:      until,
		ReservationStatus:  true,
		ReservationLibrary: target.Library,
		IsExternal:         true,
	}

	err = o.db.Transaction(func(tx *gorm.DB) error {
		return o.reservations.CreateTx(tx, reservation)
	})
	if err != nil {
		// The partner already took a copy. Give it back so the counters do
		// not drift; the release is best-effort and the original error wins.
		o.count("external", "error")
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if relErr := o.partner.ReleaseExternal(releaseCtx, target.PartnerID, confirmation.ConfirmationID, token); relErr != nil {
			o.log.Error("Compensating release failed; partner counter has drifted",
				zap.String("partner_id", target.PartnerID),
				zap.String("confirmation_id", confirmation.ConfirmationID),
				zap.Error(relErr),
			)
		}
		return nil, err
	}

	o.count("external", "success")
	o.log.Info("Book reserved externally",
		zap.Uint("reservation_id", reservation.ReservationID),
		zap.Uint("book_id", book.BookID),
		zap.String("partner_id", target.PartnerID),
		zap.String("library", target.Library),
		zap.String("confirmation_id", confirmation.ConfirmationID),
	)
	o.publishCreated(reservation)
	return reservation, nil
}

// Return marks a reservation finished. The reservation must belong to the
// given book; bookID 0 skips that check. Locally-fulfilled reservations put
// their copy back on the shelf; external ones are not reconciled to the
// partner (documented gap).
func (o *Orchestrator) Return(ctx context.Context, user User, reservationID, bookID uint) error {
	reservation, err := o.reservations.GetByID(ctx, reservationID)
	if err != nil {
		o.countReturn("not_found")
		return err
	}

	if reservation.UserID != user.ID {
		o.countReturn("forbidden")
		return ErrNotOwner
	}
	if bookID != 0 && reservation.BookID != bookID {
		o.countReturn("mismatch")
		return ErrBookMismatch
	}
	if !reservation.ReservationStatus {
		o.countReturn("conflict")
		return repo.ErrAlreadyReturned
	}

	err = o.db.Transaction(func(tx *gorm.DB) error {
		if err := o.reservations.FinishTx(tx, reservationID); err != nil {
			return err
		}
		if !reservation.IsExternal {
			return o.catalog.IncrementCountTx(tx, reservation.BookID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyReturned) {
			o.countReturn("conflict")
		} else {
			o.countReturn("error")
		}
		return err
	}

	o.countReturn("success")
	o.log.Info("Book returned",
		zap.Uint("reservation_id", reservationID),
		zap.Uint("book_id", reservation.BookID),
		zap.Uint("user_id", user.ID),
	)

	if o.publisher != nil {
		go func() {
			eventCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.publisher.PublishReservationReturned(eventCtx, reservationID, user.ID, reservation.BookID); err != nil {
				o.log.Error("Failed to publish reservation returned event",
					zap.Uint("reservation_id", reservationID),
					zap.Error(err),
				)
			}
		}()
	}
	return nil
}

func (o *Orchestrator) publishCreated(reservation *db.Reservation) {
	if o.publisher == nil {
		return
	}
	go func() {
		eventCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.publisher.PublishReservationCreated(
			eventCtx,
			reservation.ReservationID,
			reservation.UserID,
			reservation.BookID,
			reservation.ReservationLibrary,
			reservation.IsExternal,
			reservation.ReservedUntil,
		); err != nil {
			o.log.Error("Failed to publish reservation created event",
				zap.Uint("reservation_id", reservation.ReservationID),
				zap.Error(err),
			)
		}
	}()
}

// normalizeExpiry applies the default loan period and rejects windows in the
// past or beyond the cap
func normalizeExpiry(requested time.Time) (time.Time, error) {
	now := time.Now().UTC()
	if requested.IsZero() {
		return now.Add(MaxLoanPeriod), nil
	}
	if requested.Before(now) || requested.After(now.Add(MaxLoanPeriod)) {
		return time.Time{}, ErrInvalidExpiry
	}
	return requested.UTC(), nil
}

func (o *Orchestrator) count(mode, outcome string) {
	if o.metrics != nil {
		o.metrics.ReservationsTotal.WithLabelValues(mode, outcome).Inc()
	}
}

func (o *Orchestrator) countReturn(outcome string) {
	if o.metrics != nil {
		o.metrics.ReturnsTotal.WithLabelValues(outcome).Inc()
	}
}
