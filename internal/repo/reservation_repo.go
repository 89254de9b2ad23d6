package repo

import (
	"context"
	"errors"
	"time"

	"github.com/popraf/librarynet/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrReservationNotFound is returned when a reservation is not found
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAlreadyReturned is returned when finishing a reservation that is no longer active
	ErrAlreadyReturned = errors.New("reservation does not exist or already returned")
)

// ReservationRepository handles reservation records
type ReservationRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(database *db.DB, logger *zap.Logger) *ReservationRepository {
	return &ReservationRepository{
		db:  database,
		log: logger,
	}
}

// CreateTx inserts a reservation inside the given transaction
func (r *ReservationRepository) CreateTx(tx *gorm.DB, reservation *db.Reservation) error {
	if reservation.ReservedAt.IsZero() {
		reservation.ReservedAt = time.Now().UTC()
	}
	if err := tx.Create(reservation).Error; err != nil {
		r.log.Error("Failed to create reservation",
			zap.Uint("user_id", reservation.UserID),
			zap.Uint("book_id", reservation.BookID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// GetByID retrieves a reservation by its identifier
func (r *ReservationRepository) GetByID(ctx context.Context, reservationID uint) (*db.Reservation, error) {
	var reservation db.Reservation
	err := r.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		r.log.Error("Failed to get reservation", zap.Uint("reservation_id", reservationID), zap.Error(err))
		return nil, err
	}
	return &reservation, nil
}

// ListByUser returns all reservations belonging to a user, newest first
func (r *ReservationRepository) ListByUser(ctx context.Context, userID uint) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("reserved_at DESC").
		Find(&reservations).Error
	if err != nil {
		r.log.Error("Failed to list reservations", zap.Uint("user_id", userID), zap.Error(err))
		return nil, err
	}
	return reservations, nil
}

// HasActiveReservation reports whether the user already holds an active
// reservation for the book
func (r *ReservationRepository) HasActiveReservation(ctx context.Context, userID, bookID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Reservation{}).
		Where("user_id = ? AND book_id = ? AND reservation_status = ?", userID, bookID, true).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check active reservation",
			zap.Uint("user_id", userID),
			zap.Uint("book_id", bookID),
			zap.Error(err),
		)
		return false, err
	}
	return count > 0, nil
}

// FinishTx flips an active reservation to finished inside the given
// transaction. The status guard in the WHERE clause makes a second return
// attempt report ErrAlreadyReturned instead of silently succeeding.
func (r *ReservationRepository) FinishTx(tx *gorm.DB, reservationID uint) error {
	result := tx.Model(&db.Reservation{}).
		Where("reservation_id = ? AND reservation_status = ?", reservationID, true).
		Update("reservation_status", false)
	if result.Error != nil {
		r.log.Error("Failed to finish reservation", zap.Uint("reservation_id", reservationID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyReturned
	}
	return nil
}

// ListExpiring returns active reservations due within the given window
func (r *ReservationRepository) ListExpiring(ctx context.Context, window time.Duration) ([]*db.Reservation, error) {
	deadline := time.Now().UTC().Add(window)
	var reservations []*db.Reservation
	err := r.db.WithContext(ctx).
		Where("reservation_status = ? AND reserved_until <= ?", true, deadline).
		Order("reserved_until").
		Find(&reservations).Error
	if err != nil {
		r.log.Error("Failed to list expiring reservations", zap.Error(err))
		return nil, err
	}
	return reservations, nil
}
