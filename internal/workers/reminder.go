package workers

import (
	"context"
	"time"

	"github.com/popraf/librarynet/internal/obs"
	"github.com/popraf/librarynet/internal/repo"
	"go.uber.org/zap"
)

// ReminderPublisher delivers expiry reminders to the notification pipeline
type ReminderPublisher interface {
	PublishReservationReminder(ctx context.Context, reservationID, userID uint, username string, reservedUntil time.Time) error
}

// Reminder periodically scans for reservations nearing their expiry and
// publishes one reminder event per hit. Delivery (email etc.) is handled by
// an external consumer.
type Reminder struct {
	reservations *repo.ReservationRepository
	publisher    ReminderPublisher
	metrics      *obs.Metrics
	interval     time.Duration
	window       time.Duration
	log          *zap.Logger
}

// NewReminder creates a reminder worker scanning every interval for
// reservations due within window
func NewReminder(reservations *repo.ReservationRepository, publisher ReminderPublisher, metrics *obs.Metrics, interval, window time.Duration, log *zap.Logger) *Reminder {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	if window <= 0 {
		window = 72 * time.Hour
	}
	return &Reminder{
		reservations: reservations,
		publisher:    publisher,
		metrics:      metrics,
		interval:     interval,
		window:       window,
		log:          log,
	}
}

// Start runs the scan loop until the context is cancelled. An initial scan
// fires immediately.
func (r *Reminder) Start(ctx context.Context) {
	go func() {
		r.Check(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.log.Info("Reminder worker stopped")
				return
			case <-ticker.C:
				r.Check(ctx)
			}
		}
	}()
}

// Check performs one scan and returns the number of reminders published
func (r *Reminder) Check(ctx context.Context) int {
	expiring, err := r.reservations.ListExpiring(ctx, r.window)
	if err != nil {
		r.log.Error("Reminder scan failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, reservation := range expiring {
		err := r.publisher.PublishReservationReminder(
			ctx,
			reservation.ReservationID,
			reservation.UserID,
			reservation.Username,
			reservation.ReservedUntil,
		)
		if err != nil {
			r.log.Error("Failed to publish reminder",
				zap.Uint("reservation_id", reservation.ReservationID),
				zap.Error(err),
			)
			continue
		}
		sent++
		if r.metrics != nil {
			r.metrics.RemindersSent.Inc()
		}
	}

	if sent > 0 {
		r.log.Info("Expiry reminders published", zap.Int("count", sent))
	}
	return sent
}
