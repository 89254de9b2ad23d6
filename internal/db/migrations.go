package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&Book{}, &Reservation{}); err != nil {
		return err
	}

	// Create additional indexes if not exists
	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// One active reservation per (user, book). AutoMigrate cannot express
		// a partial unique index, so it is created by hand; the syntax is
		// shared by PostgreSQL and SQLite.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_one_active
			ON reservations(user_id, book_id) WHERE reservation_status`,

		// Reminder scans filter on status and due date
		`CREATE INDEX IF NOT EXISTS idx_reservations_active_until
			ON reservations(reservation_status, reserved_until)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
