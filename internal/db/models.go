package db

import (
	"time"
)

// Book represents a single library's holding of a title. The same ISBN may
// appear once per library, so (isbn, library) is the natural key.
type Book struct {
	BookID         uint      `gorm:"primaryKey;autoIncrement" json:"book_id"`
	Title          string    `gorm:"type:varchar(255);not null;index:idx_books_title" json:"title"`
	Author         string    `gorm:"type:varchar(255);not null;index:idx_books_author" json:"author"`
	ISBN           string    `gorm:"column:isbn;type:varchar(13);not null;uniqueIndex:idx_books_isbn_library" json:"isbn"`
	CountInLibrary uint      `gorm:"not null;default:1" json:"count_in_library"`
	Library        string    `gorm:"type:varchar(255);not null;default:'Main Library';uniqueIndex:idx_books_isbn_library" json:"library"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Book model
func (Book) TableName() string {
	return "books"
}

// Reservation links a user to a book copy for a bounded loan window.
// ReservationStatus true means active; finished reservations are kept, never
// deleted. IsExternal marks reservations fulfilled at a partner library.
type Reservation struct {
	ReservationID      uint      `gorm:"primaryKey;autoIncrement" json:"reservation_id"`
	UserID             uint      `gorm:"not null;index:idx_reservations_user" json:"user_id"`
	Username           string    `gorm:"type:varchar(150);not null" json:"username"`
	BookID             uint      `gorm:"not null;index:idx_reservations_book" json:"book_id"`
	Book               *Book     `gorm:"foreignKey:BookID" json:"-"`
	ReservedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"reserved_at"`
	ReservedUntil      time.Time `gorm:"not null" json:"reserved_until"`
	ReservationStatus  bool      `gorm:"not null" json:"reservation_status"`
	ReservationLibrary string    `gorm:"type:varchar(255);not null;default:'Main Library'" json:"reservation_library"`
	IsExternal         bool      `gorm:"not null;default:false" json:"is_external"`
}

// TableName specifies the table name for Reservation model
func (Reservation) TableName() string {
	return "reservations"
}
