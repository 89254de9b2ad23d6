package partner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrPartnerBookNotFound is returned when no partner record matches
	ErrPartnerBookNotFound = errors.New("partner book not found")

	// ErrNoStock is returned when a reserve finds no copies left
	ErrNoStock = errors.New("book not available in external library")
)

// Record is one partner library's holding, keyed by a partner-assigned id
type Record struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Author         string `json:"author"`
	ISBN           string `json:"isbn"`
	Library        string `json:"library"`
	CountInLibrary int64  `json:"count_in_library"`
}

// Store backs the mock federated catalog with SQLite
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the partner catalog at the given path;
// ":memory:" gives an ephemeral catalog
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS partner_books (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  title TEXT NOT NULL,
  author TEXT NOT NULL,
  isbn TEXT NOT NULL,
  library TEXT NOT NULL,
  count_in_library INTEGER NOT NULL DEFAULT 0 CHECK (count_in_library >= 0),
  UNIQUE (isbn, library)
);

CREATE INDEX IF NOT EXISTS idx_partner_books_isbn ON partner_books(isbn);
`)
	return err
}

// Seed loads fixture records when the catalog is empty. It stands in for a
// federated partner network feeding the store.
func (s *Store) Seed(ctx context.Context, records []Record) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partner_books`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO partner_books (title, author, isbn, library, count_in_library) VALUES (?, ?, ?, ?, ?)`,
			r.Title, r.Author, r.ISBN, r.Library, r.CountInLibrary,
		); err != nil {
			return fmt.Errorf("failed to seed partner book %q: %w", r.Title, err)
		}
	}
	return tx.Commit()
}

// AvailabilityByISBN returns every library stocking the ISBN with at least
// one copy, in stable id order
func (s *Store) AvailabilityByISBN(ctx context.Context, isbn string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, author, isbn, library, count_in_library
FROM partner_books
WHERE isbn = ? AND count_in_library >= 1
ORDER BY id`, isbn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Title, &r.Author, &r.ISBN, &r.Library, &r.CountInLibrary); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// BookByID retrieves a single partner record
func (s *Store) BookByID(ctx context.Context, id int64) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, author, isbn, library, count_in_library
FROM partner_books WHERE id = ?`, id).
		Scan(&r.ID, &r.Title, &r.Author, &r.ISBN, &r.Library, &r.CountInLibrary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPartnerBookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Reserve takes one copy of the record. The conditional UPDATE guards the
// partner's own counter against concurrent reservations.
func (s *Store) Reserve(ctx context.Context, id int64) (*Record, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE partner_books
SET count_in_library = count_in_library - 1
WHERE id = ? AND count_in_library >= 1`, id)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish an unknown id from an empty shelf
		if _, err := s.BookByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNoStock
	}
	return s.BookByID(ctx, id)
}

// Release gives back one copy of the record
func (s *Store) Release(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE partner_books
SET count_in_library = count_in_library + 1
WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPartnerBookNotFound
	}
	return nil
}

// Ping checks the underlying connection
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// DefaultSeed is the fixture catalog used when no external feed is wired
func DefaultSeed() []Record {
	return []Record{
		{Title: "The Go Programming Language", Author: "Donovan, Kernighan", ISBN: "9780134190440", Library: "Riverside Branch", CountInLibrary: 2},
		{Title: "The Go Programming Language", Author: "Donovan, Kernighan", ISBN: "9780134190440", Library: "Hilltop Branch", CountInLibrary: 1},
		{Title: "Designing Data-Intensive Applications", Author: "Martin Kleppmann", ISBN: "9781449373320", Library: "Riverside Branch", CountInLibrary: 3},
		{Title: "Clean Architecture", Author: "Robert C. Martin", ISBN: "9780134494166", Library: "Harbor Branch", CountInLibrary: 0},
	}
}
