package repo

import (
	"context"
	"errors"

	"github.com/popraf/librarynet/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBookNotFound is returned when a book is not found
	ErrBookNotFound = errors.New("book not found")

	// ErrBookAlreadyExists is returned when a (isbn, library) pair is already cataloged
	ErrBookAlreadyExists = errors.New("book already exists")

	// ErrNoLocalStock is returned when a decrement finds no copies left
	ErrNoLocalStock = errors.New("no copies available in library")
)

// CatalogRepository handles book catalog operations
type CatalogRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(database *db.DB, logger *zap.Logger) *CatalogRepository {
	return &CatalogRepository{
		db:  database,
		log: logger,
	}
}

// ListBooks returns a paginated list of books with optional filters
func (r *CatalogRepository) ListBooks(ctx context.Context, page, pageSize int, author, library string) ([]*db.Book, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.Book{})

	if author != "" {
		query = query.Where("author LIKE ?", "%"+author+"%")
	}
	if library != "" {
		query = query.Where("library = ?", library)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		r.log.Error("Failed to count books", zap.Error(err))
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	var books []*db.Book
	if err := query.Offset(offset).Limit(pageSize).Order("book_id").Find(&books).Error; err != nil {
		r.log.Error("Failed to list books", zap.Error(err))
		return nil, 0, err
	}

	return books, total, nil
}

// GetBook retrieves a book by its identifier
func (r *CatalogRepository) GetBook(ctx context.Context, bookID uint) (*db.Book, error) {
	var book db.Book
	err := r.db.WithContext(ctx).Where("book_id = ?", bookID).First(&book).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		r.log.Error("Failed to get book", zap.Uint("book_id", bookID), zap.Error(err))
		return nil, err
	}

	return &book, nil
}

// SearchByISBN returns all holdings of an ISBN across libraries
func (r *CatalogRepository) SearchByISBN(ctx context.Context, isbn string) ([]*db.Book, error) {
	var books []*db.Book
	err := r.db.WithContext(ctx).Where("isbn = ?", isbn).Order("book_id").Find(&books).Error
	if err != nil {
		r.log.Error("Failed to search books by ISBN", zap.String("isbn", isbn), zap.Error(err))
		return nil, err
	}
	return books, nil
}

// CreateBook creates a new book in the catalog
func (r *CatalogRepository) CreateBook(ctx context.Context, book *db.Book) error {
	// (isbn, library) is unique within the catalog
	var existing db.Book
	err := r.db.WithContext(ctx).
		Where("isbn = ? AND library = ?", book.ISBN, book.Library).
		First(&existing).Error
	if err == nil {
		return ErrBookAlreadyExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Error("Failed to check book existence", zap.String("isbn", book.ISBN), zap.Error(err))
		return err
	}

	if err := r.db.WithContext(ctx).Create(book).Error; err != nil {
		r.log.Error("Failed to create book", zap.String("isbn", book.ISBN), zap.Error(err))
		return err
	}

	r.log.Info("Book created",
		zap.Uint("book_id", book.BookID),
		zap.String("title", book.Title),
		zap.String("library", book.Library),
	)
	return nil
}

// UpdateBook updates mutable fields of an existing book
func (r *CatalogRepository) UpdateBook(ctx context.Context, book *db.Book) error {
	updates := map[string]interface{}{
		"title":            book.Title,
		"author":           book.Author,
		"isbn":             book.ISBN,
		"count_in_library": book.CountInLibrary,
		"library":          book.Library,
	}

	result := r.db.WithContext(ctx).Model(&db.Book{}).Where("book_id = ?", book.BookID).Updates(updates)
	if result.Error != nil {
		r.log.Error("Failed to update book", zap.Uint("book_id", book.BookID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBookNotFound
	}

	r.log.Info("Book updated", zap.Uint("book_id", book.BookID))
	return nil
}

// DeleteBook removes a book from the catalog
func (r *CatalogRepository) DeleteBook(ctx context.Context, bookID uint) error {
	result := r.db.WithContext(ctx).Where("book_id = ?", bookID).Delete(&db.Book{})
	if result.Error != nil {
		r.log.Error("Failed to delete book", zap.Uint("book_id", bookID), zap.Error(result.Error))
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBookNotFound
	}

	r.log.Info("Book deleted", zap.Uint("book_id", bookID))
	return nil
}

// DecrementCountTx atomically takes one copy of a book inside the given
// transaction. Checking and decrementing in a single conditional UPDATE keeps
// two concurrent reservations from both consuming the last copy.
func (r *CatalogRepository) DecrementCountTx(tx *gorm.DB, bookID uint) error {
	result := tx.Model(&db.Book{}).
		Where("book_id = ? AND count_in_library >= 1", bookID).
		UpdateColumn("count_in_library", gorm.Expr("count_in_library - 1"))
	if result.Error != nil {
		r.log.Error("Failed to decrement book count", zap.Uint("book_id", bookID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoLocalStock
	}
	return nil
}

// IncrementCountTx returns one copy of a book inside the given transaction
func (r *CatalogRepository) IncrementCountTx(tx *gorm.DB, bookID uint) error {
	result := tx.Model(&db.Book{}).
		Where("book_id = ?", bookID).
		UpdateColumn("count_in_library", gorm.Expr("count_in_library + 1"))
	if result.Error != nil {
		r.log.Error("Failed to increment book count", zap.Uint("book_id", bookID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBookNotFound
	}
	return nil
}
