package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/popraf/librarynet/internal/auth"
	"github.com/popraf/librarynet/internal/clients"
	"github.com/popraf/librarynet/internal/db"
	"github.com/popraf/librarynet/internal/orchestrator"
	"github.com/popraf/librarynet/internal/repo"
	"github.com/popraf/librarynet/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testSecret = []byte("test-secret")

// stubPartner has no stock unless a test says otherwise
type stubPartner struct {
	stocks []clients.PartnerStock
}

func (p *stubPartner) CheckAvailability(ctx context.Context, isbn string) ([]clients.PartnerStock, error) {
	return p.stocks, nil
}

func (p *stubPartner) ReserveExternal(ctx context.Context, partnerID, token string) (*clients.Confirmation, error) {
	return &clients.Confirmation{ConfirmationID: "conf-1", Library: "External Library"}, nil
}

func (p *stubPartner) ReleaseExternal(ctx context.Context, partnerID, confirmationID, token string) error {
	return nil
}

type apiFixture struct {
	server  *Server
	catalog *repo.CatalogRepository
	partner *stubPartner
}

func setupAPI(t *testing.T) *apiFixture {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	database := &db.DB{DB: gormDB}
	require.NoError(t, db.RunMigrations(database))

	log := logger.NewLogger("test", "error")
	catalog := repo.NewCatalogRepository(database, log)
	reservations := repo.NewReservationRepository(database, log)
	partner := &stubPartner{}
	orch := orchestrator.New(database, catalog, reservations, partner, nil, nil, log)

	return &apiFixture{
		server:  NewServer(database, catalog, reservations, orch, nil, testSecret, log),
		catalog: catalog,
		partner: partner,
	}
}

func (f *apiFixture) addBook(t *testing.T, count uint) *db.Book {
	book := &db.Book{
		Title:          "Fixture Book",
		Author:         "Author A",
		ISBN:           "1234567890123",
		CountInLibrary: count,
		Library:        "Main Library",
	}
	require.NoError(t, f.catalog.CreateBook(context.Background(), book))
	return book
}

func (f *apiFixture) request(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func memberToken(t *testing.T, userID uint, username string) string {
	token, err := auth.GenerateToken(testSecret, userID, username, "member", time.Hour)
	require.NoError(t, err)
	return token
}

func adminToken(t *testing.T) string {
	token, err := auth.GenerateToken(testSecret, 100, "admin", "admin", time.Hour)
	require.NoError(t, err)
	return token
}

func TestHealthz(t *testing.T) {
	f := setupAPI(t)

	rec := f.request(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListBooksPublic(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 3)

	rec := f.request(http.MethodGet, "/api/books", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(1), out["total"])
}

func TestGetBook(t *testing.T) {
	f := setupAPI(t)
	book := f.addBook(t, 3)

	rec := f.request(http.MethodGet, "/api/books/1", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var got db.Book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, book.Title, got.Title)

	rec = f.request(http.MethodGet, "/api/books/999", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(http.MethodGet, "/api/books/avocado", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchByISBNRequiresParam(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 3)

	rec := f.request(http.MethodGet, "/api/books/search", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodGet, "/api/books/search?isbn=1234567890123", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var books []db.Book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &books))
	assert.Len(t, books, 1)
}

func TestCreateBookRequiresAdmin(t *testing.T) {
	f := setupAPI(t)
	payload := `{"title":"New Book","author":"Author","isbn":"1111111111111","count_in_library":2}`

	rec := f.request(http.MethodPost, "/api/books", "", payload)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(http.MethodPost, "/api/books", memberToken(t, 1, "alice"), payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(http.MethodPost, "/api/books", adminToken(t), payload)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var created db.Book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Main Library", created.Library)

	// Duplicate (isbn, library)
	rec = f.request(http.MethodPost, "/api/books", adminToken(t), payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBookValidation(t *testing.T) {
	f := setupAPI(t)

	rec := f.request(http.MethodPost, "/api/books", adminToken(t), `{"author":"A","isbn":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPost, "/api/books", adminToken(t), `{"title":"T","author":"A","isbn":"12345678901234"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndDeleteBook(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 3)

	rec := f.request(http.MethodPut, "/api/books/1", adminToken(t),
		`{"title":"Renamed","author":"Author A","isbn":"1234567890123","count_in_library":9}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var updated db.Book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, uint(9), updated.CountInLibrary)

	rec = f.request(http.MethodDelete, "/api/books/1", adminToken(t), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(http.MethodGet, "/api/books/1", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReserveRequiresAuth(t *testing.T) {
	f := setupAPI(t)
	book := f.addBook(t, 1)

	rec := f.request(http.MethodPost, "/api/reserve/1", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The shelf is untouched by the rejected attempt
	after, err := f.catalog.GetBook(context.Background(), book.BookID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), after.CountInLibrary)
}

func TestReserveAndReturnFlow(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 1)
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPost, "/api/reserve/1", token, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var reservation db.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reservation))
	assert.True(t, reservation.ReservationStatus)
	assert.False(t, reservation.IsExternal)

	// Reservations list shows it
	rec = f.request(http.MethodGet, "/api/reservations", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var list []db.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	// Return it
	rec = f.request(http.MethodPut, "/api/return/1", token,
		`{"reservation_id": 1}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Book returned successfully", out["status"])

	// A second return of the same reservation is rejected
	rec = f.request(http.MethodPut, "/api/return/1", token, `{"reservation_id": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReserveDuplicateConflict(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 5)
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPost, "/api/reserve/1", token, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.request(http.MethodPost, "/api/reserve/1", token, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReserveUnavailable(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 0)
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPost, "/api/reserve/1", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out["error"], "not available")
}

func TestReserveExternalFallback(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 0)
	f.partner.stocks = []clients.PartnerStock{{PartnerID: "3", Library: "External Library", Count: 1}}
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPost, "/api/reserve/1", token, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var reservation db.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reservation))
	assert.True(t, reservation.IsExternal)
	assert.Equal(t, "External Library", reservation.ReservationLibrary)
}

func TestReserveBookIDMismatch(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 1)
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPost, "/api/reserve/1", token, `{"book_id": 2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReturnNotOwner(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 1)

	rec := f.request(http.MethodPost, "/api/reserve/1", memberToken(t, 1, "alice"), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.request(http.MethodPut, "/api/return/1", memberToken(t, 2, "bob"), `{"reservation_id": 1}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReturnWrongBookPath(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 1)
	book2 := &db.Book{Title: "Other", Author: "B", ISBN: "9999999999999", CountInLibrary: 1, Library: "Main Library"}
	require.NoError(t, f.catalog.CreateBook(context.Background(), book2))
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPost, "/api/reserve/1", token, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	// The reservation belongs to book 1; returning it under book 2's path
	// is rejected
	rec = f.request(http.MethodPut, "/api/return/2", token, `{"reservation_id": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPut, "/api/return/1", token, `{"reservation_id": 1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReturnRequiresReservationID(t *testing.T) {
	f := setupAPI(t)
	f.addBook(t, 1)
	token := memberToken(t, 1, "alice")

	rec := f.request(http.MethodPut, "/api/return/1", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenVerify(t *testing.T) {
	f := setupAPI(t)

	rec := f.request(http.MethodPost, "/api/token/verify", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPost, "/api/token/verify", "", `{"token":"garbage"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good := memberToken(t, 1, "alice")
	rec = f.request(http.MethodPost, "/api/token/verify", "", `{"token":"`+good+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}
