package partner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/popraf/librarynet/internal/auth"
	"github.com/popraf/librarynet/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testIssuer accepts exactly one token, standing in for the primary service's
// verify endpoint
func testIssuer(t *testing.T, accepted string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["token"] == accepted {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
}

func newTestServer(t *testing.T, primaryURL string) (*Server, *Store) {
	store := openTestStore(t)
	seedTestStore(t, store)

	log := logger.NewLogger("test", "error")
	issuer := testIssuer(t, "good-token")
	t.Cleanup(issuer.Close)

	introspector := auth.NewIntrospector(issuer.URL, 2*time.Second, log)
	return NewServer(store, introspector, primaryURL, 2*time.Second, log), store
}

func firstPartnerID(t *testing.T, store *Store) int64 {
	records, err := store.AvailabilityByISBN(context.Background(), "1111111111111")
	require.NoError(t, err)
	require.NotEmpty(t, records)
	return records[0].ID
}

func doRequest(server *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAvailabilityEndpoint(t *testing.T) {
	server, store := newTestServer(t, "")

	rec := doRequest(server, http.MethodGet, "/books/1111111111111/availability", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]struct {
		Library        string `json:"library"`
		CountInLibrary int64  `json:"count_in_library"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)

	id := strconv.FormatInt(firstPartnerID(t, store), 10)
	assert.Equal(t, "Riverside Branch", out[id].Library)
	assert.Equal(t, int64(2), out[id].CountInLibrary)
}

func TestAvailabilityEndpointNoStock(t *testing.T) {
	server, _ := newTestServer(t, "")

	// Zero copies everywhere reads the same as an unknown ISBN
	rec := doRequest(server, http.MethodGet, "/books/2222222222222/availability", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(server, http.MethodGet, "/books/0000000000000/availability", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetailsEndpoint(t *testing.T) {
	server, store := newTestServer(t, "")
	id := firstPartnerID(t, store)

	rec := doRequest(server, http.MethodGet, "/books/"+strconv.FormatInt(id, 10)+"/details", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var record Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "Book A", record.Title)

	rec = doRequest(server, http.MethodGet, "/books/999/details", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReserveExternalEndpoint(t *testing.T) {
	server, store := newTestServer(t, "")
	id := strconv.FormatInt(firstPartnerID(t, store), 10)

	rec := doRequest(server, http.MethodPost, "/book_reserved_external/"+id, "good-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "reserved", out["status"])
	assert.NotEmpty(t, out["confirmation_id"])
	assert.Equal(t, "Riverside Branch", out["library"])
	assert.Contains(t, out["message"], "reserved successfully")
}

func TestReserveExternalAuth(t *testing.T) {
	server, store := newTestServer(t, "")
	id := strconv.FormatInt(firstPartnerID(t, store), 10)

	// No Authorization header
	rec := doRequest(server, http.MethodPost, "/book_reserved_external/"+id, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token the issuing authority rejects
	rec = doRequest(server, http.MethodPost, "/book_reserved_external/"+id, "bad-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Neither attempt consumed a copy
	record, err := store.BookByID(context.Background(), firstPartnerID(t, store))
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.CountInLibrary)
}

func TestReserveExternalNoStock(t *testing.T) {
	server, store := newTestServer(t, "")
	id := firstPartnerID(t, store)
	idStr := strconv.FormatInt(id, 10)

	// Drain the shelf
	_, err := store.Reserve(context.Background(), id)
	require.NoError(t, err)
	_, err = store.Reserve(context.Background(), id)
	require.NoError(t, err)

	rec := doRequest(server, http.MethodPost, "/book_reserved_external/"+idStr, "good-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out["error"], "not available in external library")
}

func TestReserveExternalUnknownID(t *testing.T) {
	server, _ := newTestServer(t, "")

	rec := doRequest(server, http.MethodPost, "/book_reserved_external/999", "good-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(server, http.MethodPost, "/book_reserved_external/zero", "good-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseEndpoint(t *testing.T) {
	server, store := newTestServer(t, "")
	id := firstPartnerID(t, store)
	idStr := strconv.FormatInt(id, 10)

	_, err := store.Reserve(context.Background(), id)
	require.NoError(t, err)

	rec := doRequest(server, http.MethodPost, "/books/"+idStr+"/release", "good-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "released", out["status"])

	record, err := store.BookByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.CountInLibrary)
}

func TestReserveRelay(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reserve/5", r.URL.Path)
		assert.Equal(t, "Bearer good-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"reservation_id": 7})
	}))
	defer primary.Close()

	server, _ := newTestServer(t, primary.URL)

	rec := doRequest(server, http.MethodPost, "/reserve/5", "good-token", `{"book_id": 5}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Reservation relayed to primary library", out["status"])
	details, ok := out["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), details["reservation_id"])
}

func TestReserveRelayPrimaryDown(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	primary.Close()

	server, _ := newTestServer(t, primary.URL)

	rec := doRequest(server, http.MethodPost, "/reserve/5", "good-token", `{}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "")

	rec := doRequest(server, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
