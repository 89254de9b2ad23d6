package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/popraf/librarynet/internal/db"
	"go.uber.org/zap"
)

type bookPayload struct {
	Title          string `json:"title"`
	Author         string `json:"author"`
	ISBN           string `json:"isbn"`
	CountInLibrary uint   `json:"count_in_library"`
	Library        string `json:"library"`
}

func (p *bookPayload) validate() string {
	if p.Title == "" {
		return "title is required"
	}
	if p.Author == "" {
		return "author is required"
	}
	if len(p.ISBN) == 0 || len(p.ISBN) > 13 {
		return "isbn must be 1-13 characters"
	}
	return ""
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	books, total, err := s.catalog.ListBooks(
		r.Context(),
		page,
		pageSize,
		r.URL.Query().Get("author"),
		r.URL.Query().Get("library"),
	)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"books":     books,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	book, err := s.catalog.GetBook(r.Context(), bookID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleSearchByISBN(w http.ResponseWriter, r *http.Request) {
	isbn := r.URL.Query().Get("isbn")
	if isbn == "" {
		writeError(w, http.StatusBadRequest, "isbn query parameter is required")
		return
	}

	books, err := s.catalog.SearchByISBN(r.Context(), isbn)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var payload bookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if msg := payload.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if payload.Library == "" {
		payload.Library = "Main Library"
	}

	book := &db.Book{
		Title:          payload.Title,
		Author:         payload.Author,
		ISBN:           payload.ISBN,
		CountInLibrary: payload.CountInLibrary,
		Library:        payload.Library,
	}
	if err := s.catalog.CreateBook(r.Context(), book); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var payload bookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if msg := payload.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if payload.Library == "" {
		payload.Library = "Main Library"
	}

	book := &db.Book{
		BookID:         bookID,
		Title:          payload.Title,
		Author:         payload.Author,
		ISBN:           payload.ISBN,
		CountInLibrary: payload.CountInLibrary,
		Library:        payload.Library,
	}
	if err := s.catalog.UpdateBook(r.Context(), book); err != nil {
		respondError(w, err)
		return
	}

	updated, err := s.catalog.GetBook(r.Context(), bookID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.catalog.DeleteBook(r.Context(), bookID); err != nil {
		respondError(w, err)
		return
	}
	s.log.Info("Book removed from catalog", zap.Uint("book_id", bookID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// pathID parses a numeric path value; writes a 400 and returns false when it
// is not a positive integer
func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := r.PathValue(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
