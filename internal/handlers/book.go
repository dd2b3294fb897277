package handlers

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/libshelf/apiserver/internal/search"
	"github.com/libshelf/apiserver/internal/services"
	"github.com/libshelf/apiserver/internal/storage"
	"github.com/libshelf/apiserver/internal/store"
	"github.com/libshelf/apiserver/types"
)

const (
	maxMultipartMemory = 16 << 20
	maxCoverBytes      = 8 << 20
	formFieldTitle     = "title"
	formFieldAuthor    = "author"
	formFieldYear      = "year"
	formFieldBorrower  = "borrower"
	formFieldCover     = "cover"

	permissionNotice = "you do not have permission to access this page"
)

// BookHandler provides the catalog, loan, and cover endpoints.
type BookHandler struct {
	bookService      *services.BookService
	loanService      *services.LoanService
	recommendService *services.RecommendService
	userService      *services.UserService
	covers           *storage.CoverStore
}

// NewBookHandler constructs a handler with the provided services. A nil
// cover store disables cover uploads.
func NewBookHandler(
	bookService *services.BookService,
	loanService *services.LoanService,
	recommendService *services.RecommendService,
	userService *services.UserService,
	covers *storage.CoverStore,
) *BookHandler {
	return &BookHandler{
		bookService:      bookService,
		loanService:      loanService,
		recommendService: recommendService,
		userService:      userService,
		covers:           covers,
	}
}

// BookRouter registers the catalog routes on the given router. Every
// route requires a session; the admin-only routes additionally pass
// through the role gate.
func BookRouter(
	r chi.Router,
	bookService *services.BookService,
	loanService *services.LoanService,
	recommendService *services.RecommendService,
	userService *services.UserService,
	covers *storage.CoverStore,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewBookHandler(bookService, loanService, recommendService, userService, covers)

	r.With(authMiddleware).Get("/", handler.Index)
	r.With(authMiddleware, handler.requireAdmin).Get("/add", handler.AddBookForm)
	r.With(authMiddleware, handler.requireAdmin).Post("/add", handler.AddBook)
	r.With(authMiddleware, handler.requireAdmin).Post("/delete/{bookID}", handler.DeleteBook)
	r.Route("/checkout/{bookID}", func(r chi.Router) {
		r.With(authMiddleware).Get("/", handler.CheckoutBookForm)
		r.With(authMiddleware).Post("/", handler.CheckoutBook)
	})
	r.With(authMiddleware).Post("/return/{bookID}", handler.ReturnBook)
	r.Route("/edit/{bookID}", func(r chi.Router) {
		r.With(authMiddleware, handler.requireAdmin).Get("/", handler.EditBookForm)
		r.With(authMiddleware, handler.requireAdmin).Post("/", handler.EditBook)
	})
	r.With(authMiddleware).Get("/cover/{bookID}", handler.GetCover)
}

// Index lists the catalog filtered by the optional search inputs and
// attaches recommendations for the calling user. A year that does not
// parse fails the whole request; no filtering happens in that case.
func (h *BookHandler) Index(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	params := r.URL.Query()
	query := params.Get("query")
	year := params.Get("year")
	borrower := params.Get("borrower")
	nlpQuery := params.Get("nlp_query")

	filter, err := search.BuildFilter(query, year, borrower, nlpQuery)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	books, err := h.bookService.Search(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list books")
		return
	}

	recommendations, err := h.recommendService.Recommend(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load recommendations")
		return
	}

	writeJSON(w, http.StatusOK, IndexResponse{
		Books:           books,
		Recommendations: recommendations,
		Query:           query,
		Year:            year,
		Borrower:        borrower,
		NLPQuery:        nlpQuery,
	})
}

// AddBookForm returns an empty book form for clients that render one.
func (h *BookHandler) AddBookForm(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BookForm{})
}

// AddBook creates a new book, with an optional cover image upload.
func (h *BookHandler) AddBook(w http.ResponseWriter, r *http.Request) {
	form, err := parseBookForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.bookService.Create(r.Context(), types.Book{
		Title:  form.Title,
		Author: form.Author,
		Year:   form.Year,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add book")
		return
	}

	if form.Cover != nil {
		withCover, err := h.storeCover(r, book, form.Cover)
		if err != nil {
			// Roll the book back so the error matches the stored state.
			if delErr := h.bookService.Delete(r.Context(), book.ID); delErr != nil {
				writeError(w, http.StatusInternalServerError, "failed to add book")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		book = withCover
	}

	writeJSON(w, http.StatusCreated, book)
}

// EditBookForm returns the current field values of a book.
func (h *BookHandler) EditBookForm(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.bookService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch book")
		return
	}

	writeJSON(w, http.StatusOK, book)
}

// EditBook rewrites a book's catalog fields, with an optional new cover.
func (h *BookHandler) EditBook(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	form, err := parseBookForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.bookService.Update(r.Context(), types.Book{
		ID:     id,
		Title:  form.Title,
		Author: form.Author,
		Year:   form.Year,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update book")
		return
	}

	if form.Cover != nil {
		book, err = h.storeCover(r, book, form.Cover)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, book)
}

// DeleteBook removes a book and, best-effort, its stored cover image.
func (h *BookHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.bookService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch book")
		return
	}

	if err := h.bookService.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete book")
		return
	}

	if book.CoverKey != "" && h.covers != nil {
		_ = h.covers.DeleteCover(r.Context(), book.CoverKey)
	}

	w.WriteHeader(http.StatusNoContent)
}

// CheckoutBookForm auto-checks out the book for regular users; admins
// get the book back so they can fill in a borrower and POST it.
func (h *BookHandler) CheckoutBookForm(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	book, err := h.bookService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch book")
		return
	}
	if book.CheckedOut {
		writeError(w, http.StatusConflict, "book is already checked out")
		return
	}

	if user.IsAdmin() {
		writeJSON(w, http.StatusOK, book)
		return
	}

	checked, err := h.loanService.Checkout(r.Context(), user, id, "")
	if err != nil {
		h.writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoanResponse{Book: checked, Message: "book checked out successfully"})
}

// CheckoutBook commits a checkout. Admins must name a borrower in the
// form; everyone else checks the book out as themself.
func (h *BookHandler) CheckoutBook(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	book, err := h.loanService.Checkout(r.Context(), user, id, r.FormValue(formFieldBorrower))
	if err != nil {
		h.writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoanResponse{Book: book, Message: "book checked out successfully"})
}

// ReturnBook puts a book back on the shelf. Only an admin or the
// current borrower may do so.
func (h *BookHandler) ReturnBook(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	book, err := h.loanService.Return(r.Context(), user, id)
	if err != nil {
		h.writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoanResponse{Book: book, Message: "book returned successfully"})
}

// GetCover streams a book's stored cover image.
func (h *BookHandler) GetCover(w http.ResponseWriter, r *http.Request) {
	id, err := parseBookID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.bookService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch book")
		return
	}
	if book.CoverKey == "" || h.covers == nil {
		writeError(w, http.StatusNotFound, "no cover image")
		return
	}

	reader, err := h.covers.GetCover(r.Context(), book.CoverKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch cover")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, reader)
}

func (h *BookHandler) storeCover(r *http.Request, book types.Book, cover *CoverFile) (types.Book, error) {
	if h.covers == nil {
		return types.Book{}, errors.New("cover uploads are not enabled")
	}

	key, err := h.covers.PutCover(r.Context(), book.ID, bytes.NewReader(cover.Data), int64(len(cover.Data)), cover.ContentType)
	if err != nil {
		return types.Book{}, errors.New("failed to store cover image")
	}
	if err := h.bookService.SetCoverKey(r.Context(), book.ID, key); err != nil {
		return types.Book{}, errors.New("failed to store cover image")
	}
	book.CoverKey = key
	return book, nil
}

func (h *BookHandler) writeLoanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, store.ErrAlreadyCheckedOut):
		writeError(w, http.StatusConflict, "book is already checked out")
	case errors.Is(err, store.ErrNotCheckedOut):
		writeError(w, http.StatusConflict, "book is not checked out")
	case errors.Is(err, services.ErrBorrowerRequired):
		writeError(w, http.StatusBadRequest, services.ErrBorrowerRequired.Error())
	case errors.Is(err, services.ErrReturnNotAllowed):
		writeError(w, http.StatusForbidden, services.ErrReturnNotAllowed.Error())
	default:
		writeError(w, http.StatusInternalServerError, "loan operation failed")
	}
}

// currentUser resolves the authenticated user from the request context.
// It writes the 401 notice itself when resolution fails.
func (h *BookHandler) currentUser(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, loginRequiredNotice)
		return types.User{}, false
	}

	user, err := h.userService.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, loginRequiredNotice)
			return types.User{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return types.User{}, false
	}
	return user, true
}

// requireAdmin gates admin-only routes. It runs after requireAuth, so a
// missing subject is a 401; a non-admin role is a 403.
func (h *BookHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.currentUser(w, r)
		if !ok {
			return
		}
		if !strings.EqualFold(user.Role, adminRole) {
			writeError(w, http.StatusForbidden, permissionNotice)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IndexResponse is the catalog listing payload. It echoes the search
// inputs so a client can re-render the search form.
type IndexResponse struct {
	Books           []types.Book `json:"books"`
	Recommendations []types.Book `json:"recommendations"`
	Query           string       `json:"query"`
	Year            string       `json:"year"`
	Borrower        string       `json:"borrower"`
	NLPQuery        string       `json:"nlp_query"`
}

// LoanResponse is the payload of a successful checkout or return.
type LoanResponse struct {
	Book    types.Book `json:"book"`
	Message string     `json:"message"`
}

// BookForm is the empty form payload returned by GET /add.
type BookForm struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   string `json:"year"`
}

// CoverFile represents an uploaded cover image.
type CoverFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

type bookForm struct {
	Title  string
	Author string
	Year   *int
	Cover  *CoverFile
}

// parseBookForm reads the add/edit form. Plain form encoding and
// multipart both work; the cover file is only present on multipart.
func parseBookForm(r *http.Request) (bookForm, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return bookForm{}, errors.New("invalid multipart form")
		}
	} else if err := r.ParseForm(); err != nil {
		return bookForm{}, errors.New("invalid form")
	}

	title := strings.TrimSpace(r.FormValue(formFieldTitle))
	author := strings.TrimSpace(r.FormValue(formFieldAuthor))
	if title == "" || author == "" {
		return bookForm{}, errors.New("title and author are required")
	}

	year, err := parseOptionalYear(r.FormValue(formFieldYear))
	if err != nil {
		return bookForm{}, err
	}

	cover, err := parseCoverFile(r.MultipartForm)
	if err != nil {
		return bookForm{}, err
	}

	return bookForm{
		Title:  title,
		Author: author,
		Year:   year,
		Cover:  cover,
	}, nil
}

func parseOptionalYear(value string) (*int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	year, err := strconv.Atoi(value)
	if err != nil {
		return nil, errors.New("year must be an integer")
	}
	return &year, nil
}

func parseCoverFile(form *multipart.Form) (*CoverFile, error) {
	if form == nil {
		return nil, nil
	}

	files := form.File[formFieldCover]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, errors.New("only one cover file is allowed")
	}

	fileHeader := files[0]
	file, err := fileHeader.Open()
	if err != nil {
		return nil, errors.New("failed to read cover file")
	}

	data, err := readFileLimited(file, maxCoverBytes)
	_ = file.Close()
	if err != nil {
		return nil, err
	}

	return &CoverFile{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("uploaded file too large")
	}
	return data, nil
}
