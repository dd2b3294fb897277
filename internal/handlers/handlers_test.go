package handlers_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libshelf/apiserver/internal/handlers"
	"github.com/libshelf/apiserver/internal/services"
	"github.com/libshelf/apiserver/internal/storage"
	"github.com/libshelf/apiserver/types"
)

const (
	testJWTSecret   = "test-secret"
	testAdminSecret = "sesame"
)

type testEnv struct {
	router *chi.Mux
	books  *fakeBookRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithCovers(t, nil)
}

func newTestEnvWithCovers(t *testing.T, covers *storage.CoverStore) *testEnv {
	t.Helper()

	users := newFakeUserRepo()
	books := newFakeBookRepo()

	userService := services.NewUserService(users)
	bookService := services.NewBookService(books)
	loanService := services.NewLoanService(books, nil, zerolog.Nop())
	recommendService := services.NewRecommendService(books)

	router := chi.NewRouter()
	handlers.AuthRouter(router, userService, testJWTSecret, testAdminSecret)
	handlers.BookRouter(router, bookService, loanService, recommendService, userService, covers, handlers.RequireAuth(testJWTSecret))

	return &testEnv{router: router, books: books}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) postForm(t *testing.T, token, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, req)
}

func (e *testEnv) postMultipart(t *testing.T, token, path string, fields map[string]string, coverName string, coverData []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	if coverName != "" {
		part, err := writer.CreateFormFile("cover", coverName)
		require.NoError(t, err)
		_, err = part.Write(coverData)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, req)
}

func (e *testEnv) get(t *testing.T, token, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, req)
}

func (e *testEnv) register(t *testing.T, email, name, password, adminCode string) *httptest.ResponseRecorder {
	t.Helper()
	return e.postJSON(t, "/register", map[string]string{
		"email":      email,
		"name":       name,
		"password":   password,
		"confirm":    password,
		"admin_code": adminCode,
	})
}

func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	rec := e.postJSON(t, "/login", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handlers.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// signup registers and logs in, returning a bearer token.
func (e *testEnv) signup(t *testing.T, email, name, adminCode string) string {
	t.Helper()
	rec := e.register(t, email, name, "hunter22", adminCode)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return e.login(t, email, "hunter22")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handlers.ErrorResponse
	decodeBody(t, rec, &resp)
	return resp.Error
}

func TestRegisterRoleAssignment(t *testing.T) {
	env := newTestEnv(t)

	rec := env.register(t, "admin@example.com", "Ada", "hunter22", testAdminSecret)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var admin types.User
	decodeBody(t, rec, &admin)
	assert.Equal(t, "admin", admin.Role)

	rec = env.register(t, "reader@example.com", "Rita", "hunter22", "wrong-code")
	require.Equal(t, http.StatusCreated, rec.Code)
	var reader types.User
	decodeBody(t, rec, &reader)
	assert.Equal(t, "user", reader.Role)

	rec = env.register(t, "plain@example.com", "Pat", "hunter22", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var plain types.User
	decodeBody(t, rec, &plain)
	assert.Equal(t, "user", plain.Role)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/register", map[string]string{
		"email": "a@example.com", "name": "A", "password": "x", "confirm": "y",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "passwords do not match", errorMessage(t, rec))

	rec = env.postJSON(t, "/register", map[string]string{
		"email": "a@example.com", "password": "x", "confirm": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "all fields except admin code are required", errorMessage(t, rec))

	rec = env.register(t, "dup@example.com", "First", "hunter22", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.register(t, "dup@example.com", "Second", "hunter22", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email already registered", errorMessage(t, rec))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "rita@example.com", "Rita", "hunter22", "")

	rec := env.postJSON(t, "/login", map[string]string{"email": "rita@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid email or password", errorMessage(t, rec))

	rec = env.postJSON(t, "/login", map[string]string{"email": "ghost@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIndexRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "", "/")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "please log in first", errorMessage(t, rec))
}

func TestAdminRoutesRejectRegularUsers(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "rita@example.com", "Rita", "")

	rec := env.postForm(t, token, "/add", url.Values{"title": {"Dune"}, "author": {"Frank Herbert"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "you do not have permission to access this page", errorMessage(t, rec))

	rec = env.get(t, token, "/add")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBookLifecycle(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signup(t, "ada@example.com", "Ada", testAdminSecret)

	rec := env.postForm(t, admin, "/add", url.Values{
		"title":  {"The Dispossessed"},
		"author": {"Ursula K. Le Guin"},
		"year":   {"1974"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created types.Book
	decodeBody(t, rec, &created)
	assert.Equal(t, "The Dispossessed", created.Title)
	require.NotNil(t, created.Year)
	assert.Equal(t, 1974, *created.Year)
	assert.False(t, created.CheckedOut)
	assert.Empty(t, created.Borrower)

	id := strconv.Itoa(created.ID)

	rec = env.get(t, admin, "/?year=1974")
	require.Equal(t, http.StatusOK, rec.Code)
	var index handlers.IndexResponse
	decodeBody(t, rec, &index)
	require.Len(t, index.Books, 1)
	assert.Equal(t, created.ID, index.Books[0].ID)

	rec = env.postForm(t, admin, "/edit/"+id, url.Values{
		"title":  {"The Dispossessed: An Ambiguous Utopia"},
		"author": {"Ursula K. Le Guin"},
		"year":   {"1975"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var edited types.Book
	decodeBody(t, rec, &edited)
	assert.Equal(t, "The Dispossessed: An Ambiguous Utopia", edited.Title)
	require.NotNil(t, edited.Year)
	assert.Equal(t, 1975, *edited.Year)

	rec = env.get(t, admin, "/?year=1974")
	decodeBody(t, rec, &index)
	assert.Empty(t, index.Books)

	rec = env.postForm(t, admin, "/delete/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.get(t, admin, "/edit/"+id)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddBookValidation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signup(t, "ada@example.com", "Ada", testAdminSecret)

	rec := env.postForm(t, admin, "/add", url.Values{"title": {"No Author"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "title and author are required", errorMessage(t, rec))

	rec = env.postForm(t, admin, "/add", url.Values{
		"title": {"Dune"}, "author": {"Frank Herbert"}, "year": {"ninety"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "year must be an integer", errorMessage(t, rec))
}

func TestAddBookRollsBackWhenCoverStorageFails(t *testing.T) {
	env := newTestEnvWithCovers(t, storage.NewCoverStore(failingObjectStorage{}))
	admin := env.signup(t, "ada@example.com", "Ada", testAdminSecret)

	rec := env.postMultipart(t, admin, "/add",
		map[string]string{"title": "Dune", "author": "Frank Herbert"},
		"cover.png", []byte{0x89, 'P', 'N', 'G'})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "failed to store cover image", errorMessage(t, rec))

	// The half-created book must not survive the failed upload.
	rec = env.get(t, admin, "/?query=Dune")
	require.Equal(t, http.StatusOK, rec.Code)
	var index handlers.IndexResponse
	decodeBody(t, rec, &index)
	assert.Empty(t, index.Books)
}

func TestIndexRejectsBadYear(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "rita@example.com", "Rita", "")

	rec := env.get(t, token, "/?year=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "year must be an integer", errorMessage(t, rec))
}

func TestCheckoutAndReturnFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signup(t, "ada@example.com", "Ada", testAdminSecret)
	rita := env.signup(t, "rita@example.com", "Rita", "")
	omar := env.signup(t, "omar@example.com", "Omar", "")

	rec := env.postForm(t, admin, "/add", url.Values{"title": {"Dune"}, "author": {"Frank Herbert"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var book types.Book
	decodeBody(t, rec, &book)
	id := strconv.Itoa(book.ID)

	// A regular user checks the book out under their own name via GET.
	rec = env.get(t, rita, "/checkout/"+id)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var loan handlers.LoanResponse
	decodeBody(t, rec, &loan)
	assert.Equal(t, "book checked out successfully", loan.Message)
	assert.True(t, loan.Book.CheckedOut)
	assert.Equal(t, "Rita", loan.Book.Borrower)

	rec = env.get(t, omar, "/checkout/"+id)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "book is already checked out", errorMessage(t, rec))

	// Someone else cannot return Rita's loan.
	rec = env.postForm(t, omar, "/return/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "you do not have permission to return this book", errorMessage(t, rec))

	rec = env.postForm(t, rita, "/return/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &loan)
	assert.Equal(t, "book returned successfully", loan.Message)
	assert.False(t, loan.Book.CheckedOut)
	assert.Empty(t, loan.Book.Borrower)

	// Once shelved, the borrower check trips first for regular users and
	// the state check for admins.
	rec = env.postForm(t, rita, "/return/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.postForm(t, admin, "/return/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "book is not checked out", errorMessage(t, rec))
}

func TestAdminCheckoutNamesBorrower(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signup(t, "ada@example.com", "Ada", testAdminSecret)

	rec := env.postForm(t, admin, "/add", url.Values{"title": {"Dune"}, "author": {"Frank Herbert"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var book types.Book
	decodeBody(t, rec, &book)
	id := strconv.Itoa(book.ID)

	// GET shows the available book so the admin can fill in a borrower.
	rec = env.get(t, admin, "/checkout/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var form types.Book
	decodeBody(t, rec, &form)
	assert.False(t, form.CheckedOut)

	rec = env.postForm(t, admin, "/checkout/"+id, url.Values{"borrower": {"  "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "borrower name is required", errorMessage(t, rec))

	rec = env.postForm(t, admin, "/checkout/"+id, url.Values{"borrower": {"Walk-in Patron"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var loan handlers.LoanResponse
	decodeBody(t, rec, &loan)
	assert.Equal(t, "Walk-in Patron", loan.Book.Borrower)

	// On a book already out the conflict is reported even when the
	// admin also left the borrower blank.
	rec = env.postForm(t, admin, "/checkout/"+id, url.Values{"borrower": {""}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "book is already checked out", errorMessage(t, rec))

	// Admins may return any loan.
	rec = env.postForm(t, admin, "/return/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexRecommendations(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signup(t, "ada@example.com", "Ada", testAdminSecret)
	rita := env.signup(t, "rita@example.com", "Rita", "")

	add := func(title, author, year string) types.Book {
		form := url.Values{"title": {title}, "author": {author}}
		if year != "" {
			form.Set("year", year)
		}
		rec := env.postForm(t, admin, "/add", form)
		require.Equal(t, http.StatusCreated, rec.Code)
		var book types.Book
		decodeBody(t, rec, &book)
		return book
	}

	hobbit := add("The Hobbit", "J.R.R. Tolkien", "1937")
	fellowship := add("The Fellowship of the Ring", "J.R.R. Tolkien", "1954")
	add("Dune", "Frank Herbert", "1965")

	// Without loans the newest books are suggested.
	rec := env.get(t, rita, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	var index handlers.IndexResponse
	decodeBody(t, rec, &index)
	require.Len(t, index.Recommendations, 3)

	rec = env.get(t, rita, "/checkout/"+strconv.Itoa(hobbit.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	// With a Tolkien loan only the other Tolkien title comes back.
	rec = env.get(t, rita, "/")
	decodeBody(t, rec, &index)
	require.Len(t, index.Recommendations, 1)
	assert.Equal(t, fellowship.ID, index.Recommendations[0].ID)
}

func TestSessionCookieAuth(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "rita@example.com", "Rita", "hunter22", "")

	rec := env.postJSON(t, "/login", map[string]string{"email": "rita@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	var session *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "session" {
			session = cookie
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(session)
	rec = env.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Logout clears the cookie.
	req = httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(session)
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "session" {
			assert.LessOrEqual(t, cookie.MaxAge, 0)
		}
	}
}
