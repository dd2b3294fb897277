package handlers_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/libshelf/apiserver/internal/search"
	"github.com/libshelf/apiserver/internal/store"
	"github.com/libshelf/apiserver/types"
)

// failingObjectStorage rejects every operation.
type failingObjectStorage struct{}

func (failingObjectStorage) EnsureBucket(context.Context) error { return nil }

func (failingObjectStorage) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("bucket unavailable")
}

func (failingObjectStorage) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("bucket unavailable")
}

func (failingObjectStorage) Delete(context.Context, string) error {
	return errors.New("bucket unavailable")
}

func (failingObjectStorage) Bucket() string { return "covers-test" }

// fakeUserRepo is an in-memory stand-in for the user repository.
type fakeUserRepo struct {
	mu     sync.Mutex
	nextID int
	users  map[int]types.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{nextID: 1, users: make(map[int]types.User)}
}

func (r *fakeUserRepo) GetByID(_ context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *fakeUserRepo) Create(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return types.User{}, store.ErrDuplicateEmail
		}
	}
	user.ID = r.nextID
	r.nextID++
	r.users[user.ID] = user
	return user, nil
}

// fakeBookRepo is an in-memory stand-in for the book repository. It
// mirrors the SQL semantics the services rely on, including NULL-year
// comparisons and the guarded loan transitions.
type fakeBookRepo struct {
	mu     sync.Mutex
	nextID int
	books  map[int]types.Book
}

func newFakeBookRepo() *fakeBookRepo {
	return &fakeBookRepo{nextID: 1, books: make(map[int]types.Book)}
}

func (r *fakeBookRepo) sorted() []types.Book {
	books := make([]types.Book, 0, len(r.books))
	for _, book := range r.books {
		books = append(books, book)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func matches(book types.Book, predicate search.Predicate) bool {
	switch predicate.Kind {
	case search.KindTitleOrAuthorContains:
		return containsFold(book.Title, predicate.Text) || containsFold(book.Author, predicate.Text)
	case search.KindYearEquals:
		return book.Year != nil && *book.Year == predicate.Year
	case search.KindYearAfter:
		return book.Year != nil && *book.Year > predicate.Year
	case search.KindYearBefore:
		return book.Year != nil && *book.Year < predicate.Year
	case search.KindAuthorContains:
		return containsFold(book.Author, predicate.Text)
	case search.KindBorrowerContains:
		return containsFold(book.Borrower, predicate.Text)
	default:
		return false
	}
}

func (r *fakeBookRepo) Search(_ context.Context, filter search.Filter) ([]types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Book, 0)
	for _, book := range r.sorted() {
		keep := true
		for _, predicate := range filter.Predicates() {
			if !matches(book, predicate) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, book)
		}
	}
	return out, nil
}

func (r *fakeBookRepo) Get(_ context.Context, id int) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[id]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	return book, nil
}

func (r *fakeBookRepo) Create(_ context.Context, book types.Book) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book.ID = r.nextID
	r.nextID++
	r.books[book.ID] = book
	return book, nil
}

func (r *fakeBookRepo) Update(_ context.Context, book types.Book) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.books[book.ID]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	existing.Title = book.Title
	existing.Author = book.Author
	existing.Year = book.Year
	r.books[book.ID] = existing
	return existing, nil
}

func (r *fakeBookRepo) Delete(_ context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.books[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.books, id)
	return nil
}

func (r *fakeBookRepo) SetCoverKey(_ context.Context, id int, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[id]
	if !ok {
		return store.ErrNotFound
	}
	book.CoverKey = key
	r.books[id] = book
	return nil
}

func (r *fakeBookRepo) Checkout(_ context.Context, id int, borrower string) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[id]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	if book.CheckedOut {
		return types.Book{}, store.ErrAlreadyCheckedOut
	}
	book.CheckedOut = true
	book.Borrower = borrower
	r.books[id] = book
	return book, nil
}

func (r *fakeBookRepo) Return(_ context.Context, id int) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[id]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	if !book.CheckedOut {
		return types.Book{}, store.ErrNotCheckedOut
	}
	book.CheckedOut = false
	book.Borrower = ""
	r.books[id] = book
	return book, nil
}

func (r *fakeBookRepo) ListByBorrower(_ context.Context, borrower string) ([]types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Book
	for _, book := range r.sorted() {
		if book.CheckedOut && book.Borrower == borrower {
			out = append(out, book)
		}
	}
	return out, nil
}

func (r *fakeBookRepo) ListByAuthors(_ context.Context, authors []string, excludeBorrower string) ([]types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]struct{}, len(authors))
	for _, author := range authors {
		wanted[author] = struct{}{}
	}
	var out []types.Book
	for _, book := range r.sorted() {
		if _, ok := wanted[book.Author]; !ok {
			continue
		}
		if book.Borrower == excludeBorrower {
			continue
		}
		out = append(out, book)
	}
	return out, nil
}

func (r *fakeBookRepo) ListMostRecent(_ context.Context, limit int) ([]types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	books := r.sorted()
	sort.SliceStable(books, func(i, j int) bool {
		a, b := books[i].Year, books[j].Year
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	if len(books) > limit {
		books = books[:limit]
	}
	return books, nil
}
