package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect import
	"github.com/lib/pq"
	"github.com/libshelf/apiserver/internal/search"
	"github.com/libshelf/apiserver/types"
)

const (
	dialectPostgres = "postgres"
	tableBooks      = "books"

	colID         = "id"
	colTitle      = "title"
	colAuthor     = "author"
	colYear       = "year"
	colCheckedOut = "checked_out"
	colBorrower   = "borrower"
	colCoverKey   = "cover_key"
	colCreatedAt  = "created_at"
	colUpdatedAt  = "updated_at"
)

const bookColumns = `id, title, author, year, checked_out, borrower, cover_key, created_at, updated_at`

// BookRepository handles persistence for books.
type BookRepository struct {
	db *sql.DB
}

func NewBookRepository(db *sql.DB) *BookRepository {
	return &BookRepository{db: db}
}

// Search returns the books matching the filter in storage order. An
// empty filter returns the whole catalog.
func (r *BookRepository) Search(ctx context.Context, filter search.Filter) ([]types.Book, error) {
	query, args, err := buildSearchSQL(filter)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBooks(rows)
}

// buildSearchSQL translates a search filter into a parameterized SELECT.
// Each predicate becomes one WHERE expression; the expressions are ANDed.
func buildSearchSQL(filter search.Filter) (string, []interface{}, error) {
	stmt := goqu.Dialect(dialectPostgres).
		From(tableBooks).
		Select(
			goqu.C(colID), goqu.C(colTitle), goqu.C(colAuthor), goqu.C(colYear),
			goqu.C(colCheckedOut), goqu.C(colBorrower), goqu.C(colCoverKey),
			goqu.C(colCreatedAt), goqu.C(colUpdatedAt),
		).
		Order(goqu.I(colID).Asc())

	expressions := make([]goqu.Expression, 0, len(filter.Predicates()))
	for _, predicate := range filter.Predicates() {
		expression, err := predicateExpression(predicate)
		if err != nil {
			return "", nil, err
		}
		expressions = append(expressions, expression)
	}
	if len(expressions) > 0 {
		stmt = stmt.Where(goqu.And(expressions...))
	}

	return stmt.Prepared(true).ToSQL()
}

func predicateExpression(predicate search.Predicate) (goqu.Expression, error) {
	contains := func(text string) string { return "%" + text + "%" }

	switch predicate.Kind {
	case search.KindTitleOrAuthorContains:
		return goqu.Or(
			goqu.C(colTitle).ILike(contains(predicate.Text)),
			goqu.C(colAuthor).ILike(contains(predicate.Text)),
		), nil
	case search.KindYearEquals:
		return goqu.C(colYear).Eq(predicate.Year), nil
	case search.KindYearAfter:
		return goqu.C(colYear).Gt(predicate.Year), nil
	case search.KindYearBefore:
		return goqu.C(colYear).Lt(predicate.Year), nil
	case search.KindAuthorContains:
		return goqu.C(colAuthor).ILike(contains(predicate.Text)), nil
	case search.KindBorrowerContains:
		return goqu.C(colBorrower).ILike(contains(predicate.Text)), nil
	default:
		return nil, fmt.Errorf("unknown predicate kind %d", predicate.Kind)
	}
}

func (r *BookRepository) Get(ctx context.Context, id int) (types.Book, error) {
	query := `
		SELECT ` + bookColumns + `
		FROM books
		WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	book, err := scanBook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Book{}, ErrNotFound
		}
		return types.Book{}, err
	}
	return book, nil
}

func (r *BookRepository) Create(ctx context.Context, book types.Book) (types.Book, error) {
	now := time.Now()
	book.CreatedAt = now
	book.UpdatedAt = now

	const query = `
		INSERT INTO books (title, author, year, checked_out, borrower, cover_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		book.Title,
		book.Author,
		nullableYear(book.Year),
		book.CheckedOut,
		book.Borrower,
		book.CoverKey,
		book.CreatedAt,
		book.UpdatedAt,
	).Scan(&book.ID); err != nil {
		return types.Book{}, err
	}
	return book, nil
}

// Update rewrites the catalog fields of a book. Loan state is changed
// only through Checkout and Return.
func (r *BookRepository) Update(ctx context.Context, book types.Book) (types.Book, error) {
	book.UpdatedAt = time.Now()

	const query = `
		UPDATE books
		SET title = $1,
			author = $2,
			year = $3,
			updated_at = $4
		WHERE id = $5`
	result, err := r.db.ExecContext(
		ctx,
		query,
		book.Title,
		book.Author,
		nullableYear(book.Year),
		book.UpdatedAt,
		book.ID,
	)
	if err != nil {
		return types.Book{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Book{}, err
	}
	if affected == 0 {
		return types.Book{}, ErrNotFound
	}
	return r.Get(ctx, book.ID)
}

func (r *BookRepository) Delete(ctx context.Context, id int) error {
	const query = `DELETE FROM books WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Checkout marks the book as on loan to borrower. The update only
// applies while the book is on the shelf, so two concurrent checkouts
// cannot both succeed.
func (r *BookRepository) Checkout(ctx context.Context, id int, borrower string) (types.Book, error) {
	query := `
		UPDATE books
		SET borrower = $1, checked_out = TRUE, updated_at = $2
		WHERE id = $3 AND checked_out = FALSE
		RETURNING ` + bookColumns
	row := r.db.QueryRowContext(ctx, query, borrower, time.Now(), id)
	book, err := scanBook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Book{}, r.loanConflict(ctx, id, ErrAlreadyCheckedOut)
		}
		return types.Book{}, err
	}
	return book, nil
}

// Return clears the book's loan state. The update only applies while
// the book is on loan.
func (r *BookRepository) Return(ctx context.Context, id int) (types.Book, error) {
	query := `
		UPDATE books
		SET borrower = '', checked_out = FALSE, updated_at = $1
		WHERE id = $2 AND checked_out = TRUE
		RETURNING ` + bookColumns
	row := r.db.QueryRowContext(ctx, query, time.Now(), id)
	book, err := scanBook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Book{}, r.loanConflict(ctx, id, ErrNotCheckedOut)
		}
		return types.Book{}, err
	}
	return book, nil
}

// loanConflict distinguishes a guarded update that matched no rows:
// either the book does not exist, or it was in the wrong loan state.
func (r *BookRepository) loanConflict(ctx context.Context, id int, conflict error) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return conflict
}

// ListByBorrower returns the books currently checked out to the named
// borrower, in storage order.
func (r *BookRepository) ListByBorrower(ctx context.Context, borrower string) ([]types.Book, error) {
	query := `
		SELECT ` + bookColumns + `
		FROM books
		WHERE borrower = $1 AND checked_out = TRUE
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, borrower)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

// ListByAuthors returns the books by any of the given authors whose
// borrower differs from excludeBorrower, in storage order.
func (r *BookRepository) ListByAuthors(ctx context.Context, authors []string, excludeBorrower string) ([]types.Book, error) {
	if len(authors) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + bookColumns + `
		FROM books
		WHERE author = ANY($1) AND borrower <> $2
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(authors), excludeBorrower)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

// ListMostRecent returns up to limit books ordered by publication year
// descending, unknown years last, id as tiebreak.
func (r *BookRepository) ListMostRecent(ctx context.Context, limit int) ([]types.Book, error) {
	query := `
		SELECT ` + bookColumns + `
		FROM books
		ORDER BY year DESC NULLS LAST, id
		LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

// SetCoverKey records the object-storage key of the book's cover image.
func (r *BookRepository) SetCoverKey(ctx context.Context, id int, key string) error {
	const query = `
		UPDATE books
		SET cover_key = $1, updated_at = $2
		WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, key, time.Now(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (types.Book, error) {
	var book types.Book
	var year sql.NullInt64
	if err := row.Scan(
		&book.ID,
		&book.Title,
		&book.Author,
		&year,
		&book.CheckedOut,
		&book.Borrower,
		&book.CoverKey,
		&book.CreatedAt,
		&book.UpdatedAt,
	); err != nil {
		return types.Book{}, err
	}
	if year.Valid {
		value := int(year.Int64)
		book.Year = &value
	}
	return book, nil
}

func scanBooks(rows *sql.Rows) ([]types.Book, error) {
	books := make([]types.Book, 0)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return books, nil
}

func nullableYear(year *int) sql.NullInt64 {
	if year == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*year), Valid: true}
}
