package services

import (
	"context"

	"github.com/libshelf/apiserver/internal/search"
	"github.com/libshelf/apiserver/types"
)

// BookRepository defines persistence operations for catalog management.
type BookRepository interface {
	Search(ctx context.Context, filter search.Filter) ([]types.Book, error)
	Get(ctx context.Context, id int) (types.Book, error)
	Create(ctx context.Context, book types.Book) (types.Book, error)
	Update(ctx context.Context, book types.Book) (types.Book, error)
	Delete(ctx context.Context, id int) error
	SetCoverKey(ctx context.Context, id int, key string) error
}

// BookService encapsulates catalog use-cases.
type BookService struct {
	repo BookRepository
}

func NewBookService(repo BookRepository) *BookService {
	return &BookService{repo: repo}
}

// Search returns the books matching the filter; an empty filter returns
// the full catalog.
func (s *BookService) Search(ctx context.Context, filter search.Filter) ([]types.Book, error) {
	return s.repo.Search(ctx, filter)
}

func (s *BookService) Get(ctx context.Context, id int) (types.Book, error) {
	return s.repo.Get(ctx, id)
}

func (s *BookService) Create(ctx context.Context, book types.Book) (types.Book, error) {
	return s.repo.Create(ctx, book)
}

func (s *BookService) Update(ctx context.Context, book types.Book) (types.Book, error) {
	return s.repo.Update(ctx, book)
}

func (s *BookService) Delete(ctx context.Context, id int) error {
	return s.repo.Delete(ctx, id)
}

func (s *BookService) SetCoverKey(ctx context.Context, id int, key string) error {
	return s.repo.SetCoverKey(ctx, id, key)
}
