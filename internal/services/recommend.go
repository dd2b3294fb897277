package services

import (
	"context"

	"github.com/libshelf/apiserver/types"
)

// defaultRecommendationCount is the size of the fallback list shown to
// users with no current loans.
const defaultRecommendationCount = 3

// RecommendRepository defines the book queries the heuristic needs.
type RecommendRepository interface {
	ListByBorrower(ctx context.Context, borrower string) ([]types.Book, error)
	ListByAuthors(ctx context.Context, authors []string, excludeBorrower string) ([]types.Book, error)
	ListMostRecent(ctx context.Context, limit int) ([]types.Book, error)
}

// RecommendService derives book suggestions for a user.
type RecommendService struct {
	repo RecommendRepository
}

func NewRecommendService(repo RecommendRepository) *RecommendService {
	return &RecommendService{repo: repo}
}

// Recommend suggests books for the user. With current loans, it offers
// every book by the same authors not checked out to the user, including
// copies on loan to someone else. Without loans, it falls back to the
// most recently published books.
func (s *RecommendService) Recommend(ctx context.Context, user types.User) ([]types.Book, error) {
	loans, err := s.repo.ListByBorrower(ctx, user.Name)
	if err != nil {
		return nil, err
	}

	if len(loans) == 0 {
		return s.repo.ListMostRecent(ctx, defaultRecommendationCount)
	}

	seen := make(map[string]struct{}, len(loans))
	authors := make([]string, 0, len(loans))
	for _, book := range loans {
		if _, ok := seen[book.Author]; ok {
			continue
		}
		seen[book.Author] = struct{}{}
		authors = append(authors, book.Author)
	}

	return s.repo.ListByAuthors(ctx, authors, user.Name)
}
