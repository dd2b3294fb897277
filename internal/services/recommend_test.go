package services_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libshelf/apiserver/internal/services"
	"github.com/libshelf/apiserver/types"
)

// fakeRecommendRepo answers the heuristic's queries over a fixed shelf,
// mirroring the real repository's semantics.
type fakeRecommendRepo struct {
	books []types.Book
}

func (r *fakeRecommendRepo) ListByBorrower(_ context.Context, borrower string) ([]types.Book, error) {
	var out []types.Book
	for _, book := range r.books {
		if book.CheckedOut && book.Borrower == borrower {
			out = append(out, book)
		}
	}
	return out, nil
}

func (r *fakeRecommendRepo) ListByAuthors(_ context.Context, authors []string, excludeBorrower string) ([]types.Book, error) {
	wanted := make(map[string]struct{}, len(authors))
	for _, author := range authors {
		wanted[author] = struct{}{}
	}
	var out []types.Book
	for _, book := range r.books {
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

func (r *fakeRecommendRepo) ListMostRecent(_ context.Context, limit int) ([]types.Book, error) {
	sorted := make([]types.Book, len(r.books))
	copy(sorted, r.books)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Year, sorted[j].Year
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func year(y int) *int { return &y }

func shelf() []types.Book {
	return []types.Book{
		{ID: 1, Title: "The Hobbit", Author: "J.R.R. Tolkien", Year: year(1937), CheckedOut: true, Borrower: "Alice"},
		{ID: 2, Title: "The Fellowship of the Ring", Author: "J.R.R. Tolkien", Year: year(1954)},
		{ID: 3, Title: "The Two Towers", Author: "J.R.R. Tolkien", Year: year(1954), CheckedOut: true, Borrower: "Bob"},
		{ID: 4, Title: "A Wizard of Earthsea", Author: "Ursula K. Le Guin", Year: year(1968)},
		{ID: 5, Title: "The Dispossessed", Author: "Ursula K. Le Guin", Year: year(1974)},
		{ID: 6, Title: "Beowulf", Author: "Unknown"},
	}
}

func bookIDs(books []types.Book) []int {
	ids := make([]int, 0, len(books))
	for _, book := range books {
		ids = append(ids, book.ID)
	}
	return ids
}

func TestRecommend_ByFavoriteAuthors(t *testing.T) {
	svc := services.NewRecommendService(&fakeRecommendRepo{books: shelf()})
	alice := types.User{ID: 1, Name: "Alice", Role: "user"}

	recs, err := svc.Recommend(context.Background(), alice)
	require.NoError(t, err)

	// Other Tolkien books: the shelved Fellowship and the copy Bob has
	// out. Alice's own loan is excluded; other authors never appear.
	assert.Equal(t, []int{2, 3}, bookIDs(recs))
}

func TestRecommend_NoLoansFallsBackToMostRecent(t *testing.T) {
	svc := services.NewRecommendService(&fakeRecommendRepo{books: shelf()})
	carol := types.User{ID: 7, Name: "Carol", Role: "user"}

	recs, err := svc.Recommend(context.Background(), carol)
	require.NoError(t, err)

	require.Len(t, recs, 3)
	assert.Equal(t, []int{5, 4, 2}, bookIDs(recs))
}
