package services

import (
	"context"
	"strings"
	"time"

	"github.com/libshelf/apiserver/internal/events"
	"github.com/libshelf/apiserver/internal/store"
	"github.com/libshelf/apiserver/types"
	"github.com/rs/zerolog"
)

// LoanRepository defines persistence operations for loan transitions.
type LoanRepository interface {
	Get(ctx context.Context, id int) (types.Book, error)
	Checkout(ctx context.Context, id int, borrower string) (types.Book, error)
	Return(ctx context.Context, id int) (types.Book, error)
}

// LoanService encapsulates checkout and return rules.
type LoanService struct {
	repo   LoanRepository
	bus    *events.Bus
	logger zerolog.Logger
}

// NewLoanService constructs a LoanService. A nil bus disables event
// publishing.
func NewLoanService(repo LoanRepository, bus *events.Bus, logger zerolog.Logger) *LoanService {
	return &LoanService{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("service", "loan").Logger(),
	}
}

// Checkout checks the book out for the calling user. Non-admin callers
// always check out as themselves; admins must name a borrower. A book
// already on loan is rejected before the borrower is considered.
func (s *LoanService) Checkout(ctx context.Context, user types.User, bookID int, borrower string) (types.Book, error) {
	current, err := s.repo.Get(ctx, bookID)
	if err != nil {
		return types.Book{}, err
	}
	if current.CheckedOut {
		return types.Book{}, store.ErrAlreadyCheckedOut
	}

	if user.IsAdmin() {
		borrower = strings.TrimSpace(borrower)
		if borrower == "" {
			return types.Book{}, ErrBorrowerRequired
		}
	} else {
		borrower = user.Name
	}

	book, err := s.repo.Checkout(ctx, bookID, borrower)
	if err != nil {
		return types.Book{}, err
	}

	s.publish(ctx, events.TypeCheckedOut, book, book.Borrower)
	return book, nil
}

// Return puts the book back on the shelf. Only an admin or the exact
// current borrower may return it; the permission check runs before the
// loan-state check, so returning a shelved book as a stranger is a
// permission failure, not a conflict.
func (s *LoanService) Return(ctx context.Context, user types.User, bookID int) (types.Book, error) {
	book, err := s.repo.Get(ctx, bookID)
	if err != nil {
		return types.Book{}, err
	}

	if !user.IsAdmin() && book.Borrower != user.Name {
		return types.Book{}, ErrReturnNotAllowed
	}

	borrower := book.Borrower
	returned, err := s.repo.Return(ctx, bookID)
	if err != nil {
		return types.Book{}, err
	}

	s.publish(ctx, events.TypeReturned, returned, borrower)
	return returned, nil
}

func (s *LoanService) publish(ctx context.Context, eventType string, book types.Book, borrower string) {
	if s.bus == nil {
		return
	}

	_, err := s.bus.PublishLoanEvent(ctx, events.Event{
		Type:     eventType,
		BookID:   book.ID,
		Title:    book.Title,
		Author:   book.Author,
		Borrower: borrower,
		At:       time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Int("book_id", book.ID).
			Msg("failed to publish loan event")
	}
}
