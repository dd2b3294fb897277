package services

import "errors"

var (
	// ErrBorrowerRequired is returned when an admin checkout omits the
	// borrower name.
	ErrBorrowerRequired = errors.New("borrower name is required")

	// ErrReturnNotAllowed is returned when a return is attempted by a
	// user who is neither an admin nor the book's current borrower.
	ErrReturnNotAllowed = errors.New("you do not have permission to return this book")
)
