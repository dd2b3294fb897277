package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned when a user insert violates the
	// unique email constraint.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrAlreadyCheckedOut is returned when a checkout targets a book
	// that is already on loan.
	ErrAlreadyCheckedOut = errors.New("book is already checked out")

	// ErrNotCheckedOut is returned when a return targets a book that is
	// not on loan.
	ErrNotCheckedOut = errors.New("book is not checked out")
)
