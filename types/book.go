package types

import "time"

// Book represents a record in the library catalog.
type Book struct {
	// ID is the unique identifier of the book.
	ID int `json:"id" db:"id"`

	// Title is the book's title.
	Title string `json:"title" db:"title"`

	// Author is the book's author name, stored as free text.
	Author string `json:"author" db:"author"`

	// Year is the publication year. Nil when unknown.
	Year *int `json:"year" db:"year"`

	// CheckedOut reports whether the book is currently on loan.
	// It is true exactly when Borrower is non-empty.
	CheckedOut bool `json:"checked_out" db:"checked_out"`

	// Borrower is the display name of the user the book is checked out
	// to, or the empty string when the book is on the shelf. It is a
	// denormalized name, not a reference to a user id.
	Borrower string `json:"borrower" db:"borrower"`

	// CoverKey is the object-storage key of the book's cover image,
	// or the empty string when no cover has been uploaded.
	CoverKey string `json:"cover_key,omitempty" db:"cover_key"`

	// CreatedAt is the timestamp at which the book was added to the catalog.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the book.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
