package library

import "errors"

// Error kinds. Use errors.Is against these to classify a failure.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotAdmin         = errors.New("not admin")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPDFUnavailable   = errors.New("PDF not available")
)

// Error is a user-visible failure. Error() yields the human-readable reason,
// while Unwrap exposes the kind for errors.Is.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

var (
	errNotAuthenticated = newError(ErrNotAuthenticated, "Not authenticated")
	errTextbookNotFound = newError(ErrNotFound, "Textbook not found")
	errUserNotFound     = newError(ErrNotFound, "User not found")
	errOneAtATime       = newError(ErrInvalidState, "You can only checkout one textbook at a time")
	errAlreadyOut       = newError(ErrInvalidState, "This textbook is already checked out")
	errNotHolder        = newError(ErrInvalidState, "You don't have this textbook checked out")
	errMustCheckout     = newError(ErrInvalidState, "You must checkout this textbook to access the PDF")
	errNotPDF           = newError(ErrInvalidState, "Please select a PDF file")
	errAdminRequired    = newError(ErrNotAdmin, "Admin privileges required")
	errPDFUnavailable   = newError(ErrPDFUnavailable, "PDF not available")
)
