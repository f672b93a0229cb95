package library

import (
	"io"
	"time"
)

// Textbook represents catalog metadata and the current checkout state of a textbook.
// The PDF itself lives in PDFStorage under PDFStorageID.
//
// IsCheckedOut is true iff CheckedOutBy, CheckedOutAt and DueDate are all set.
type Textbook struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	ISBN         string     `json:"isbn,omitempty"`
	Description  string     `json:"description,omitempty"`
	PDFStorageID string     `json:"pdf_storage_id"`
	PDFPassword  string     `json:"-"`
	IsCheckedOut bool       `json:"is_checked_out"`
	CheckedOutBy *int64     `json:"checked_out_by,omitempty"`
	CheckedOutAt *time.Time `json:"checked_out_at,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

// HeldBy reports whether the textbook is currently checked out by memberID.
func (t *Textbook) HeldBy(memberID int64) bool {
	return t.IsCheckedOut && t.CheckedOutBy != nil && *t.CheckedOutBy == memberID
}

// TextbookView is a catalog row as seen by a particular member.
type TextbookView struct {
	Textbook
	CheckedOutByUser          string `json:"checked_out_by_user,omitempty"`
	IsCheckedOutByCurrentUser bool   `json:"is_checked_out_by_current_user"`
}

// CheckoutRecord is one loan in the checkout history. A record without
// ReturnedAt is an open loan.
type CheckoutRecord struct {
	ID           int64      `json:"id"`
	TextbookID   int64      `json:"textbook_id"`
	MemberID     int64      `json:"member_id"`
	CheckedOutAt time.Time  `json:"checked_out_at"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
	AutoReturned bool       `json:"auto_returned"`
}

// Open reports whether the loan has not been returned yet.
func (r *CheckoutRecord) Open() bool { return r.ReturnedAt == nil }

// Member represents a registered library member and their profile flags.
type Member struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"` // Don't serialize password hash
	IsAdmin      bool   `json:"is_admin"`
}

// NewTextbook carries everything an admin supplies when adding a textbook.
type NewTextbook struct {
	Title       string
	Author      string
	ISBN        string
	Description string
	PDF         io.Reader
	PDFPassword string
}

// CheckoutResult reports when a new loan is due.
type CheckoutResult struct {
	DueDate time.Time `json:"due_date"`
}

// PdfAccess is released only to the current holder of a textbook.
type PdfAccess struct {
	PDFURL   string    `json:"pdf_url"`
	Password string    `json:"password"`
	DueDate  time.Time `json:"due_date"`
}

// SweepResult counts the textbooks an overdue sweep actually returned.
type SweepResult struct {
	ReturnedCount int `json:"returned_count"`
}
