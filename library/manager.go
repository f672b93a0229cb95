package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// LoanPeriod is how long a checked-out textbook stays due.
const LoanPeriod = 7 * 24 * time.Hour

// PDFStorage stores textbook PDFs and resolves retrieval URLs for them.
type PDFStorage interface {
	Save(ctx context.Context, r io.Reader) (id string, err error)
	URL(ctx context.Context, id string) (string, error)
}

// LibraryManager is the entry point for every catalog, lending and admin
// operation. Caller identity is passed explicitly; 0 means unauthenticated.
type LibraryManager struct {
	db         *Database
	pdfs       PDFStorage
	logger     *slog.Logger
	now        func() time.Time
	loanPeriod time.Duration
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

func WithPDFStorage(s PDFStorage) Option {
	return func(lm *LibraryManager) { lm.pdfs = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(lm *LibraryManager) {
		if l != nil {
			lm.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) {
		if now != nil {
			lm.now = now
		}
	}
}

// WithLoanPeriod overrides LoanPeriod. Non-positive values are ignored.
func WithLoanPeriod(d time.Duration) Option {
	return func(lm *LibraryManager) {
		if d > 0 {
			lm.loanPeriod = d
		}
	}
}

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, opts ...Option) (*LibraryManager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	lm := &LibraryManager{
		db:         db,
		logger:     slog.Default(),
		now:        time.Now,
		loanPeriod: LoanPeriod,
	}
	for _, opt := range opts {
		opt(lm)
	}
	lm.logger = lm.logger.With("component", "library")
	return lm, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// ------------------ Catalog ------------------

func (lm *LibraryManager) GetTextbook(id int64) (*Textbook, error) { return lm.db.GetTextbook(id) }

// ListTextbooks returns the whole catalog annotated for callerID.
func (lm *LibraryManager) ListTextbooks(callerID int64) ([]*TextbookView, error) {
	if callerID == 0 {
		return nil, errNotAuthenticated
	}
	books, err := lm.db.GetAllTextbooks()
	if err != nil {
		return nil, fmt.Errorf("list textbooks: %w", err)
	}
	return lm.views(books, callerID)
}

// SearchTextbooks runs a full-text query over the catalog.
func (lm *LibraryManager) SearchTextbooks(callerID int64, q string) ([]*TextbookView, error) {
	if callerID == 0 {
		return nil, errNotAuthenticated
	}
	books, err := lm.db.SearchTextbooks(q)
	if err != nil {
		return nil, fmt.Errorf("search textbooks: %w", err)
	}
	return lm.views(books, callerID)
}

func (lm *LibraryManager) views(books []*Textbook, callerID int64) ([]*TextbookView, error) {
	emails := make(map[int64]string)
	out := make([]*TextbookView, 0, len(books))
	for _, b := range books {
		v := &TextbookView{Textbook: *b}
		if b.CheckedOutBy != nil {
			holder := *b.CheckedOutBy
			email, ok := emails[holder]
			if !ok {
				m, err := lm.db.GetMember(holder)
				switch {
				case err == nil:
					email = m.Email
				case errors.Is(err, ErrNotFound):
					email = "Unknown user"
				default:
					return nil, err
				}
				emails[holder] = email
			}
			v.CheckedOutByUser = email
			v.IsCheckedOutByCurrentUser = holder == callerID
		}
		out = append(out, v)
	}
	return out, nil
}

// ------------------ Circulation ------------------

// GetCurrentCheckout returns the textbook callerID holds, or nil when the
// caller is unauthenticated or holds nothing.
func (lm *LibraryManager) GetCurrentCheckout(callerID int64) (*Textbook, error) {
	if callerID == 0 {
		return nil, nil
	}
	return lm.db.GetTextbookByHolder(callerID)
}

// Checkout lends textbookID to callerID for the loan period.
func (lm *LibraryManager) Checkout(callerID, textbookID int64) (*CheckoutResult, error) {
	if callerID == 0 {
		return nil, errNotAuthenticated
	}
	due, err := lm.db.CheckoutTextbook(textbookID, callerID, lm.now(), lm.loanPeriod)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("textbook checked out", "textbook_id", textbookID, "member_id", callerID, "due_date", due)
	return &CheckoutResult{DueDate: due}, nil
}

// ReturnTextbook hands textbookID back. Only the current holder may return it.
func (lm *LibraryManager) ReturnTextbook(callerID, textbookID int64) error {
	if callerID == 0 {
		return errNotAuthenticated
	}
	closed, err := lm.db.ReturnTextbook(textbookID, callerID, lm.now())
	if err != nil {
		return err
	}
	if !closed {
		lm.logger.Warn("no open checkout record to close", "textbook_id", textbookID, "member_id", callerID)
	}
	lm.logger.Info("textbook returned", "textbook_id", textbookID, "member_id", callerID)
	return nil
}

// ------------------ History ------------------

// CheckoutHistory lists every loan of a textbook. Admin only.
func (lm *LibraryManager) CheckoutHistory(callerID, textbookID int64) ([]*CheckoutRecord, error) {
	if err := lm.RequireAdmin(callerID); err != nil {
		return nil, err
	}
	if _, err := lm.db.GetTextbook(textbookID); err != nil {
		return nil, err
	}
	return lm.db.GetCheckoutHistory(textbookID)
}

// MemberHistory lists the caller's own loans, newest first.
func (lm *LibraryManager) MemberHistory(callerID int64) ([]*CheckoutRecord, error) {
	if callerID == 0 {
		return nil, errNotAuthenticated
	}
	return lm.db.GetMemberHistory(callerID)
}
