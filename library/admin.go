package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IsAdmin reports whether callerID is a known admin.
func (lm *LibraryManager) IsAdmin(callerID int64) bool {
	if callerID == 0 {
		return false
	}
	m, err := lm.db.GetMember(callerID)
	if err != nil {
		return false
	}
	return m.IsAdmin
}

func (lm *LibraryManager) RequireAdmin(callerID int64) error {
	if callerID == 0 {
		return errNotAuthenticated
	}
	m, err := lm.db.GetMember(callerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errAdminRequired
		}
		return err
	}
	if !m.IsAdmin {
		return errAdminRequired
	}
	return nil
}

// MakeAdmin grants admin rights to the member registered under email.
// While no admin exists any authenticated caller may do this; afterwards only
// admins can.
func (lm *LibraryManager) MakeAdmin(callerID int64, email string) error {
	if callerID == 0 {
		return errNotAuthenticated
	}
	if strings.TrimSpace(email) == "" {
		return newError(ErrInvalidInput, "Please enter an email address")
	}
	bootstrap := !lm.IsAdmin(callerID)
	if err := lm.db.PromoteToAdmin(email, bootstrap); err != nil {
		return err
	}
	lm.logger.Info("member promoted to admin", "email", email, "by", callerID, "bootstrap", bootstrap)
	return nil
}

// AddTextbook stores the PDF and creates an available textbook. Admin only.
func (lm *LibraryManager) AddTextbook(ctx context.Context, callerID int64, nb NewTextbook) (int64, error) {
	if err := lm.RequireAdmin(callerID); err != nil {
		return 0, err
	}
	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	if nb.Title == "" || nb.Author == "" || nb.PDF == nil || nb.PDFPassword == "" {
		return 0, newError(ErrInvalidInput, "Please fill in all required fields")
	}

	pdf, err := sniffPDF(nb.PDF)
	if err != nil {
		return 0, err
	}
	if lm.pdfs == nil {
		return 0, errPDFUnavailable
	}
	storageID, err := lm.pdfs.Save(ctx, pdf)
	if err != nil {
		return 0, fmt.Errorf("store pdf: %w", err)
	}

	id, err := lm.db.AddTextbook(&Textbook{
		Title:        nb.Title,
		Author:       nb.Author,
		ISBN:         strings.TrimSpace(nb.ISBN),
		Description:  strings.TrimSpace(nb.Description),
		PDFStorageID: storageID,
		PDFPassword:  nb.PDFPassword,
	})
	if err != nil {
		return 0, fmt.Errorf("add textbook: %w", err)
	}
	lm.logger.Info("textbook added", "textbook_id", id, "title", nb.Title, "storage_id", storageID)
	return id, nil
}

// sniffPDF checks the leading bytes of r and returns a reader that replays them.
func sniffPDF(r io.Reader) (io.Reader, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	head = head[:n]
	if http.DetectContentType(head) != "application/pdf" {
		return nil, errNotPDF
	}
	return io.MultiReader(bytes.NewReader(head), r), nil
}
