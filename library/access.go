package library

import "context"

// GetPdfAccess releases the PDF URL and password of textbookID to its current
// holder. The authorization decision is made before the storage lookup; a
// lookup failure is reported as ErrPDFUnavailable.
func (lm *LibraryManager) GetPdfAccess(ctx context.Context, callerID, textbookID int64) (*PdfAccess, error) {
	if callerID == 0 {
		return nil, errNotAuthenticated
	}
	b, err := lm.db.GetTextbook(textbookID)
	if err != nil {
		return nil, err
	}
	if !b.HeldBy(callerID) {
		return nil, errMustCheckout
	}

	if lm.pdfs == nil {
		return nil, errPDFUnavailable
	}
	url, err := lm.pdfs.URL(ctx, b.PDFStorageID)
	if err != nil {
		lm.logger.Error("resolve pdf url", "textbook_id", textbookID, "storage_id", b.PDFStorageID, "error", err)
		return nil, errPDFUnavailable
	}

	return &PdfAccess{
		PDFURL:   url,
		Password: b.PDFPassword,
		DueDate:  *b.DueDate,
	}, nil
}
