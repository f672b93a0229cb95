package library

import (
	"database/sql"
	"errors"
	"time"
)

// CheckoutTextbook lends bookID to memberID and opens a history record, all in
// one transaction. It returns the due date.
func (d *Database) CheckoutTextbook(bookID, memberID int64, now time.Time, loanPeriod time.Duration) (time.Time, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()

	var known bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM members WHERE id=?)`, memberID).Scan(&known); err != nil {
		return time.Time{}, err
	}
	if !known {
		return time.Time{}, errNotAuthenticated
	}

	var holds bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM textbooks WHERE checked_out_by=?)`, memberID).Scan(&holds); err != nil {
		return time.Time{}, err
	}
	if holds {
		return time.Time{}, errOneAtATime
	}

	var out bool
	err = tx.QueryRow(`SELECT is_checked_out FROM textbooks WHERE id=?`, bookID).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errTextbookNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if out {
		return time.Time{}, errAlreadyOut
	}

	checkedOutAt := now.UnixMilli()
	due := checkedOutAt + loanPeriod.Milliseconds()

	// The is_checked_out guard makes the write a compare-and-swap even if the
	// transaction were not serialized.
	res, err := tx.Exec(`UPDATE textbooks SET is_checked_out=1, checked_out_by=?, checked_out_at=?, due_date=?
        WHERE id=? AND is_checked_out=0`, memberID, checkedOutAt, due, bookID)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return time.Time{}, errOneAtATime
		case isForeignKeyViolation(err):
			return time.Time{}, errNotAuthenticated
		}
		return time.Time{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return time.Time{}, err
	} else if n == 0 {
		return time.Time{}, errAlreadyOut
	}

	// History is best effort: an open record left behind for an available
	// textbook is closed rather than blocking the new loan.
	if _, err := tx.Exec(`UPDATE checkout_history SET returned_at=?, auto_returned=0
        WHERE textbook_id=? AND returned_at IS NULL`, checkedOutAt, bookID); err != nil {
		return time.Time{}, err
	}
	if _, err := tx.Exec(`INSERT INTO checkout_history(textbook_id,member_id,checked_out_at,auto_returned) VALUES(?,?,?,0)`,
		bookID, memberID, checkedOutAt); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(due), nil
}

// ReturnTextbook makes bookID available again if memberID holds it and closes
// the member's open history record. closed is false when no open record was
// found; the textbook is returned regardless.
func (d *Database) ReturnTextbook(bookID, memberID int64, now time.Time) (closed bool, err error) {
	tx, err := d.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	b, err := getTextbook(tx, bookID)
	if err != nil {
		return false, err
	}
	if !b.HeldBy(memberID) {
		return false, errNotHolder
	}

	if err := clearCheckout(tx, bookID); err != nil {
		return false, err
	}

	res, err := tx.Exec(`UPDATE checkout_history SET returned_at=?, auto_returned=0
        WHERE id = (SELECT id FROM checkout_history
            WHERE textbook_id=? AND member_id=? AND returned_at IS NULL ORDER BY id LIMIT 1)`,
		now.UnixMilli(), bookID, memberID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, tx.Commit()
}

// AutoReturnTextbook returns bookID if it is still overdue at now. returned is
// false when another caller already returned it; closed reports whether an
// open history record was found and marked auto-returned.
func (d *Database) AutoReturnTextbook(bookID int64, now time.Time) (returned, closed bool, err error) {
	tx, err := d.db.Begin()
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE textbooks SET is_checked_out=0, checked_out_by=NULL, checked_out_at=NULL, due_date=NULL
        WHERE id=? AND is_checked_out=1 AND due_date < ?`, bookID, now.UnixMilli())
	if err != nil {
		return false, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, err
	}
	if n == 0 {
		return false, false, nil
	}

	res, err = tx.Exec(`UPDATE checkout_history SET returned_at=?, auto_returned=1
        WHERE id = (SELECT id FROM checkout_history
            WHERE textbook_id=? AND returned_at IS NULL ORDER BY id LIMIT 1)`,
		now.UnixMilli(), bookID)
	if err != nil {
		return false, false, err
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, false, err
	}

	if err := tx.Commit(); err != nil {
		return false, false, err
	}
	return true, n > 0, nil
}

func clearCheckout(q querier, bookID int64) error {
	_, err := q.Exec(`UPDATE textbooks SET is_checked_out=0, checked_out_by=NULL, checked_out_at=NULL, due_date=NULL
        WHERE id=?`, bookID)
	return err
}
