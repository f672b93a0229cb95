package library

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database provides high-level helpers around a SQLite connection.
type Database struct {
	db *sql.DB

	addTextbookStmt *sql.Stmt
	addMemberStmt   *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Every transaction starts with BEGIN IMMEDIATE so the read-then-write
	// sequences in lending.go are serialized against other writers.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.addTextbookStmt != nil {
		d.addTextbookStmt.Close()
	}
	if d.addMemberStmt != nil {
		d.addMemberStmt.Close()
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL DEFAULT '',
            is_admin BOOLEAN NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS textbooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT,
            description TEXT,
            pdf_storage_id TEXT NOT NULL,
            pdf_password TEXT NOT NULL,
            is_checked_out BOOLEAN NOT NULL DEFAULT 0,
            checked_out_by INTEGER REFERENCES members(id),
            checked_out_at INTEGER,
            due_date INTEGER,
            CHECK (
                (is_checked_out = 1 AND checked_out_by IS NOT NULL AND checked_out_at IS NOT NULL AND due_date IS NOT NULL)
                OR (is_checked_out = 0 AND checked_out_by IS NULL AND checked_out_at IS NULL AND due_date IS NULL)
            )
        );`,
		`CREATE INDEX IF NOT EXISTS textbooks_by_checked_out ON textbooks(is_checked_out, due_date);`,
		// One active loan per member, system-wide.
		`CREATE UNIQUE INDEX IF NOT EXISTS textbooks_by_user ON textbooks(checked_out_by)
            WHERE checked_out_by IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS checkout_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            textbook_id INTEGER NOT NULL REFERENCES textbooks(id),
            member_id INTEGER NOT NULL REFERENCES members(id),
            checked_out_at INTEGER NOT NULL,
            returned_at INTEGER,
            auto_returned BOOLEAN NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS history_by_textbook ON checkout_history(textbook_id);`,
		`CREATE INDEX IF NOT EXISTS history_by_user ON checkout_history(member_id);`,
		// At most one open loan record per textbook.
		`CREATE UNIQUE INDEX IF NOT EXISTS history_open_by_textbook ON checkout_history(textbook_id)
            WHERE returned_at IS NULL;`,
		// FTS4 virtual table keyed by textbook id
		`CREATE VIRTUAL TABLE IF NOT EXISTS textbooks_fts USING fts4(title, author, isbn, description);`,
		// Triggers to keep FTS in sync. Checkout updates don't touch indexed columns.
		`CREATE TRIGGER IF NOT EXISTS trg_textbooks_ai AFTER INSERT ON textbooks BEGIN
            INSERT INTO textbooks_fts(docid,title,author,isbn,description)
            VALUES(new.id,new.title,new.author,COALESCE(new.isbn,''),COALESCE(new.description,''));
        END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_textbooks_au AFTER UPDATE OF title,author,isbn,description ON textbooks BEGIN
            DELETE FROM textbooks_fts WHERE docid=old.id;
            INSERT INTO textbooks_fts(docid,title,author,isbn,description)
            VALUES(new.id,new.title,new.author,COALESCE(new.isbn,''),COALESCE(new.description,''));
        END;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addTextbookStmt, err = d.db.Prepare(`INSERT INTO textbooks(title,author,isbn,description,pdf_storage_id,pdf_password)
        VALUES(?,?,NULLIF(?,''),NULLIF(?,''),?,?)`); err != nil {
		return err
	}
	if d.addMemberStmt, err = d.db.Prepare(`INSERT INTO members(name,email,password_hash) VALUES(?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row helpers
// ---------------------------------------------------------------------------

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const textbookColumns = `t.id,t.title,t.author,COALESCE(t.isbn,''),COALESCE(t.description,''),
    t.pdf_storage_id,t.pdf_password,t.is_checked_out,t.checked_out_by,t.checked_out_at,t.due_date`

func scanTextbook(row rowScanner) (*Textbook, error) {
	var (
		b           Textbook
		by, at, due sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Description,
		&b.PDFStorageID, &b.PDFPassword, &b.IsCheckedOut, &by, &at, &due); err != nil {
		return nil, err
	}
	if by.Valid {
		holder := by.Int64
		b.CheckedOutBy = &holder
	}
	b.CheckedOutAt = millisPtr(at)
	b.DueDate = millisPtr(due)
	return &b, nil
}

func queryTextbooks(q querier, query string, args ...any) ([]*Textbook, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []*Textbook
	for rows.Next() {
		b, err := scanTextbook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func scanRecord(row rowScanner) (*CheckoutRecord, error) {
	var (
		r        CheckoutRecord
		at       int64
		returned sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.TextbookID, &r.MemberID, &at, &returned, &r.AutoReturned); err != nil {
		return nil, err
	}
	r.CheckedOutAt = time.UnixMilli(at)
	r.ReturnedAt = millisPtr(returned)
	return &r, nil
}

func queryRecords(q querier, query string, args ...any) ([]*CheckoutRecord, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CheckoutRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// AddMember stores a member. passwordHash must already be hashed.
func (d *Database) AddMember(name, email, passwordHash string) (int64, error) {
	res, err := d.addMemberStmt.Exec(name, strings.ToLower(strings.TrimSpace(email)), passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, newError(ErrInvalidState, fmt.Sprintf("a member with email %s already exists", email))
		}
		return 0, err
	}
	return res.LastInsertId()
}

const memberColumns = `id,name,email,password_hash,is_admin`

func scanMember(row rowScanner) (*Member, error) {
	var m Member
	if err := row.Scan(&m.ID, &m.Name, &m.Email, &m.PasswordHash, &m.IsAdmin); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMember fetches a single member.
func (d *Database) GetMember(id int64) (*Member, error) {
	m, err := scanMember(d.db.QueryRow(`SELECT `+memberColumns+` FROM members WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUserNotFound
	}
	return m, err
}

// GetMemberByEmail fetches a member by (case-insensitive) email.
func (d *Database) GetMemberByEmail(email string) (*Member, error) {
	m, err := scanMember(d.db.QueryRow(`SELECT `+memberColumns+` FROM members WHERE email=?`,
		strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUserNotFound
	}
	return m, err
}

// GetAllMembers returns all members.
func (d *Database) GetAllMembers() ([]*Member, error) {
	rows, err := d.db.Query(`SELECT ` + memberColumns + ` FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (d *Database) SetMemberPassword(id int64, passwordHash string) error {
	res, err := d.db.Exec(`UPDATE members SET password_hash=? WHERE id=?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return errUserNotFound
	}
	return nil
}

// CountAdmins returns the number of admin-flagged members.
func (d *Database) CountAdmins() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM members WHERE is_admin=1`).Scan(&n)
	return n, err
}

// PromoteToAdmin flags the member with the given email as admin. When
// bootstrap is true the promotion is allowed only while no admin exists; the
// check and the write share one transaction.
func (d *Database) PromoteToAdmin(email string, bootstrap bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if bootstrap {
		var admins int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM members WHERE is_admin=1`).Scan(&admins); err != nil {
			return err
		}
		if admins > 0 {
			return errAdminRequired
		}
	}

	res, err := tx.Exec(`UPDATE members SET is_admin=1 WHERE email=?`, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errUserNotFound
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Textbooks
// ---------------------------------------------------------------------------

// AddTextbook inserts an available textbook whose PDF is already stored.
func (d *Database) AddTextbook(b *Textbook) (int64, error) {
	res, err := d.addTextbookStmt.Exec(b.Title, b.Author, b.ISBN, b.Description, b.PDFStorageID, b.PDFPassword)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Database) GetTextbook(id int64) (*Textbook, error) {
	return getTextbook(d.db, id)
}

func getTextbook(q querier, id int64) (*Textbook, error) {
	b, err := scanTextbook(q.QueryRow(`SELECT `+textbookColumns+` FROM textbooks t WHERE t.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errTextbookNotFound
	}
	return b, err
}

// GetAllTextbooks returns the whole catalog ordered by id.
func (d *Database) GetAllTextbooks() ([]*Textbook, error) {
	return queryTextbooks(d.db, `SELECT `+textbookColumns+` FROM textbooks t ORDER BY t.id`)
}

// GetTextbookByHolder returns the textbook memberID currently holds, or nil.
func (d *Database) GetTextbookByHolder(memberID int64) (*Textbook, error) {
	b, err := scanTextbook(d.db.QueryRow(`SELECT `+textbookColumns+` FROM textbooks t WHERE t.checked_out_by=?`, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// GetOverdueTextbooks lists checked-out textbooks whose due date is before now.
func (d *Database) GetOverdueTextbooks(now time.Time) ([]*Textbook, error) {
	return queryTextbooks(d.db, `SELECT `+textbookColumns+` FROM textbooks t
        WHERE t.is_checked_out=1 AND t.due_date < ? ORDER BY t.due_date, t.id`, now.UnixMilli())
}

// SearchTextbooks runs a full-text query over title, author, isbn and description.
func (d *Database) SearchTextbooks(q string) ([]*Textbook, error) {
	if strings.TrimSpace(q) == "" {
		return []*Textbook{}, nil
	}
	return queryTextbooks(d.db, `
        SELECT `+textbookColumns+`
        FROM textbooks_fts fts
        JOIN textbooks t ON t.id = fts.docid
        WHERE textbooks_fts MATCH ?
        ORDER BY t.id;`, q)
}

// ---------------------------------------------------------------------------
// Checkout history
// ---------------------------------------------------------------------------

const recordColumns = `id,textbook_id,member_id,checked_out_at,returned_at,auto_returned`

// GetCheckoutHistory returns all loans of a textbook, oldest first.
func (d *Database) GetCheckoutHistory(textbookID int64) ([]*CheckoutRecord, error) {
	return queryRecords(d.db, `SELECT `+recordColumns+` FROM checkout_history
        WHERE textbook_id=? ORDER BY checked_out_at, id`, textbookID)
}

// GetMemberHistory returns all loans of a member, newest first.
func (d *Database) GetMemberHistory(memberID int64) ([]*CheckoutRecord, error) {
	return queryRecords(d.db, `SELECT `+recordColumns+` FROM checkout_history
        WHERE member_id=? ORDER BY checked_out_at DESC, id DESC`, memberID)
}
