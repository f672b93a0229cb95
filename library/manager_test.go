package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakePDFs struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	failURL bool
}

func (f *fakePDFs) Save(_ context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("blob-%d", len(f.blobs)+1)
	f.blobs[id] = data
	return id, nil
}

func (f *fakePDFs) URL(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failURL {
		return "", errors.New("storage offline")
	}
	if _, ok := f.blobs[id]; !ok {
		return "", errors.New("no such blob")
	}
	return "https://pdfs.test/" + id, nil
}

const samplePDF = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"

type fixture struct {
	lm    *LibraryManager
	clock *fakeClock
	pdfs  *fakePDFs
	admin int64
}

func newManager(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: &fakeClock{now: time.UnixMilli(0)},
		pdfs:  &fakePDFs{blobs: map[string][]byte{}},
	}
	dir := t.TempDir()
	lm, err := NewLibraryManager(filepath.Join(dir, "lib.db"),
		WithClock(f.clock.Now),
		WithPDFStorage(f.pdfs),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	f.lm = lm

	f.admin = f.member(t, "Admin")
	require.NoError(t, lm.MakeAdmin(f.admin, "admin@example.com"))
	return f
}

func (f *fixture) member(t *testing.T, name string) int64 {
	t.Helper()
	id, err := f.lm.AddMember(name, strings.ToLower(name)+"@example.com", "secret")
	require.NoError(t, err)
	return id
}

func (f *fixture) textbook(t *testing.T, title string) int64 {
	t.Helper()
	id, err := f.lm.AddTextbook(context.Background(), f.admin, NewTextbook{
		Title:       title,
		Author:      "Author of " + title,
		PDF:         bytes.NewBufferString(samplePDF),
		PDFPassword: "pw-" + title,
	})
	require.NoError(t, err)
	return id
}

// assertConsistent checks that every textbook's checkout fields agree and
// that no member holds more than one textbook.
func assertConsistent(t *testing.T, lm *LibraryManager) {
	t.Helper()
	books, err := lm.db.GetAllTextbooks()
	require.NoError(t, err)
	holders := map[int64]int{}
	for _, b := range books {
		set := b.CheckedOutBy != nil && b.CheckedOutAt != nil && b.DueDate != nil
		none := b.CheckedOutBy == nil && b.CheckedOutAt == nil && b.DueDate == nil
		if b.IsCheckedOut {
			assert.True(t, set, "textbook %d checked out with missing fields", b.ID)
			holders[*b.CheckedOutBy]++
		} else {
			assert.True(t, none, "textbook %d available with leftover fields", b.ID)
		}
	}
	for member, n := range holders {
		assert.LessOrEqual(t, n, 1, "member %d holds %d textbooks", member, n)
	}
}

func TestCheckoutDueDate(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	book := f.textbook(t, "Calculus")

	f.clock.Set(time.UnixMilli(1_000))
	res, err := f.lm.Checkout(alice, book)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000+604_800_000), res.DueDate.UnixMilli())

	got, err := f.lm.GetTextbook(book)
	require.NoError(t, err)
	assert.True(t, got.HeldBy(alice))
	assert.Equal(t, int64(1_000), got.CheckedOutAt.UnixMilli())
	assert.Equal(t, res.DueDate.UnixMilli(), got.DueDate.UnixMilli())
}

func TestCheckoutUsesConfiguredLoanPeriod(t *testing.T) {
	lm, err := NewLibraryManager(filepath.Join(t.TempDir(), "lib.db"),
		WithClock(func() time.Time { return time.UnixMilli(0) }),
		WithLoanPeriod(48*time.Hour))
	require.NoError(t, err)
	defer lm.Close()

	memberID, err := lm.db.AddMember("Alice", "alice@example.com", "")
	require.NoError(t, err)
	bookID, err := lm.db.AddTextbook(&Textbook{Title: "T", Author: "A", PDFStorageID: "x", PDFPassword: "p"})
	require.NoError(t, err)

	res, err := lm.Checkout(memberID, bookID)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, res.DueDate.Sub(time.UnixMilli(0)))
}

func TestCheckoutFailures(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")
	calculus := f.textbook(t, "Calculus")
	physics := f.textbook(t, "Physics")

	_, err := f.lm.Checkout(0, calculus)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// A caller id with no member behind it is not authenticated either.
	_, err = f.lm.Checkout(424242, calculus)
	var libErr *Error
	require.ErrorAs(t, err, &libErr)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = f.lm.Checkout(alice, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "Textbook not found")

	_, err = f.lm.Checkout(alice, calculus)
	require.NoError(t, err)

	_, err = f.lm.Checkout(bob, calculus)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.EqualError(t, err, "This textbook is already checked out")

	_, err = f.lm.Checkout(alice, physics)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.EqualError(t, err, "You can only checkout one textbook at a time")

	// Re-checking out the same textbook also counts as a second loan.
	_, err = f.lm.Checkout(alice, calculus)
	assert.ErrorIs(t, err, ErrInvalidState)

	assertConsistent(t, f.lm)
}

func TestRoundTrip(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	book := f.textbook(t, "Calculus")

	_, err := f.lm.Checkout(alice, book)
	require.NoError(t, err)

	f.clock.Set(time.UnixMilli(3_600_000))
	require.NoError(t, f.lm.ReturnTextbook(alice, book))

	got, err := f.lm.GetTextbook(book)
	require.NoError(t, err)
	assert.False(t, got.IsCheckedOut)
	assert.Nil(t, got.CheckedOutBy)
	assert.Nil(t, got.CheckedOutAt)
	assert.Nil(t, got.DueDate)

	history, err := f.lm.MemberHistory(alice)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ReturnedAt)
	assert.Equal(t, int64(3_600_000), history[0].ReturnedAt.UnixMilli())
	assert.False(t, history[0].AutoReturned)

	// The textbook can be borrowed again, by anyone.
	bob := f.member(t, "Bob")
	_, err = f.lm.Checkout(bob, book)
	require.NoError(t, err)
	assertConsistent(t, f.lm)
}

func TestReturnFailures(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")
	book := f.textbook(t, "Calculus")

	assert.ErrorIs(t, f.lm.ReturnTextbook(0, book), ErrNotAuthenticated)
	assert.ErrorIs(t, f.lm.ReturnTextbook(alice, 999), ErrNotFound)

	err := f.lm.ReturnTextbook(alice, book)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.EqualError(t, err, "You don't have this textbook checked out")

	_, err = f.lm.Checkout(alice, book)
	require.NoError(t, err)
	assert.ErrorIs(t, f.lm.ReturnTextbook(bob, book), ErrInvalidState)

	got, err := f.lm.GetTextbook(book)
	require.NoError(t, err)
	assert.True(t, got.HeldBy(alice), "failed return must not change state")
}

func TestConcurrentCheckoutOfSameTextbook(t *testing.T) {
	f := newManager(t)
	book := f.textbook(t, "Calculus")
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, m := range []int64{alice, bob} {
		wg.Add(1)
		go func(i int, m int64) {
			defer wg.Done()
			_, results[i] = f.lm.Checkout(m, book)
		}(i, m)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)
	assertConsistent(t, f.lm)
}

func TestGetCurrentCheckout(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	book := f.textbook(t, "Calculus")

	got, err := f.lm.GetCurrentCheckout(0)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = f.lm.GetCurrentCheckout(alice)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = f.lm.Checkout(alice, book)
	require.NoError(t, err)

	got, err = f.lm.GetCurrentCheckout(alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, book, got.ID)
}

func TestListTextbooks(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")
	calculus := f.textbook(t, "Calculus")
	physics := f.textbook(t, "Physics")

	_, err := f.lm.ListTextbooks(0)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = f.lm.Checkout(alice, calculus)
	require.NoError(t, err)

	views, err := f.lm.ListTextbooks(bob)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, calculus, views[0].ID)
	assert.Equal(t, "alice@example.com", views[0].CheckedOutByUser)
	assert.False(t, views[0].IsCheckedOutByCurrentUser)
	assert.Equal(t, physics, views[1].ID)
	assert.Empty(t, views[1].CheckedOutByUser)

	views, err = f.lm.ListTextbooks(alice)
	require.NoError(t, err)
	assert.True(t, views[0].IsCheckedOutByCurrentUser)
	assert.False(t, views[1].IsCheckedOutByCurrentUser)
}

func TestSearchTextbooks(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	f.textbook(t, "Calculus")
	physics := f.textbook(t, "Physics")

	_, err := f.lm.SearchTextbooks(0, "Physics")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	views, err := f.lm.SearchTextbooks(alice, "Physics")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, physics, views[0].ID)
}
