package library

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverdueScenario(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")
	book := f.textbook(t, "Calculus")

	f.clock.Set(time.UnixMilli(0))
	res, err := f.lm.Checkout(alice, book)
	require.NoError(t, err)
	assert.Equal(t, int64(604_800_000), res.DueDate.UnixMilli())

	_, err = f.lm.Checkout(bob, book)
	assert.ErrorIs(t, err, ErrInvalidState)

	f.clock.Set(time.UnixMilli(604_800_001))
	sweep, err := f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.ReturnedCount)

	got, err := f.lm.GetTextbook(book)
	require.NoError(t, err)
	assert.False(t, got.IsCheckedOut)
	assert.Nil(t, got.DueDate)

	history, err := f.lm.MemberHistory(alice)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ReturnedAt)
	assert.Equal(t, int64(604_800_001), history[0].ReturnedAt.UnixMilli())
	assert.True(t, history[0].AutoReturned)
	assertConsistent(t, f.lm)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")
	calculus := f.textbook(t, "Calculus")
	physics := f.textbook(t, "Physics")

	_, err := f.lm.Checkout(alice, calculus)
	require.NoError(t, err)
	_, err = f.lm.Checkout(bob, physics)
	require.NoError(t, err)

	f.clock.Set(time.UnixMilli(0).Add(LoanPeriod + time.Second))
	first, err := f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.ReturnedCount)

	second, err := f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.ReturnedCount)
}

func TestSweepLeavesBooksThatAreNotOverdue(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	bob := f.member(t, "Bob")
	early := f.textbook(t, "Early")
	late := f.textbook(t, "Late")

	_, err := f.lm.Checkout(alice, early)
	require.NoError(t, err)
	f.clock.Set(time.UnixMilli(0).Add(24 * time.Hour))
	_, err = f.lm.Checkout(bob, late)
	require.NoError(t, err)

	// Exactly at the first due date nothing is overdue yet.
	f.clock.Set(time.UnixMilli(0).Add(LoanPeriod))
	res, err := f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ReturnedCount)

	f.clock.Set(time.UnixMilli(0).Add(LoanPeriod + time.Millisecond))
	res, err = f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReturnedCount)

	got, err := f.lm.GetCurrentCheckout(bob)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, late, got.ID)

	// Alice is free to borrow again.
	_, err = f.lm.Checkout(alice, early)
	assert.NoError(t, err)
}

func TestSweepWithoutHistoryRecord(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	book := f.textbook(t, "Calculus")

	_, err := f.lm.Checkout(alice, book)
	require.NoError(t, err)
	_, err = f.lm.db.db.Exec(`DELETE FROM checkout_history WHERE textbook_id=?`, book)
	require.NoError(t, err)

	f.clock.Set(time.UnixMilli(0).Add(2 * LoanPeriod))
	res, err := f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReturnedCount)

	got, err := f.lm.GetTextbook(book)
	require.NoError(t, err)
	assert.False(t, got.IsCheckedOut)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	f := newManager(t)
	alice := f.member(t, "Alice")
	book := f.textbook(t, "Calculus")
	_, err := f.lm.Checkout(alice, book)
	require.NoError(t, err)

	f.clock.Set(time.UnixMilli(0).Add(2 * LoanPeriod))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.lm.AutoReturnOverdue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.ReturnedCount)

	// The next run picks it up.
	res, err = f.lm.AutoReturnOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReturnedCount)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) AutoReturnOverdue(context.Context) (*SweepResult, error) {
	s.calls.Add(1)
	return &SweepResult{}, s.err
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("boom")}
	s := NewScheduler(nil, sweeper, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, 2*time.Second, time.Millisecond,
		"sweeps keep running after a failure")
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerSweepsImmediately(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(nil, sweeper, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestNewSchedulerDefaultsInterval(t *testing.T) {
	s := NewScheduler(nil, &countingSweeper{}, 0)
	assert.Equal(t, SweepInterval, s.interval)
}
