package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/store/memstore"
)

func newLedger(t *testing.T, opening int64) (*Ledger, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	l := New(st, zerolog.Nop(), Options{ConflictRetries: 3})
	_, err := l.CreateAccount(context.Background(), "acct", credits.FromUnits(opening))
	require.NoError(t, err)
	return l, st
}

func balanceMatchesFold(t *testing.T, l *Ledger, accountID string) models.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := l.Account(ctx, accountID)
	require.NoError(t, err)
	entries, err := l.Entries(ctx, models.EntryFilter{AccountID: accountID})
	require.NoError(t, err)
	assert.Equal(t, acc.Balance, models.FoldBalance(entries), "balance must equal the entry fold")
	assert.GreaterOrEqual(t, int64(acc.Available()), int64(0))
	assert.GreaterOrEqual(t, int64(acc.Held), int64(0))
	return acc
}

func TestReserveCommit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)

	res, err := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
	require.NoError(t, err)
	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.FromUnits(6), acc.Available())

	replay, err := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Reservation.ID, replay.Reservation.ID)

	cr, err := l.Commit(ctx, res.Reservation.ID, credits.FromUnits(4), "")
	require.NoError(t, err)
	assert.Equal(t, credits.FromUnits(4), cr.Charged)

	again, err := l.Commit(ctx, res.Reservation.ID, credits.FromUnits(4), "")
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	acc = balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.FromUnits(6), acc.Balance)
	assert.Zero(t, acc.Held)

	entries, _ := l.Entries(ctx, models.EntryFilter{JobID: "job-1"})
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryReserve, entries[0].Kind)
	assert.Equal(t, models.EntryCommit, entries[1].Kind)
}

func TestCommitUnderEstimateClosesWholeHold(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	res, err := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
	require.NoError(t, err)
	cr, err := l.Commit(ctx, res.Reservation.ID, credits.MustParse("2.50"), "")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("2.50"), cr.Charged)
	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.MustParse("7.50"), acc.Balance)
	assert.Zero(t, acc.Held)
}

func TestInsufficientCredit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 2)
	_, err := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
	require.ErrorIs(t, err, models.ErrInsufficientCredit)
	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.FromUnits(2), acc.Balance)
	entries, _ := l.Entries(ctx, models.EntryFilter{JobID: "job-1"})
	assert.Empty(t, entries)
}

func TestOverrunPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("cap", func(t *testing.T) {
		l, _ := newLedger(t, 10)
		res, _ := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
		cr, err := l.Commit(ctx, res.Reservation.ID, credits.FromUnits(6), models.OverrunCap)
		require.NoError(t, err)
		assert.Equal(t, credits.FromUnits(4), cr.Charged)
		assert.Equal(t, credits.FromUnits(2), cr.Shortfall)
		assert.Equal(t, credits.FromUnits(6), balanceMatchesFold(t, l, "acct").Balance)
	})

	t.Run("extend covered", func(t *testing.T) {
		l, _ := newLedger(t, 10)
		res, _ := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
		cr, err := l.Commit(ctx, res.Reservation.ID, credits.FromUnits(6), models.OverrunExtend)
		require.NoError(t, err)
		assert.Equal(t, credits.FromUnits(6), cr.Charged)
		assert.Zero(t, cr.Shortfall)
		assert.Equal(t, credits.FromUnits(4), balanceMatchesFold(t, l, "acct").Balance)
	})

	t.Run("extend not covered falls back to cap", func(t *testing.T) {
		l, _ := newLedger(t, 5)
		res, _ := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
		cr, err := l.Commit(ctx, res.Reservation.ID, credits.FromUnits(9), models.OverrunExtend)
		require.NoError(t, err)
		assert.Equal(t, credits.FromUnits(4), cr.Charged)
		assert.Equal(t, credits.FromUnits(5), cr.Shortfall)
		acc := balanceMatchesFold(t, l, "acct")
		assert.Equal(t, credits.FromUnits(1), acc.Balance)
	})

	t.Run("unknown policy", func(t *testing.T) {
		l, _ := newLedger(t, 10)
		res, _ := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
		_, err := l.Commit(ctx, res.Reservation.ID, credits.FromUnits(4), "forgive")
		require.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestReleaseSemantics(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	res, _ := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))

	rr, err := l.Release(ctx, res.Reservation.ID, "provider failed")
	require.NoError(t, err)
	assert.False(t, rr.Replayed)
	rr, err = l.Release(ctx, res.Reservation.ID, "again")
	require.NoError(t, err)
	assert.True(t, rr.Replayed)

	_, err = l.Commit(ctx, res.Reservation.ID, credits.FromUnits(4), "")
	require.ErrorIs(t, err, models.ErrReservationClosed)

	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.FromUnits(10), acc.Available())

	other, _ := l.Reserve(ctx, "acct", credits.FromUnits(1), "job-2", ReserveKey("job-2"))
	_, err = l.Commit(ctx, other.Reservation.ID, credits.FromUnits(1), "")
	require.NoError(t, err)
	_, err = l.Release(ctx, other.Reservation.ID, "late")
	require.ErrorIs(t, err, models.ErrReservationClosed)

	_, err = l.Release(ctx, "missing", "x")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	res, _ := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))

	_, err := l.Refund(ctx, "job-1", credits.FromUnits(1), "early")
	require.ErrorIs(t, err, models.ErrNotCharged)

	_, err = l.Commit(ctx, res.Reservation.ID, credits.FromUnits(4), "")
	require.NoError(t, err)

	_, err = l.Refund(ctx, "job-1", credits.FromUnits(5), "too much")
	require.ErrorIs(t, err, models.ErrRefundExceedsCharge)

	er, err := l.Refund(ctx, "job-1", credits.FromUnits(3), "quality issue")
	require.NoError(t, err)
	assert.Equal(t, models.EntryRefund, er.Entry.Kind)

	again, err := l.Refund(ctx, "job-1", credits.FromUnits(3), "retry")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, er.Entry.ID, again.Entry.ID)

	_, err = l.Refund(ctx, "job-1", credits.FromUnits(1), "second")
	require.ErrorIs(t, err, models.ErrAlreadyRefunded)

	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.FromUnits(9), acc.Balance)

	_, err = l.Refund(ctx, "job-unknown", credits.FromUnits(1), "x")
	require.ErrorIs(t, err, models.ErrNotCharged)
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 5)
	_, err := l.Reserve(ctx, "acct", credits.FromUnits(3), "job-1", ReserveKey("job-1"))
	require.NoError(t, err)

	_, err = l.Adjust(ctx, "acct", credits.FromUnits(-3), "chargeback", "adj-1")
	require.ErrorIs(t, err, models.ErrInsufficientCredit, "debit may not eat into held credit")

	r1, err := l.Adjust(ctx, "acct", credits.FromUnits(10), "grant", "adj-2")
	require.NoError(t, err)
	r2, err := l.Adjust(ctx, "acct", credits.FromUnits(10), "grant", "adj-2")
	require.NoError(t, err)
	assert.True(t, r2.Replayed)
	assert.Equal(t, r1.Entry.ID, r2.Entry.ID)

	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.FromUnits(15), acc.Balance)

	_, err = l.Adjust(ctx, "acct", 0, "noop", "adj-3")
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestBalanceStaysBounded(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t, 0)

	_, err := l.CreateAccount(ctx, "whale", credits.MaxAmount+1)
	require.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = l.Adjust(ctx, "acct", credits.MaxAmount+1, "grant", "adj-huge")
	require.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = l.Reserve(ctx, "acct", credits.MaxAmount+1, "job-huge", ReserveKey("job-huge"))
	require.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = l.Adjust(ctx, "acct", credits.MaxAmount, "grant", "adj-max")
	require.NoError(t, err)
	_, err = l.Adjust(ctx, "acct", credits.FromHundredths(1), "grant", "adj-over")
	require.ErrorIs(t, err, models.ErrInvalidInput, "the sum would leave the bounded range")

	// The store enforces the bound on its own, below the service checks.
	_, err = st.Adjust(ctx, models.AdjustParams{AccountID: "acct", Amount: credits.MaxAmount, IdempotencyKey: "adj-direct"})
	require.ErrorIs(t, err, models.ErrInvalidInput)

	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.MaxAmount, acc.Balance)
}

func TestRefundCannotOverflowBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	res, err := l.Reserve(ctx, "acct", credits.FromUnits(4), "job-1", ReserveKey("job-1"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, res.Reservation.ID, credits.FromUnits(4), models.OverrunCap)
	require.NoError(t, err)

	// Balance is now 6; top it up to the ceiling.
	_, err = l.Adjust(ctx, "acct", credits.MaxAmount-credits.FromUnits(6), "grant", "adj-fill")
	require.NoError(t, err)

	_, err = l.Refund(ctx, "job-1", credits.FromUnits(4), "goodwill")
	require.ErrorIs(t, err, models.ErrInvalidInput)

	acc := balanceMatchesFold(t, l, "acct")
	assert.Equal(t, credits.MaxAmount, acc.Balance)
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := "job-" + string(rune('a'+i))
			if _, err := l.Reserve(ctx, "acct", credits.FromUnits(1), job, ReserveKey(job)); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 10, ok.Load())
	acc := balanceMatchesFold(t, l, "acct")
	assert.Zero(t, acc.Available())
}

type flakyStore struct {
	*memstore.Store
	failures atomic.Int32
}

func (f *flakyStore) Reserve(ctx context.Context, p models.ReserveParams) (models.ReserveResult, error) {
	if f.failures.Add(-1) >= 0 {
		return models.ReserveResult{}, models.ErrLedgerConflict
	}
	return f.Store.Reserve(ctx, p)
}

func TestConflictsAreRetried(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: memstore.New()}
	_, err := st.CreateAccount(ctx, "acct", credits.FromUnits(10))
	require.NoError(t, err)

	l := New(st, zerolog.Nop(), Options{ConflictRetries: 3})
	st.failures.Store(2)
	_, err = l.Reserve(ctx, "acct", credits.FromUnits(1), "job-1", ReserveKey("job-1"))
	require.NoError(t, err)

	st.failures.Store(10)
	_, err = l.Reserve(ctx, "acct", credits.FromUnits(1), "job-2", ReserveKey("job-2"))
	require.ErrorIs(t, err, models.ErrLedgerConflict)
}
