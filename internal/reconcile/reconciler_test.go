package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func mov(d int, amount, bankBalance, descr string) domain.Movement {
	return domain.Movement{
		OperationDate: day(d),
		ValueDate:     day(d),
		Amount:        decimal.RequireFromString(amount),
		BankBalance:   decimal.RequireFromString(bankBalance),
		Description:   descr,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Consistent three-movement batch, newest first, ending at balance 100.
func consistentBatch() []domain.Movement {
	return []domain.Movement{
		mov(3, "10", "100", "newest"),
		mov(2, "10", "90", "middle"),
		mov(1, "20", "80", "oldest"),
	}
}

func TestReconcile_FreshAccountSuccess(t *testing.T) {
	r := New(logger.NewNop())

	outcome := r.Reconcile(context.Background(), consistentBatch(), nil, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileSuccess, outcome.Status)
	assert.False(t, outcome.Degraded)
	assert.Nil(t, outcome.PivotIndex)
	require.Len(t, outcome.Accepted, 3)

	// Ascending with derived balances chaining to the account balance.
	assert.Equal(t, "oldest", outcome.Accepted[0].Description)
	assert.True(t, outcome.Accepted[0].CalcBalance.Equal(dec("80")))
	assert.True(t, outcome.Accepted[1].CalcBalance.Equal(dec("90")))
	assert.True(t, outcome.Accepted[2].CalcBalance.Equal(dec("100")))

	// Positions restart per operation date.
	assert.Equal(t, 1, outcome.Accepted[0].DatePosition)
	assert.Equal(t, 1, outcome.Accepted[1].DatePosition)
	assert.Equal(t, 1, outcome.Accepted[2].DatePosition)
}

func TestReconcile_Deterministic(t *testing.T) {
	r := New(logger.NewNop())

	first := r.Reconcile(context.Background(), consistentBatch(), nil, dec("100"), Params{})
	second := r.Reconcile(context.Background(), consistentBatch(), nil, dec("100"), Params{})

	assert.Equal(t, first, second)
}

func TestReconcile_PivotSkipsPersisted(t *testing.T) {
	r := New(logger.NewNop())

	oldest := mov(1, "20", "80", "oldest")
	oldest.CalcBalance = dec("80")
	tail := []domain.Movement{oldest}

	outcome := r.Reconcile(context.Background(), consistentBatch(), tail, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileSuccess, outcome.Status)
	require.NotNil(t, outcome.PivotIndex)
	assert.Equal(t, 0, *outcome.PivotIndex)
	require.Len(t, outcome.Accepted, 2)
	assert.Equal(t, "middle", outcome.Accepted[0].Description)
	assert.Equal(t, "newest", outcome.Accepted[1].Description)
}

func TestReconcile_UnalignedChainAtPivot(t *testing.T) {
	r := New(logger.NewNop())

	// Persisted balance diverges from what the fresh chain implies.
	oldest := mov(1, "20", "80", "oldest")
	oldest.CalcBalance = dec("70")
	tail := []domain.Movement{oldest}

	outcome := r.Reconcile(context.Background(), consistentBatch(), tail, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileErrUnaligned, outcome.Status)
	assert.True(t, outcome.Status.IsError())
}

func TestReconcile_ToleratedSameDateMismatch(t *testing.T) {
	r := New(logger.NewNop())

	// Same-date reorder: the middle row's reported balance disagrees but the
	// run closes on the same date within the tolerance.
	scraped := []domain.Movement{
		mov(3, "10", "100", "a"),
		mov(3, "10", "85", "b"), // calculated: 90
		mov(3, "20", "80", "c"), // calculated: 80, matches again
	}

	outcome := r.Reconcile(context.Background(), scraped, nil, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileSuccess, outcome.Status)
	assert.False(t, outcome.Degraded)
	assert.Len(t, outcome.ConsistencyNotes, 1)
	// Calculated balances stay authoritative.
	require.Len(t, outcome.Accepted, 3)
	assert.True(t, outcome.Accepted[1].CalcBalance.Equal(dec("90")))
}

func TestReconcile_MismatchAcrossDatesDegrades(t *testing.T) {
	r := New(logger.NewNop())

	scraped := []domain.Movement{
		mov(3, "10", "100", "a"),
		mov(2, "10", "85", "b"), // calculated: 90
		mov(1, "20", "75", "c"), // calculated: 80, still off, different date
	}

	outcome := r.Reconcile(context.Background(), scraped, nil, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileErrInconsistent, outcome.Status)
	assert.True(t, outcome.Degraded)
	// Bank balances are used verbatim in degraded mode.
	require.Len(t, outcome.Accepted, 3)
	assert.True(t, outcome.Accepted[0].CalcBalance.Equal(dec("75")))
	assert.True(t, outcome.Accepted[2].CalcBalance.Equal(dec("100")))
}

func TestReconcile_LongSameDateMismatchDegrades(t *testing.T) {
	r := New(logger.NewNop())

	scraped := []domain.Movement{mov(3, "1", "100", "head")}
	for i := 0; i <= MaxMismatchRun; i++ {
		m := mov(3, "1", "0", "row")
		m.Description = m.Description + string(rune('a'+i))
		scraped = append(scraped, m)
	}

	outcome := r.Reconcile(context.Background(), scraped, nil, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileErrInconsistent, outcome.Status)
	assert.True(t, outcome.Degraded)
}

func TestReconcile_NoPivotBeyondLastSaved(t *testing.T) {
	r := New(logger.NewNop())

	// Saved history ends on day 1 but nothing scraped matches it, and the
	// scraped window starts after it: a true gap.
	saved := mov(1, "20", "80", "gone")
	saved.CalcBalance = dec("80")

	scraped := []domain.Movement{
		mov(5, "10", "100", "newer"),
		mov(4, "10", "90", "new"),
	}

	outcome := r.Reconcile(context.Background(), scraped, []domain.Movement{saved}, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileErrNoPivot, outcome.Status)
	assert.Nil(t, outcome.PivotIndex)
}

func TestReconcile_LastSavedMissingFromWindow(t *testing.T) {
	r := New(logger.NewNop())

	// The scraped window covers day 1 yet the saved movement's key is gone.
	saved := mov(1, "20", "80", "vanished")
	saved.CalcBalance = dec("80")

	scraped := []domain.Movement{
		mov(3, "10", "100", "newest"),
		mov(1, "20", "90", "different"),
	}

	outcome := r.Reconcile(context.Background(), scraped, []domain.Movement{saved}, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileErrLastSavedMissing, outcome.Status)
}

func TestReconcile_FewMovementsWarnWhenBalanceUnchanged(t *testing.T) {
	r := New(logger.NewNop())

	newest := mov(3, "10", "100", "newest")
	tail := make([]domain.Movement, 0, 3)
	for _, m := range []domain.Movement{
		mov(1, "20", "80", "oldest"),
		mov(2, "10", "90", "middle"),
		newest,
	} {
		m.CalcBalance = m.BankBalance
		tail = append(tail, m)
	}

	outcome := r.Reconcile(context.Background(), []domain.Movement{newest}, tail, dec("100"), Params{})

	assert.Equal(t, domain.ReconcileWarnFewMovements, outcome.Status)
	assert.False(t, outcome.Status.IsError())
	assert.Empty(t, outcome.Accepted)
}

func TestReconcile_FewMovementsErrWhenBalanceMoved(t *testing.T) {
	r := New(logger.NewNop())

	newest := mov(3, "10", "100", "newest")
	newest.CalcBalance = dec("100")
	tail := []domain.Movement{
		mov(1, "20", "80", "oldest"),
		mov(2, "10", "90", "middle"),
		newest,
	}
	for i := range tail {
		tail[i].CalcBalance = tail[i].BankBalance
	}

	scraped := mov(3, "10", "120", "newest")

	outcome := r.Reconcile(context.Background(), []domain.Movement{scraped}, tail, dec("120"), Params{})

	assert.Equal(t, domain.ReconcileErrFewMovements, outcome.Status)
}

func TestReconcile_FewMovementsAtHistoricalDateLimit(t *testing.T) {
	r := New(logger.NewNop())

	newest := mov(3, "10", "100", "newest")
	tail := []domain.Movement{
		mov(1, "20", "80", "oldest"),
		mov(2, "10", "90", "middle"),
		newest,
	}
	for i := range tail {
		tail[i].CalcBalance = tail[i].BankBalance
	}

	p := Params{DateFrom: day(1), MinDateFrom: day(1)}
	outcome := r.Reconcile(context.Background(), []domain.Movement{newest}, tail, dec("100"), p)

	assert.Equal(t, domain.ReconcileWarnFewMovementsDateLimit, outcome.Status)
}

func TestReconcile_TruncatedWindow(t *testing.T) {
	r := New(logger.NewNop())

	outcome := r.Reconcile(context.Background(), consistentBatch(), nil, dec("100"), Params{Truncated: true})

	assert.Equal(t, domain.ReconcileErrBreakingConditions, outcome.Status)
	assert.True(t, outcome.Status.IsError())
}

func TestReconcile_DeduplicatesByNaturalKey(t *testing.T) {
	r := New(logger.NewNop())

	scraped := []domain.Movement{
		mov(3, "10", "100", "newest"),
		mov(2, "10", "90", "middle"),
		mov(2, "10", "80", "middle"), // duplicate key, balance drifted
	}

	outcome := r.Reconcile(context.Background(), scraped, nil, dec("100"), Params{})

	require.Len(t, outcome.Accepted, 2)
}

func TestAssignDatePositions(t *testing.T) {
	asc := []domain.Movement{
		mov(1, "1", "1", "a"),
		mov(1, "1", "2", "b"),
		mov(2, "1", "3", "c"),
		mov(2, "1", "4", "d"),
		mov(2, "1", "5", "e"),
	}

	assignDatePositions(asc)

	positions := make([]int, len(asc))
	for i, m := range asc {
		positions[i] = m.DatePosition
	}
	assert.Equal(t, []int{1, 2, 1, 2, 3}, positions)
}
