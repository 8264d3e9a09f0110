// Package reconcile verifies freshly scraped movements against running
// balances and the previously persisted history, and classifies the outcome.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

// MaxMismatchRun is the longest tolerated run of calculated-vs-reported
// balance mismatches, and each run must stay within one calendar date.
// Longer or date-crossing runs indicate broken pagination or parsing, not
// same-day application-order races.
const MaxMismatchRun = 10

// Params carries per-run context the outcome classification depends on.
type Params struct {
	// DateFrom is the start of the scraping window.
	DateFrom time.Time
	// MinDateFrom is the account's historical floor; DateFrom at the floor
	// explains truncation benignly.
	MinDateFrom time.Time
	// Truncated is set by the caller when pagination broke mid-scrape.
	Truncated bool
}

type Reconciler struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Reconciler {
	return &Reconciler{log: log}
}

// Reconcile computes running balances for the scraped movements (newest
// first, as portals serve them), verifies consistency, finds the pivot
// against the persisted tail and emits exactly one outcome status.
//
// persistedTail is the already saved history for the same window, ascending.
// The algorithmic path is deterministic: identical inputs yield identical
// outcomes.
func (r *Reconciler) Reconcile(ctx context.Context, scrapedDesc []domain.Movement, persistedTail []domain.Movement, accountBalance decimal.Decimal, p Params) domain.ReconciliationOutcome {
	outcome := domain.ReconciliationOutcome{Status: domain.ReconcileSuccess}

	movs := calculateBalances(scrapedDesc)
	degraded, notes := r.checkConsistency(ctx, movs)
	outcome.ConsistencyNotes = notes
	if degraded {
		// Can't trust the calculated chain for the whole batch: fall back
		// to the bank-reported balances verbatim.
		for i := range movs {
			movs[i].CalcBalance = movs[i].BankBalance
		}
		outcome.Degraded = true
	}

	asc := ascending(movs)
	asc = dedupeByKey(asc)
	assignDatePositions(asc)

	fewStatus := r.checkFewMovements(asc, persistedTail, accountBalance, p)

	accepted, pivotIdx, pivotStatus := r.findPivot(asc, persistedTail)
	outcome.PivotIndex = pivotIdx
	outcome.Accepted = accepted

	unaligned := false
	if pivotIdx != nil && len(accepted) > 0 && !degraded {
		unaligned = !r.chainsFromPivot(persistedTail, asc[*pivotIdx], accepted[0])
	}

	// Exactly one status per run: hard errors over warnings over success.
	switch {
	case degraded:
		outcome.Status = domain.ReconcileErrInconsistent
	case unaligned:
		outcome.Status = domain.ReconcileErrUnaligned
	case pivotStatus != "":
		outcome.Status = pivotStatus
	case p.Truncated:
		outcome.Status = domain.ReconcileErrBreakingConditions
	case fewStatus != "":
		outcome.Status = fewStatus
	}

	r.log.Info(ctx, "Reconciliation finished",
		"status", string(outcome.Status),
		"scraped", len(scrapedDesc),
		"accepted", len(outcome.Accepted),
		"degraded", outcome.Degraded,
	)
	return outcome
}

// calculateBalances seeds the newest movement's calculated balance from the
// bank-reported one and derives the rest by subtracting amounts walking into
// the past. Per-row bank balances after the first row are distrusted (banks
// reorder same-day movements between fetches) but kept for the cross-check.
func calculateBalances(scrapedDesc []domain.Movement) []domain.Movement {
	movs := append([]domain.Movement(nil), scrapedDesc...)
	if len(movs) == 0 {
		return movs
	}
	movs[0].CalcBalance = movs[0].BankBalance
	for i := 1; i < len(movs); i++ {
		movs[i].CalcBalance = movs[i-1].CalcBalance.Sub(movs[i-1].Amount)
	}
	return movs
}

// checkConsistency scans mismatch runs between calculated and bank-reported
// balances. A run is tolerated only if it stays within one calendar date and
// is no longer than MaxMismatchRun.
func (r *Reconciler) checkConsistency(ctx context.Context, movs []domain.Movement) (degraded bool, notes []string) {
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		length := end - runStart
		sameDate := true
		date := movs[runStart].OperationDate
		for i := runStart; i < end; i++ {
			if !movs[i].OperationDate.Equal(date) {
				sameDate = false
				break
			}
		}
		note := fmt.Sprintf("balance mismatch run: %d movements starting at %s",
			length, date.Format("2006-01-02"))
		notes = append(notes, note)
		if !sameDate || length > MaxMismatchRun {
			degraded = true
		}
		runStart = -1
	}

	for i, m := range movs {
		if m.CalcBalance.Equal(m.BankBalance) {
			flush(i)
			continue
		}
		if runStart < 0 {
			runStart = i
		}
	}
	flush(len(movs))

	if degraded {
		r.log.Warn(ctx, "Inconsistent movements scraped, using bank balances verbatim",
			"mismatch_runs", len(notes),
		)
	}
	return degraded, notes
}

// checkFewMovements flags windows where the portal returned fewer movements
// than are already saved for the same period. Benign when the balance did
// not move (export limits); an error when it did. Hitting the historical
// floor gets its own sub-status since it explains truncation.
func (r *Reconciler) checkFewMovements(asc, persistedTail []domain.Movement, accountBalance decimal.Decimal, p Params) domain.ReconcileStatus {
	if len(persistedTail) == 0 || len(asc) >= len(persistedTail) {
		return ""
	}

	atDateLimit := !p.DateFrom.IsZero() && !p.MinDateFrom.IsZero() && !p.DateFrom.After(p.MinDateFrom)
	lastSaved := persistedTail[len(persistedTail)-1]

	if accountBalance.Equal(lastSaved.CalcBalance) {
		if atDateLimit {
			return domain.ReconcileWarnFewMovementsDateLimit
		}
		return domain.ReconcileWarnFewMovements
	}
	if atDateLimit {
		return domain.ReconcileErrFewMovementsDateLimit
	}
	return domain.ReconcileErrFewMovements
}

// findPivot locates the newest scraped movement that is already persisted.
// Everything at or before it is not re-inserted. No overlap with a non-empty
// tail is never silently guessed around: it is surfaced as a distinct
// status for the operator.
func (r *Reconciler) findPivot(asc, persistedTail []domain.Movement) (accepted []domain.Movement, pivotIdx *int, status domain.ReconcileStatus) {
	if len(persistedTail) == 0 {
		return asc, nil, ""
	}

	tailKeys := make(map[string]bool, len(persistedTail))
	for _, m := range persistedTail {
		tailKeys[m.NaturalKey()] = true
	}

	last := -1
	for i, m := range asc {
		if tailKeys[m.NaturalKey()] {
			last = i
		}
	}

	if last >= 0 {
		idx := last
		return asc[last+1:], &idx, ""
	}

	if len(asc) == 0 {
		// Nothing scraped at all: the few-movements check owns this case.
		return nil, nil, ""
	}

	lastSavedDate := persistedTail[len(persistedTail)-1].OperationDate
	if !asc[0].OperationDate.After(lastSavedDate) {
		// The window covers the last saved movement's date, yet its key is
		// gone from the fresh scrape.
		return asc, nil, domain.ReconcileErrLastSavedMissing
	}
	// True gap or bank-side data loss; can't safely resume.
	return asc, nil, domain.ReconcileErrNoPivot
}

// chainsFromPivot verifies the balance chain across the merge boundary: the
// first accepted movement must continue from the pivot's persisted balance.
func (r *Reconciler) chainsFromPivot(persistedTail []domain.Movement, pivot, firstAccepted domain.Movement) bool {
	pivotKey := pivot.NaturalKey()
	for _, m := range persistedTail {
		if m.NaturalKey() == pivotKey {
			return m.CalcBalance.Add(firstAccepted.Amount).Equal(firstAccepted.CalcBalance)
		}
	}
	return true
}

// ascending returns a reversed copy: portals serve newest first, the ledger
// persists oldest first.
func ascending(desc []domain.Movement) []domain.Movement {
	asc := make([]domain.Movement, len(desc))
	for i, m := range desc {
		asc[len(desc)-1-i] = m
	}
	return asc
}

// dedupeByKey drops repeated natural keys, keeping the first occurrence.
func dedupeByKey(asc []domain.Movement) []domain.Movement {
	seen := make(map[string]bool, len(asc))
	out := asc[:0:0]
	for _, m := range asc {
		key := m.NaturalKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// assignDatePositions numbers movements within each operation date,
// ascending from 1.
func assignDatePositions(asc []domain.Movement) {
	pos := 0
	var prev time.Time
	for i := range asc {
		if i == 0 || !asc[i].OperationDate.Equal(prev) {
			pos = 1
		} else {
			pos++
		}
		asc[i].DatePosition = pos
		prev = asc[i].OperationDate
	}
}
