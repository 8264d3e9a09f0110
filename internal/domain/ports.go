package domain

import (
	"context"
	"time"
)

// Page is one portal response worth of movements, newest first as portals
// usually serve them.
type Page struct {
	Movements []Movement
	HasMore   bool
}

// PageFetcher yields raw statement pages for an account. Implemented by
// site-specific adapters; the core never branches on bank identity.
// Fetching the same pageNum again must re-request the same page.
type PageFetcher interface {
	FetchPage(ctx context.Context, account Account, dateFrom, dateTo time.Time, pageNum int) (Page, error)
}

// FetchOutcome classifies a single detail fetch.
type FetchOutcome string

const (
	// FetchOK: details retrieved, movement extended.
	FetchOK FetchOutcome = "ok"
	// FetchTransient: worth retrying (timeouts, 5xx once).
	FetchTransient FetchOutcome = "transient"
	// FetchPermanentBenign: no details exist ("no permission", "no data
	// yet"); accept the movement unmodified.
	FetchPermanentBenign FetchOutcome = "permanent_benign"
	// FetchCritical: counts toward the per-account circuit breaker.
	FetchCritical FetchOutcome = "critical"
)

// DetailFetcher yields enrichment data for one movement. Implemented by
// site-specific adapters.
type DetailFetcher interface {
	FetchDetails(ctx context.Context, account Account, mov Movement) (Movement, FetchOutcome, error)
}

// Repository is the persistence boundary.
type Repository interface {
	// Run bookkeeping
	CreateRun(ctx context.Context, runID, accountID string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	CompleteRun(ctx context.Context, runID string, status RunStatus, resultClass, resultName string, saved int) error

	// Ledger
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	UpsertAccount(ctx context.Context, account Account) error
	MovementsSince(ctx context.Context, accountID string, since time.Time) ([]Movement, error)
	LastMovement(ctx context.Context, accountID string) (*Movement, error)
	// SaveMovements appends reconciled movements and realigns the account
	// balance in one step.
	SaveMovements(ctx context.Context, accountID string, movements []Movement) error
}
