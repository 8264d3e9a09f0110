package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateKeyFormat = "20060102"

// Movement is a single statement line. All fields except ExtendedDescription
// are immutable once parsed; ExtendedDescription is set at most once by the
// enrichment pipeline.
type Movement struct {
	OperationDate time.Time       `json:"operation_date"`
	ValueDate     time.Time       `json:"value_date"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`

	// BankBalance is the running balance as reported by the portal.
	// CalcBalance is derived by the reconciler and is the trusted value.
	BankBalance decimal.Decimal `json:"bank_balance"`
	CalcBalance decimal.Decimal `json:"calc_balance"`

	// DatePosition is the 1-based ordinal of the movement within its
	// operation date, ascending.
	DatePosition int `json:"date_position"`

	HasExtraDetails     bool   `json:"has_extra_details"`
	ExtendedDescription string `json:"extended_description,omitempty"`
}

// NaturalKey identifies the same logical movement across re-fetches.
// It covers only fields the portal never reformats between fetches:
// balances and pagination cursors are excluded on purpose.
func (m Movement) NaturalKey() string {
	h := sha256.New()
	h.Write([]byte(m.OperationDate.Format(dateKeyFormat)))
	h.Write([]byte(m.ValueDate.Format(dateKeyFormat)))
	h.Write([]byte(m.Amount.String()))
	h.Write([]byte(CleanDescription(m.Description)))
	return hex.EncodeToString(h.Sum(nil))
}

// CleanDescription normalizes a scraped description: portals sometimes
// insert newlines that differ between fetches of the same movement.
func CleanDescription(descr string) string {
	return strings.TrimSpace(strings.ReplaceAll(descr, "\n", "  "))
}

// NaturalKeys returns the key sequence of movements, preserving order.
func NaturalKeys(movements []Movement) []string {
	keys := make([]string, len(movements))
	for i, m := range movements {
		keys[i] = m.NaturalKey()
	}
	return keys
}

// Account is an independent unit of reconciliation.
type Account struct {
	ExternalID string          `json:"external_id"`
	IBAN       string          `json:"iban"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`

	// LastMovementKey is the natural key of the most recently persisted
	// movement, empty for a fresh account.
	LastMovementKey string `json:"last_movement_key"`

	// MinDateFrom is the historical floor: the portal does not serve
	// movements older than this date.
	MinDateFrom time.Time `json:"min_date_from"`
}

// Proxy is a named bundle of scheme to endpoint mappings. Blocked state is
// session-scoped and lives inside the session, not here.
type Proxy struct {
	Name      string            `json:"name"`
	Endpoints map[string]string `json:"endpoints"`
}

// Endpoint returns the proxy endpoint for a URL scheme, or "".
func (p Proxy) Endpoint(scheme string) string {
	return p.Endpoints[scheme]
}

// ReconcileStatus is the outcome classification of a reconciliation run.
// Exactly one status is emitted per run.
type ReconcileStatus string

const (
	ReconcileSuccess ReconcileStatus = "SUCCESS"

	// Scraped fewer movements than already saved for the same period.
	ReconcileWarnFewMovements          ReconcileStatus = "WRN_FEW_MOVEMENTS"
	ReconcileWarnFewMovementsDateLimit ReconcileStatus = "WRN_FEW_MOVEMENTS_HISTORICAL_DATE_LIMIT"
	ReconcileErrFewMovements           ReconcileStatus = "ERR_BALANCE_FEW_MOVEMENTS"
	ReconcileErrFewMovementsDateLimit  ReconcileStatus = "ERR_BALANCE_FEW_MOVEMENTS_HISTORICAL_DATE_LIMIT"

	// No overlap between scraped movements and the persisted tail.
	ReconcileErrNoPivot ReconcileStatus = "ERR_BALANCE_NO_PIVOT_MOVEMENT"

	// Calculated running balances diverge from bank-reported ones beyond
	// the tolerated window.
	ReconcileErrInconsistent ReconcileStatus = "ERR_BALANCE_INCONSISTENT_MOVEMENTS"

	// Persisted account balance does not match the persisted tail.
	ReconcileErrUnaligned ReconcileStatus = "ERR_BALANCE_UNALIGNED"

	// The last saved movement is absent from the freshly scraped set.
	ReconcileErrLastSavedMissing ReconcileStatus = "ERR_LAST_MOVEMENT_SAVED_NOT_IN_SCRAPED_MOVEMENTS"

	// Pagination broke mid-scrape and the window is truncated.
	ReconcileErrBreakingConditions ReconcileStatus = "ERR_BREAKING_CONDITIONS"
)

// IsError reports whether the status is a hard error. Warnings and success
// still allow persisting.
func (s ReconcileStatus) IsError() bool {
	switch s {
	case ReconcileSuccess, ReconcileWarnFewMovements, ReconcileWarnFewMovementsDateLimit:
		return false
	}
	return true
}

// ReconciliationOutcome is the single result of a reconciliation run.
type ReconciliationOutcome struct {
	Status ReconcileStatus `json:"status"`

	// PivotIndex is the position in the scraped ascending set of the newest
	// movement that is already persisted, nil when there was no overlap.
	PivotIndex *int `json:"pivot_index,omitempty"`

	// Accepted is chronologically ascending and deduplicated by natural
	// key; these are the movements safe to persist.
	Accepted []Movement `json:"accepted"`

	// Degraded is set when the consistency check failed softly and
	// bank-reported balances were used verbatim. Enrichment that assumes
	// internal consistency must be skipped.
	Degraded bool `json:"degraded"`

	ConsistencyNotes []string `json:"consistency_notes,omitempty"`
}

// RunStatus is the lifecycle state of a scraping run.
type RunStatus string

const (
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Run is the bookkeeping record of one scraping run for one account.
type Run struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Status      RunStatus  `json:"status"`
	ResultClass string     `json:"result_class,omitempty"`
	ResultName  string     `json:"result_name,omitempty"`
	Saved       int        `json:"saved_movements"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
