// Package resultcode defines the stable two-part result codes a scraping run
// persists for operator tooling and downstream status displays. The code
// values are a DB contract; never renumber them.
package resultcode

import "github.com/jordimassana/bankfeed/internal/domain"

// ResultCode is a coarse class (string, as stored in the DB) plus a symbolic
// name. Descriptions may be extended with useful information; the pair
// itself is stable.
type ResultCode struct {
	Class string `json:"class"`
	Name  string `json:"name"`
}

func (c ResultCode) String() string {
	return c.Class + ":" + c.Name
}

// IsSuccess reports whether the run may be treated as completed (including
// weak warnings).
func (c ResultCode) IsSuccess() bool {
	return c.Class == "0"
}

// Access-level codes.
var (
	InProgress = ResultCode{"1", "IN_PROGRESS"}
	Success    = ResultCode{"0", "SUCCESS"}

	// Finished, but there were warnings / weak errors along the way.
	SuccessWithWeakErrors = ResultCode{"0", "SUCCESS_WITH_WEAK_ERRORS"}

	ErrWrongCredentials = ResultCode{"2", "ERR_WRONG_CREDENTIALS"}
	ErrDoubleAuth       = ResultCode{"2", "ERR_NOT_LOGGED_IN_DETECTED_REASON: DOUBLE AUTH REQUIRED"}
	ErrConnection       = ResultCode{"2", "ERR_ANOTHER_CONNECTION_ERROR"}
	ErrProxyDown        = ResultCode{"2", "ERR_PROXY_DOWN"}
	ErrWebsiteDown      = ResultCode{"2", "ERR_WEBSITE_DOWN"}

	ErrParsing            = ResultCode{"3", "ERR_PARSING_ERROR"}
	ErrUnexpectedResponse = ResultCode{"3", "ERR_UNEXPECTED_RESPONSE"}
)

// Account-level codes.
var (
	ErrBalanceNoPivot      = ResultCode{"1", "ERR_BALANCE_NO_PIVOT_MOVEMENT"}
	ErrBalanceFewMovements = ResultCode{"2", "ERR_BALANCE_FEW_MOVEMENTS"}
	ErrBalanceInconsistent = ResultCode{"3", "ERR_BALANCE_INCONSISTENT_MOVEMENTS"}
	ErrBalanceUnaligned    = ResultCode{"4", "ERR_BALANCE_UNALIGNED"}

	ErrCantSwitchToContract  = ResultCode{"7", "ERR_CANT_SWITCH_TO_CONTRACT"}
	ErrCantSwitchToAccount   = ResultCode{"8", "ERR_CANT_SWITCH_TO_ACCOUNT"}
	ErrCantLoginConcurrently = ResultCode{"9", "ERR_CANT_LOGIN_CONCURRENTLY"}

	// Account scraping interrupted by bank-side conditions, usually
	// restricted pagination for many movements per date.
	ErrBreakingConditions = ResultCode{"10", "ERR_BREAKING_CONDITIONS"}

	ErrBalanceFewMovementsDateLimit = ResultCode{"19", "ERR_BALANCE_FEW_MOVEMENTS_HISTORICAL_DATE_LIMIT"}
	WarnFewMovementsDateLimit       = ResultCode{"18", "WRN_FEW_MOVEMENTS_HISTORICAL_DATE_LIMIT"}
	WarnFewMovements                = ResultCode{"20", "WRN_FEW_MOVEMENTS"}

	ErrLastSavedMissing = ResultCode{"24", "ERR_LAST_MOVEMENT_SAVED_NOT_IN_SCRAPED_MOVEMENTS"}
)

// FromOutcome maps a reconciliation outcome onto the taxonomy. weakWarnings
// marks degradations that still allowed a full commit (enrichment faults,
// tolerated balance mismatches).
func FromOutcome(outcome domain.ReconciliationOutcome, weakWarnings bool) ResultCode {
	switch outcome.Status {
	case domain.ReconcileSuccess:
		if weakWarnings {
			return SuccessWithWeakErrors
		}
		return Success
	case domain.ReconcileWarnFewMovements:
		return WarnFewMovements
	case domain.ReconcileWarnFewMovementsDateLimit:
		return WarnFewMovementsDateLimit
	case domain.ReconcileErrFewMovements:
		return ErrBalanceFewMovements
	case domain.ReconcileErrFewMovementsDateLimit:
		return ErrBalanceFewMovementsDateLimit
	case domain.ReconcileErrNoPivot:
		return ErrBalanceNoPivot
	case domain.ReconcileErrInconsistent:
		return ErrBalanceInconsistent
	case domain.ReconcileErrUnaligned:
		return ErrBalanceUnaligned
	case domain.ReconcileErrLastSavedMissing:
		return ErrLastSavedMissing
	case domain.ReconcileErrBreakingConditions:
		return ErrBreakingConditions
	default:
		return ErrUnexpectedResponse
	}
}
