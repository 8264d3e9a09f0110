package resultcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jordimassana/bankfeed/internal/domain"
)

func TestResultCode_String(t *testing.T) {
	assert.Equal(t, "0:SUCCESS", Success.String())
	assert.Equal(t, "2:ERR_PROXY_DOWN", ErrProxyDown.String())
	assert.Equal(t, "24:ERR_LAST_MOVEMENT_SAVED_NOT_IN_SCRAPED_MOVEMENTS", ErrLastSavedMissing.String())
}

func TestResultCode_IsSuccess(t *testing.T) {
	assert.True(t, Success.IsSuccess())
	assert.True(t, SuccessWithWeakErrors.IsSuccess())
	assert.False(t, InProgress.IsSuccess())
	assert.False(t, ErrBalanceNoPivot.IsSuccess())
	assert.False(t, ErrProxyDown.IsSuccess())
}

func TestFromOutcome_Success(t *testing.T) {
	outcome := domain.ReconciliationOutcome{Status: domain.ReconcileSuccess}

	assert.Equal(t, Success, FromOutcome(outcome, false))
	assert.Equal(t, SuccessWithWeakErrors, FromOutcome(outcome, true))
}

func TestFromOutcome_StatusMapping(t *testing.T) {
	cases := map[domain.ReconcileStatus]ResultCode{
		domain.ReconcileWarnFewMovements:          WarnFewMovements,
		domain.ReconcileWarnFewMovementsDateLimit: WarnFewMovementsDateLimit,
		domain.ReconcileErrFewMovements:           ErrBalanceFewMovements,
		domain.ReconcileErrFewMovementsDateLimit:  ErrBalanceFewMovementsDateLimit,
		domain.ReconcileErrNoPivot:                ErrBalanceNoPivot,
		domain.ReconcileErrInconsistent:           ErrBalanceInconsistent,
		domain.ReconcileErrUnaligned:              ErrBalanceUnaligned,
		domain.ReconcileErrLastSavedMissing:       ErrLastSavedMissing,
		domain.ReconcileErrBreakingConditions:     ErrBreakingConditions,
	}

	for status, want := range cases {
		got := FromOutcome(domain.ReconciliationOutcome{Status: status}, false)
		assert.Equal(t, want, got, "status %s", status)
	}
}

func TestFromOutcome_WeakWarningsDoNotMaskErrors(t *testing.T) {
	outcome := domain.ReconciliationOutcome{Status: domain.ReconcileErrNoPivot}

	assert.Equal(t, ErrBalanceNoPivot, FromOutcome(outcome, true))
}
