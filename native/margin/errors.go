package margin

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized           = errors.New("margin engine: caller not authorized")
	ErrBelowMarginRequirement = errors.New("margin engine: position below margin requirement")
	ErrInsufficientBalance    = errors.New("margin engine: insufficient balance")
	ErrLoanCeilingExceeded    = errors.New("margin engine: loan ceiling exceeded")
	ErrAlreadyLiquidated      = errors.New("margin engine: loan already liquidated")
	ErrNotLiquidationEligible = errors.New("margin engine: loan not eligible for liquidation")
	ErrLoanNotExpired         = errors.New("margin engine: loan not expired")
	ErrArithmeticOverflow     = errors.New("margin engine: arithmetic overflow")
	ErrUnknownAsset           = errors.New("margin engine: unknown asset")
	ErrTransferFailed         = errors.New("margin engine: asset transfer failed")
	ErrDeficiency             = errors.New("margin engine: collateral insufficient to cover loan")

	ErrInvalidAmount       = errors.New("margin engine: amount must be positive")
	ErrInvalidTerms        = errors.New("margin engine: invalid loan terms")
	ErrLoanNotFound        = errors.New("margin engine: loan not found")
	ErrLoanExists          = errors.New("margin engine: loan already exists")
	ErrModulePaused        = errors.New("margin engine: module paused")
	ErrEndpointUnavailable = errors.New("margin engine: endpoint unavailable")
	errNilState            = errors.New("margin engine: state not configured")
)

// DeficiencyError reports the loan value left unrecovered after the expiry
// waterfall exhausted every approved asset. The loan state is committed when
// this error is returned.
type DeficiencyError struct {
	Remaining *uint256.Int
}

func (e *DeficiencyError) Error() string {
	remaining := "0"
	if e != nil && e.Remaining != nil {
		remaining = e.Remaining.Dec()
	}
	return fmt.Sprintf("%s: %s unrecovered", ErrDeficiency.Error(), remaining)
}

func (e *DeficiencyError) Unwrap() error { return ErrDeficiency }
