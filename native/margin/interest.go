package margin

import "github.com/holiman/uint256"

// AccruedInterest returns the simple interest owed on principal over elapsed
// seconds at an annual rate expressed in basis points:
//
//	floor(principal * rateBps * elapsed / (BasisPoints * SecondsPerYear))
func AccruedInterest(principal *uint256.Int, rateBps, elapsedSeconds uint64) (*uint256.Int, error) {
	if principal == nil || principal.IsZero() || rateBps == 0 || elapsedSeconds == 0 {
		return new(uint256.Int), nil
	}
	scaled, err := mulChecked(principal, uint256.NewInt(rateBps))
	if err != nil {
		return nil, err
	}
	scaled, err = mulChecked(scaled, uint256.NewInt(elapsedSeconds))
	if err != nil {
		return nil, err
	}
	return scaled.Div(scaled, yearBpsScale), nil
}

// settle folds interest accrued since LastSettleTime into the principal and
// advances the accrual clock to now. Settling twice at the same instant is a
// no-op.
func settle(loan *Loan, now uint64) error {
	if loan == nil {
		return errNilState
	}
	if now <= loan.LastSettleTime {
		return nil
	}
	interest, err := AccruedInterest(loan.Principal, loan.AnnualRateBps, now-loan.LastSettleTime)
	if err != nil {
		return err
	}
	principal, err := addChecked(orZero(loan.Principal), interest)
	if err != nil {
		return err
	}
	loan.Principal = principal
	loan.LastSettleTime = now
	return nil
}

// loanValueAt reports principal plus unsettled interest at the given instant
// without mutating the loan.
func loanValueAt(loan *Loan, now uint64) (*uint256.Int, error) {
	principal := orZero(loan.Principal)
	if now <= loan.LastSettleTime {
		return principal.Clone(), nil
	}
	interest, err := AccruedInterest(principal, loan.AnnualRateBps, now-loan.LastSettleTime)
	if err != nil {
		return nil, err
	}
	return addChecked(principal, interest)
}
