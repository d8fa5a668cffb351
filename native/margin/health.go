package margin

import "github.com/holiman/uint256"

// MaintenanceOK reports whether collateral value sv strictly exceeds loan value
// lv grown by the maintenance margin: sv > lv * (1 + mmBps/10000). A false
// result makes the loan liquidatable; equality is not solvent.
func MaintenanceOK(sv, lv *uint256.Int, maintenanceBps uint64) (bool, error) {
	lhs, rhs, err := marginSides(sv, lv, maintenanceBps)
	if err != nil {
		return false, err
	}
	return lhs.Gt(rhs), nil
}

// InitialMarginOK gates funding and withdrawals: sv >= lv * (1 + (mmBps +
// InitialMarginBufferBps)/10000). Unlike MaintenanceOK the comparison is
// inclusive.
func InitialMarginOK(sv, lv *uint256.Int, maintenanceBps uint64) (bool, error) {
	if maintenanceBps > ^uint64(0)-InitialMarginBufferBps {
		return false, ErrArithmeticOverflow
	}
	lhs, rhs, err := marginSides(sv, lv, maintenanceBps+InitialMarginBufferBps)
	if err != nil {
		return false, err
	}
	return !lhs.Lt(rhs), nil
}

// marginSides cross-multiplies both sides by BasisPoints so the comparison is
// exact: sv*10000 versus lv*(10000+bps).
func marginSides(sv, lv *uint256.Int, bps uint64) (*uint256.Int, *uint256.Int, error) {
	lhs, err := mulChecked(orZero(sv), basisPoints)
	if err != nil {
		return nil, nil, err
	}
	factor, err := addChecked(basisPoints, uint256.NewInt(bps))
	if err != nil {
		return nil, nil, err
	}
	rhs, err := mulChecked(orZero(lv), factor)
	if err != nil {
		return nil, nil, err
	}
	return lhs, rhs, nil
}

// Health summarises the solvency of a loan at a single instant.
type Health struct {
	CollateralValue *uint256.Int
	LoanValue       *uint256.Int
	MaintenanceOK   bool
	InitialOK       bool
	Liquidatable    bool
	Expired         bool
}
