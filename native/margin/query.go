package margin

import (
	"context"

	"github.com/holiman/uint256"
)

// Snapshot returns a copy of the persisted loan state.
func (e *Engine) Snapshot() (*Loan, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadLoan()
}

// LoanValue returns principal plus interest accrued up to now, without
// settling it.
func (e *Engine) LoanValue() (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loan, err := e.loadLoan()
	if err != nil {
		return nil, err
	}
	return loanValueAt(loan, e.timestamp())
}

// CollateralValue returns the valuation of the trader's usable collateral.
func (e *Engine) CollateralValue(ctx context.Context) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, sheet, err := e.readSheet(ctx)
	if err != nil {
		return nil, err
	}
	return sheet.TraderValue()
}

// UsableBalance returns the custodial balance of asset not claimed by the
// lender.
func (e *Engine) UsableBalance(ctx context.Context, asset AssetID) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loan, err := e.loadLoan()
	if err != nil {
		return nil, err
	}
	if !loan.IsApproved(asset) {
		return nil, ErrUnknownAsset
	}
	return e.usable(ctx, loan, asset)
}

// Positions returns the per-asset balance sheet in approved order.
func (e *Engine) Positions(ctx context.Context) ([]Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, sheet, err := e.readSheet(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(sheet.order))
	for _, asset := range sheet.order {
		out = append(out, *sheet.positions[asset])
	}
	return out, nil
}

// Health evaluates both margin predicates against one consistent read of
// state, balances and rates.
func (e *Engine) Health(ctx context.Context) (*Health, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loan, sheet, err := e.readSheet(ctx)
	if err != nil {
		return nil, err
	}
	now := e.timestamp()
	lv, err := loanValueAt(loan, now)
	if err != nil {
		return nil, err
	}
	sv, err := sheet.TraderValue()
	if err != nil {
		return nil, err
	}
	maintenance, err := MaintenanceOK(sv, lv, loan.MaintenanceMarginBps)
	if err != nil {
		return nil, err
	}
	initial, err := InitialMarginOK(sv, lv, loan.MaintenanceMarginBps)
	if err != nil {
		return nil, err
	}
	return &Health{
		CollateralValue: sv,
		LoanValue:       lv,
		MaintenanceOK:   maintenance,
		InitialOK:       initial,
		Liquidatable:    !loan.Liquidated && loan.LoanStartTime != 0 && !maintenance,
		Expired:         loan.Expired(now),
	}, nil
}

func (e *Engine) readSheet(ctx context.Context) (*Loan, *Sheet, error) {
	loan, err := e.loadLoan()
	if err != nil {
		return nil, nil, err
	}
	oracle, err := e.rateOracle(ctx)
	if err != nil {
		return nil, nil, err
	}
	sheet, err := buildSheet(ctx, loan, e.ledger, oracle)
	if err != nil {
		return nil, nil, err
	}
	return loan, sheet, nil
}
