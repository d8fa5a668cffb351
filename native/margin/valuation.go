package margin

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Position is the per-asset view of a loan's custody at one instant.
type Position struct {
	Asset     AssetID
	Custodial *uint256.Int
	Claimed   *uint256.Int
	Usable    *uint256.Int
	Rate      *uint256.Int
}

// Sheet is a consistent snapshot of balances and rates for every approved
// asset, read once per operation.
type Sheet struct {
	order     []AssetID
	positions map[AssetID]*Position
}

// Position returns the entry for asset, or nil when the asset is not tracked.
func (s *Sheet) Position(asset AssetID) *Position {
	if s == nil {
		return nil
	}
	return s.positions[asset]
}

// Assets lists the tracked assets in approved order.
func (s *Sheet) Assets() []AssetID {
	if s == nil {
		return nil
	}
	return append([]AssetID(nil), s.order...)
}

// Rates exposes the rate per asset for the waterfall.
func (s *Sheet) Rates() map[AssetID]*uint256.Int {
	out := make(map[AssetID]*uint256.Int, len(s.order))
	for _, asset := range s.order {
		out[asset] = s.positions[asset].Rate
	}
	return out
}

// UsableBalances exposes the trader-usable quantity per asset.
func (s *Sheet) UsableBalances() map[AssetID]*uint256.Int {
	out := make(map[AssetID]*uint256.Int, len(s.order))
	for _, asset := range s.order {
		out[asset] = s.positions[asset].Usable
	}
	return out
}

// TraderValue is the total valuation of the trader's usable collateral.
func (s *Sheet) TraderValue() (*uint256.Int, error) {
	return s.traderValueWith(nil)
}

// traderValueWith values usable collateral after removing the quantities in
// withdraw.
func (s *Sheet) traderValueWith(withdraw map[AssetID]*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range s.order {
		pos := s.positions[asset]
		usable := pos.Usable
		if delta, ok := withdraw[asset]; ok && delta != nil {
			usable = saturatingSub(usable, delta)
		}
		value, err := ValueOf(pos.Rate, usable)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", asset, err)
		}
		total, err = addChecked(total, value)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// buildSheet reads balances and rates for every approved asset of the loan.
func buildSheet(ctx context.Context, loan *Loan, ledger AssetLedger, oracle RateOracle) (*Sheet, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: asset ledger", ErrEndpointUnavailable)
	}
	if oracle == nil {
		return nil, fmt.Errorf("%w: %s", ErrEndpointUnavailable, EndpointRateOracle)
	}
	assets := append([]AssetID(nil), loan.ApprovedAssets...)
	rates, err := oracle.RatesForAssets(ctx, assets)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	if len(rates) != len(assets) {
		return nil, fmt.Errorf("load rates: oracle returned %d rates for %d assets", len(rates), len(assets))
	}
	sheet := &Sheet{order: assets, positions: make(map[AssetID]*Position, len(assets))}
	for i, asset := range assets {
		if rates[i] == nil {
			return nil, fmt.Errorf("%w: no rate for %s", ErrUnknownAsset, asset)
		}
		balance, err := ledger.BalanceOf(ctx, asset, loan.Custody)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset, err)
		}
		balance = orZero(balance)
		claimed := loan.Claim(asset)
		sheet.positions[asset] = &Position{
			Asset:     asset,
			Custodial: balance.Clone(),
			Claimed:   claimed,
			// Custody drift below the claimed amount leaves nothing usable.
			Usable: saturatingSub(balance, claimed),
			Rate:   rates[i].Clone(),
		}
	}
	return sheet, nil
}
