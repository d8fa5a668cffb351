package margin

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Claim is a single assignment of trader collateral to the lender.
type Claim struct {
	Asset    AssetID
	Quantity *uint256.Int
	Value    *uint256.Int
	Partial  bool
}

// WaterfallResult lists the claims made and the target value left uncovered.
type WaterfallResult struct {
	Target    *uint256.Int
	Claims    []Claim
	Remaining *uint256.Int
}

// Assigned sums the value of every claim.
func (r *WaterfallResult) Assigned() *uint256.Int {
	total := new(uint256.Int)
	if r == nil {
		return total
	}
	for _, c := range r.Claims {
		total.Add(total, c.Value)
	}
	return total
}

// Deficient reports whether collateral ran out before the target was met.
func (r *WaterfallResult) Deficient() bool {
	return r != nil && r.Remaining != nil && !r.Remaining.IsZero()
}

// WaterfallOrder returns stable first followed by the remaining approved
// assets in their configured order.
func WaterfallOrder(stable AssetID, approved []AssetID) []AssetID {
	order := make([]AssetID, 0, len(approved))
	for _, asset := range approved {
		if asset == stable {
			order = append(order, asset)
			break
		}
	}
	for _, asset := range approved {
		if asset != stable {
			order = append(order, asset)
		}
	}
	return order
}

// RunWaterfall walks order and assigns collateral until target value is
// covered. An asset worth no more than the remaining target is claimed in
// full; otherwise a partial quantity floor(usable * remaining / value) is
// claimed and the walk stops. Remaining is non-zero when every asset is
// exhausted first.
func RunWaterfall(target *uint256.Int, order []AssetID, usable, rates map[AssetID]*uint256.Int) (*WaterfallResult, error) {
	remaining := orZero(target).Clone()
	result := &WaterfallResult{Target: remaining.Clone()}
	for _, asset := range order {
		if remaining.IsZero() {
			break
		}
		rate, ok := rates[asset]
		if !ok || rate == nil {
			return nil, fmt.Errorf("%w: no rate for %s", ErrUnknownAsset, asset)
		}
		qty := orZero(usable[asset])
		if qty.IsZero() {
			continue
		}
		value, err := ValueOf(rate, qty)
		if err != nil {
			return nil, err
		}
		if value.IsZero() {
			continue
		}
		if value.Cmp(remaining) <= 0 {
			result.Claims = append(result.Claims, Claim{Asset: asset, Quantity: qty.Clone(), Value: value})
			remaining.Sub(remaining, value)
			continue
		}
		partial, overflow := new(uint256.Int).MulDivOverflow(qty, remaining, value)
		if overflow {
			return nil, ErrArithmeticOverflow
		}
		partialValue, err := ValueOf(rate, partial)
		if err != nil {
			return nil, err
		}
		if !partial.IsZero() {
			result.Claims = append(result.Claims, Claim{Asset: asset, Quantity: partial, Value: partialValue, Partial: true})
		}
		remaining.Clear()
	}
	result.Remaining = remaining
	return result, nil
}
