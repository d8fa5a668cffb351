package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"marginloan/crypto"
	"marginloan/native/margin"
)

var (
	ErrSameAsset       = errors.New("exchange: source and destination must differ")
	ErrInvalidQuantity = errors.New("exchange: quantity must be positive")
	ErrNoLiquidity     = errors.New("exchange: venue cannot fill order")
	ErrInvalidFee      = errors.New("exchange: fee must be below 10000 bps")
)

// Settlement moves balances between holders.
type Settlement interface {
	Move(asset margin.AssetID, from, to crypto.Address, qty *uint256.Int) error
	BalanceOf(ctx context.Context, asset margin.AssetID, holder crypto.Address) (*uint256.Int, error)
}

// Venue is a single-counterparty exchange that fills swaps at oracle rates
// from its own inventory, less a fee.
type Venue struct {
	address crypto.Address
	oracle  margin.RateOracle
	settle  Settlement
	feeBps  uint64
}

// NewVenue constructs a venue trading from the inventory held at address.
func NewVenue(address crypto.Address, oracle margin.RateOracle, settle Settlement, feeBps uint64) (*Venue, error) {
	if address.IsZero() {
		return nil, errors.New("exchange: venue address required")
	}
	if oracle == nil || settle == nil {
		return nil, errors.New("exchange: oracle and settlement required")
	}
	if feeBps >= margin.BasisPoints {
		return nil, ErrInvalidFee
	}
	return &Venue{address: address, oracle: oracle, settle: settle, feeBps: feeBps}, nil
}

// Address returns the inventory account of the venue.
func (v *Venue) Address() crypto.Address { return v.address }

// Quote returns the destination quantity a swap would receive:
// floor(floor(qty * srcRate / dstRate) * (10000 - fee) / 10000).
func (v *Venue) Quote(ctx context.Context, source margin.AssetID, sourceQty *uint256.Int, dest margin.AssetID) (*uint256.Int, error) {
	if source == dest {
		return nil, ErrSameAsset
	}
	if sourceQty == nil || sourceQty.IsZero() {
		return nil, ErrInvalidQuantity
	}
	rates, err := v.oracle.RatesForAssets(ctx, []margin.AssetID{source, dest})
	if err != nil {
		return nil, err
	}
	if len(rates) != 2 || rates[0] == nil || rates[1] == nil || rates[1].IsZero() {
		return nil, fmt.Errorf("%w: missing rate for %s/%s", margin.ErrUnknownAsset, source, dest)
	}
	gross, overflow := new(uint256.Int).MulDivOverflow(sourceQty, rates[0], rates[1])
	if overflow {
		return nil, margin.ErrArithmeticOverflow
	}
	net, overflow := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(margin.BasisPoints-v.feeBps), uint256.NewInt(margin.BasisPoints))
	if overflow {
		return nil, margin.ErrArithmeticOverflow
	}
	return net, nil
}

// Exchange swaps sourceQty of source held by holder into dest.
func (v *Venue) Exchange(ctx context.Context, holder crypto.Address, source margin.AssetID, sourceQty *uint256.Int, dest margin.AssetID) (*uint256.Int, error) {
	received, err := v.Quote(ctx, source, sourceQty, dest)
	if err != nil {
		return nil, err
	}
	if received.IsZero() {
		return nil, fmt.Errorf("%w: order too small", ErrNoLiquidity)
	}
	inventory, err := v.settle.BalanceOf(ctx, dest, v.address)
	if err != nil {
		return nil, err
	}
	if inventory.Lt(received) {
		return nil, fmt.Errorf("%w: %s inventory %s below %s", ErrNoLiquidity, dest, inventory.Dec(), received.Dec())
	}
	if err := v.settle.Move(source, holder, v.address, sourceQty); err != nil {
		return nil, fmt.Errorf("collect %s: %w", source, err)
	}
	if err := v.settle.Move(dest, v.address, holder, received); err != nil {
		if undoErr := v.settle.Move(source, v.address, holder, sourceQty); undoErr != nil {
			return nil, fmt.Errorf("deliver %s: %w (refund failed: %v)", dest, err, undoErr)
		}
		return nil, fmt.Errorf("deliver %s: %w", dest, err)
	}
	return received, nil
}
