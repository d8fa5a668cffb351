package margin

import "github.com/holiman/uint256"

const (
	// BasisPoints is the scale for every bps parameter: 10_000 bps == 100%.
	BasisPoints = 10_000
	// SecondsPerYear uses a 365.25 day year.
	SecondsPerYear = 31_557_600
	// InitialMarginBufferBps is added to the maintenance margin to form the
	// initial margin threshold.
	InitialMarginBufferBps = 200
)

var (
	// Unit is the fixed-point scale shared by rates and quantities.
	Unit = uint256.NewInt(1_000_000_000_000_000_000)

	basisPoints  = uint256.NewInt(BasisPoints)
	yearBpsScale = new(uint256.Int).Mul(uint256.NewInt(BasisPoints), uint256.NewInt(SecondsPerYear))
)

func mulChecked(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product, nil
}

func addChecked(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// saturatingSub returns a-b, clamped at zero.
func saturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

func minInt(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return a.Clone()
	}
	return b.Clone()
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// ValueOf converts a quantity into the valuation currency:
// floor(rate * quantity / Unit). A product that does not fit in 256 bits
// yields ErrArithmeticOverflow.
func ValueOf(rate, quantity *uint256.Int) (*uint256.Int, error) {
	if rate == nil || quantity == nil || rate.IsZero() || quantity.IsZero() {
		return new(uint256.Int), nil
	}
	product, err := mulChecked(rate, quantity)
	if err != nil {
		return nil, err
	}
	return product.Div(product, Unit), nil
}
