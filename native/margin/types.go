package margin

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"marginloan/crypto"
)

// AssetID names an approved asset, e.g. "USD" or "ETH".
type AssetID string

// NormalizeAsset trims and upper-cases an asset identifier.
func NormalizeAsset(raw string) AssetID {
	return AssetID(strings.ToUpper(strings.TrimSpace(raw)))
}

func (a AssetID) String() string { return string(a) }

// Terms are the immutable parameters a loan is opened with, plus the initial
// funding ceiling.
type Terms struct {
	Trader               crypto.Address
	AnnualRateBps        uint64
	MaintenanceMarginBps uint64
	MaxDuration          uint64
	MaxLoanAmount        *uint256.Int
	StableAsset          AssetID
	ApprovedAssets       []AssetID
}

// Validate checks the structural requirements on loan terms.
func (t Terms) Validate() error {
	if t.Trader.IsZero() {
		return fmt.Errorf("%w: trader required", ErrInvalidTerms)
	}
	if t.MaxDuration == 0 {
		return fmt.Errorf("%w: max duration must be positive", ErrInvalidTerms)
	}
	if t.StableAsset == "" {
		return fmt.Errorf("%w: stable asset required", ErrInvalidTerms)
	}
	if len(t.ApprovedAssets) == 0 {
		return fmt.Errorf("%w: approved assets required", ErrInvalidTerms)
	}
	seen := make(map[AssetID]struct{}, len(t.ApprovedAssets))
	hasStable := false
	for _, asset := range t.ApprovedAssets {
		if asset == "" {
			return fmt.Errorf("%w: empty asset identifier", ErrInvalidTerms)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("%w: duplicate asset %s", ErrInvalidTerms, asset)
		}
		seen[asset] = struct{}{}
		if asset == t.StableAsset {
			hasStable = true
		}
	}
	if !hasStable {
		return fmt.Errorf("%w: approved assets must include stable asset %s", ErrInvalidTerms, t.StableAsset)
	}
	return nil
}

// Loan is the persisted state of a single lending agreement.
type Loan struct {
	ID      string
	Custody crypto.Address
	Trader  crypto.Address
	// Lender is nil until the first successful funding and never changes
	// afterwards.
	Lender *crypto.Address

	AnnualRateBps          uint64
	MaintenanceMarginBps   uint64
	InitialMarginBufferBps uint64
	MaxDuration            uint64
	MaxLoanAmount          *uint256.Int
	StableAsset            AssetID
	ApprovedAssets         []AssetID

	Principal      *uint256.Int
	LastSettleTime uint64
	// LoanStartTime is zero until the loan is first funded.
	LoanStartTime uint64
	Liquidated    bool
	LenderClaims  map[AssetID]*uint256.Int
}

func newLoan(id string, custody crypto.Address, terms Terms, now uint64) *Loan {
	approved := append([]AssetID(nil), terms.ApprovedAssets...)
	ceiling := new(uint256.Int)
	if terms.MaxLoanAmount != nil {
		ceiling.Set(terms.MaxLoanAmount)
	}
	return &Loan{
		ID:                     id,
		Custody:                custody,
		Trader:                 terms.Trader,
		AnnualRateBps:          terms.AnnualRateBps,
		MaintenanceMarginBps:   terms.MaintenanceMarginBps,
		InitialMarginBufferBps: InitialMarginBufferBps,
		MaxDuration:            terms.MaxDuration,
		MaxLoanAmount:          ceiling,
		StableAsset:            terms.StableAsset,
		ApprovedAssets:         approved,
		Principal:              new(uint256.Int),
		LastSettleTime:         now,
		LenderClaims:           make(map[AssetID]*uint256.Int),
	}
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Lender != nil {
		lender := *l.Lender
		clone.Lender = &lender
	}
	clone.ApprovedAssets = append([]AssetID(nil), l.ApprovedAssets...)
	clone.MaxLoanAmount = orZero(l.MaxLoanAmount).Clone()
	clone.Principal = orZero(l.Principal).Clone()
	clone.LenderClaims = make(map[AssetID]*uint256.Int, len(l.LenderClaims))
	for asset, claim := range l.LenderClaims {
		if claim != nil {
			clone.LenderClaims[asset] = claim.Clone()
		}
	}
	return &clone
}

// HasLender reports whether the loan has been funded by a lender.
func (l *Loan) HasLender() bool {
	return l != nil && l.Lender != nil && !l.Lender.IsZero()
}

// IsLender reports whether addr is the loan's lender.
func (l *Loan) IsLender(addr crypto.Address) bool {
	return l.HasLender() && l.Lender.Equal(addr)
}

// IsTrader reports whether addr is the loan's trader.
func (l *Loan) IsTrader(addr crypto.Address) bool {
	return l != nil && l.Trader.Equal(addr)
}

// IsApproved reports whether the asset is tracked by the loan.
func (l *Loan) IsApproved(asset AssetID) bool {
	if l == nil {
		return false
	}
	for _, approved := range l.ApprovedAssets {
		if approved == asset {
			return true
		}
	}
	return false
}

// Claim returns the quantity of asset already assigned to the lender.
func (l *Loan) Claim(asset AssetID) *uint256.Int {
	if l == nil || l.LenderClaims == nil {
		return new(uint256.Int)
	}
	return orZero(l.LenderClaims[asset]).Clone()
}

func (l *Loan) setClaim(asset AssetID, qty *uint256.Int) {
	if l.LenderClaims == nil {
		l.LenderClaims = make(map[AssetID]*uint256.Int)
	}
	if qty == nil || qty.IsZero() {
		delete(l.LenderClaims, asset)
		return
	}
	l.LenderClaims[asset] = qty.Clone()
}

// Expired reports whether the loan has outlived MaxDuration at now.
func (l *Loan) Expired(now uint64) bool {
	if l == nil || l.LoanStartTime == 0 || now < l.LoanStartTime {
		return false
	}
	return now-l.LoanStartTime > l.MaxDuration
}

// WaterfallOrder lists approved assets in liquidation priority: the stable
// asset first, then the rest in configured order.
func (l *Loan) WaterfallOrder() []AssetID {
	return WaterfallOrder(l.StableAsset, l.ApprovedAssets)
}
