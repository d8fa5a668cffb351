package margin

import (
	"context"

	"github.com/holiman/uint256"

	"marginloan/crypto"
)

// Registry keys resolved by the engine.
const (
	EndpointRateOracle = "rate-oracle"
	EndpointExchange   = "exchange"
)

// ModuleName is the pause switch consulted before every mutation.
const ModuleName = "margin"

// RateOracle supplies Unit-scaled prices in the valuation currency.
// RatesForAssets returns rates in input order. Unknown assets must fail, never
// report a zero rate.
type RateOracle interface {
	RateForAsset(ctx context.Context, asset AssetID) (*uint256.Int, error)
	RatesForAssets(ctx context.Context, assets []AssetID) ([]*uint256.Int, error)
}

// AssetLedger holds custodial balances and moves assets between holders.
type AssetLedger interface {
	BalanceOf(ctx context.Context, asset AssetID, holder crypto.Address) (*uint256.Int, error)
	TransferIn(ctx context.Context, asset AssetID, from, holder crypto.Address, qty *uint256.Int) error
	TransferOut(ctx context.Context, asset AssetID, holder, to crypto.Address, qty *uint256.Int) error
}

// Exchange swaps sourceQty of source held by holder into dest and returns the
// quantity of dest received.
type Exchange interface {
	Exchange(ctx context.Context, holder crypto.Address, source AssetID, sourceQty *uint256.Int, dest AssetID) (*uint256.Int, error)
}

// Registry resolves a symbolic key to a live collaborator.
type Registry interface {
	Lookup(ctx context.Context, key string) (any, error)
}

// PauseView reports whether a module has been administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

type engineState interface {
	GetLoan(id string) (*Loan, error)
	PutLoan(loan *Loan) error
}
