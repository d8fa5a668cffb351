package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"marginloan/crypto"
	"marginloan/native/margin"
	"marginloan/storage"
)

var balancePrefix = []byte("custody/balance/")

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrInvalidTransfer   = errors.New("custody: invalid transfer")
)

// Ledger is an in-process asset ledger keeping every holder's balance in a
// key-value store. Both legs of a transfer are written in one batch.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger binds the ledger to db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func balanceKey(asset margin.AssetID, holder crypto.Address) []byte {
	key := append([]byte(nil), balancePrefix...)
	key = append(key, asset...)
	key = append(key, '/')
	return append(key, holder.Bytes()...)
}

func (l *Ledger) read(asset margin.AssetID, holder crypto.Address) (*uint256.Int, error) {
	raw, err := l.db.Get(balanceKey(asset, holder))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// BalanceOf returns the balance of asset held by holder.
func (l *Ledger) BalanceOf(_ context.Context, asset margin.AssetID, holder crypto.Address) (*uint256.Int, error) {
	if holder.IsZero() {
		return nil, fmt.Errorf("%w: holder required", ErrInvalidTransfer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(margin.NormalizeAsset(string(asset)), holder)
}

// Credit mints qty of asset to holder. It backs the development faucet and
// test setup.
func (l *Ledger) Credit(asset margin.AssetID, holder crypto.Address, qty *uint256.Int) error {
	if holder.IsZero() || qty == nil || qty.IsZero() {
		return ErrInvalidTransfer
	}
	asset = margin.NormalizeAsset(string(asset))
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.read(asset, holder)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, qty)
	if overflow {
		return margin.ErrArithmeticOverflow
	}
	return l.db.Put(balanceKey(asset, holder), next.Bytes())
}

// TransferIn moves qty from an external holder into custody.
func (l *Ledger) TransferIn(_ context.Context, asset margin.AssetID, from, holder crypto.Address, qty *uint256.Int) error {
	return l.move(asset, from, holder, qty)
}

// TransferOut moves qty out of custody to an external holder.
func (l *Ledger) TransferOut(_ context.Context, asset margin.AssetID, holder, to crypto.Address, qty *uint256.Int) error {
	return l.move(asset, holder, to, qty)
}

// Move transfers between any two holders. The exchange venue settles swaps
// through it.
func (l *Ledger) Move(asset margin.AssetID, from, to crypto.Address, qty *uint256.Int) error {
	return l.move(asset, from, to, qty)
}

func (l *Ledger) move(asset margin.AssetID, from, to crypto.Address, qty *uint256.Int) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("%w: both parties required", ErrInvalidTransfer)
	}
	if qty == nil || qty.IsZero() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidTransfer)
	}
	asset = margin.NormalizeAsset(string(asset))
	if strings.TrimSpace(string(asset)) == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidTransfer)
	}
	if from.Equal(to) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromBal, err := l.read(asset, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(qty) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, from, fromBal.Dec(), asset, qty.Dec())
	}
	toBal, err := l.read(asset, to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, qty)
	if overflow {
		return margin.ErrArithmeticOverflow
	}
	nextFrom := new(uint256.Int).Sub(fromBal, qty)
	return l.db.WriteBatch([]storage.KV{
		{Key: balanceKey(asset, from), Value: nextFrom.Bytes()},
		{Key: balanceKey(asset, to), Value: nextTo.Bytes()},
	})
}
