package custody

import (
	"bytes"
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"marginloan/crypto"
	"marginloan/storage"
)

func addr(b byte) crypto.Address {
	return crypto.NewAddress(crypto.ParticipantPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func TestLedgerTransfers(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	alice, vault := addr(0x01), crypto.DeriveCustodyAddress("loan-1")

	require.NoError(t, ledger.Credit("usd", alice, uint256.NewInt(1_000)))
	require.NoError(t, ledger.TransferIn(ctx, "USD", alice, vault, uint256.NewInt(400)))

	bal, err := ledger.BalanceOf(ctx, "USD", vault)
	require.NoError(t, err)
	require.Equal(t, uint64(400), bal.Uint64())
	bal, err = ledger.BalanceOf(ctx, " usd ", alice)
	require.NoError(t, err)
	require.Equal(t, uint64(600), bal.Uint64())

	require.NoError(t, ledger.TransferOut(ctx, "USD", vault, alice, uint256.NewInt(150)))
	bal, err = ledger.BalanceOf(ctx, "USD", vault)
	require.NoError(t, err)
	require.Equal(t, uint64(250), bal.Uint64())
}

func TestLedgerRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	alice, bob := addr(0x01), addr(0x02)
	require.NoError(t, ledger.Credit("ETH", alice, uint256.NewInt(5)))

	err := ledger.TransferOut(ctx, "ETH", alice, bob, uint256.NewInt(6))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	err = ledger.TransferOut(ctx, "ETH", alice, bob, new(uint256.Int))
	require.ErrorIs(t, err, ErrInvalidTransfer)
	err = ledger.TransferOut(ctx, "ETH", alice, crypto.Address{}, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidTransfer)

	bal, err := ledger.BalanceOf(ctx, "ETH", alice)
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal.Uint64())
}
