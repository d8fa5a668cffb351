package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"marginloan/crypto"
	"marginloan/native/margin"
)

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.ParticipantPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func sampleLoan(id string) *margin.Loan {
	lender := testAddress(0x02)
	return &margin.Loan{
		ID:                     id,
		Custody:                crypto.DeriveCustodyAddress(id),
		Trader:                 testAddress(0x01),
		Lender:                 &lender,
		AnnualRateBps:          800,
		MaintenanceMarginBps:   300,
		InitialMarginBufferBps: margin.InitialMarginBufferBps,
		MaxDuration:            86_400,
		MaxLoanAmount:          uint256.MustFromDecimal("5000000000000000000000"),
		StableAsset:            "USD",
		ApprovedAssets:         []margin.AssetID{"USD", "ETH"},
		Principal:              uint256.MustFromDecimal("1000000000000000000000"),
		LastSettleTime:         1_700_000_100,
		LoanStartTime:          1_700_000_000,
		LenderClaims:           map[margin.AssetID]*uint256.Int{"ETH": uint256.NewInt(42)},
	}
}

func exerciseLoanStore(t *testing.T, db Database) {
	store := NewLoanStore(db)

	missing, err := store.GetLoan("nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	loan := sampleLoan("loan-a")
	require.NoError(t, store.PutLoan(loan))
	require.NoError(t, store.PutLoan(sampleLoan("loan-b")))

	got, err := store.GetLoan("loan-a")
	require.NoError(t, err)
	require.Equal(t, loan.ID, got.ID)
	require.True(t, loan.Custody.Equal(got.Custody))
	require.True(t, got.IsLender(testAddress(0x02)))
	require.True(t, got.IsTrader(testAddress(0x01)))
	require.Equal(t, loan.ApprovedAssets, got.ApprovedAssets)
	require.True(t, loan.Principal.Eq(got.Principal))
	require.True(t, loan.MaxLoanAmount.Eq(got.MaxLoanAmount))
	require.Equal(t, uint64(42), got.Claim("ETH").Uint64())
	require.True(t, got.Claim("USD").IsZero())
	require.Equal(t, loan.LoanStartTime, got.LoanStartTime)
	require.Equal(t, loan.LastSettleTime, got.LastSettleTime)

	ids, err := store.LoanIDs()
	require.NoError(t, err)
	require.Equal(t, []string{"loan-a", "loan-b"}, ids)
}

func TestLoanStoreMemDB(t *testing.T) {
	exerciseLoanStore(t, NewMemDB())
}

func TestLoanStoreLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()
	exerciseLoanStore(t, db)
}

func TestLoanStoreUnfundedLoan(t *testing.T) {
	store := NewLoanStore(NewMemDB())
	loan := sampleLoan("fresh")
	loan.Lender = nil
	loan.LenderClaims = nil
	require.NoError(t, store.PutLoan(loan))

	got, err := store.GetLoan("fresh")
	require.NoError(t, err)
	require.False(t, got.HasLender())
	require.Empty(t, got.LenderClaims)
}

func TestDatabaseBatchAndNotFound(t *testing.T) {
	db := NewMemDB()
	_, err := db.Get([]byte("absent"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.WriteBatch([]KV{
		{Key: []byte("a/1"), Value: []byte("x")},
		{Key: []byte("a/2"), Value: []byte("y")},
		{Key: []byte("b/1"), Value: []byte("z")},
	}))
	keys, err := db.Keys([]byte("a/"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a/1"), []byte("a/2")}, keys)
}
