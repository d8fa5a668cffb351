package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"marginloan/crypto"
	"marginloan/native/margin"
)

var loanPrefix = []byte("margin/loan/")

// loanRecord is the persisted encoding of a loan. Amounts are decimal strings
// in base units.
type loanRecord struct {
	ID                     string            `json:"id"`
	Custody                string            `json:"custody"`
	Trader                 string            `json:"trader"`
	Lender                 string            `json:"lender,omitempty"`
	AnnualRateBps          uint64            `json:"annualRateBps"`
	MaintenanceMarginBps   uint64            `json:"maintenanceMarginBps"`
	InitialMarginBufferBps uint64            `json:"initialMarginBufferBps"`
	MaxDuration            uint64            `json:"maxDuration"`
	MaxLoanAmount          string            `json:"maxLoanAmount"`
	StableAsset            string            `json:"stableAsset"`
	ApprovedAssets         []string          `json:"approvedAssets"`
	Principal              string            `json:"principal"`
	LastSettleTime         uint64            `json:"lastSettleTime"`
	LoanStartTime          uint64            `json:"loanStartTime"`
	Liquidated             bool              `json:"liquidated"`
	LenderClaims           map[string]string `json:"lenderClaims,omitempty"`
}

// LoanStore persists loan snapshots in a Database under one key per loan.
type LoanStore struct {
	db Database
}

func NewLoanStore(db Database) *LoanStore {
	return &LoanStore{db: db}
}

func loanKey(id string) []byte {
	return append(append([]byte(nil), loanPrefix...), strings.TrimSpace(id)...)
}

// GetLoan returns the stored loan, or nil without error when absent.
func (s *LoanStore) GetLoan(id string) (*margin.Loan, error) {
	raw, err := s.db.Get(loanKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load loan %s: %w", id, err)
	}
	var rec loanRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode loan %s: %w", id, err)
	}
	return rec.toLoan()
}

// PutLoan overwrites the stored snapshot.
func (s *LoanStore) PutLoan(loan *margin.Loan) error {
	if loan == nil {
		return errors.New("storage: nil loan")
	}
	raw, err := json.Marshal(recordFromLoan(loan))
	if err != nil {
		return fmt.Errorf("encode loan %s: %w", loan.ID, err)
	}
	return s.db.Put(loanKey(loan.ID), raw)
}

// LoanIDs lists every stored loan identifier.
func (s *LoanStore) LoanIDs() ([]string, error) {
	keys, err := s.db.Keys(loanPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, string(k[len(loanPrefix):]))
	}
	return ids, nil
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", field, raw, err)
	}
	return v, nil
}

func recordFromLoan(loan *margin.Loan) loanRecord {
	rec := loanRecord{
		ID:                     loan.ID,
		Custody:                loan.Custody.String(),
		Trader:                 loan.Trader.String(),
		AnnualRateBps:          loan.AnnualRateBps,
		MaintenanceMarginBps:   loan.MaintenanceMarginBps,
		InitialMarginBufferBps: loan.InitialMarginBufferBps,
		MaxDuration:            loan.MaxDuration,
		MaxLoanAmount:          amount(loan.MaxLoanAmount),
		StableAsset:            loan.StableAsset.String(),
		Principal:              amount(loan.Principal),
		LastSettleTime:         loan.LastSettleTime,
		LoanStartTime:          loan.LoanStartTime,
		Liquidated:             loan.Liquidated,
	}
	if loan.HasLender() {
		rec.Lender = loan.Lender.String()
	}
	for _, asset := range loan.ApprovedAssets {
		rec.ApprovedAssets = append(rec.ApprovedAssets, asset.String())
	}
	if len(loan.LenderClaims) > 0 {
		rec.LenderClaims = make(map[string]string, len(loan.LenderClaims))
		assets := make([]string, 0, len(loan.LenderClaims))
		for asset := range loan.LenderClaims {
			assets = append(assets, asset.String())
		}
		sort.Strings(assets)
		for _, asset := range assets {
			rec.LenderClaims[asset] = amount(loan.LenderClaims[margin.AssetID(asset)])
		}
	}
	return rec
}

func (rec loanRecord) toLoan() (*margin.Loan, error) {
	custody, err := crypto.DecodeAddress(rec.Custody)
	if err != nil {
		return nil, fmt.Errorf("decode custody: %w", err)
	}
	trader, err := crypto.DecodeAddress(rec.Trader)
	if err != nil {
		return nil, fmt.Errorf("decode trader: %w", err)
	}
	loan := &margin.Loan{
		ID:                     rec.ID,
		Custody:                custody,
		Trader:                 trader,
		AnnualRateBps:          rec.AnnualRateBps,
		MaintenanceMarginBps:   rec.MaintenanceMarginBps,
		InitialMarginBufferBps: rec.InitialMarginBufferBps,
		MaxDuration:            rec.MaxDuration,
		StableAsset:            margin.AssetID(rec.StableAsset),
		LastSettleTime:         rec.LastSettleTime,
		LoanStartTime:          rec.LoanStartTime,
		Liquidated:             rec.Liquidated,
		LenderClaims:           make(map[margin.AssetID]*uint256.Int, len(rec.LenderClaims)),
	}
	if rec.Lender != "" {
		lender, err := crypto.DecodeAddress(rec.Lender)
		if err != nil {
			return nil, fmt.Errorf("decode lender: %w", err)
		}
		loan.Lender = &lender
	}
	for _, asset := range rec.ApprovedAssets {
		loan.ApprovedAssets = append(loan.ApprovedAssets, margin.AssetID(asset))
	}
	if loan.MaxLoanAmount, err = parseAmount("max loan amount", rec.MaxLoanAmount); err != nil {
		return nil, err
	}
	if loan.Principal, err = parseAmount("principal", rec.Principal); err != nil {
		return nil, err
	}
	for asset, raw := range rec.LenderClaims {
		claim, err := parseAmount("claim "+asset, raw)
		if err != nil {
			return nil, err
		}
		loan.LenderClaims[margin.AssetID(asset)] = claim
	}
	return loan, nil
}
