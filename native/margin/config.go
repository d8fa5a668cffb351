package margin

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"marginloan/crypto"
)

// TermsConfig is the on-disk TOML form of loan terms. Amounts are decimal
// strings in base units so they survive TOML's 64-bit integer limit.
type TermsConfig struct {
	LoanID               string   `toml:"LoanID"`
	Trader               string   `toml:"Trader"`
	AnnualRateBps        uint64   `toml:"AnnualRateBps"`
	MaintenanceMarginBps uint64   `toml:"MaintenanceMarginBps"`
	MaxDurationSeconds   uint64   `toml:"MaxDurationSeconds"`
	MaxLoanAmount        string   `toml:"MaxLoanAmount"`
	StableAsset          string   `toml:"StableAsset"`
	ApprovedAssets       []string `toml:"ApprovedAssets"`
}

// LoadTerms decodes a terms file and validates the result.
func LoadTerms(path string) (*TermsConfig, Terms, error) {
	cfg := &TermsConfig{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, Terms{}, fmt.Errorf("decode terms %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, Terms{}, fmt.Errorf("%w: unknown key %s in %s", ErrInvalidTerms, undecoded[0], path)
	}
	terms, err := cfg.Terms()
	if err != nil {
		return nil, Terms{}, err
	}
	return cfg, terms, nil
}

// Terms converts the TOML form into validated loan terms.
func (c TermsConfig) Terms() (Terms, error) {
	trader, err := crypto.DecodeAddress(strings.TrimSpace(c.Trader))
	if err != nil {
		return Terms{}, fmt.Errorf("%w: trader: %v", ErrInvalidTerms, err)
	}
	ceiling := new(uint256.Int)
	if raw := strings.TrimSpace(c.MaxLoanAmount); raw != "" {
		ceiling, err = uint256.FromDecimal(raw)
		if err != nil {
			return Terms{}, fmt.Errorf("%w: max loan amount %q: %v", ErrInvalidTerms, raw, err)
		}
	}
	approved := make([]AssetID, 0, len(c.ApprovedAssets))
	for _, raw := range c.ApprovedAssets {
		approved = append(approved, NormalizeAsset(raw))
	}
	terms := Terms{
		Trader:               trader,
		AnnualRateBps:        c.AnnualRateBps,
		MaintenanceMarginBps: c.MaintenanceMarginBps,
		MaxDuration:          c.MaxDurationSeconds,
		MaxLoanAmount:        ceiling,
		StableAsset:          NormalizeAsset(c.StableAsset),
		ApprovedAssets:       approved,
	}
	if err := terms.Validate(); err != nil {
		return Terms{}, err
	}
	return terms, nil
}
