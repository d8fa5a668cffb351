package events

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

const (
	TypeLoanOpened          = "loan.opened"
	TypeLoanFunded          = "loan.funded"
	TypeCollateralDeposited = "loan.collateral_deposited"
	TypeTradePlaced         = "loan.trade_placed"
	TypeCollateralWithdrawn = "loan.collateral_withdrawn"
	TypeClaimWithdrawn      = "loan.claim_withdrawn"
	TypeLoanRepaid          = "loan.repaid"
	TypeLoanLiquidated      = "loan.liquidated"
	TypeLoanExpired         = "loan.expired"
	TypeLoanDeficiency      = "loan.deficiency"
	TypeCeilingUpdated      = "loan.ceiling_updated"
	TypeEndpointsRefreshed  = "loan.endpoints_refreshed"
)

type LoanOpened struct {
	LoanID  string
	Trader  string
	Custody string
	Assets  []string
}

func (LoanOpened) EventType() string { return TypeLoanOpened }

func (e LoanOpened) Attributes() map[string]string {
	assets := make([]string, 0, len(e.Assets))
	for _, a := range e.Assets {
		assets = append(assets, normalizeAsset(a))
	}
	return map[string]string{
		"loanId":  e.LoanID,
		"trader":  e.Trader,
		"custody": e.Custody,
		"assets":  strings.Join(assets, ","),
	}
}

type LoanFunded struct {
	LoanID    string
	Lender    string
	Amount    *uint256.Int
	Principal *uint256.Int
}

func (LoanFunded) EventType() string { return TypeLoanFunded }

func (e LoanFunded) Attributes() map[string]string {
	return map[string]string{
		"loanId":    e.LoanID,
		"lender":    e.Lender,
		"amount":    amountString(e.Amount),
		"principal": amountString(e.Principal),
	}
}

type CollateralDeposited struct {
	LoanID string
	Asset  string
	Amount *uint256.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Attributes() map[string]string {
	return map[string]string{
		"loanId": e.LoanID,
		"asset":  normalizeAsset(e.Asset),
		"amount": amountString(e.Amount),
	}
}

type TradePlaced struct {
	LoanID      string
	Source      string
	SourceQty   *uint256.Int
	Dest        string
	ReceivedQty *uint256.Int
}

func (TradePlaced) EventType() string { return TypeTradePlaced }

func (e TradePlaced) Attributes() map[string]string {
	return map[string]string{
		"loanId":    e.LoanID,
		"source":    normalizeAsset(e.Source),
		"sourceQty": amountString(e.SourceQty),
		"dest":      normalizeAsset(e.Dest),
		"received":  amountString(e.ReceivedQty),
	}
}

type CollateralWithdrawn struct {
	LoanID string
	Asset  string
	Amount *uint256.Int
}

func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

func (e CollateralWithdrawn) Attributes() map[string]string {
	return map[string]string{
		"loanId": e.LoanID,
		"asset":  normalizeAsset(e.Asset),
		"amount": amountString(e.Amount),
	}
}

type ClaimWithdrawn struct {
	LoanID string
	Lender string
	Asset  string
	Amount *uint256.Int
}

func (ClaimWithdrawn) EventType() string { return TypeClaimWithdrawn }

func (e ClaimWithdrawn) Attributes() map[string]string {
	return map[string]string{
		"loanId": e.LoanID,
		"lender": e.Lender,
		"asset":  normalizeAsset(e.Asset),
		"amount": amountString(e.Amount),
	}
}

type LoanRepaid struct {
	LoanID    string
	Amount    *uint256.Int
	Principal *uint256.Int
	Closed    bool
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Attributes() map[string]string {
	return map[string]string{
		"loanId":    e.LoanID,
		"amount":    amountString(e.Amount),
		"principal": amountString(e.Principal),
		"closed":    strconv.FormatBool(e.Closed),
	}
}

type LoanLiquidated struct {
	LoanID          string
	Caller          string
	CollateralValue *uint256.Int
	LoanValue       *uint256.Int
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Attributes() map[string]string {
	return map[string]string{
		"loanId":          e.LoanID,
		"caller":          e.Caller,
		"collateralValue": amountString(e.CollateralValue),
		"loanValue":       amountString(e.LoanValue),
	}
}

type LoanExpired struct {
	LoanID    string
	Target    *uint256.Int
	Assigned  *uint256.Int
	Remaining *uint256.Int
	Claims    int
}

func (LoanExpired) EventType() string { return TypeLoanExpired }

func (e LoanExpired) Attributes() map[string]string {
	return map[string]string{
		"loanId":    e.LoanID,
		"target":    amountString(e.Target),
		"assigned":  amountString(e.Assigned),
		"remaining": amountString(e.Remaining),
		"claims":    strconv.Itoa(e.Claims),
	}
}

type LoanDeficiency struct {
	LoanID    string
	Remaining *uint256.Int
}

func (LoanDeficiency) EventType() string { return TypeLoanDeficiency }

func (e LoanDeficiency) Attributes() map[string]string {
	return map[string]string{
		"loanId":    e.LoanID,
		"remaining": amountString(e.Remaining),
	}
}

type CeilingUpdated struct {
	LoanID  string
	Ceiling *uint256.Int
}

func (CeilingUpdated) EventType() string { return TypeCeilingUpdated }

func (e CeilingUpdated) Attributes() map[string]string {
	return map[string]string{
		"loanId":  e.LoanID,
		"ceiling": amountString(e.Ceiling),
	}
}

type EndpointsRefreshed struct {
	LoanID string
	Keys   []string
}

func (EndpointsRefreshed) EventType() string { return TypeEndpointsRefreshed }

func (e EndpointsRefreshed) Attributes() map[string]string {
	return map[string]string{
		"loanId": e.LoanID,
		"keys":   strings.Join(e.Keys, ","),
	}
}
