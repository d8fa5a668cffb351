package margin

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

const day = 24 * time.Hour

func TestOpenRejectsDuplicateAndInvalidTerms(t *testing.T) {
	f := newFixture()
	if _, err := f.engine.Open(defaultTerms(f.trader)); !errors.Is(err, ErrLoanExists) {
		t.Fatalf("expected loan exists, got %v", err)
	}
	other := NewEngine("loan-2", f.admin)
	other.SetState(f.state)
	terms := defaultTerms(f.trader)
	terms.ApprovedAssets = []AssetID{eth}
	if _, err := other.Open(terms); !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected invalid terms, got %v", err)
	}
	loan := f.loan()
	if loan.InitialMarginBufferBps != InitialMarginBufferBps || loan.HasLender() || loan.LoanStartTime != 0 {
		t.Fatalf("unexpected fresh loan: %+v", loan)
	}
	if !loan.Custody.Equal(f.engine.Custody()) {
		t.Fatalf("custody mismatch")
	}
}

func TestFundRequiresInitialMargin(t *testing.T) {
	f := newFixture()
	err := f.engine.Fund(context.Background(), f.lender, units(1_000))
	if !errors.Is(err, ErrBelowMarginRequirement) {
		t.Fatalf("expected margin failure, got %v", err)
	}
	if got := f.ledger.balance(usd, f.lender); !got.Eq(units(100_000)) {
		t.Fatalf("lender balance moved: %s", got.Dec())
	}
	if f.loan().HasLender() {
		t.Fatalf("failed funding must not assign a lender")
	}
}

func TestFundFirstFunderBecomesLender(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	loan := f.loan()
	if !loan.IsLender(f.lender) {
		t.Fatalf("expected funder to become lender")
	}
	if loan.LoanStartTime != uint64(f.clock.now.Unix()) {
		t.Fatalf("unexpected start time %d", loan.LoanStartTime)
	}
	if !loan.Principal.Eq(units(1_000)) || !f.custody(usd).Eq(units(1_000)) {
		t.Fatalf("unexpected principal %s custody %s", loan.Principal.Dec(), f.custody(usd).Dec())
	}

	stranger := makeAddress(0x04)
	f.ledger.credit(usd, stranger, units(1_000))
	if err := f.engine.Fund(ctx, stranger, units(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized second funder, got %v", err)
	}
	if err := f.engine.Fund(ctx, f.trader, units(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized trader funding, got %v", err)
	}

	f.clock.Advance(day)
	if err := f.engine.Fund(ctx, f.lender, units(100)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	loan = f.loan()
	if loan.LoanStartTime != uint64(f.clock.now.Add(-day).Unix()) {
		t.Fatalf("start time must be set once, got %d", loan.LoanStartTime)
	}
	interest, _ := AccruedInterest(units(1_000), 800, uint64(day/time.Second))
	want := new(uint256.Int).Add(units(1_100), interest)
	if !loan.Principal.Eq(want) {
		t.Fatalf("unexpected principal after top up: got %s want %s", loan.Principal.Dec(), want.Dec())
	}
}

func TestFundCeiling(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	if err := f.engine.Fund(ctx, f.lender, units(9_001)); !errors.Is(err, ErrLoanCeilingExceeded) {
		t.Fatalf("expected ceiling exceeded, got %v", err)
	}
	if err := f.engine.SetMaxLoanAmount(f.lender, units(500)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized ceiling update, got %v", err)
	}
	if err := f.engine.SetMaxLoanAmount(f.trader, units(500)); err != nil {
		t.Fatalf("set ceiling: %v", err)
	}
	if err := f.engine.Fund(ctx, f.lender, units(1)); !errors.Is(err, ErrLoanCeilingExceeded) {
		t.Fatalf("expected ceiling exceeded after lowering, got %v", err)
	}
	// A ceiling below the balance still allows withdrawals and repayment.
	if err := f.engine.WithdrawTrader(ctx, f.trader, eth, milli(100)); err != nil {
		t.Fatalf("withdraw under low ceiling: %v", err)
	}
	if _, err := f.engine.Repay(ctx, f.trader, units(10)); err != nil {
		t.Fatalf("repay under low ceiling: %v", err)
	}
}

func TestDepositValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, f.trader, "BTC", units(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
	if err := f.engine.Deposit(ctx, f.lender, eth, units(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.Deposit(ctx, f.trader, eth, new(uint256.Int)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := f.engine.Deposit(ctx, f.trader, eth, units(11)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if err := f.engine.Deposit(ctx, f.trader, eth, units(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !f.custody(eth).Eq(units(2)) {
		t.Fatalf("unexpected custody: %s", f.custody(eth).Dec())
	}
}

func TestPlaceTradeUsesUsableBalance(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	received, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(500), eth)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !received.Eq(milli(250)) {
		t.Fatalf("unexpected received: %s", received.Dec())
	}
	if !f.custody(usd).Eq(units(500)) || !f.custody(eth).Eq(milli(1_250)) {
		t.Fatalf("unexpected custody usd=%s eth=%s", f.custody(usd).Dec(), f.custody(eth).Dec())
	}
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(600), eth); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := f.engine.PlaceTrade(ctx, f.lender, usd, units(1), eth); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(1), "BTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
	if !slices.Contains(f.events, "loan.trade_placed") {
		t.Fatalf("expected trade event, got %v", f.events)
	}
}

func TestPlaceTradeExcludesLenderClaims(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	if _, err := f.engine.Repay(ctx, f.trader, units(400)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	// 1,000 USD in custody, 400 claimed by the lender.
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(601), eth); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	usable, err := f.engine.UsableBalance(ctx, usd)
	if err != nil {
		t.Fatalf("usable: %v", err)
	}
	if !usable.Eq(units(600)) {
		t.Fatalf("unexpected usable balance: %s", usable.Dec())
	}
}

func TestWithdrawTraderInitialMargin(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	// Without the ETH only 1,000 USD remains against a 1,050 requirement.
	if err := f.engine.Withdraw(ctx, f.trader, eth, units(1)); !errors.Is(err, ErrBelowMarginRequirement) {
		t.Fatalf("expected margin failure, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, f.trader, usd, units(1_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, f.trader, eth, milli(500)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !f.ledger.balance(eth, f.trader).Eq(milli(9_500)) || !f.custody(eth).Eq(milli(500)) {
		t.Fatalf("unexpected balances trader=%s custody=%s", f.ledger.balance(eth, f.trader).Dec(), f.custody(eth).Dec())
	}
	if err := f.engine.Withdraw(ctx, makeAddress(0x05), eth, milli(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRepayClosesLoan(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	effective, err := f.engine.Repay(ctx, f.trader, units(5_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !effective.Eq(units(1_000)) {
		t.Fatalf("effective repayment must cap at loan value, got %s", effective.Dec())
	}
	loan := f.loan()
	if !loan.Principal.IsZero() || !loan.MaxLoanAmount.IsZero() {
		t.Fatalf("expected closed loan, principal=%s ceiling=%s", loan.Principal.Dec(), loan.MaxLoanAmount.Dec())
	}
	if !loan.Claim(usd).Eq(units(1_000)) {
		t.Fatalf("unexpected lender claim: %s", loan.Claim(usd).Dec())
	}
	if err := f.engine.Fund(ctx, f.lender, units(1)); !errors.Is(err, ErrLoanCeilingExceeded) {
		t.Fatalf("closed loan must reject funding, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, f.lender, usd, units(1_000)); err != nil {
		t.Fatalf("lender withdraw: %v", err)
	}
	if !f.ledger.balance(usd, f.lender).Eq(units(100_000)) {
		t.Fatalf("lender not made whole: %s", f.ledger.balance(usd, f.lender).Dec())
	}
	if !f.loan().Claim(usd).IsZero() {
		t.Fatalf("claim must be consumed by withdrawal")
	}
}

func TestRepaySettlesInterestFirst(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	f.clock.Advance(time.Duration(SecondsPerYear) * time.Second)
	lv, err := f.engine.LoanValue()
	if err != nil {
		t.Fatalf("loan value: %v", err)
	}
	if !lv.Eq(units(1_080)) {
		t.Fatalf("unexpected loan value after a year: %s", lv.Dec())
	}
	if _, err := f.engine.Repay(ctx, f.trader, units(100)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	loan := f.loan()
	if !loan.Principal.Eq(units(980)) {
		t.Fatalf("unexpected principal: %s", loan.Principal.Dec())
	}
	if loan.LastSettleTime != uint64(f.clock.now.Unix()) {
		t.Fatalf("settle time not advanced")
	}
}

func TestRepayRequiresUsableStable(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(900), eth); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if _, err := f.engine.Repay(ctx, f.trader, units(500)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := f.engine.Repay(ctx, f.lender, units(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestLiquidateSweepsCollateral(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	keeper := makeAddress(0x07)
	if err := f.engine.Liquidate(ctx, keeper); !errors.Is(err, ErrNotLiquidationEligible) {
		t.Fatalf("healthy loan must not liquidate, got %v", err)
	}
	// 1,000 USD + 1 ETH at 10 = 1,010, below the 1,030 maintenance line.
	f.oracle.set(eth, units(10))
	if err := f.engine.Liquidate(ctx, keeper); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	loan := f.loan()
	if !loan.Liquidated {
		t.Fatalf("expected liquidated flag")
	}
	if !loan.Claim(usd).Eq(units(1_000)) || !loan.Claim(eth).Eq(units(1)) {
		t.Fatalf("expected full sweep, got usd=%s eth=%s", loan.Claim(usd).Dec(), loan.Claim(eth).Dec())
	}
	if err := f.engine.Liquidate(ctx, keeper); !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("expected already liquidated, got %v", err)
	}

	if err := f.engine.Withdraw(ctx, f.trader, usd, units(1)); !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("trader withdraw after liquidation: %v", err)
	}
	if err := f.engine.Fund(ctx, f.lender, units(1)); !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("fund after liquidation: %v", err)
	}
	if _, err := f.engine.Repay(ctx, f.trader, units(1)); !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("repay after liquidation: %v", err)
	}
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(1), eth); !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("trade after liquidation: %v", err)
	}

	if err := f.engine.Withdraw(ctx, f.lender, eth, units(1)); err != nil {
		t.Fatalf("lender claim withdraw: %v", err)
	}
	if err := f.engine.Withdraw(ctx, f.lender, usd, units(1_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected claim limit, got %v", err)
	}
	if !slices.Contains(f.events, "loan.liquidated") || !slices.Contains(f.events, "loan.claim_withdrawn") {
		t.Fatalf("missing events: %v", f.events)
	}
}

func TestLiquidateRequiresFunding(t *testing.T) {
	f := newFixture()
	if err := f.engine.Liquidate(context.Background(), f.lender); !errors.Is(err, ErrNotLiquidationEligible) {
		t.Fatalf("unfunded loan must not liquidate, got %v", err)
	}
}

func TestCloseExpiredRunsWaterfall(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	if _, err := f.engine.CloseExpired(ctx, f.lender); !errors.Is(err, ErrLoanNotExpired) {
		t.Fatalf("expected not expired, got %v", err)
	}
	f.clock.Advance(31 * day)
	if _, err := f.engine.CloseExpired(ctx, makeAddress(0x08)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	result, err := f.engine.CloseExpired(ctx, f.lender)
	if err != nil {
		t.Fatalf("close expired: %v", err)
	}
	interest, _ := AccruedInterest(units(1_000), 800, uint64(31*day/time.Second))
	target := new(uint256.Int).Add(units(1_000), interest)
	if !result.Target.Eq(target) {
		t.Fatalf("unexpected target %s want %s", result.Target.Dec(), target.Dec())
	}
	if len(result.Claims) != 2 || result.Claims[0].Asset != usd || result.Claims[0].Partial || !result.Claims[1].Partial {
		t.Fatalf("unexpected claims: %+v", result.Claims)
	}
	wantEth := new(uint256.Int).Div(interest, uint256.NewInt(2_000))
	if !result.Claims[1].Quantity.Eq(wantEth) {
		t.Fatalf("unexpected partial eth %s want %s", result.Claims[1].Quantity.Dec(), wantEth.Dec())
	}
	loan := f.loan()
	if !loan.Principal.IsZero() || !loan.MaxLoanAmount.IsZero() || loan.Liquidated {
		t.Fatalf("unexpected loan after close: principal=%s ceiling=%s liquidated=%v", loan.Principal.Dec(), loan.MaxLoanAmount.Dec(), loan.Liquidated)
	}
	if !loan.Claim(usd).Eq(units(1_000)) || !loan.Claim(eth).Eq(wantEth) {
		t.Fatalf("unexpected claims usd=%s eth=%s", loan.Claim(usd).Dec(), loan.Claim(eth).Dec())
	}
}

func TestCloseExpiredDeficiencyCommits(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(800), eth); err != nil {
		t.Fatalf("trade: %v", err)
	}
	// 200 USD + 1.4 ETH at 100 = 340 of collateral.
	f.oracle.set(eth, units(100))
	f.clock.Advance(31 * day)
	result, err := f.engine.CloseExpired(ctx, f.trader)
	if !errors.Is(err, ErrDeficiency) {
		t.Fatalf("expected deficiency, got %v", err)
	}
	var deficiency *DeficiencyError
	if !errors.As(err, &deficiency) {
		t.Fatalf("expected *DeficiencyError, got %T", err)
	}
	interest, _ := AccruedInterest(units(1_000), 800, uint64(31*day/time.Second))
	want := new(uint256.Int).Add(units(660), interest)
	if !deficiency.Remaining.Eq(want) || !result.Remaining.Eq(want) {
		t.Fatalf("unexpected remaining %s want %s", deficiency.Remaining.Dec(), want.Dec())
	}
	loan := f.loan()
	if !loan.Principal.Eq(want) || !loan.MaxLoanAmount.IsZero() {
		t.Fatalf("deficiency must leave principal=%s got %s ceiling=%s", want.Dec(), loan.Principal.Dec(), loan.MaxLoanAmount.Dec())
	}
	if !loan.Claim(usd).Eq(units(200)) || !loan.Claim(eth).Eq(milli(1_400)) {
		t.Fatalf("partial assignment not committed: usd=%s eth=%s", loan.Claim(usd).Dec(), loan.Claim(eth).Dec())
	}
	if !slices.Contains(f.events, "loan.deficiency") {
		t.Fatalf("missing deficiency event: %v", f.events)
	}
}

func TestPersistFailureReversesTransfer(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	f.state.failPut = true
	if err := f.engine.Withdraw(ctx, f.trader, eth, milli(500)); !errors.Is(err, errPersist) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if !f.custody(eth).Eq(units(1)) || !f.ledger.balance(eth, f.trader).Eq(units(9)) {
		t.Fatalf("withdrawal not reversed: custody=%s trader=%s", f.custody(eth).Dec(), f.ledger.balance(eth, f.trader).Dec())
	}
	if err := f.engine.Fund(ctx, f.lender, units(10)); !errors.Is(err, errPersist) {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if !f.ledger.balance(usd, f.lender).Eq(units(99_000)) {
		t.Fatalf("funding not reversed: %s", f.ledger.balance(usd, f.lender).Dec())
	}
	f.state.failPut = false
	if !f.loan().Principal.Eq(units(1_000)) {
		t.Fatalf("principal changed by failed operations")
	}
}

func TestUnknownRateAborts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, f.trader, eth, units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	delete(f.oracle.rates, eth)
	if err := f.engine.Fund(ctx, f.lender, units(100)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
	if f.loan().HasLender() {
		t.Fatalf("failed funding assigned a lender")
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	f.engine.SetPauses(pauseSet{ModuleName: true})
	if err := f.engine.Fund(ctx, f.lender, units(1)); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if err := f.engine.Liquidate(ctx, f.lender); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if _, err := f.engine.Health(ctx); err != nil {
		t.Fatalf("queries must work while paused: %v", err)
	}
}

func TestRegistryAdministration(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	if err := f.engine.RefreshEndpoints(ctx, f.trader); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized refresh, got %v", err)
	}
	broken := mapRegistry{EndpointRateOracle: f.oracle}
	if err := f.engine.SetRegistry(ctx, f.admin, broken); !errors.Is(err, ErrEndpointUnavailable) {
		t.Fatalf("expected unavailable endpoint, got %v", err)
	}
	if _, err := f.engine.PlaceTrade(ctx, f.trader, usd, units(1), eth); err != nil {
		t.Fatalf("previous endpoints must remain after failed swap: %v", err)
	}

	repriced := newFakeOracle()
	repriced.set(usd, units(1))
	repriced.set(eth, units(4_000))
	if err := f.engine.SetRegistry(ctx, f.admin, mapRegistry{EndpointRateOracle: repriced, EndpointExchange: f.exchange}); err != nil {
		t.Fatalf("set registry: %v", err)
	}
	sv, err := f.engine.CollateralValue(ctx)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	// 999 USD plus 1.0005 ETH at 4,000.
	want := new(uint256.Int).Add(units(999), units(4_002))
	if !sv.Eq(want) {
		t.Fatalf("unexpected collateral value %s want %s", sv.Dec(), want.Dec())
	}
	if err := f.engine.RefreshEndpoints(ctx, f.admin); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !slices.Contains(f.events, "loan.endpoints_refreshed") {
		t.Fatalf("missing refresh event: %v", f.events)
	}
}

func TestHealthReport(t *testing.T) {
	f := fundedFixture()
	ctx := context.Background()
	health, err := f.engine.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.CollateralValue.Eq(units(3_000)) || !health.LoanValue.Eq(units(1_000)) {
		t.Fatalf("unexpected values sv=%s lv=%s", health.CollateralValue.Dec(), health.LoanValue.Dec())
	}
	if !health.MaintenanceOK || !health.InitialOK || health.Liquidatable || health.Expired {
		t.Fatalf("unexpected health: %+v", health)
	}
	f.oracle.set(eth, units(10))
	f.clock.Advance(31 * day)
	health, err = f.engine.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.MaintenanceOK || !health.Liquidatable || !health.Expired {
		t.Fatalf("unexpected health after crash: %+v", health)
	}
	positions, err := f.engine.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 || positions[0].Asset != usd || positions[1].Asset != eth {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}
