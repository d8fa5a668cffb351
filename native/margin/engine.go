package margin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"marginloan/core/events"
	"marginloan/crypto"
)

// Engine owns a single loan and serialises every state transition on it.
// Mutations hold the write lock for their full duration, including calls to
// the asset ledger, oracle and exchange. Queries share the read lock.
type Engine struct {
	mu sync.RWMutex

	loanID  string
	custody crypto.Address
	admin   crypto.Address

	state    engineState
	ledger   AssetLedger
	registry Registry
	emitter  events.Emitter
	pauses   PauseView
	now      func() time.Time

	endpointsMu sync.Mutex
	oracle      RateOracle
	exchange    Exchange
}

// NewEngine constructs the engine for loanID. The custody address is derived
// from the loan identifier; admin is the only identity allowed to repoint
// infrastructure endpoints.
func NewEngine(loanID string, admin crypto.Address) *Engine {
	id := strings.TrimSpace(loanID)
	return &Engine{
		loanID:  id,
		custody: crypto.DeriveCustodyAddress(id),
		admin:   admin,
		emitter: events.NoopEmitter{},
		now:     time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the custody ledger.
func (e *Engine) SetLedger(ledger AssetLedger) { e.ledger = ledger }

// SetEmitter installs the event sink. A nil emitter discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p PauseView) { e.pauses = p }

// SetClock overrides the wall clock, mainly for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// InstallRegistry wires the registry at construction time without an
// authorization check and drops any cached endpoints.
func (e *Engine) InstallRegistry(registry Registry) {
	e.endpointsMu.Lock()
	defer e.endpointsMu.Unlock()
	e.registry = registry
	e.oracle = nil
	e.exchange = nil
}

// LoanID returns the identifier of the loan managed by the engine.
func (e *Engine) LoanID() string { return e.loanID }

// Custody returns the address holding the loan's collateral.
func (e *Engine) Custody() crypto.Address { return e.custody }

func (e *Engine) timestamp() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) guard() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.pauses != nil && e.pauses.IsPaused(ModuleName) {
		return ErrModulePaused
	}
	return nil
}

func (e *Engine) loadLoan() (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.GetLoan(e.loanID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	return loan.Clone(), nil
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// Open records a new loan with the supplied terms.
func (e *Engine) Open(terms Terms) (*Loan, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.state.GetLoan(e.loanID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrLoanExists
	}
	loan := newLoan(e.loanID, e.custody, terms, e.timestamp())
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	assets := make([]string, 0, len(loan.ApprovedAssets))
	for _, a := range loan.ApprovedAssets {
		assets = append(assets, a.String())
	}
	e.emit(events.LoanOpened{LoanID: loan.ID, Trader: loan.Trader.String(), Custody: loan.Custody.String(), Assets: assets})
	return loan.Clone(), nil
}

// Fund moves amount of the stable asset from funder into custody and adds it
// to the principal. The first funder becomes the lender.
func (e *Engine) Fund(ctx context.Context, funder crypto.Address, amount *uint256.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return err
	}
	if loan.Liquidated {
		return ErrAlreadyLiquidated
	}
	if loan.IsTrader(funder) {
		return fmt.Errorf("%w: trader cannot fund own loan", ErrUnauthorized)
	}
	if loan.HasLender() && !loan.IsLender(funder) {
		return fmt.Errorf("%w: only the lender may add funding", ErrUnauthorized)
	}

	now := e.timestamp()
	if err := settle(loan, now); err != nil {
		return err
	}
	principal, err := addChecked(loan.Principal, amount)
	if err != nil {
		return err
	}
	if principal.Gt(orZero(loan.MaxLoanAmount)) {
		return ErrLoanCeilingExceeded
	}

	oracle, err := e.rateOracle(ctx)
	if err != nil {
		return err
	}
	sheet, err := buildSheet(ctx, loan, e.ledger, oracle)
	if err != nil {
		return err
	}
	sv, err := sheet.TraderValue()
	if err != nil {
		return err
	}
	funded, err := ValueOf(sheet.Position(loan.StableAsset).Rate, amount)
	if err != nil {
		return err
	}
	if sv, err = addChecked(sv, funded); err != nil {
		return err
	}
	ok, err := InitialMarginOK(sv, principal, loan.MaintenanceMarginBps)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBelowMarginRequirement
	}

	if err := e.transferIn(ctx, loan.StableAsset, funder, amount); err != nil {
		return err
	}
	if !loan.HasLender() {
		lender := funder
		loan.Lender = &lender
	}
	loan.Principal = principal
	if loan.LoanStartTime == 0 {
		loan.LoanStartTime = now
	}
	if err := e.commit(loan, func() error {
		return e.ledger.TransferOut(context.WithoutCancel(ctx), loan.StableAsset, e.custody, funder, amount)
	}); err != nil {
		return err
	}
	e.emit(events.LoanFunded{LoanID: loan.ID, Lender: funder.String(), Amount: amount.Clone(), Principal: principal.Clone()})
	return nil
}

// Deposit moves trader-owned collateral into custody.
func (e *Engine) Deposit(ctx context.Context, trader crypto.Address, asset AssetID, qty *uint256.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if qty == nil || qty.IsZero() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return err
	}
	if loan.Liquidated {
		return ErrAlreadyLiquidated
	}
	if !loan.IsTrader(trader) {
		return ErrUnauthorized
	}
	if !loan.IsApproved(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if err := e.transferIn(ctx, asset, trader, qty); err != nil {
		return err
	}
	e.emit(events.CollateralDeposited{LoanID: loan.ID, Asset: asset.String(), Amount: qty.Clone()})
	return nil
}

// PlaceTrade authorises a swap of trader-usable collateral and forwards it to
// the exchange. Solvency is not re-evaluated here.
func (e *Engine) PlaceTrade(ctx context.Context, trader crypto.Address, source AssetID, sourceQty *uint256.Int, dest AssetID) (*uint256.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if sourceQty == nil || sourceQty.IsZero() {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return nil, err
	}
	if loan.Liquidated {
		return nil, ErrAlreadyLiquidated
	}
	if !loan.IsTrader(trader) {
		return nil, ErrUnauthorized
	}
	if !loan.IsApproved(source) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, source)
	}
	if !loan.IsApproved(dest) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, dest)
	}
	usable, err := e.usable(ctx, loan, source)
	if err != nil {
		return nil, err
	}
	if usable.Lt(sourceQty) {
		return nil, ErrInsufficientBalance
	}
	exchange, err := e.exchangeEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	received, err := exchange.Exchange(ctx, e.custody, source, sourceQty, dest)
	if err != nil {
		return nil, err
	}
	e.emit(events.TradePlaced{LoanID: loan.ID, Source: source.String(), SourceQty: sourceQty.Clone(), Dest: dest.String(), ReceivedQty: orZero(received).Clone()})
	return received, nil
}

// Withdraw routes to the trader or lender withdrawal depending on caller.
func (e *Engine) Withdraw(ctx context.Context, caller crypto.Address, asset AssetID, qty *uint256.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.RLock()
	loan, err := e.loadLoan()
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	switch {
	case loan.IsTrader(caller):
		return e.WithdrawTrader(ctx, caller, asset, qty)
	case loan.IsLender(caller):
		return e.WithdrawLender(ctx, caller, asset, qty)
	default:
		return ErrUnauthorized
	}
}

// WithdrawTrader releases trader-usable collateral when the remaining
// position still satisfies the initial margin.
func (e *Engine) WithdrawTrader(ctx context.Context, trader crypto.Address, asset AssetID, qty *uint256.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if qty == nil || qty.IsZero() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return err
	}
	if loan.Liquidated {
		return ErrAlreadyLiquidated
	}
	if !loan.IsTrader(trader) {
		return ErrUnauthorized
	}
	if !loan.IsApproved(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if err := settle(loan, e.timestamp()); err != nil {
		return err
	}
	oracle, err := e.rateOracle(ctx)
	if err != nil {
		return err
	}
	sheet, err := buildSheet(ctx, loan, e.ledger, oracle)
	if err != nil {
		return err
	}
	if sheet.Position(asset).Usable.Lt(qty) {
		return ErrInsufficientBalance
	}
	svAfter, err := sheet.traderValueWith(map[AssetID]*uint256.Int{asset: qty})
	if err != nil {
		return err
	}
	ok, err := InitialMarginOK(svAfter, loan.Principal, loan.MaintenanceMarginBps)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBelowMarginRequirement
	}
	if err := e.transferOut(ctx, asset, trader, qty); err != nil {
		return err
	}
	if err := e.commit(loan, func() error {
		return e.ledger.TransferIn(context.WithoutCancel(ctx), asset, trader, e.custody, qty)
	}); err != nil {
		return err
	}
	e.emit(events.CollateralWithdrawn{LoanID: loan.ID, Asset: asset.String(), Amount: qty.Clone()})
	return nil
}

// WithdrawLender releases collateral already assigned to the lender. No
// margin check applies.
func (e *Engine) WithdrawLender(ctx context.Context, lender crypto.Address, asset AssetID, qty *uint256.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if qty == nil || qty.IsZero() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return err
	}
	if !loan.IsLender(lender) {
		return ErrUnauthorized
	}
	claim := loan.Claim(asset)
	if claim.Lt(qty) {
		return ErrInsufficientBalance
	}
	if err := e.transferOut(ctx, asset, lender, qty); err != nil {
		return err
	}
	loan.setClaim(asset, new(uint256.Int).Sub(claim, qty))
	if err := e.commit(loan, func() error {
		return e.ledger.TransferIn(context.WithoutCancel(ctx), asset, lender, e.custody, qty)
	}); err != nil {
		return err
	}
	e.emit(events.ClaimWithdrawn{LoanID: loan.ID, Lender: lender.String(), Asset: asset.String(), Amount: qty.Clone()})
	return nil
}

// Repay assigns up to amount of the trader's usable stable balance to the
// lender and reduces principal. The effective repayment is returned.
func (e *Engine) Repay(ctx context.Context, trader crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return nil, err
	}
	if loan.Liquidated {
		return nil, ErrAlreadyLiquidated
	}
	if !loan.IsTrader(trader) {
		return nil, ErrUnauthorized
	}
	if err := settle(loan, e.timestamp()); err != nil {
		return nil, err
	}
	effective := minInt(amount, loan.Principal)
	if effective.IsZero() {
		return effective, nil
	}
	usable, err := e.usable(ctx, loan, loan.StableAsset)
	if err != nil {
		return nil, err
	}
	if usable.Lt(effective) {
		return nil, ErrInsufficientBalance
	}
	claim, err := addChecked(loan.Claim(loan.StableAsset), effective)
	if err != nil {
		return nil, err
	}
	loan.Principal = new(uint256.Int).Sub(loan.Principal, effective)
	loan.setClaim(loan.StableAsset, claim)
	closed := loan.Principal.IsZero()
	if closed {
		loan.MaxLoanAmount = new(uint256.Int)
	}
	if err := e.commit(loan, nil); err != nil {
		return nil, err
	}
	e.emit(events.LoanRepaid{LoanID: loan.ID, Amount: effective.Clone(), Principal: loan.Principal.Clone(), Closed: closed})
	return effective, nil
}

// Liquidate assigns every approved asset's full custodial balance to the
// lender when the maintenance margin is breached. Anyone may call it.
func (e *Engine) Liquidate(ctx context.Context, caller crypto.Address) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return err
	}
	if loan.Liquidated {
		return ErrAlreadyLiquidated
	}
	if loan.LoanStartTime == 0 {
		return ErrNotLiquidationEligible
	}
	if err := settle(loan, e.timestamp()); err != nil {
		return err
	}
	oracle, err := e.rateOracle(ctx)
	if err != nil {
		return err
	}
	sheet, err := buildSheet(ctx, loan, e.ledger, oracle)
	if err != nil {
		return err
	}
	sv, err := sheet.TraderValue()
	if err != nil {
		return err
	}
	healthy, err := MaintenanceOK(sv, loan.Principal, loan.MaintenanceMarginBps)
	if err != nil {
		return err
	}
	if healthy {
		return ErrNotLiquidationEligible
	}
	for _, asset := range sheet.Assets() {
		loan.setClaim(asset, sheet.Position(asset).Custodial)
	}
	loan.Liquidated = true
	if err := e.commit(loan, nil); err != nil {
		return err
	}
	e.emit(events.LoanLiquidated{LoanID: loan.ID, Caller: caller.String(), CollateralValue: sv, LoanValue: loan.Principal.Clone()})
	return nil
}

// CloseExpired closes funding on an expired loan and runs the value-bounded
// waterfall against the current loan value. When collateral runs out the
// state is still committed and a *DeficiencyError is returned alongside the
// result.
func (e *Engine) CloseExpired(ctx context.Context, caller crypto.Address) (*WaterfallResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return nil, err
	}
	if !loan.IsTrader(caller) && !loan.IsLender(caller) {
		return nil, ErrUnauthorized
	}
	if loan.Liquidated {
		return nil, ErrAlreadyLiquidated
	}
	now := e.timestamp()
	if !loan.Expired(now) {
		return nil, ErrLoanNotExpired
	}
	if err := settle(loan, now); err != nil {
		return nil, err
	}
	oracle, err := e.rateOracle(ctx)
	if err != nil {
		return nil, err
	}
	sheet, err := buildSheet(ctx, loan, e.ledger, oracle)
	if err != nil {
		return nil, err
	}
	result, err := RunWaterfall(loan.Principal, loan.WaterfallOrder(), sheet.UsableBalances(), sheet.Rates())
	if err != nil {
		return nil, err
	}
	for _, c := range result.Claims {
		claim, err := addChecked(loan.Claim(c.Asset), c.Quantity)
		if err != nil {
			return nil, err
		}
		loan.setClaim(c.Asset, claim)
	}
	loan.MaxLoanAmount = new(uint256.Int)
	loan.Principal = result.Remaining.Clone()
	if err := e.commit(loan, nil); err != nil {
		return nil, err
	}
	e.emit(events.LoanExpired{
		LoanID:    loan.ID,
		Target:    result.Target.Clone(),
		Assigned:  result.Assigned(),
		Remaining: result.Remaining.Clone(),
		Claims:    len(result.Claims),
	})
	if result.Deficient() {
		e.emit(events.LoanDeficiency{LoanID: loan.ID, Remaining: result.Remaining.Clone()})
		return result, &DeficiencyError{Remaining: result.Remaining.Clone()}
	}
	return result, nil
}

// SetMaxLoanAmount updates the funding ceiling. Only the trader may call it.
func (e *Engine) SetMaxLoanAmount(caller crypto.Address, amount *uint256.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loan, err := e.loadLoan()
	if err != nil {
		return err
	}
	if !loan.IsTrader(caller) {
		return ErrUnauthorized
	}
	loan.MaxLoanAmount = orZero(amount).Clone()
	if err := e.commit(loan, nil); err != nil {
		return err
	}
	e.emit(events.CeilingUpdated{LoanID: loan.ID, Ceiling: loan.MaxLoanAmount.Clone()})
	return nil
}

// SetRegistry repoints the registry. Only the administrator may call it.
func (e *Engine) SetRegistry(ctx context.Context, caller crypto.Address, registry Registry) error {
	if !e.admin.Equal(caller) {
		return ErrUnauthorized
	}
	if registry == nil {
		return fmt.Errorf("%w: registry required", ErrEndpointUnavailable)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	oracle, exchange, err := resolveEndpoints(ctx, registry)
	if err != nil {
		return err
	}
	e.endpointsMu.Lock()
	e.registry = registry
	e.oracle = oracle
	e.exchange = exchange
	e.endpointsMu.Unlock()
	e.emit(events.EndpointsRefreshed{LoanID: e.loanID, Keys: []string{EndpointRateOracle, EndpointExchange}})
	return nil
}

// RefreshEndpoints re-resolves the cached oracle and exchange endpoints.
// Only the administrator may call it.
func (e *Engine) RefreshEndpoints(ctx context.Context, caller crypto.Address) error {
	if !e.admin.Equal(caller) {
		return ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshEndpoints(ctx)
}

func (e *Engine) refreshEndpoints(ctx context.Context) error {
	e.endpointsMu.Lock()
	defer e.endpointsMu.Unlock()
	oracle, exchange, err := resolveEndpoints(ctx, e.registry)
	if err != nil {
		return err
	}
	e.oracle = oracle
	e.exchange = exchange
	e.emit(events.EndpointsRefreshed{LoanID: e.loanID, Keys: []string{EndpointRateOracle, EndpointExchange}})
	return nil
}

func (e *Engine) rateOracle(ctx context.Context) (RateOracle, error) {
	e.endpointsMu.Lock()
	defer e.endpointsMu.Unlock()
	if e.oracle != nil {
		return e.oracle, nil
	}
	oracle, err := resolve[RateOracle](ctx, e.registry, EndpointRateOracle)
	if err != nil {
		return nil, err
	}
	e.oracle = oracle
	return oracle, nil
}

func (e *Engine) exchangeEndpoint(ctx context.Context) (Exchange, error) {
	e.endpointsMu.Lock()
	defer e.endpointsMu.Unlock()
	if e.exchange != nil {
		return e.exchange, nil
	}
	exchange, err := resolve[Exchange](ctx, e.registry, EndpointExchange)
	if err != nil {
		return nil, err
	}
	e.exchange = exchange
	return exchange, nil
}

func resolveEndpoints(ctx context.Context, registry Registry) (RateOracle, Exchange, error) {
	oracle, err := resolve[RateOracle](ctx, registry, EndpointRateOracle)
	if err != nil {
		return nil, nil, err
	}
	exchange, err := resolve[Exchange](ctx, registry, EndpointExchange)
	if err != nil {
		return nil, nil, err
	}
	return oracle, exchange, nil
}

func resolve[T any](ctx context.Context, registry Registry, key string) (T, error) {
	var empty T
	if registry == nil {
		return empty, fmt.Errorf("%w: %s (no registry)", ErrEndpointUnavailable, key)
	}
	raw, err := registry.Lookup(ctx, key)
	if err != nil {
		return empty, fmt.Errorf("%w: %s: %v", ErrEndpointUnavailable, key, err)
	}
	typed, ok := raw.(T)
	if !ok {
		return empty, fmt.Errorf("%w: %s resolved to %T", ErrEndpointUnavailable, key, raw)
	}
	return typed, nil
}

func (e *Engine) usable(ctx context.Context, loan *Loan, asset AssetID) (*uint256.Int, error) {
	if e.ledger == nil {
		return nil, fmt.Errorf("%w: asset ledger", ErrEndpointUnavailable)
	}
	balance, err := e.ledger.BalanceOf(ctx, asset, e.custody)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", asset, err)
	}
	return saturatingSub(orZero(balance), loan.Claim(asset)), nil
}

func (e *Engine) transferIn(ctx context.Context, asset AssetID, from crypto.Address, qty *uint256.Int) error {
	if e.ledger == nil {
		return fmt.Errorf("%w: asset ledger", ErrEndpointUnavailable)
	}
	if err := e.ledger.TransferIn(ctx, asset, from, e.custody, qty); err != nil {
		return wrapTransfer(err)
	}
	return nil
}

func (e *Engine) transferOut(ctx context.Context, asset AssetID, to crypto.Address, qty *uint256.Int) error {
	if e.ledger == nil {
		return fmt.Errorf("%w: asset ledger", ErrEndpointUnavailable)
	}
	if err := e.ledger.TransferOut(ctx, asset, e.custody, to, qty); err != nil {
		return wrapTransfer(err)
	}
	return nil
}

func wrapTransfer(err error) error {
	if errors.Is(err, ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

// commit persists loan. When persistence fails after an external transfer,
// undo reverses the transfer so the operation leaves no partial effect.
func (e *Engine) commit(loan *Loan, undo func() error) error {
	if err := e.state.PutLoan(loan); err != nil {
		if undo != nil {
			if undoErr := undo(); undoErr != nil {
				return fmt.Errorf("persist loan: %w (reversal failed: %v)", err, undoErr)
			}
		}
		return fmt.Errorf("persist loan: %w", err)
	}
	return nil
}
