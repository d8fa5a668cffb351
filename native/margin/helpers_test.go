package margin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"marginloan/core/events"
	"marginloan/crypto"
)

var errPersist = errors.New("persist failed")

type mockEngineState struct {
	loans   map[string]*Loan
	failPut bool
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{loans: make(map[string]*Loan)}
}

func (m *mockEngineState) GetLoan(id string) (*Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, nil
	}
	return loan.Clone(), nil
}

func (m *mockEngineState) PutLoan(loan *Loan) error {
	if m.failPut {
		return errPersist
	}
	m.loans[loan.ID] = loan.Clone()
	return nil
}

func (m *mockEngineState) LoanIDs() ([]string, error) {
	ids := make([]string, 0, len(m.loans))
	for id := range m.loans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	fail     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]*uint256.Int)}
}

func (l *fakeLedger) key(asset AssetID, holder crypto.Address) string {
	return string(asset) + "/" + holder.String()
}

func (l *fakeLedger) credit(asset AssetID, holder crypto.Address, qty *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := l.key(asset, holder)
	l.balances[k] = new(uint256.Int).Add(orZero(l.balances[k]), qty)
}

func (l *fakeLedger) balance(asset AssetID, holder crypto.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return orZero(l.balances[l.key(asset, holder)]).Clone()
}

func (l *fakeLedger) move(asset AssetID, from, to crypto.Address, qty *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	fromKey := l.key(asset, from)
	have := orZero(l.balances[fromKey])
	if have.Lt(qty) {
		return fmt.Errorf("insufficient %s balance", asset)
	}
	l.balances[fromKey] = new(uint256.Int).Sub(have, qty)
	toKey := l.key(asset, to)
	l.balances[toKey] = new(uint256.Int).Add(orZero(l.balances[toKey]), qty)
	return nil
}

func (l *fakeLedger) BalanceOf(_ context.Context, asset AssetID, holder crypto.Address) (*uint256.Int, error) {
	return l.balance(asset, holder), nil
}

func (l *fakeLedger) TransferIn(_ context.Context, asset AssetID, from, holder crypto.Address, qty *uint256.Int) error {
	return l.move(asset, from, holder, qty)
}

func (l *fakeLedger) TransferOut(_ context.Context, asset AssetID, holder, to crypto.Address, qty *uint256.Int) error {
	return l.move(asset, holder, to, qty)
}

type fakeOracle struct {
	mu    sync.Mutex
	rates map[AssetID]*uint256.Int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{rates: make(map[AssetID]*uint256.Int)}
}

func (o *fakeOracle) set(asset AssetID, rate *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[asset] = rate.Clone()
}

func (o *fakeOracle) RateForAsset(_ context.Context, asset AssetID) (*uint256.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rate, ok := o.rates[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return rate.Clone(), nil
}

func (o *fakeOracle) RatesForAssets(ctx context.Context, assets []AssetID) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, 0, len(assets))
	for _, asset := range assets {
		rate, err := o.RateForAsset(ctx, asset)
		if err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, nil
}

// fakeExchange swaps at oracle rates with no fee, settling through the ledger.
type fakeExchange struct {
	ledger *fakeLedger
	oracle *fakeOracle
	venue  crypto.Address
}

func (x *fakeExchange) Exchange(ctx context.Context, holder crypto.Address, source AssetID, sourceQty *uint256.Int, dest AssetID) (*uint256.Int, error) {
	srcRate, err := x.oracle.RateForAsset(ctx, source)
	if err != nil {
		return nil, err
	}
	dstRate, err := x.oracle.RateForAsset(ctx, dest)
	if err != nil {
		return nil, err
	}
	received, _ := new(uint256.Int).MulDivOverflow(sourceQty, srcRate, dstRate)
	if err := x.ledger.move(source, holder, x.venue, sourceQty); err != nil {
		return nil, err
	}
	x.ledger.credit(dest, holder, received)
	return received, nil
}

type mapRegistry map[string]any

func (r mapRegistry) Lookup(_ context.Context, key string) (any, error) {
	v, ok := r[key]
	if !ok {
		return nil, fmt.Errorf("no endpoint for %s", key)
	}
	return v, nil
}

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type emitterFunc func(eventType string)

func (f emitterFunc) Emit(e events.Event) { f(e.EventType()) }

func makeAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.ParticipantPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Unit)
}

// milli returns n thousandths of a unit.
func milli(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000))
}

const (
	usd AssetID = "USD"
	eth AssetID = "ETH"
)

type fixture struct {
	engine   *Engine
	state    *mockEngineState
	ledger   *fakeLedger
	oracle   *fakeOracle
	exchange *fakeExchange
	clock    *fakeClock
	events   []string
	trader   crypto.Address
	lender   crypto.Address
	admin    crypto.Address
}

func defaultTerms(trader crypto.Address) Terms {
	return Terms{
		Trader:               trader,
		AnnualRateBps:        800,
		MaintenanceMarginBps: 300,
		MaxDuration:          30 * 24 * 60 * 60,
		MaxLoanAmount:        units(10_000),
		StableAsset:          usd,
		ApprovedAssets:       []AssetID{usd, eth},
	}
}

// newFixture opens a loan with the trader holding 10 ETH and 5,000 USD and the
// lender holding 100,000 USD externally. ETH trades at 2,000.
func newFixture() *fixture {
	f := &fixture{
		state:  newMockEngineState(),
		ledger: newFakeLedger(),
		oracle: newFakeOracle(),
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		trader: makeAddress(0x01),
		lender: makeAddress(0x02),
		admin:  makeAddress(0x03),
	}
	f.oracle.set(usd, units(1))
	f.oracle.set(eth, units(2_000))
	f.exchange = &fakeExchange{ledger: f.ledger, oracle: f.oracle, venue: makeAddress(0x09)}
	f.ledger.credit(usd, f.exchange.venue, units(1_000_000))
	f.ledger.credit(eth, f.exchange.venue, units(1_000))
	f.ledger.credit(eth, f.trader, units(10))
	f.ledger.credit(usd, f.trader, units(5_000))
	f.ledger.credit(usd, f.lender, units(100_000))

	f.engine = NewEngine("loan-1", f.admin)
	f.engine.SetState(f.state)
	f.engine.SetLedger(f.ledger)
	f.engine.SetClock(f.clock.Now)
	f.engine.InstallRegistry(mapRegistry{EndpointRateOracle: f.oracle, EndpointExchange: f.exchange})
	f.engine.SetEmitter(emitterFunc(func(t string) { f.events = append(f.events, t) }))
	if _, err := f.engine.Open(defaultTerms(f.trader)); err != nil {
		panic(err)
	}
	return f
}

func (f *fixture) custody(asset AssetID) *uint256.Int {
	return f.ledger.balance(asset, f.engine.Custody())
}

func (f *fixture) loan() *Loan {
	loan, err := f.engine.Snapshot()
	if err != nil {
		panic(err)
	}
	return loan
}

// fundedFixture deposits 1 ETH of trader collateral and funds 1,000 USD.
func fundedFixture() *fixture {
	f := newFixture()
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, f.trader, eth, units(1)); err != nil {
		panic(err)
	}
	if err := f.engine.Fund(ctx, f.lender, units(1_000)); err != nil {
		panic(err)
	}
	return f
}
