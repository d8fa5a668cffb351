package margin

import (
	"context"
	"errors"
	"testing"
)

func TestBookIsolatesLoans(t *testing.T) {
	f := newFixture()
	book := NewBook(f.admin, f.state)
	book.SetLedger(f.ledger)
	book.SetRegistry(mapRegistry{EndpointRateOracle: f.oracle, EndpointExchange: f.exchange})
	book.SetClock(f.clock.Now)

	a, _, err := book.Open("alpha", defaultTerms(f.trader))
	if err != nil {
		t.Fatalf("open alpha: %v", err)
	}
	b, _, err := book.Open("beta", defaultTerms(f.trader))
	if err != nil {
		t.Fatalf("open beta: %v", err)
	}
	if a.Custody().Equal(b.Custody()) {
		t.Fatalf("loans must not share custody")
	}
	if _, _, err := book.Open("alpha", defaultTerms(f.trader)); !errors.Is(err, ErrLoanExists) {
		t.Fatalf("expected loan exists, got %v", err)
	}

	ctx := context.Background()
	if err := a.Deposit(ctx, f.trader, eth, units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := a.Fund(ctx, f.lender, units(500)); err != nil {
		t.Fatalf("fund alpha: %v", err)
	}
	// beta has no collateral of its own.
	if err := b.Fund(ctx, f.lender, units(500)); !errors.Is(err, ErrBelowMarginRequirement) {
		t.Fatalf("expected margin failure on beta, got %v", err)
	}

	ids, err := book.IDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	// loan-1 was opened by the fixture against the same state.
	if len(ids) != 3 || ids[0] != "alpha" || ids[1] != "beta" || ids[2] != "loan-1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestBookReloadsPersistedLoans(t *testing.T) {
	f := fundedFixture()
	book := NewBook(f.admin, f.state)
	book.SetLedger(f.ledger)
	book.SetRegistry(mapRegistry{EndpointRateOracle: f.oracle, EndpointExchange: f.exchange})
	book.SetClock(f.clock.Now)

	engine, err := book.Engine("loan-1")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	health, err := engine.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.LoanValue.Eq(units(1_000)) {
		t.Fatalf("unexpected loan value: %s", health.LoanValue.Dec())
	}
	again, err := book.Engine(" loan-1 ")
	if err != nil || again != engine {
		t.Fatalf("expected cached engine, got %v", err)
	}
	if _, err := book.Engine("missing"); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
