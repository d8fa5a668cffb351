package margin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marginloan/core/events"
	"marginloan/crypto"
)

// BookState is the persistence required by a Book: per-loan state plus an
// index of every stored loan.
type BookState interface {
	engineState
	LoanIDs() ([]string, error)
}

// Book manages many independent loans, one Engine per loan ID. Engines share
// collaborators but never share loan state or locks.
type Book struct {
	mu      sync.Mutex
	engines map[string]*Engine

	admin    crypto.Address
	state    BookState
	ledger   AssetLedger
	registry Registry
	emitter  events.Emitter
	pauses   PauseView
	now      func() time.Time
}

// NewBook constructs an empty book. Collaborators are wired with the setters
// before the first call.
func NewBook(admin crypto.Address, state BookState) *Book {
	return &Book{
		engines: make(map[string]*Engine),
		admin:   admin,
		state:   state,
		emitter: events.NoopEmitter{},
		now:     time.Now,
	}
}

func (b *Book) SetLedger(ledger AssetLedger) { b.ledger = ledger }
func (b *Book) SetRegistry(registry Registry) { b.registry = registry }
func (b *Book) SetPauses(p PauseView) { b.pauses = p }
func (b *Book) SetEmitter(emitter events.Emitter) { b.emitter = emitter }
func (b *Book) SetClock(now func() time.Time) { b.now = now }
func (b *Book) Admin() crypto.Address { return b.admin }
func (b *Book) Ledger() AssetLedger { return b.ledger }

func (b *Book) newEngine(id string) *Engine {
	engine := NewEngine(id, b.admin)
	engine.SetState(b.state)
	engine.SetLedger(b.ledger)
	engine.SetEmitter(b.emitter)
	engine.SetPauses(b.pauses)
	engine.SetClock(b.now)
	engine.InstallRegistry(b.registry)
	return engine
}

// Open creates the loan id with the given terms.
func (b *Book) Open(id string, terms Terms) (*Engine, *Loan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, fmt.Errorf("%w: loan id required", ErrInvalidTerms)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	engine, ok := b.engines[id]
	if !ok {
		engine = b.newEngine(id)
	}
	loan, err := engine.Open(terms)
	if err != nil {
		return nil, nil, err
	}
	b.engines[id] = engine
	return engine, loan, nil
}

// Engine returns the engine for an existing loan, loading it from state on
// first use.
func (b *Book) Engine(id string) (*Engine, error) {
	id = strings.TrimSpace(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if engine, ok := b.engines[id]; ok {
		return engine, nil
	}
	if b.state == nil {
		return nil, errNilState
	}
	loan, err := b.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	engine := b.newEngine(id)
	b.engines[id] = engine
	return engine, nil
}

// IDs lists every persisted loan in lexical order.
func (b *Book) IDs() ([]string, error) {
	if b.state == nil {
		return nil, errNilState
	}
	ids, err := b.state.LoanIDs()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
