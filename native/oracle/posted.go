package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"marginloan/native/margin"
)

var (
	ErrInvalidQuote = errors.New("oracle: invalid quote")
	ErrStaleRate    = errors.New("oracle: no fresh quote")
)

// Quote is a single Unit-scaled price observation for an asset.
type Quote struct {
	Asset  margin.AssetID
	Rate   *uint256.Int
	Source string
	Time   time.Time
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := q
	if q.Rate != nil {
		clone.Rate = q.Rate.Clone()
	}
	return clone
}

// History records every accepted quote.
type History interface {
	RecordQuote(ctx context.Context, q Quote) error
}

// Option configures a Posted book.
type Option func(*Posted)

// WithHistory persists every accepted quote.
func WithHistory(h History) Option {
	return func(p *Posted) { p.history = h }
}

// WithMaxAge drops quotes older than d from the median. Zero keeps quotes
// forever.
func WithMaxAge(d time.Duration) Option {
	return func(p *Posted) { p.maxAge = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Posted) { p.now = now }
}

// Posted is a rate oracle fed by authorised publishers. The rate for an asset
// is the median of the latest fresh quote from every source.
type Posted struct {
	mu      sync.RWMutex
	quotes  map[margin.AssetID]map[string]Quote
	history History
	maxAge  time.Duration
	now     func() time.Time
}

// NewPosted constructs an empty posted-rate book.
func NewPosted(opts ...Option) *Posted {
	p := &Posted{
		quotes: make(map[margin.AssetID]map[string]Quote),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish accepts a quote, persisting it through the history when configured.
func (p *Posted) Publish(ctx context.Context, q Quote) error {
	q.Asset = margin.NormalizeAsset(string(q.Asset))
	q.Source = strings.TrimSpace(q.Source)
	if q.Asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidQuote)
	}
	if q.Rate == nil || q.Rate.IsZero() {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidQuote)
	}
	if q.Source == "" {
		q.Source = "posted"
	}
	now := p.now()
	if q.Time.IsZero() {
		q.Time = now
	}
	if q.Time.After(now.Add(5 * time.Second)) {
		return fmt.Errorf("%w: future timestamp", ErrInvalidQuote)
	}
	if p.history != nil {
		if err := p.history.RecordQuote(ctx, q.Clone()); err != nil {
			return fmt.Errorf("record quote: %w", err)
		}
	}
	p.Restore(q)
	return nil
}

// Restore loads a quote without recording it, e.g. when replaying history
// at startup. Older quotes never replace newer ones from the same source.
func (p *Posted) Restore(q Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bySource, ok := p.quotes[q.Asset]
	if !ok {
		bySource = make(map[string]Quote)
		p.quotes[q.Asset] = bySource
	}
	if prev, ok := bySource[q.Source]; ok && prev.Time.After(q.Time) {
		return
	}
	bySource[q.Source] = q.Clone()
}

// RateForAsset returns the median rate for asset. An asset with no fresh
// quotes fails with margin.ErrUnknownAsset.
func (p *Posted) RateForAsset(_ context.Context, asset margin.AssetID) (*uint256.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLocked(margin.NormalizeAsset(string(asset)))
}

// RatesForAssets resolves every asset under one read lock so the batch is a
// consistent snapshot. Results follow input order.
func (p *Posted) RatesForAssets(_ context.Context, assets []margin.AssetID) ([]*uint256.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*uint256.Int, 0, len(assets))
	for _, asset := range assets {
		rate, err := p.rateLocked(margin.NormalizeAsset(string(asset)))
		if err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, nil
}

// Latest returns the freshest quote per source for asset, sorted by source.
func (p *Posted) Latest(asset margin.AssetID) []Quote {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bySource := p.quotes[margin.NormalizeAsset(string(asset))]
	out := make([]Quote, 0, len(bySource))
	for _, q := range bySource {
		out = append(out, q.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (p *Posted) rateLocked(asset margin.AssetID) (*uint256.Int, error) {
	bySource, ok := p.quotes[asset]
	if !ok || len(bySource) == 0 {
		return nil, fmt.Errorf("%w: no quote for %s", margin.ErrUnknownAsset, asset)
	}
	now := p.now()
	rates := make([]*uint256.Int, 0, len(bySource))
	for _, q := range bySource {
		if p.maxAge > 0 && q.Time.Before(now.Add(-p.maxAge)) {
			continue
		}
		rates = append(rates, q.Rate)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("%w: %s (%v)", margin.ErrUnknownAsset, asset, ErrStaleRate)
	}
	return median(rates), nil
}

func median(rates []*uint256.Int) *uint256.Int {
	sorted := make([]*uint256.Int, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lt(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid].Clone()
	}
	// Halve before adding so two near-max rates cannot overflow.
	a := new(uint256.Int).Rsh(sorted[mid-1], 1)
	b := new(uint256.Int).Rsh(sorted[mid], 1)
	sum := new(uint256.Int).Add(a, b)
	if sorted[mid-1].Uint64()&1 == 1 && sorted[mid].Uint64()&1 == 1 {
		sum.AddUint64(sum, 1)
	}
	return sum
}
