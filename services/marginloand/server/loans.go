package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"marginloan/crypto"
	"marginloan/native/margin"
	"marginloan/services/marginloand/journal"
	"marginloan/services/marginloand/middleware"
)

type loanView struct {
	ID                     string            `json:"id"`
	Custody                string            `json:"custody"`
	Trader                 string            `json:"trader"`
	Lender                 string            `json:"lender,omitempty"`
	AnnualRateBps          uint64            `json:"annualRateBps"`
	MaintenanceMarginBps   uint64            `json:"maintenanceMarginBps"`
	InitialMarginBufferBps uint64            `json:"initialMarginBufferBps"`
	MaxDurationSeconds     uint64            `json:"maxDurationSeconds"`
	MaxLoanAmount          string            `json:"maxLoanAmount"`
	StableAsset            string            `json:"stableAsset"`
	ApprovedAssets         []string          `json:"approvedAssets"`
	Principal              string            `json:"principal"`
	LoanValue              string            `json:"loanValue,omitempty"`
	LoanStartTime          uint64            `json:"loanStartTime"`
	LastSettleTime         uint64            `json:"lastSettleTime"`
	Liquidated             bool              `json:"liquidated"`
	LenderClaims           map[string]string `json:"lenderClaims"`
}

type positionView struct {
	Asset     string `json:"asset"`
	Custodial string `json:"custodial"`
	Claimed   string `json:"claimed"`
	Usable    string `json:"usable"`
	Rate      string `json:"rate"`
}

type healthView struct {
	LoanID          string         `json:"loanId"`
	CollateralValue string         `json:"collateralValue"`
	LoanValue       string         `json:"loanValue"`
	MaintenanceOK   bool           `json:"maintenanceOk"`
	InitialOK       bool           `json:"initialOk"`
	Liquidatable    bool           `json:"liquidatable"`
	Expired         bool           `json:"expired"`
	Positions       []positionView `json:"positions"`
}

type claimView struct {
	Asset    string `json:"asset"`
	Quantity string `json:"quantity"`
	Value    string `json:"value"`
	Partial  bool   `json:"partial"`
}

type closeView struct {
	Loan       loanView    `json:"loan"`
	Claims     []claimView `json:"claims"`
	Deficiency bool        `json:"deficiency"`
	Remaining  string      `json:"remaining"`
}

type openRequest struct {
	ID                   string   `json:"id"`
	AnnualRateBps        uint64   `json:"annualRateBps"`
	MaintenanceMarginBps uint64   `json:"maintenanceMarginBps"`
	MaxDurationSeconds   uint64   `json:"maxDurationSeconds"`
	MaxLoanAmount        string   `json:"maxLoanAmount"`
	StableAsset          string   `json:"stableAsset"`
	ApprovedAssets       []string `json:"approvedAssets"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type assetRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type tradeRequest struct {
	Source string `json:"source"`
	Amount string `json:"amount"`
	Dest   string `json:"dest"`
}

func newLoanView(loan *margin.Loan, value *uint256.Int) loanView {
	view := loanView{
		ID:                     loan.ID,
		Custody:                loan.Custody.String(),
		Trader:                 loan.Trader.String(),
		AnnualRateBps:          loan.AnnualRateBps,
		MaintenanceMarginBps:   loan.MaintenanceMarginBps,
		InitialMarginBufferBps: loan.InitialMarginBufferBps,
		MaxDurationSeconds:     loan.MaxDuration,
		MaxLoanAmount:          FormatAmount(loan.MaxLoanAmount),
		StableAsset:            loan.StableAsset.String(),
		Principal:              FormatAmount(loan.Principal),
		LoanStartTime:          loan.LoanStartTime,
		LastSettleTime:         loan.LastSettleTime,
		Liquidated:             loan.Liquidated,
		LenderClaims:           make(map[string]string, len(loan.LenderClaims)),
	}
	if loan.HasLender() {
		view.Lender = loan.Lender.String()
	}
	if value != nil {
		view.LoanValue = FormatAmount(value)
	}
	for _, asset := range loan.ApprovedAssets {
		view.ApprovedAssets = append(view.ApprovedAssets, asset.String())
	}
	for asset, qty := range loan.LenderClaims {
		if qty != nil && !qty.IsZero() {
			view.LenderClaims[asset.String()] = FormatAmount(qty)
		}
	}
	return view
}

func (s *Server) loanView(engine *margin.Engine) (loanView, error) {
	loan, err := engine.Snapshot()
	if err != nil {
		return loanView{}, err
	}
	value, err := engine.LoanValue()
	if err != nil {
		return loanView{}, err
	}
	return newLoanView(loan, value), nil
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*margin.Engine, bool) {
	engine, err := s.book.Engine(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return engine, true
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) {
	ids, err := s.book.IDs()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"loans": ids})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	view, err := s.loanView(engine)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) loanHealth(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	health, err := engine.Health(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	positions, err := engine.Positions(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	view := healthView{
		LoanID:          engine.LoanID(),
		CollateralValue: FormatAmount(health.CollateralValue),
		LoanValue:       FormatAmount(health.LoanValue),
		MaintenanceOK:   health.MaintenanceOK,
		InitialOK:       health.InitialOK,
		Liquidatable:    health.Liquidatable,
		Expired:         health.Expired,
		Positions:       make([]positionView, 0, len(positions)),
	}
	for _, p := range positions {
		view.Positions = append(view.Positions, positionView{
			Asset:     p.Asset.String(),
			Custodial: FormatAmount(p.Custodial),
			Claimed:   FormatAmount(p.Claimed),
			Usable:    FormatAmount(p.Usable),
			Rate:      FormatAmount(p.Rate),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) openLoan(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req openRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ceiling := new(uint256.Int)
	if strings.TrimSpace(req.MaxLoanAmount) != "" {
		parsed, err := ParseAmount(req.MaxLoanAmount)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		ceiling = parsed
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	terms := margin.Terms{
		Trader:               caller,
		AnnualRateBps:        req.AnnualRateBps,
		MaintenanceMarginBps: req.MaintenanceMarginBps,
		MaxDuration:          req.MaxDurationSeconds,
		MaxLoanAmount:        ceiling,
		StableAsset:          margin.NormalizeAsset(req.StableAsset),
	}
	for _, asset := range req.ApprovedAssets {
		terms.ApprovedAssets = append(terms.ApprovedAssets, margin.NormalizeAsset(asset))
	}
	start := time.Now()
	_, loan, err := s.book.Open(id, terms)
	s.audit(r.Context(), start, journal.Entry{LoanID: id, Op: "open", Caller: caller.String(), Amount: req.MaxLoanAmount}, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ids, err := s.book.IDs(); err == nil {
		s.metrics.SetOpenLoans(len(ids))
	}
	writeJSON(w, http.StatusCreated, newLoanView(loan, loan.Principal))
}

// mutation runs op against the loan named in the URL on behalf of the
// authenticated caller, audits the outcome and writes the loan view.
func (s *Server) mutation(w http.ResponseWriter, r *http.Request, entry journal.Entry, op func(ctx context.Context, engine *margin.Engine, caller crypto.Address) error) {
	caller, _ := middleware.CallerFromContext(r.Context())
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	entry.LoanID = engine.LoanID()
	entry.Caller = caller.String()
	ctx, cancel := s.context(r.Context())
	defer cancel()
	start := time.Now()
	err := op(ctx, engine, caller)
	s.audit(r.Context(), start, entry, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	view, err := s.loanView(engine)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) audit(ctx context.Context, start time.Time, entry journal.Entry, err error) {
	entry.Err = err
	switch {
	case err == nil:
		if entry.Outcome == "" {
			entry.Outcome = journal.OutcomeSuccess
		}
	case errors.Is(err, margin.ErrDeficiency):
		entry.Outcome = journal.OutcomeDeficiency
	default:
		entry.Outcome = journal.OutcomeRejected
	}
	s.metrics.Observe(entry.Op, entry.Outcome, time.Since(start))
	attrs := []any{"loan", entry.LoanID, "op", entry.Op, "caller", entry.Caller, "status", entry.Outcome}
	if err != nil {
		attrs = append(attrs, "error", err)
		if statusFor(err) >= http.StatusInternalServerError {
			s.logger.Error("loan operation failed", attrs...)
		} else {
			s.logger.Info("loan operation rejected", attrs...)
		}
	} else {
		s.logger.Info("loan operation applied", attrs...)
	}
	if s.journal == nil {
		return
	}
	if jerr := s.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		s.logger.Error("journal write failed", "loan", entry.LoanID, "op", entry.Op, "error", jerr)
	}
}

func parseAssetAmount(req assetRequest) (margin.AssetID, *uint256.Int, error) {
	asset := margin.NormalizeAsset(req.Asset)
	if asset == "" {
		return "", nil, errors.New("asset required")
	}
	qty, err := ParseAmount(req.Amount)
	if err != nil {
		return "", nil, err
	}
	return asset, qty, nil
}

func (s *Server) fund(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mutation(w, r, journal.Entry{Op: "fund", Amount: req.Amount}, func(ctx context.Context, engine *margin.Engine, caller crypto.Address) error {
		return engine.Fund(ctx, caller, amount)
	})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	asset, qty, err := parseAssetAmount(req)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mutation(w, r, journal.Entry{Op: "deposit", Asset: asset.String(), Amount: req.Amount}, func(ctx context.Context, engine *margin.Engine, caller crypto.Address) error {
		return engine.Deposit(ctx, caller, asset, qty)
	})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	asset, qty, err := parseAssetAmount(req)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mutation(w, r, journal.Entry{Op: "withdraw", Asset: asset.String(), Amount: req.Amount}, func(ctx context.Context, engine *margin.Engine, caller crypto.Address) error {
		return engine.Withdraw(ctx, caller, asset, qty)
	})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mutation(w, r, journal.Entry{Op: "repay", Amount: req.Amount}, func(ctx context.Context, engine *margin.Engine, caller crypto.Address) error {
		_, err := engine.Repay(ctx, caller, amount)
		return err
	})
}

func (s *Server) setCeiling(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.mutation(w, r, journal.Entry{Op: "ceiling", Amount: req.Amount}, func(_ context.Context, engine *margin.Engine, caller crypto.Address) error {
		return engine.SetMaxLoanAmount(caller, amount)
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, r, journal.Entry{Op: "liquidate"}, func(ctx context.Context, engine *margin.Engine, caller crypto.Address) error {
		return engine.Liquidate(ctx, caller)
	})
}

func (s *Server) trade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	source := margin.NormalizeAsset(req.Source)
	dest := margin.NormalizeAsset(req.Dest)
	if source == "" || dest == "" {
		writeBadRequest(w, errors.New("source and dest assets required"))
		return
	}
	qty, err := ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, _ := middleware.CallerFromContext(r.Context())
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	start := time.Now()
	received, err := engine.PlaceTrade(ctx, caller, source, qty, dest)
	entry := journal.Entry{LoanID: engine.LoanID(), Op: "trade", Caller: caller.String(), Asset: fmt.Sprintf("%s->%s", source, dest), Amount: req.Amount}
	s.audit(r.Context(), start, entry, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"loanId":   engine.LoanID(),
		"source":   source.String(),
		"dest":     dest.String(),
		"sold":     FormatAmount(qty),
		"received": FormatAmount(received),
	})
}

func (s *Server) closeExpired(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	start := time.Now()
	result, err := engine.CloseExpired(ctx, caller)
	s.audit(r.Context(), start, journal.Entry{LoanID: engine.LoanID(), Op: "close_expired", Caller: caller.String()}, err)
	var deficiency *margin.DeficiencyError
	if err != nil && !errors.As(err, &deficiency) {
		writeEngineError(w, err)
		return
	}
	view, verr := s.loanView(engine)
	if verr != nil {
		writeEngineError(w, verr)
		return
	}
	out := closeView{Loan: view, Remaining: "0"}
	if result != nil {
		out.Remaining = FormatAmount(result.Remaining)
		out.Deficiency = result.Deficient()
		for _, c := range result.Claims {
			out.Claims = append(out.Claims, claimView{
				Asset:    c.Asset.String(),
				Quantity: FormatAmount(c.Quantity),
				Value:    FormatAmount(c.Value),
				Partial:  c.Partial,
			})
		}
	}
	if deficiency != nil {
		out.Deficiency = true
		out.Remaining = FormatAmount(deficiency.Remaining)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) refreshEndpoints(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	start := time.Now()
	err := engine.RefreshEndpoints(ctx, caller)
	s.audit(r.Context(), start, journal.Entry{LoanID: engine.LoanID(), Op: "refresh_endpoints", Caller: caller.String()}, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	keys := []string{margin.EndpointRateOracle, margin.EndpointExchange}
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string]any{"loanId": engine.LoanID(), "refreshed": keys})
}
