package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"marginloan/crypto"
	"marginloan/native/margin"
	"marginloan/native/oracle"
	"marginloan/services/marginloand/journal"
	"marginloan/services/marginloand/middleware"
)

type rateEntry struct {
	Asset  string `json:"asset"`
	Rate   string `json:"rate"`
	Source string `json:"source,omitempty"`
}

type publishRequest struct {
	Rates []rateEntry `json:"rates"`
}

type faucetRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// publishRates posts a batch of rates. Every entry is validated before any is
// published.
func (s *Server) publishRates(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req publishRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if len(req.Rates) == 0 {
		writeBadRequest(w, errors.New("rates required"))
		return
	}
	quotes := make([]oracle.Quote, 0, len(req.Rates))
	for _, entry := range req.Rates {
		asset := margin.NormalizeAsset(entry.Asset)
		if asset == "" {
			writeBadRequest(w, errors.New("asset required"))
			return
		}
		rate, err := ParseAmount(entry.Rate)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		source := strings.TrimSpace(entry.Source)
		if source == "" {
			source = caller.String()
		}
		quotes = append(quotes, oracle.Quote{Asset: asset, Rate: rate, Source: source})
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	for _, q := range quotes {
		start := time.Now()
		err := s.rates.Publish(ctx, q)
		s.audit(r.Context(), start, journal.Entry{Op: "publish_rate", Caller: caller.String(), Asset: q.Asset.String(), Amount: FormatAmount(q.Rate)}, err)
		if err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"published": len(quotes)})
}

// getRates returns the effective rate for every asset query parameter, in
// request order.
func (s *Server) getRates(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["asset"]
	if len(raw) == 0 {
		writeBadRequest(w, errors.New("at least one asset parameter required"))
		return
	}
	assets := make([]margin.AssetID, 0, len(raw))
	for _, a := range raw {
		assets = append(assets, margin.NormalizeAsset(a))
	}
	rates, err := s.rates.RatesForAssets(r.Context(), assets)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]rateEntry, 0, len(rates))
	for i, rate := range rates {
		out = append(out, rateEntry{Asset: assets[i].String(), Rate: FormatAmount(rate)})
	}
	writeJSON(w, http.StatusOK, map[string][]rateEntry{"rates": out})
}

// faucetCredit mints external balance for testing environments. An empty
// address credits the caller.
func (s *Server) faucetCredit(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req faucetRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	holder := caller
	if trimmed := strings.TrimSpace(req.Address); trimmed != "" {
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		holder = addr
	}
	asset, qty, err := parseAssetAmount(assetRequest{Asset: req.Asset, Amount: req.Amount})
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err = s.faucet.Credit(asset, holder, qty)
	s.audit(r.Context(), start, journal.Entry{Op: "faucet", Caller: caller.String(), Asset: asset.String(), Amount: req.Amount}, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": holder.String(),
		"asset":   asset.String(),
		"amount":  FormatAmount(qty),
	})
}
