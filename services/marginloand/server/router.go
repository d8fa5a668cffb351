package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"marginloan/crypto"
	"marginloan/native/margin"
	"marginloan/native/oracle"
	"marginloan/observability"
	"marginloan/services/marginloand/journal"
	"marginloan/services/marginloand/middleware"
)

// Rate limit keys for route groups.
const (
	LimitReads  = "reads"
	LimitLoans  = "loans"
	LimitAdmin  = "admin"
	LimitFaucet = "faucet"
)

// Journal records the outcome of every mutating call.
type Journal interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// Faucet credits external balances in non-production environments.
type Faucet interface {
	Credit(asset margin.AssetID, holder crypto.Address, qty *uint256.Int) error
}

type Config struct {
	Book          *margin.Book
	Rates         *oracle.Posted
	Journal       Journal
	Faucet        Faucet
	Pauses        *PauseSwitch
	Metrics       *observability.LoanMetrics
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	Timeout       time.Duration
}

// Server exposes a margin.Book over HTTP.
type Server struct {
	book    *margin.Book
	rates   *oracle.Posted
	journal Journal
	faucet  Faucet
	pauses  *PauseSwitch
	metrics *observability.LoanMetrics
	logger  *slog.Logger
	timeout time.Duration
}

// New builds the API router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Book == nil {
		return nil, errors.New("server: loan book required")
	}
	if cfg.Rates == nil {
		return nil, errors.New("server: rate book required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Server{
		book:    cfg.Book,
		rates:   cfg.Rates,
		journal: cfg.Journal,
		faucet:  cfg.Faucet,
		pauses:  cfg.Pauses,
		metrics: cfg.Metrics,
		logger:  logger,
		timeout: timeout,
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	traced := func(name string, h http.HandlerFunc) http.Handler {
		if obs == nil {
			return h
		}
		return obs.Middleware(name)(h)
	}
	limited := func(router chi.Router, key string) {
		if cfg.RateLimiter != nil {
			router.Use(cfg.RateLimiter.Middleware(key))
		}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v chi.Router) {
		v.Group(func(g chi.Router) {
			limited(g, LimitReads)
			g.Method(http.MethodGet, "/loans", traced("loans.list", s.listLoans))
			g.Method(http.MethodGet, "/loans/{id}", traced("loans.get", s.getLoan))
			g.Method(http.MethodGet, "/loans/{id}/health", traced("loans.health", s.loanHealth))
			g.Method(http.MethodGet, "/rates", traced("rates.get", s.getRates))
		})
		v.Group(func(g chi.Router) {
			g.Use(cfg.Authenticator.Middleware())
			limited(g, LimitLoans)
			g.Method(http.MethodPost, "/loans", traced("loans.open", s.openLoan))
			g.Method(http.MethodPost, "/loans/{id}/fund", traced("loans.fund", s.fund))
			g.Method(http.MethodPost, "/loans/{id}/deposit", traced("loans.deposit", s.deposit))
			g.Method(http.MethodPost, "/loans/{id}/trade", traced("loans.trade", s.trade))
			g.Method(http.MethodPost, "/loans/{id}/withdraw", traced("loans.withdraw", s.withdraw))
			g.Method(http.MethodPost, "/loans/{id}/repay", traced("loans.repay", s.repay))
			g.Method(http.MethodPost, "/loans/{id}/liquidate", traced("loans.liquidate", s.liquidate))
			g.Method(http.MethodPost, "/loans/{id}/close-expired", traced("loans.close_expired", s.closeExpired))
			g.Method(http.MethodPost, "/loans/{id}/ceiling", traced("loans.ceiling", s.setCeiling))
		})
		v.Group(func(g chi.Router) {
			g.Use(cfg.Authenticator.Middleware(middleware.ScopeAdmin))
			limited(g, LimitAdmin)
			g.Method(http.MethodPost, "/rates", traced("rates.publish", s.publishRates))
			g.Method(http.MethodPost, "/admin/loans/{id}/refresh-endpoints", traced("admin.refresh_endpoints", s.refreshEndpoints))
			if s.pauses != nil {
				g.Method(http.MethodPost, "/admin/pause", traced("admin.pause", s.setPaused))
			}
		})
		if s.faucet != nil {
			v.Group(func(g chi.Router) {
				g.Use(cfg.Authenticator.Middleware())
				limited(g, LimitFaucet)
				g.Method(http.MethodPost, "/faucet", traced("faucet", s.faucetCredit))
			})
		}
	})
	return r, nil
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}
