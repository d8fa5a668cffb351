package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type throttleCounter struct {
	reasons []string
}

func (c *throttleCounter) RecordThrottle(reason string) { c.reasons = append(c.reasons, reason) }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	counter := &throttleCounter{}
	limiter := NewRateLimiter(map[string]RateLimit{
		"loans": {RequestsPerMinute: 1, Burst: 1},
	}, counter, nil)

	handler := limiter.Middleware("loans")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/a", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if len(counter.reasons) != 1 || counter.reasons[0] != "rate_limit" {
		t.Fatalf("expected one recorded throttle, got %v", counter.reasons)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"loans": {RequestsPerMinute: 1, Burst: 1},
		"rates": {RequestsPerMinute: 1, Burst: 1},
	}, nil, nil)

	loans := limiter.Middleware("loans")(okHandler())
	rates := limiter.Middleware("rates")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/a", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	res := httptest.NewRecorder()
	loans.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected loans request to succeed, got %d", res.Code)
	}

	ratesReq := httptest.NewRequest(http.MethodGet, "/v1/rates", nil)
	ratesReq.Header.Set("X-Real-IP", "10.0.0.1")
	ratesRes := httptest.NewRecorder()
	rates.ServeHTTP(ratesRes, ratesReq)
	if ratesRes.Code != http.StatusOK {
		t.Fatalf("expected first rates request to succeed, got %d", ratesRes.Code)
	}

	ratesRes = httptest.NewRecorder()
	rates.ServeHTTP(ratesRes, ratesReq)
	if ratesRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second rates request to hit limit, got %d", ratesRes.Code)
	}
}

func TestRateLimiterKeysByCaller(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"loans": {RequestsPerMinute: 1, Burst: 1},
	}, nil, nil)
	handler := limiter.Middleware("loans")(okHandler())

	for _, b := range []byte{0x01, 0x02} {
		req := httptest.NewRequest(http.MethodPost, "/v1/loans/a/fund", nil)
		ctx := context.WithValue(req.Context(), ContextKeyCaller, testAddress(b))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req.WithContext(ctx))
		if res.Code != http.StatusOK {
			t.Fatalf("caller %x should have its own bucket, got %d", b, res.Code)
		}
	}
}

func TestRateLimiterIgnoresUnknownRoute(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{}, nil, nil)
	handler := limiter.Middleware("loans")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", res.Code)
		}
	}
}
