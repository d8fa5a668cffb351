package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"marginloan/native/margin"
	"marginloan/services/marginloand/journal"
	"marginloan/services/marginloand/middleware"
)

// PauseSwitch is an in-process margin.PauseView toggled by the admin API.
type PauseSwitch struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSwitch returns a switch with the given modules paused.
func NewPauseSwitch(modules ...string) *PauseSwitch {
	p := &PauseSwitch{paused: make(map[string]bool)}
	for _, m := range modules {
		p.paused[m] = true
	}
	return p
}

// IsPaused implements margin.PauseView.
func (p *PauseSwitch) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

// Set pauses or resumes a module.
func (p *PauseSwitch) Set(module string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

// setPaused toggles the margin module. Only the configured admin identity may
// call it, regardless of token scope.
func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Paused == nil {
		writeBadRequest(w, errors.New("paused required"))
		return
	}
	start := time.Now()
	var err error
	if !caller.Equal(s.book.Admin()) {
		err = margin.ErrUnauthorized
	} else {
		s.pauses.Set(margin.ModuleName, *req.Paused)
	}
	op := "resume"
	if *req.Paused {
		op = "pause"
	}
	s.audit(r.Context(), start, journal.Entry{Op: op, Caller: caller.String()}, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"module": margin.ModuleName, "paused": *req.Paused})
}
