// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// runs every registered [Checker] in parallel and answers 200 only when all
// of them pass, 503 otherwise. Both reply with
//
//	{"status": "ok"|"fail", "checks": {"<name>": "ok"|"fail: <reason>"}}
//
// State that changes in the background, such as whether a realtime session
// is connected, is published through a [Flag].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil when healthy and
// must return promptly once ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// result is the probe response body.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes for a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz reports ok only when every checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	code := http.StatusOK
	if res.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *Handler) evaluate(ctx context.Context) result {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if errs[i] == nil {
			res.Checks[c.Name] = "ok"
			continue
		}
		res.Checks[c.Name] = "fail: " + errs[i].Error()
		res.Status = "fail"
	}
	return res
}

// ── Flag ─────────────────────────────────────────────────────────────────────

// ErrNotReady is the reason a [Flag] reports before it is first set.
var ErrNotReady = errors.New("not ready")

// Flag is a concurrency-safe readiness bit carrying the reason it is down.
// The zero value is down with [ErrNotReady].
type Flag struct {
	// down is nil until the flag is first set; a stored nil error means up.
	down atomic.Pointer[flagState]
}

type flagState struct{ err error }

// SetReady marks the flag up.
func (f *Flag) SetReady() { f.down.Store(&flagState{}) }

// SetNotReady marks the flag down. A nil err is recorded as [ErrNotReady].
func (f *Flag) SetNotReady(err error) {
	if err == nil {
		err = ErrNotReady
	}
	f.down.Store(&flagState{err: err})
}

// Err returns nil when the flag is up and the reason otherwise.
func (f *Flag) Err() error {
	st := f.down.Load()
	if st == nil {
		return ErrNotReady
	}
	return st.err
}

// Checker exposes the flag as a readiness check called name.
func (f *Flag) Checker(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return f.Err() }}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
