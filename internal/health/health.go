// Package health serves the liveness and readiness probes of serve mode.
//
// GET /healthz answers {"status":"ok"} whenever the process can serve HTTP.
// GET /readyz runs every [Checker] concurrently and answers 503 with
// "status":"fail" if any of them fails; "checks" maps each checker name to
// "ok" or "fail: <reason>".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check. Enumerating devices can take a
// while on some host audio APIs.
const checkTimeout = 2 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker probes one dependency. Check returns nil when it is healthy and
// must give up when ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe routes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

// Readyz answers 200 only when every checker passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.run(r.Context())
	code := http.StatusOK
	if res.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *Handler) run(ctx context.Context) result {
	res := result{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	if len(h.checkers) == 0 {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := statusOK
			if err := c.Check(ctx); err != nil {
				outcome = statusFail + ": " + err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			res.Checks[c.Name] = outcome
			if outcome != statusOK {
				res.Status = statusFail
			}
		}()
	}
	wg.Wait()
	return res
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
