// Package health serves the gateway's self-monitoring HTTP endpoint and
// drives the self-terminate-on-persistent-failure watchdog.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	checkTimeout     = 5 * time.Second
	monitorInterval  = 30 * time.Second
	maxUnhealthyRuns = 5
)

// Checker probes one dependency the gateway needs to keep serving traffic.
// Check must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves GET /health and runs the background self-monitor that
// shuts the process down after too many consecutive unhealthy checks.
type Handler struct {
	checkers []Checker
	onFatal  func()
	logger   *slog.Logger

	mu              sync.Mutex
	unhealthyStreak int
	stop            chan struct{}
	stopped         bool
}

// New creates a Handler evaluating checkers on every /health request and
// every monitorInterval tick. onFatal is invoked once, from the monitor
// goroutine, after maxUnhealthyRuns consecutive failing ticks; it is
// expected to initiate process shutdown.
func New(logger *slog.Logger, onFatal func(), checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{
		checkers: c,
		onFatal:  onFatal,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// evaluate runs every checker and returns whether all passed, plus the
// "name: error" reasons for any that failed.
func (h *Handler) evaluate(ctx context.Context) (bool, []string) {
	var reasons []string

	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			reasons = append(reasons, c.Name+": "+err.Error())
		}
	}

	return len(reasons) == 0, reasons
}

// ServeHTTP answers GET /health with plain-text 200 "OK" when every checker
// passes, or 503 "Service Unavailable: <reasons>" otherwise. Every other
// method or path is a 404, matching a single-purpose health endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	allOK, reasons := h.evaluate(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if allOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable: " + strings.Join(reasons, ", ")))
}

// RunMonitor ticks every monitorInterval, re-evaluating the same checkers
// used by ServeHTTP. maxUnhealthyRuns consecutive failing ticks invoke
// onFatal exactly once. Call Stop to end the loop.
func (h *Handler) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			allOK, reasons := h.evaluate(ctx)

			h.mu.Lock()
			if allOK {
				h.unhealthyStreak = 0
			} else {
				h.unhealthyStreak++
			}
			streak := h.unhealthyStreak
			h.mu.Unlock()

			if !allOK {
				h.logger.Warn("unhealthy check", "streak", streak, "reasons", reasons)
			}

			if streak >= maxUnhealthyRuns {
				h.logger.Error("self-monitor: too many consecutive unhealthy checks, shutting down", "streak", streak)
				if h.onFatal != nil {
					h.onFatal()
				}
				return
			}
		}
	}
}

// Stop ends a running RunMonitor loop.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
}
