package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
)

const defaultProbeTimeout = 2 * time.Second

// BuildInfo describes the running binary for /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// Probe checks a single dependency. A nil error means the dependency is usable.
type Probe func(ctx context.Context) error

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	build   BuildInfo
	clock   func() time.Time
	timeout time.Duration
	probes  map[string]Probe
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthProbe registers a dependency checked by /readyz.
func WithHealthProbe(name string, probe Probe) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && probe != nil {
			h.probes[name] = probe
		}
	}
}

// WithHealthProbeTimeout bounds each readiness probe.
func WithHealthProbeTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHealthHandlers constructs the handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:   time.Now,
		timeout: defaultProbeTimeout,
		probes:  make(map[string]Probe),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz responds with process liveness and build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type probePayload struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt"`
}

type readinessPayload struct {
	Status      string                  `json:"status"`
	Checks      map[string]probePayload `json:"checks"`
	Details     []string                `json:"details,omitempty"`
	GeneratedAt string                  `json:"generatedAt"`
}

// Readyz runs every registered probe concurrently and reports 503 when any fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())

	payload := readinessPayload{
		Status:      report.Status,
		Checks:      make(map[string]probePayload, len(report.Probes)),
		GeneratedAt: report.GeneratedAt.Format(time.RFC3339),
	}
	names := make([]string, 0, len(report.Probes))
	for name, result := range report.Probes {
		names = append(names, name)
		payload.Checks[name] = probePayload{
			Status:    result.Status,
			Error:     result.Error,
			LatencyMS: result.Latency.Milliseconds(),
			CheckedAt: result.CheckedAt.Format(time.RFC3339),
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if result := report.Probes[name]; result.Error != "" {
			payload.Details = append(payload.Details, fmt.Sprintf("%s: %s", name, result.Error))
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}

// Check runs the probes and aggregates their results.
func (h *HealthHandlers) Check(ctx context.Context) domain.ReadinessReport {
	report := domain.ReadinessReport{
		Status:      domain.HealthStatusOK,
		Probes:      make(map[string]domain.ProbeResult, len(h.probes)),
		GeneratedAt: h.clock().UTC(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, probe := range h.probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			result := h.runProbe(ctx, probe)
			mu.Lock()
			report.Probes[name] = result
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	for _, result := range report.Probes {
		switch result.Status {
		case domain.HealthStatusError:
			report.Status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if report.Status == domain.HealthStatusOK {
				report.Status = domain.HealthStatusDegraded
			}
		}
	}
	return report
}

func (h *HealthHandlers) runProbe(ctx context.Context, probe Probe) domain.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.clock()
	err := probe(ctx)
	result := domain.ProbeResult{
		Status:    domain.HealthStatusOK,
		Latency:   h.clock().Sub(start),
		CheckedAt: h.clock().UTC(),
	}
	if err == nil {
		return result
	}
	result.Error = err.Error()
	result.Status = domain.HealthStatusDegraded
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		result.Status = domain.HealthStatusError
	}
	return result
}
