package domain

import "time"

const (
	// HealthStatusOK indicates every probed dependency answered.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency failed but the process keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency timed out or the probe was cancelled.
	HealthStatusError = "error"
)

// ProbeResult is the outcome of a single dependency probe.
type ProbeResult struct {
	Status    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport aggregates probe results for the readiness endpoint.
type ReadinessReport struct {
	Status      string
	Probes      map[string]ProbeResult
	GeneratedAt time.Time
}
