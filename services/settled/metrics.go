package settled

import "guardiansettle/observability"

// Metrics exposes Prometheus collectors for coordinator instrumentation.
type Metrics = observability.SettledMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Settled() }
