package calls

import (
	"context"
	"log/slog"
	"time"
)

// HealthProbe checks the delegated backend. A probe returns false for any
// failure; it never reports failure through an error, because an unhealthy
// backend is an expected branch, not an exceptional one.
type HealthProbe func(ctx context.Context) bool

// Router picks the execution backend for an entire batch.
//
// The decision is taken once per batch and threaded through every call in
// it; a batch split across backends would make its aggregate statistics
// and failure semantics ambiguous.
type Router struct {
	direct    Executor
	delegated Executor

	delegatedEnabled bool
	probe            HealthProbe
	probeTimeout     time.Duration

	log *slog.Logger
}

func NewRouter(direct, delegated Executor, delegatedEnabled bool, probe HealthProbe, probeTimeout time.Duration, log *slog.Logger) *Router {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		direct:           direct,
		delegated:        delegated,
		delegatedEnabled: delegatedEnabled,
		probe:            probe,
		probeTimeout:     probeTimeout,
		log:              log,
	}
}

// Select returns the executor for one batch.
//
// Direct is the cheap default: when delegated execution is not enabled the
// health probe is skipped entirely. When it is enabled, a bounded-timeout
// probe decides; any failure fails open to the locally controlled direct
// path.
func (r *Router) Select(ctx context.Context) Executor {
	if !r.delegatedEnabled || r.delegated == nil {
		return r.direct
	}
	if r.probe == nil {
		r.log.Warn("delegated backend enabled without health probe; using direct")
		return r.direct
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	if !r.probe(probeCtx) {
		r.log.Warn("delegated backend unhealthy; falling back to direct")
		return r.direct
	}
	return r.delegated
}
