package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ResultSaver is the durable sink for reconciled results. Implemented by
// internal/store; kept as an interface here so the domain layer carries no
// storage dependency.
type ResultSaver interface {
	SaveResult(ctx context.Context, res CallResult, req CallRequest) error
}

// Service is the inbound boundary of the call subsystem: one call or one
// batch in, settled results out, with persistence as the terminal sink.
type Service struct {
	router   *Router
	batch    *BatchExecutor
	saver    ResultSaver
	defaults BatchOptions
	log      *slog.Logger
}

// NewService builds the service. defaults fills BatchOptions fields the
// caller leaves unset; zero values fall back to the package defaults.
func NewService(router *Router, batch *BatchExecutor, saver ResultSaver, defaults BatchOptions, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{router: router, batch: batch, saver: saver, defaults: defaults, log: log}
}

var ErrInvalidRequest = errors.New("calls: invalid request")

// InitiateCall places a single call synchronously and persists the outcome.
//
// The error return covers programmer-error input only; a call that ran and
// failed still comes back as a CallResult.
func (s *Service) InitiateCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if reason, ok := preflightCheck(req); !ok {
		return CallResult{}, errors.Join(ErrInvalidRequest, errors.New(reason))
	}

	exec := s.router.Select(ctx)
	res := exec.Execute(ctx, req)
	if res.ExecutionMethod == "" {
		res.ExecutionMethod = exec.Method()
	}

	s.persist(ctx, res, req)
	return res, nil
}

// RunBatch selects a backend once, fans the batch out, and persists every
// result that represents an actual call attempt.
func (s *Service) RunBatch(ctx context.Context, reqs []CallRequest, opts BatchOptions) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = s.defaults.MaxConcurrent
	}
	if opts.WindowDelay <= 0 {
		opts.WindowDelay = s.defaults.WindowDelay
	}

	exec := s.router.Select(ctx)

	// Prefer a backend-native fan-out when the chosen executor offers one.
	// Pre-flight still happens here: a target with an invalid number is
	// never submitted, native path or not.
	if bc, ok := exec.(BatchCapableExecutor); ok {
		if out, native := s.runNativeBatch(ctx, bc, reqs); native {
			return out, nil
		}
	}

	out, err := s.batch.Run(ctx, exec, reqs, opts)
	if err != nil {
		return BatchResult{}, err
	}
	for i := range out.Results {
		s.persist(ctx, out.Results[i], out.Results[i].Request)
	}
	return out, nil
}

// runNativeBatch partitions targets exactly like the windowed path and
// hands only the dialable ones to the backend. The false return means the
// backend declined native fan-out and the caller must fall back.
func (s *Service) runNativeBatch(ctx context.Context, bc BatchCapableExecutor, reqs []CallRequest) (BatchResult, bool) {
	started := time.Now()

	var preflight []PreflightError
	var dialable []CallRequest
	for _, req := range reqs {
		if reason, ok := preflightCheck(req); !ok {
			preflight = append(preflight, PreflightError{
				ProviderName: req.ProviderName,
				PhoneNumber:  req.PhoneNumber,
				Reason:       reason,
			})
			continue
		}
		dialable = append(dialable, req)
	}

	var results []CallResult
	if len(dialable) > 0 {
		var native bool
		results, native = bc.ExecuteBatch(ctx, dialable)
		if !native {
			return BatchResult{}, false
		}
	}

	for i := range results {
		if results[i].ExecutionMethod == "" {
			results[i].ExecutionMethod = bc.Method()
		}
		s.persist(ctx, results[i], results[i].Request)
	}

	out := BatchResult{
		// At least one call actually ran.
		Success:         len(preflight) < len(reqs),
		ExecutionMethod: bc.Method(),
		Results:         results,
		PreflightErrors: preflight,
		Stats:           computeStats(results),
		WallClock:       time.Since(started),
	}
	out.WallClockMS = out.WallClock.Milliseconds()
	return out, true
}

// persist is best-effort: the caller already has the result in hand, and
// the store is idempotent against the webhook path writing first.
func (s *Service) persist(ctx context.Context, res CallResult, req CallRequest) {
	if s.saver == nil {
		return
	}
	if res.CallID == "" {
		// Never-started results have nothing durable to record.
		return
	}
	if err := s.saver.SaveResult(ctx, res, req); err != nil {
		s.log.Error("result persistence failed", "call_id", res.CallID, "err", err)
	}
}
