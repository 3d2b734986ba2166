package calls

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxConcurrent = 5
	DefaultWindowDelay   = 500 * time.Millisecond

	// Re-acquire cadence when the cross-process cap is full. The budget
	// comfortably outlasts one remote call at the default window delay.
	slotAcquireAttempts = 30
	slotRetryDelay      = 2 * time.Second
)

var ErrEmptyBatch = errors.New("calls: empty batch")

// e164Pattern accepts +, a non-zero country digit, and up to 14 further
// digits, per E.164.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidPhoneNumber reports whether a number is usable for dialing.
func ValidPhoneNumber(number string) bool {
	return e164Pattern.MatchString(strings.TrimSpace(number))
}

// Limiter caps concurrent calls across processes. The in-process window
// already bounds local concurrency; a Limiter extends the same bound over a
// fleet (Redis-backed in production). Acquire failures fail open: a cap
// that cannot be consulted must not stall dialing.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// BatchExecutor fans call requests out in fixed-size windows.
//
// Settle-all discipline: no individual failure aborts the batch; every
// input produces either a CallResult or a PreflightError, so the output is
// always sized to the input.
type BatchExecutor struct {
	limiter Limiter
	log     *slog.Logger
	// sleep is injectable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewBatchExecutor(limiter Limiter, log *slog.Logger) *BatchExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &BatchExecutor{
		limiter: limiter,
		log:     log,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run executes every request through exec and aggregates the outcome.
//
// Window N+1 never starts before every member of window N has settled, so
// peak in-flight calls equal opts.MaxConcurrent. Targets failing pre-flight
// validation are never submitted and are reported separately.
//
// The only error returned is ErrEmptyBatch; everything else is data.
func (b *BatchExecutor) Run(ctx context.Context, exec Executor, reqs []CallRequest, opts BatchOptions) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}
	if exec == nil {
		return BatchResult{}, errors.New("calls: executor is nil")
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	windowDelay := opts.WindowDelay
	if windowDelay <= 0 {
		windowDelay = DefaultWindowDelay
	}

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

	b.log.Info("batch starting",
		"targets", len(reqs),
		"dialable", len(dialable),
		"preflight_errors", len(preflight),
		"max_concurrent", maxConcurrent,
		"method", exec.Method(),
	)

	results := make([]CallResult, len(dialable))
	for start := 0; start < len(dialable); start += maxConcurrent {
		end := start + maxConcurrent
		if end > len(dialable) {
			end = len(dialable)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = b.runOne(ctx, exec, dialable[i])
			}(i)
		}
		wg.Wait()

		if end < len(dialable) {
			b.sleep(ctx, windowDelay)
		}
	}

	out := BatchResult{
		// At least one call actually ran.
		Success:         len(preflight) < len(reqs),
		ExecutionMethod: exec.Method(),
		Results:         results,
		PreflightErrors: preflight,
		Stats:           computeStats(results),
		WallClock:       time.Since(started),
	}
	out.WallClockMS = out.WallClock.Milliseconds()

	b.log.Info("batch settled",
		"results", len(results),
		"completed", out.Stats.Completed,
		"failed", out.Stats.Failed,
		"wall_clock_ms", out.WallClockMS,
	)
	return out, nil
}

// runOne executes a single call under the optional cross-process cap and
// converts any panic-free failure path into result data.
func (b *BatchExecutor) runOne(ctx context.Context, exec Executor, req CallRequest) CallResult {
	if b.limiter != nil {
		acquired, failOpen := b.acquireSlot(ctx, req)
		switch {
		case acquired:
			defer func() {
				if relErr := b.limiter.Release(ctx); relErr != nil {
					b.log.Warn("concurrency cap release failed", "err", relErr)
				}
			}()
		case failOpen:
			// Cap unreachable: the window bound still holds.
		default:
			return ErrorResult(req, exec.Method(), "no cross-process call slot available")
		}
	}

	res := exec.Execute(ctx, req)
	if res.Status == "" {
		// An executor returning a zero status broke the contract; surface
		// it as an error result rather than propagating garbage.
		return ErrorResult(req, exec.Method(), "executor returned result without status")
	}
	if res.ExecutionMethod == "" {
		res.ExecutionMethod = exec.Method()
	}
	return res
}

// acquireSlot blocks until a cross-process slot frees up or the retry
// budget runs out. A full cap gates the call; only a cap that cannot be
// consulted at all fails open, since the window bound still holds locally.
func (b *BatchExecutor) acquireSlot(ctx context.Context, req CallRequest) (acquired, failOpen bool) {
	for attempt := 1; attempt <= slotAcquireAttempts; attempt++ {
		if ctx.Err() != nil {
			return false, false
		}
		ok, err := b.limiter.Acquire(ctx)
		if err != nil {
			b.log.Warn("concurrency cap unavailable", "err", err, "provider", req.ProviderName)
			return false, true
		}
		if ok {
			return true, false
		}
		b.log.Debug("concurrency cap full; waiting for slot",
			"provider", req.ProviderName, "attempt", attempt)
		b.sleep(ctx, slotRetryDelay)
	}
	return false, false
}

func preflightCheck(req CallRequest) (string, bool) {
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return "missing phone number", false
	}
	if !ValidPhoneNumber(req.PhoneNumber) {
		return "phone number is not valid E.164", false
	}
	return "", true
}

func computeStats(results []CallResult) BatchStats {
	var s BatchStats
	for _, r := range results {
		switch r.Status {
		case CallStatusCompleted:
			s.Completed++
		case CallStatusTimeout:
			s.Timeout++
		case CallStatusNoAnswer:
			s.NoAnswer++
		case CallStatusVoicemail:
			s.Voicemail++
		default:
			s.Failed++
		}
		s.TotalDurationMinutes += r.DurationMinutes
	}
	if len(results) > 0 {
		s.MeanDurationMinutes = s.TotalDurationMinutes / float64(len(results))
	}
	return s
}
