package calls

import "context"

// Executor places one call and blocks until it settles.
//
// Return-not-throw contract: call-level failures (transport errors, backend
// rejections, poll-budget exhaustion) come back as a CallResult with
// status error or timeout, never as a Go error. The batch layer relies on
// this to keep one bad call from disturbing its siblings. A creation
// failure must carry CallID == "" so callers can tell "never initiated"
// apart from "initiated and failed".
type Executor interface {
	// Method identifies which backend this executor drives.
	Method() ExecutionMethod

	Execute(ctx context.Context, req CallRequest) CallResult
}

// BatchCapableExecutor is implemented by executors whose backend can fan a
// whole batch out in a single remote run. The batch layer uses it when
// available and falls back to per-call execution otherwise.
type BatchCapableExecutor interface {
	Executor

	// ExecuteBatch submits every request in one remote run. The second
	// return value reports whether the backend actually supports native
	// fan-out; false means the caller must fall back to per-call windows.
	ExecuteBatch(ctx context.Context, reqs []CallRequest) ([]CallResult, bool)
}

// ErrorResult builds the synthetic result used when a call could not be
// initiated at all.
func ErrorResult(req CallRequest, method ExecutionMethod, msg string) CallResult {
	return CallResult{
		Status:          CallStatusError,
		CallID:          "",
		ExecutionMethod: method,
		EndedReason:     msg,
		Error:           msg,
		ProviderName:    req.ProviderName,
		Request:         req,
	}
}
