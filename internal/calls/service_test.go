package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSaver struct {
	mu    sync.Mutex
	saved []CallResult
}

func (m *memSaver) SaveResult(ctx context.Context, res CallResult, req CallRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, res)
	return nil
}

func newTestService(exec Executor, saver ResultSaver) *Service {
	router := NewRouter(exec, nil, false, nil, 0, nil)
	return NewService(router, fastBatch(), saver, BatchOptions{}, nil)
}

func TestInitiateCall_RejectsInvalidNumberBeforeDialing(t *testing.T) {
	dialed := false
	exec := &funcExecutor{method: ExecutionDirect, fn: func(ctx context.Context, req CallRequest) CallResult {
		dialed = true
		return CallResult{Status: CallStatusCompleted, CallID: "c1"}
	}}
	svc := newTestService(exec, &memSaver{})

	_, err := svc.InitiateCall(context.Background(), CallRequest{ProviderName: "p", PhoneNumber: "bogus"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if dialed {
		t.Fatalf("invalid request must never reach the executor")
	}
}

func TestInitiateCall_PersistsSettledResult(t *testing.T) {
	exec := &funcExecutor{method: ExecutionDirect, fn: func(ctx context.Context, req CallRequest) CallResult {
		return CallResult{Status: CallStatusCompleted, CallID: "c1", Request: req}
	}}
	saver := &memSaver{}
	svc := newTestService(exec, saver)

	res, err := svc.InitiateCall(context.Background(), CallRequest{ProviderName: "p", PhoneNumber: "+15551234567"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.CallID != "c1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(saver.saved) != 1 {
		t.Fatalf("expected one persisted result, got %d", len(saver.saved))
	}
}

func TestInitiateCall_NeverStartedIsNotPersisted(t *testing.T) {
	exec := &funcExecutor{method: ExecutionDirect, fn: func(ctx context.Context, req CallRequest) CallResult {
		return ErrorResult(req, ExecutionDirect, "creation refused")
	}}
	saver := &memSaver{}
	svc := newTestService(exec, saver)

	res, err := svc.InitiateCall(context.Background(), CallRequest{ProviderName: "p", PhoneNumber: "+15551234567"})
	if err != nil {
		t.Fatalf("call-level failure must be data, not error: %v", err)
	}
	if res.Status != CallStatusError || res.CallID != "" {
		t.Fatalf("expected never-started error result, got %+v", res)
	}
	if len(saver.saved) != 0 {
		t.Fatalf("never-started results must not be persisted, got %d", len(saver.saved))
	}
}

type nativeBatchExecutor struct {
	mu        sync.Mutex
	submitted []CallRequest
	native    bool
}

func (n *nativeBatchExecutor) Method() ExecutionMethod { return ExecutionDelegated }

func (n *nativeBatchExecutor) Execute(ctx context.Context, req CallRequest) CallResult {
	return CallResult{Status: CallStatusCompleted, CallID: "one-" + req.ProviderName, ExecutionMethod: ExecutionDelegated, Request: req}
}

func (n *nativeBatchExecutor) ExecuteBatch(ctx context.Context, reqs []CallRequest) ([]CallResult, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, reqs...)
	if !n.native {
		return nil, false
	}
	results := make([]CallResult, len(reqs))
	for i, req := range reqs {
		results[i] = CallResult{Status: CallStatusCompleted, CallID: "c-" + req.ProviderName, ExecutionMethod: ExecutionDelegated, Request: req}
	}
	return results, true
}

func TestRunBatch_NativePathStillPreflights(t *testing.T) {
	exec := &nativeBatchExecutor{native: true}
	saver := &memSaver{}
	svc := newTestService(exec, saver)

	reqs := []CallRequest{
		{ProviderName: "A", PhoneNumber: ""},
		{ProviderName: "B", PhoneNumber: "+1invalid"},
		{ProviderName: "C", PhoneNumber: "+15551234567"},
	}
	out, err := svc.RunBatch(context.Background(), reqs, BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if len(exec.submitted) != 1 || exec.submitted[0].ProviderName != "C" {
		t.Fatalf("only the dialable target may reach the backend, got %+v", exec.submitted)
	}
	if len(out.PreflightErrors) != 2 {
		t.Fatalf("expected 2 preflight errors, got %d", len(out.PreflightErrors))
	}
	if len(out.Results) != 1 || out.Results[0].CallID != "c-C" {
		t.Fatalf("expected one settled result, got %+v", out.Results)
	}
	if !out.Success {
		t.Fatalf("one dialable target means the batch ran")
	}
	if out.WallClock <= 0 {
		t.Fatalf("native path must stamp wall clock")
	}
	if len(saver.saved) != 1 {
		t.Fatalf("expected 1 persisted result, got %d", len(saver.saved))
	}
}

func TestRunBatch_NativePathAllPreflightMeansFailure(t *testing.T) {
	exec := &nativeBatchExecutor{native: true}
	svc := newTestService(exec, &memSaver{})

	out, err := svc.RunBatch(context.Background(), []CallRequest{{ProviderName: "A", PhoneNumber: "bogus"}}, BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(exec.submitted) != 0 {
		t.Fatalf("backend must not see an all-invalid batch, got %+v", exec.submitted)
	}
	if out.Success {
		t.Fatalf("no call ran; batch must not report success")
	}
}

func TestRunBatch_NativeDeclinedFallsBackToWindows(t *testing.T) {
	exec := &nativeBatchExecutor{native: false}
	svc := newTestService(exec, &memSaver{})

	out, err := svc.RunBatch(context.Background(), []CallRequest{{ProviderName: "A", PhoneNumber: "+15551234567"}}, BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].CallID != "one-A" {
		t.Fatalf("expected windowed fallback to settle the target, got %+v", out.Results)
	}
}

func TestRunBatch_AppliesConfiguredDefaults(t *testing.T) {
	var delays []time.Duration
	b := NewBatchExecutor(nil, nil)
	b.sleep = func(ctx context.Context, d time.Duration) { delays = append(delays, d) }

	exec := &funcExecutor{method: ExecutionDirect, fn: func(ctx context.Context, req CallRequest) CallResult {
		return CallResult{Status: CallStatusCompleted, CallID: "c-" + req.ProviderName, Request: req}
	}}
	router := NewRouter(exec, nil, false, nil, 0, nil)
	svc := NewService(router, b, nil, BatchOptions{MaxConcurrent: 1, WindowDelay: 123 * time.Millisecond}, nil)

	reqs := []CallRequest{
		{ProviderName: "a", PhoneNumber: "+15551230001"},
		{ProviderName: "b", PhoneNumber: "+15551230002"},
	}
	if _, err := svc.RunBatch(context.Background(), reqs, BatchOptions{}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// MaxConcurrent 1 forces two windows with exactly one delay between.
	if len(delays) != 1 || delays[0] != 123*time.Millisecond {
		t.Fatalf("expected one configured inter-window delay, got %v", delays)
	}
}

func TestRunBatch_PersistsEachSettledResult(t *testing.T) {
	exec := &funcExecutor{method: ExecutionDirect, fn: func(ctx context.Context, req CallRequest) CallResult {
		return CallResult{Status: CallStatusCompleted, CallID: "c-" + req.ProviderName, Request: req}
	}}
	saver := &memSaver{}
	svc := newTestService(exec, saver)

	reqs := []CallRequest{
		{ProviderName: "a", PhoneNumber: "+15551230001"},
		{ProviderName: "b", PhoneNumber: "+15551230002"},
		{ProviderName: "c", PhoneNumber: "bogus"},
	}
	out, err := svc.RunBatch(context.Background(), reqs, BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out.Results) != 2 || len(out.PreflightErrors) != 1 {
		t.Fatalf("unexpected partition: %d results, %d preflight", len(out.Results), len(out.PreflightErrors))
	}
	if len(saver.saved) != 2 {
		t.Fatalf("expected 2 persisted results, got %d", len(saver.saved))
	}
}
