package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"callbridge/internal/calls"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollAttempts = 72 // 6 minutes at the default interval
)

// ExecutionAPI is the slice of the engine client the executor needs.
type ExecutionAPI interface {
	Trigger(ctx context.Context, flowID string, inputs map[string]any) (string, error)
	GetExecution(ctx context.Context, executionID string) (Execution, error)
	Output(exec Execution) (json.RawMessage, bool)
	CallFlowID() string
	BatchFlowID() string
}

// DelegatedExecutor runs calls through the remote orchestration engine:
// trigger an execution, poll it to a terminal state, parse its output.
type DelegatedExecutor struct {
	api          ExecutionAPI
	pollInterval time.Duration
	pollAttempts int
	log          *slog.Logger
	sleep        func(ctx context.Context, d time.Duration)
}

func NewDelegatedExecutor(api ExecutionAPI, pollInterval time.Duration, pollAttempts int, log *slog.Logger) *DelegatedExecutor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollAttempts <= 0 {
		pollAttempts = DefaultPollAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &DelegatedExecutor{
		api:          api,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
		log:          log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

func (e *DelegatedExecutor) Method() calls.ExecutionMethod { return calls.ExecutionDelegated }

func (e *DelegatedExecutor) Execute(ctx context.Context, req calls.CallRequest) calls.CallResult {
	executionID, err := e.api.Trigger(ctx, e.api.CallFlowID(), flowInputs(req))
	if err != nil {
		return calls.ErrorResult(req, calls.ExecutionDelegated, err.Error())
	}

	e.log.Info("delegated execution triggered", "execution_id", executionID, "provider", req.ProviderName)

	exec, terminal := e.pollToTerminal(ctx, executionID)
	if !terminal {
		return calls.CallResult{
			Status:          calls.CallStatusTimeout,
			CallID:          executionID,
			ExecutionMethod: calls.ExecutionDelegated,
			EndedReason:     "execution poll budget exhausted",
			ProviderName:    req.ProviderName,
			Request:         req,
		}
	}

	if exec.State != StateSuccess {
		// FAILED or KILLED: synthesize an error result carrying the
		// terminal state name.
		return calls.CallResult{
			Status:          calls.CallStatusError,
			CallID:          executionID,
			ExecutionMethod: calls.ExecutionDelegated,
			EndedReason:     exec.State,
			Error:           fmt.Sprintf("execution ended in state %s", exec.State),
			ProviderName:    req.ProviderName,
			Request:         req,
		}
	}

	res, ok := e.parseOutput(exec, req)
	if !ok {
		return calls.CallResult{
			Status:          calls.CallStatusError,
			CallID:          executionID,
			ExecutionMethod: calls.ExecutionDelegated,
			EndedReason:     "missing or unparseable flow output",
			Error:           "execution succeeded but produced no usable call result",
			ProviderName:    req.ProviderName,
			Request:         req,
		}
	}
	return res
}

// ExecuteBatch submits one execution that fans out inside the engine. The
// second return value is false when no batch flow is configured; the caller
// then falls back to per-call execution through the batch windows.
func (e *DelegatedExecutor) ExecuteBatch(ctx context.Context, reqs []calls.CallRequest) ([]calls.CallResult, bool) {
	if e.api.BatchFlowID() == "" {
		return nil, false
	}

	targets := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		targets = append(targets, flowInputs(req))
	}

	executionID, err := e.api.Trigger(ctx, e.api.BatchFlowID(), map[string]any{"targets": targets})
	if err != nil {
		// The engine accepted nothing; let the caller run the batch
		// call-by-call instead.
		e.log.Warn("batch flow trigger failed; falling back to per-call execution", "err", err)
		return nil, false
	}

	exec, terminal := e.pollToTerminal(ctx, executionID)
	if !terminal || exec.State != StateSuccess {
		results := make([]calls.CallResult, len(reqs))
		reason := "execution poll budget exhausted"
		status := calls.CallStatusTimeout
		if terminal {
			reason = exec.State
			status = calls.CallStatusError
		}
		for i, req := range reqs {
			results[i] = calls.CallResult{
				Status:          status,
				CallID:          executionID,
				ExecutionMethod: calls.ExecutionDelegated,
				EndedReason:     reason,
				ProviderName:    req.ProviderName,
				Request:         req,
			}
		}
		return results, true
	}

	raw, ok := e.api.Output(exec)
	if !ok {
		e.log.Warn("batch execution succeeded without output", "execution_id", executionID)
		return nil, false
	}

	var results []calls.CallResult
	if err := json.Unmarshal(raw, &results); err != nil {
		e.log.Warn("batch output unparseable; falling back to per-call execution", "err", err)
		return nil, false
	}
	for i := range results {
		results[i].ExecutionMethod = calls.ExecutionDelegated
		if i < len(reqs) {
			results[i].ProviderName = reqs[i].ProviderName
			results[i].Request = reqs[i]
		}
	}
	return results, true
}

func (e *DelegatedExecutor) pollToTerminal(ctx context.Context, executionID string) (Execution, bool) {
	var last Execution
	for attempt := 0; attempt < e.pollAttempts; attempt++ {
		e.sleep(ctx, e.pollInterval)
		if ctx.Err() != nil {
			return last, false
		}

		exec, err := e.api.GetExecution(ctx, executionID)
		if err != nil {
			e.log.Warn("execution poll failed", "execution_id", executionID, "attempt", attempt+1, "err", err)
			continue
		}
		last = exec
		if IsTerminalState(exec.State) {
			return exec, true
		}
	}
	return last, false
}

func (e *DelegatedExecutor) parseOutput(exec Execution, req calls.CallRequest) (calls.CallResult, bool) {
	raw, ok := e.api.Output(exec)
	if !ok {
		return calls.CallResult{}, false
	}

	var res calls.CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		e.log.Warn("flow output unparseable", "execution_id", exec.ID, "err", err)
		return calls.CallResult{}, false
	}
	if res.Status == "" {
		return calls.CallResult{}, false
	}

	res.ExecutionMethod = calls.ExecutionDelegated
	res.ProviderName = req.ProviderName
	res.Request = req
	if res.CallID == "" {
		res.CallID = exec.ID
	}
	return res, true
}

func flowInputs(req calls.CallRequest) map[string]any {
	return map[string]any{
		"providerName":     req.ProviderName,
		"phoneNumber":      req.PhoneNumber,
		"serviceCategory":  req.ServiceCategory,
		"criteria":         req.Criteria,
		"location":         req.Location,
		"urgency":          string(req.Urgency),
		"requestGroupId":   req.RequestGroupID,
		"providerRecordId": req.ProviderRecordID,
		"script":           req.Script,
	}
}
