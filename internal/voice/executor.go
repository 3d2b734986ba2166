package voice

import (
	"context"
	"log/slog"
	"time"

	"callbridge/internal/calls"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollAttempts = 60 // 5 minutes at the default interval
)

// CallAPI is the slice of the backend client the executor needs. Narrow on
// purpose so tests can stub it.
type CallAPI interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (CallRecord, error)
	GetCall(ctx context.Context, callID string) (CallRecord, error)
}

// DirectExecutor drives the direct backend: create the call, then poll its
// status to a terminal state.
type DirectExecutor struct {
	api          CallAPI
	pollInterval time.Duration
	pollAttempts int
	log          *slog.Logger
	sleep        func(ctx context.Context, d time.Duration)
}

func NewDirectExecutor(api CallAPI, pollInterval time.Duration, pollAttempts int, log *slog.Logger) *DirectExecutor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollAttempts <= 0 {
		pollAttempts = DefaultPollAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &DirectExecutor{
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

func (e *DirectExecutor) Method() calls.ExecutionMethod { return calls.ExecutionDirect }

// Execute creates the call and blocks on the poll loop until a terminal
// state or budget exhaustion. Failures are data: a creation error yields
// status error with the never-started sentinel, an exhausted budget yields
// status timeout.
//
// Call creation is at-most-once here. A transport error after the request
// left this process may still have started a real phone call; the error
// result is logged for manual review rather than retried.
func (e *DirectExecutor) Execute(ctx context.Context, req calls.CallRequest) calls.CallResult {
	created, err := e.api.CreateCall(ctx, CreateCallRequest{
		CustomerNumber: req.PhoneNumber,
		CustomerName:   req.ProviderName,
		Script:         req.Script,
		Metadata: map[string]any{
			"request_group_id":   req.RequestGroupID,
			"provider_record_id": req.ProviderRecordID,
			"service_category":   req.ServiceCategory,
		},
	})
	if err != nil {
		e.log.Error("call creation failed; possible undialed or orphaned call, review before retrying",
			"provider", req.ProviderName, "err", err)
		return calls.ErrorResult(req, calls.ExecutionDirect, err.Error())
	}

	e.log.Info("call created", "call_id", created.ID, "provider", req.ProviderName)

	rec, terminal := e.pollToTerminal(ctx, created.ID)
	if !terminal {
		res := calls.CallResult{
			Status:          calls.CallStatusTimeout,
			CallID:          created.ID,
			ExecutionMethod: calls.ExecutionDirect,
			EndedReason:     "poll budget exhausted",
			ProviderName:    req.ProviderName,
			Request:         req,
		}
		e.log.Warn("call did not reach a terminal state within budget", "call_id", created.ID)
		return res
	}

	return resultFromRecord(rec, req)
}

func (e *DirectExecutor) pollToTerminal(ctx context.Context, callID string) (CallRecord, bool) {
	var last CallRecord
	for attempt := 0; attempt < e.pollAttempts; attempt++ {
		e.sleep(ctx, e.pollInterval)
		if ctx.Err() != nil {
			return last, false
		}

		rec, err := e.api.GetCall(ctx, callID)
		if err != nil {
			// Transient read failures burn an attempt but keep the loop
			// alive; the call itself is still running at the backend.
			e.log.Warn("status poll failed", "call_id", callID, "attempt", attempt+1, "err", err)
			continue
		}
		last = rec
		if calls.IsTerminalBackendStatus(rec.Status) {
			return rec, true
		}
	}
	return last, false
}

// resultFromRecord normalizes a terminal backend record into the domain
// result. Poll-path results carry no DataStatus: they are complete by
// construction.
func resultFromRecord(rec CallRecord, req calls.CallRequest) calls.CallResult {
	analysis := calls.Analysis{
		Summary:           rec.Analysis.Summary,
		StructuredData:    rec.Analysis.StructuredData,
		SuccessEvaluation: rec.Analysis.SuccessEvaluation,
	}
	if analysis.Summary == "" {
		analysis.Summary = rec.Summary
	}

	return calls.CallResult{
		Status:          calls.ClassifyEndedReason(rec.EndedReason, rec.Status),
		CallID:          rec.ID,
		ExecutionMethod: calls.ExecutionDirect,
		DurationMinutes: rec.DurationMinutes(),
		EndedReason:     rec.EndedReason,
		Transcript:      rec.Transcript,
		Analysis:        analysis,
		CostUSD:         rec.Cost,
		ProviderName:    req.ProviderName,
		Request:         req,
	}
}
