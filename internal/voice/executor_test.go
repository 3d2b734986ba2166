package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"callbridge/internal/calls"
)

// scriptedAPI replays a fixed sequence of poll states for one call.
type scriptedAPI struct {
	createErr error
	record    CallRecord
	states    []string
	polls     int
}

func (s *scriptedAPI) CreateCall(ctx context.Context, req CreateCallRequest) (CallRecord, error) {
	if s.createErr != nil {
		return CallRecord{}, s.createErr
	}
	return CallRecord{ID: s.record.ID, Status: "queued"}, nil
}

func (s *scriptedAPI) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	state := s.states[len(s.states)-1]
	if s.polls < len(s.states) {
		state = s.states[s.polls]
	}
	s.polls++

	rec := s.record
	rec.Status = state
	return rec, nil
}

func newTestExecutor(api CallAPI, attempts int) *DirectExecutor {
	e := NewDirectExecutor(api, time.Millisecond, attempts, nil)
	e.sleep = func(ctx context.Context, d time.Duration) {}
	return e
}

func TestDirectExecutor_PollsToTerminalAndClassifies(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(3 * time.Minute)

	api := &scriptedAPI{
		record: CallRecord{
			ID:          "call-1",
			EndedReason: "customer-ended-call",
			Transcript:  "long enough transcript of the conversation",
			Analysis: struct {
				Summary           string         `json:"summary"`
				StructuredData    map[string]any `json:"structuredData"`
				SuccessEvaluation string         `json:"successEvaluation"`
			}{Summary: "booked for Friday"},
			Cost:      0.42,
			StartedAt: &started,
			EndedAt:   &ended,
		},
		states: []string{"queued", "ringing", "in-progress", "ended"},
	}

	res := newTestExecutor(api, 10).Execute(context.Background(), calls.CallRequest{
		ProviderName: "Ace Plumbing",
		PhoneNumber:  "+15551234567",
	})

	if res.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %q (%q)", res.Status, res.Error)
	}
	if res.CallID != "call-1" {
		t.Fatalf("expected call id, got %q", res.CallID)
	}
	if res.DurationMinutes != 3 {
		t.Fatalf("expected 3 minute duration, got %v", res.DurationMinutes)
	}
	if res.DataStatus != "" {
		t.Fatalf("poll-path results are complete by construction, got data status %q", res.DataStatus)
	}
	if res.ExecutionMethod != calls.ExecutionDirect {
		t.Fatalf("expected direct, got %q", res.ExecutionMethod)
	}
	if api.polls != 4 {
		t.Fatalf("expected 4 polls, got %d", api.polls)
	}
}

func TestDirectExecutor_CreationFailureIsNeverStarted(t *testing.T) {
	api := &scriptedAPI{createErr: errors.New("connection refused")}

	res := newTestExecutor(api, 3).Execute(context.Background(), calls.CallRequest{
		ProviderName: "B", PhoneNumber: "+15551234567",
	})

	if res.Status != calls.CallStatusError {
		t.Fatalf("expected error status, got %q", res.Status)
	}
	if res.CallID != "" {
		t.Fatalf("creation failure must carry the never-started sentinel, got %q", res.CallID)
	}
	if res.Error == "" {
		t.Fatalf("expected error message on result")
	}
}

func TestDirectExecutor_BudgetExhaustionIsTimeoutData(t *testing.T) {
	api := &scriptedAPI{
		record: CallRecord{ID: "call-2"},
		states: []string{"in-progress"},
	}

	res := newTestExecutor(api, 5).Execute(context.Background(), calls.CallRequest{
		ProviderName: "C", PhoneNumber: "+15551234567",
	})

	if res.Status != calls.CallStatusTimeout {
		t.Fatalf("expected timeout, got %q", res.Status)
	}
	if res.CallID != "call-2" {
		t.Fatalf("timeout still refers to a started call, got %q", res.CallID)
	}
	if api.polls != 5 {
		t.Fatalf("expected the full attempt budget, got %d polls", api.polls)
	}
}

func TestDirectExecutor_NoAnswerClassification(t *testing.T) {
	api := &scriptedAPI{
		record: CallRecord{ID: "call-3", EndedReason: "customer-did-not-answer-no-answer"},
		states: []string{"ended"},
	}

	res := newTestExecutor(api, 3).Execute(context.Background(), calls.CallRequest{
		ProviderName: "D", PhoneNumber: "+15551234567",
	})
	if res.Status != calls.CallStatusNoAnswer {
		t.Fatalf("expected no_answer, got %q", res.Status)
	}
}
