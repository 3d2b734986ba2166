package calls

import (
	"context"
	"testing"
	"time"
)

func TestRouter_DisabledSkipsProbe(t *testing.T) {
	probed := false
	r := NewRouter(
		&funcExecutor{method: ExecutionDirect},
		&funcExecutor{method: ExecutionDelegated},
		false,
		func(ctx context.Context) bool { probed = true; return true },
		time.Second,
		nil,
	)

	if got := r.Select(context.Background()); got.Method() != ExecutionDirect {
		t.Fatalf("expected direct, got %q", got.Method())
	}
	if probed {
		t.Fatalf("probe must not run when delegated execution is disabled")
	}
}

func TestRouter_UnhealthyFailsOpenToDirect(t *testing.T) {
	r := NewRouter(
		&funcExecutor{method: ExecutionDirect},
		&funcExecutor{method: ExecutionDelegated},
		true,
		func(ctx context.Context) bool { return false },
		time.Second,
		nil,
	)

	if got := r.Select(context.Background()); got.Method() != ExecutionDirect {
		t.Fatalf("expected direct on unhealthy delegated backend, got %q", got.Method())
	}
}

func TestRouter_HealthySelectsDelegated(t *testing.T) {
	r := NewRouter(
		&funcExecutor{method: ExecutionDirect},
		&funcExecutor{method: ExecutionDelegated},
		true,
		func(ctx context.Context) bool { return true },
		time.Second,
		nil,
	)

	if got := r.Select(context.Background()); got.Method() != ExecutionDelegated {
		t.Fatalf("expected delegated, got %q", got.Method())
	}
}

// The backend decision is taken once per batch: even when the delegated
// backend dies mid-batch, every result reports the method chosen up front.
func TestRouter_SingleDecisionPerBatch(t *testing.T) {
	healthy := true
	callsMade := 0

	delegated := &funcExecutor{method: ExecutionDelegated, fn: func(ctx context.Context, req CallRequest) CallResult {
		callsMade++
		if callsMade == 3 {
			healthy = false // backend fails mid-batch
		}
		return CallResult{Status: CallStatusCompleted, CallID: "d", ExecutionMethod: ExecutionDelegated, Request: req}
	}}

	r := NewRouter(
		&funcExecutor{method: ExecutionDirect},
		delegated,
		true,
		func(ctx context.Context) bool { return healthy },
		time.Second,
		nil,
	)

	exec := r.Select(context.Background())
	b := fastBatch()

	reqs := make([]CallRequest, 5)
	for i := range reqs {
		reqs[i] = CallRequest{ProviderName: "p", PhoneNumber: "+15551234567"}
	}

	out := mustRun(t, b, exec, reqs, BatchOptions{MaxConcurrent: 1})

	if out.ExecutionMethod != ExecutionDelegated {
		t.Fatalf("expected delegated batch, got %q", out.ExecutionMethod)
	}
	for i, res := range out.Results {
		if res.ExecutionMethod != ExecutionDelegated {
			t.Fatalf("result %d re-evaluated the backend decision: %q", i, res.ExecutionMethod)
		}
	}
}

func TestMergeResults_Monotonic(t *testing.T) {
	shorter := CallResult{
		CallID:     "c1",
		Transcript: "short call",
		Analysis:   Analysis{StructuredData: map[string]any{"price": "$50"}},
	}
	richer := CallResult{
		CallID:     "c1",
		Status:     CallStatusCompleted,
		Transcript: "a much longer transcript of the whole conversation with the provider office",
		Analysis: Analysis{
			Summary:        "provider available tomorrow",
			StructuredData: map[string]any{"availability": "tomorrow"},
		},
	}

	merged := MergeResults(shorter, richer)
	if merged.Transcript != richer.Transcript {
		t.Fatalf("expected longer transcript to win")
	}
	if merged.Analysis.Summary == "" {
		t.Fatalf("expected summary to be adopted")
	}
	if merged.Analysis.StructuredData["price"] != "$50" {
		t.Fatalf("expected prior structured field to survive")
	}
	if merged.Analysis.StructuredData["availability"] != "tomorrow" {
		t.Fatalf("expected incoming structured field to be merged")
	}

	// The reverse direction must not regress the richer record.
	reversed := MergeResults(richer, shorter)
	if reversed.Transcript != richer.Transcript {
		t.Fatalf("merge regressed the transcript")
	}
	if reversed.Analysis.Summary != richer.Analysis.Summary {
		t.Fatalf("merge dropped the summary")
	}
	if PopulatedStructuredFields(reversed.Analysis) < PopulatedStructuredFields(richer.Analysis) {
		t.Fatalf("merge lost populated structured fields")
	}
}

func TestMergeResults_EmptyIncomingValuesIgnored(t *testing.T) {
	prior := CallResult{Analysis: Analysis{StructuredData: map[string]any{"price": "$50"}}}
	incoming := CallResult{Analysis: Analysis{StructuredData: map[string]any{"price": "", "note": nil}}}

	merged := MergeResults(prior, incoming)
	if merged.Analysis.StructuredData["price"] != "$50" {
		t.Fatalf("empty incoming value must not override a populated field")
	}
	if _, ok := merged.Analysis.StructuredData["note"]; ok {
		t.Fatalf("nil incoming value must not be merged")
	}
}
