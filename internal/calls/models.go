package calls

import "time"

// CallRequest describes one outbound call to a service provider.
//
// Requests are immutable inputs: the executor layer copies what it needs
// into the CallResult so results stay self-describing after the request
// object is gone.
type CallRequest struct {
	ProviderName string `json:"provider_name"`
	// PhoneNumber must be E.164. Validation happens at the batch boundary;
	// a request with a bad number is never handed to an executor.
	PhoneNumber     string  `json:"phone_number"`
	ServiceCategory string  `json:"service_category"`
	Criteria        string  `json:"criteria,omitempty"`
	Location        string  `json:"location,omitempty"`
	Urgency         Urgency `json:"urgency,omitempty"`

	// RequestGroupID links calls placed for the same customer request.
	// ProviderRecordID points at the durable provider row, when one exists.
	// Either may be a locally generated ephemeral id; the store decides
	// whether the call is durable.
	RequestGroupID   string `json:"request_group_id,omitempty"`
	ProviderRecordID string `json:"provider_record_id,omitempty"`

	// Script overrides the generated call script when set.
	// Script generation itself lives outside this subsystem.
	Script string `json:"script,omitempty"`
}

type Urgency string

const (
	UrgencyImmediate   Urgency = "immediate"
	UrgencyWithin24h   Urgency = "within_24_hours"
	UrgencyWithin2Days Urgency = "within_2_days"
	UrgencyFlexible    Urgency = "flexible"
)

// CallStatus is the domain-level outcome of a call attempt, distinct from
// whatever transport status the backend reports.
type CallStatus string

const (
	CallStatusCompleted CallStatus = "completed"
	CallStatusNoAnswer  CallStatus = "no_answer"
	CallStatusVoicemail CallStatus = "voicemail"
	CallStatusTimeout   CallStatus = "timeout"
	CallStatusError     CallStatus = "error"
)

// ExecutionMethod reports which backend produced a result. It is decided
// once per batch and never varies within one.
type ExecutionMethod string

const (
	ExecutionDirect    ExecutionMethod = "direct"
	ExecutionDelegated ExecutionMethod = "delegated"
)

// DataStatus is the enrichment lifecycle of a webhook-delivered result.
// Results produced by the synchronous poll path carry no DataStatus at all;
// they are complete by construction.
type DataStatus string

const (
	DataStatusPartial     DataStatus = "partial"
	DataStatusFetching    DataStatus = "fetching"
	DataStatusComplete    DataStatus = "complete"
	DataStatusFetchFailed DataStatus = "fetch_failed"
)

// Terminal reports whether no further enrichment transition can occur.
func (d DataStatus) Terminal() bool {
	return d == DataStatusComplete || d == DataStatusFetchFailed
}

// Analysis is the structured extraction produced from the conversation.
type Analysis struct {
	Summary           string         `json:"summary,omitempty"`
	StructuredData    map[string]any `json:"structured_data,omitempty"`
	SuccessEvaluation string         `json:"success_evaluation,omitempty"`
}

// CallResult is the unit of truth for one call attempt.
//
// CallID == "" is a sentinel for "never actually started": it separates a
// pre-flight or creation failure from a call that ran and then failed.
type CallResult struct {
	Status CallStatus `json:"status"`
	CallID string     `json:"call_id"`

	ExecutionMethod ExecutionMethod `json:"execution_method"`

	// DurationMinutes is the backend-reported call length.
	DurationMinutes float64  `json:"duration_minutes,omitempty"`
	EndedReason     string   `json:"ended_reason,omitempty"`
	Transcript      string   `json:"transcript,omitempty"`
	Analysis        Analysis `json:"analysis,omitempty"`
	CostUSD         float64  `json:"cost_usd,omitempty"`

	Error string `json:"error,omitempty"`

	// Enrichment provenance. DataStatus is empty for poll-path results.
	DataStatus        DataStatus `json:"data_status,omitempty"`
	FetchAttempts     int        `json:"fetch_attempts,omitempty"`
	FetchError        string     `json:"fetch_error,omitempty"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
	FetchedAt         *time.Time `json:"fetched_at,omitempty"`

	// Snapshots of the originating request.
	ProviderName string      `json:"provider_name,omitempty"`
	Request      CallRequest `json:"request,omitempty"`
}

// Complete reports whether the result needs no further enrichment.
func (r CallResult) Complete() bool {
	return r.DataStatus == "" || r.DataStatus == DataStatusComplete
}

// PopulatedStructuredFields counts non-empty structured data values. The
// enrichment layer uses it to decide which side of a merge is richer.
func PopulatedStructuredFields(a Analysis) int {
	n := 0
	for _, v := range a.StructuredData {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t != "" {
				n++
			}
		default:
			n++
		}
	}
	return n
}

// MergeResults folds an incoming result into a prior one, preferring the
// more complete data on each field. The merge is monotonic: it never
// replaces a transcript with a shorter one and never drops a populated
// structured field.
func MergeResults(prior, incoming CallResult) CallResult {
	out := prior

	if len(incoming.Transcript) > len(prior.Transcript) {
		out.Transcript = incoming.Transcript
	}
	if incoming.Analysis.Summary != "" && (prior.Analysis.Summary == "" || len(incoming.Analysis.Summary) > len(prior.Analysis.Summary)) {
		out.Analysis.Summary = incoming.Analysis.Summary
	}
	if incoming.Analysis.SuccessEvaluation != "" {
		out.Analysis.SuccessEvaluation = incoming.Analysis.SuccessEvaluation
	}
	if len(incoming.Analysis.StructuredData) > 0 {
		merged := make(map[string]any, len(prior.Analysis.StructuredData)+len(incoming.Analysis.StructuredData))
		for k, v := range prior.Analysis.StructuredData {
			merged[k] = v
		}
		for k, v := range incoming.Analysis.StructuredData {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			merged[k] = v
		}
		out.Analysis.StructuredData = merged
	}

	if incoming.DurationMinutes > prior.DurationMinutes {
		out.DurationMinutes = incoming.DurationMinutes
	}
	if incoming.CostUSD > prior.CostUSD {
		out.CostUSD = incoming.CostUSD
	}
	if incoming.EndedReason != "" {
		out.EndedReason = incoming.EndedReason
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if out.CallID == "" {
		out.CallID = incoming.CallID
	}
	return out
}

// BatchOptions are the caller-tunable knobs for one batch run.
type BatchOptions struct {
	// MaxConcurrent bounds in-flight calls per window. Defaults to 5.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// WindowDelay is the pause between windows. Defaults to 500ms.
	WindowDelay time.Duration `json:"-"`
}

// PreflightError records a target that was never submitted to an executor.
// It is deliberately distinct from a call-level error status: no call
// attempt, successful or not, ever occurred.
type PreflightError struct {
	ProviderName string `json:"provider_name"`
	PhoneNumber  string `json:"phone_number"`
	Reason       string `json:"reason"`
}

// BatchStats aggregates outcomes over a full batch.
type BatchStats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
	NoAnswer  int `json:"no_answer"`
	Voicemail int `json:"voicemail"`

	TotalDurationMinutes float64 `json:"total_duration_minutes"`
	MeanDurationMinutes  float64 `json:"mean_duration_minutes"`
}

// BatchResult is the response-scoped aggregate for one batch run.
//
// Success means at least one call actually ran; it says nothing about how
// many calls had favorable outcomes.
type BatchResult struct {
	Success         bool             `json:"success"`
	ExecutionMethod ExecutionMethod  `json:"execution_method"`
	Results         []CallResult     `json:"results"`
	PreflightErrors []PreflightError `json:"preflight_errors,omitempty"`
	Stats           BatchStats       `json:"stats"`
	WallClock       time.Duration    `json:"-"`
	WallClockMS     int64            `json:"wall_clock_ms"`
}
