package voice

import (
	"encoding/json"
	"errors"
	"time"

	"callbridge/internal/calls"
)

// Webhook event types the backend delivers to the registered server URL.
const (
	EventStatusUpdate    = "status-update"
	EventEndOfCallReport = "end-of-call-report"
)

// WebhookEvent is the push payload. The backend wraps everything in a
// "message" envelope; only the fields this subsystem reconciles are kept.
type WebhookEvent struct {
	Message struct {
		Type string `json:"type"`
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		Status      string `json:"status"`
		EndedReason string `json:"endedReason"`
		Transcript  string `json:"transcript"`
		Summary     string `json:"summary"`
		Analysis    struct {
			Summary           string         `json:"summary"`
			StructuredData    map[string]any `json:"structuredData"`
			SuccessEvaluation string         `json:"successEvaluation"`
		} `json:"analysis"`
		Cost            float64 `json:"cost"`
		DurationSeconds float64 `json:"durationSeconds"`
	} `json:"message"`
}

var ErrInvalidWebhook = errors.New("voice: invalid webhook payload")

func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, errors.Join(ErrInvalidWebhook, err)
	}
	if ev.Message.Type == "" || ev.Message.Call.ID == "" {
		return WebhookEvent{}, ErrInvalidWebhook
	}
	return ev, nil
}

// CallID returns the backend call identifier the event refers to.
func (ev WebhookEvent) CallID() string { return ev.Message.Call.ID }

// IsEndOfCall reports whether the event is the final report for the call.
// Status updates are observed but carry no result data worth caching.
func (ev WebhookEvent) IsEndOfCall() bool { return ev.Message.Type == EventEndOfCallReport }

// ToPartialResult converts an end-of-call report into the partial result
// the cache holds until enrichment upgrades it. The webhook payload is
// treated as incomplete on principle: the authoritative record comes from
// the follow-up REST readback.
func (ev WebhookEvent) ToPartialResult(receivedAt time.Time) calls.CallResult {
	m := ev.Message

	summary := m.Analysis.Summary
	if summary == "" {
		summary = m.Summary
	}

	return calls.CallResult{
		Status:          calls.ClassifyEndedReason(m.EndedReason, m.Status),
		CallID:          m.Call.ID,
		ExecutionMethod: calls.ExecutionDirect,
		DurationMinutes: m.DurationSeconds / 60,
		EndedReason:     m.EndedReason,
		Transcript:      m.Transcript,
		Analysis: calls.Analysis{
			Summary:           summary,
			StructuredData:    m.Analysis.StructuredData,
			SuccessEvaluation: m.Analysis.SuccessEvaluation,
		},
		CostUSD:           m.Cost,
		DataStatus:        calls.DataStatusPartial,
		WebhookReceivedAt: &receivedAt,
	}
}
