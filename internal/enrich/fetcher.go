// Package enrich upgrades webhook-delivered partial call results with the
// authoritative record pulled from the backend REST API.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"callbridge/internal/calls"
	"callbridge/internal/voice"
)

// MinTranscriptLength is the completeness floor: a terminal record with a
// shorter transcript is still considered partial.
const MinTranscriptLength = 50

// CallReader is the backend read used for enrichment.
type CallReader interface {
	GetCall(ctx context.Context, callID string) (voice.CallRecord, error)
}

// Fetcher pulls the final call record and decides whether it is complete
// enough to end enrichment.
type Fetcher struct {
	reader        CallReader
	minTranscript int
	log           *slog.Logger
}

func NewFetcher(reader CallReader, minTranscript int, log *slog.Logger) *Fetcher {
	if minTranscript <= 0 {
		minTranscript = MinTranscriptLength
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{reader: reader, minTranscript: minTranscript, log: log}
}

var ErrNoReader = errors.New("enrich: call reader not configured")

// Fetch reads the authoritative record for a call.
func (f *Fetcher) Fetch(ctx context.Context, callID string) (voice.CallRecord, error) {
	if f.reader == nil {
		return voice.CallRecord{}, ErrNoReader
	}
	return f.reader.GetCall(ctx, callID)
}

// IsComplete reports whether a record is the final, fully enriched version:
// the call has ended, the transcript clears the minimum floor, and at least
// one of summary or structured data is populated.
func (f *Fetcher) IsComplete(rec voice.CallRecord) bool {
	if !strings.EqualFold(strings.TrimSpace(rec.Status), "ended") {
		return false
	}
	if len(rec.Transcript) <= f.minTranscript {
		return false
	}
	summary := rec.Analysis.Summary
	if summary == "" {
		summary = rec.Summary
	}
	if summary == "" && calls.PopulatedStructuredFields(calls.Analysis{StructuredData: rec.Analysis.StructuredData}) == 0 {
		return false
	}
	return true
}

// Merge folds the remote record into a cached result under the monotonic
// rule: longer transcript wins, structured fields merge key-by-key with
// present values overriding.
func (f *Fetcher) Merge(cached calls.CallResult, rec voice.CallRecord) calls.CallResult {
	return calls.MergeResults(cached, f.Incoming(rec))
}

// Incoming normalizes a remote record into the merge input shape.
func (f *Fetcher) Incoming(rec voice.CallRecord) calls.CallResult {
	incoming := calls.CallResult{
		Status:          calls.ClassifyEndedReason(rec.EndedReason, rec.Status),
		CallID:          rec.ID,
		DurationMinutes: rec.DurationMinutes(),
		EndedReason:     rec.EndedReason,
		Transcript:      rec.Transcript,
		Analysis: calls.Analysis{
			Summary:           rec.Analysis.Summary,
			StructuredData:    rec.Analysis.StructuredData,
			SuccessEvaluation: rec.Analysis.SuccessEvaluation,
		},
		CostUSD: rec.Cost,
	}
	if incoming.Analysis.Summary == "" {
		incoming.Analysis.Summary = rec.Summary
	}
	return incoming
}
