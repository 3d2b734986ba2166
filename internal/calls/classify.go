package calls

import "strings"

// terminalBackendStatus is the only backend call status from which no
// further transition occurs.
const terminalBackendStatus = "ended"

// nonTerminalStatuses are backend states the poll loop keeps waiting on.
var nonTerminalStatuses = map[string]struct{}{
	"queued":      {},
	"ringing":     {},
	"in-progress": {},
}

// IsTerminalBackendStatus reports whether a backend call status ends the
// poll loop. Anything outside the known non-terminal set is terminal.
func IsTerminalBackendStatus(status string) bool {
	_, waiting := nonTerminalStatuses[strings.ToLower(strings.TrimSpace(status))]
	return !waiting
}

// completedReasons is the known ended-reason vocabulary that maps to a
// completed conversation. The backend does not publish a formal list, so the
// table is maintained from observed values; anything unknown falls through
// to the error default rather than being silently classified as completed.
var completedReasons = map[string]struct{}{
	"customer-ended-call":            {},
	"assistant-ended-call":           {},
	"assistant-said-end-call-phrase": {},
	"exceeded-max-duration":          {},
	"hangup":                         {},
}

// ClassifyEndedReason maps a backend ended reason plus the final transport
// status onto the domain CallStatus.
//
// Mapping, in priority order:
//
//	reason contains "no-answer" or "no_answer"  -> no_answer
//	reason contains "busy"                      -> no_answer
//	reason contains "voicemail"                 -> voicemail
//	reason in completedReasons                  -> completed
//	empty reason with status "ended"            -> completed
//	anything else                               -> error
//
// The error default is intentional: vocabulary drift upstream should fail
// loudly as an error outcome, not quietly count as a completed call.
func ClassifyEndedReason(endedReason, backendStatus string) CallStatus {
	reason := strings.ToLower(strings.TrimSpace(endedReason))

	switch {
	case strings.Contains(reason, "no-answer"), strings.Contains(reason, "no_answer"):
		return CallStatusNoAnswer
	case strings.Contains(reason, "busy"):
		return CallStatusNoAnswer
	case strings.Contains(reason, "voicemail"):
		return CallStatusVoicemail
	}

	if _, ok := completedReasons[reason]; ok {
		return CallStatusCompleted
	}
	if reason == "" && strings.EqualFold(strings.TrimSpace(backendStatus), terminalBackendStatus) {
		return CallStatusCompleted
	}
	return CallStatusError
}
