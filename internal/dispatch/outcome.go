// SPDX-License-Identifier: MIT

package dispatch

import (
	"github.com/voicelane/dialcore/internal/carrier"
	"github.com/voicelane/dialcore/internal/model"
)

// outcomeFromReason maps a carrier hangup/failure reason onto the retry
// taxonomy. Unknown reasons are treated as network errors (retryable, counts
// toward the breaker) rather than silently terminal.
func outcomeFromReason(reason string) model.CallOutcome {
	switch reason {
	case "completed", "user-ended", "agent-ended":
		return model.OutcomeCompleted
	case "no_answer", "no-answer", "canceled":
		return model.OutcomeNoAnswer
	case "busy":
		return model.OutcomeBusy
	case "voicemail", "machine":
		return model.OutcomeVoicemail
	case "call_rejected", "rejected":
		return model.OutcomeCallRejected
	case "invalid_number":
		return model.OutcomeInvalidNumber
	case "blocked", "compliance_block":
		return model.OutcomeBlocked
	default:
		return model.OutcomeNetworkError
	}
}

// outcomeFromDialError maps a synchronous dial failure onto the taxonomy.
func outcomeFromDialError(err error) model.CallOutcome {
	switch carrier.Classify(err) {
	case carrier.ClassPermanent:
		return model.OutcomeInvalidNumber
	case carrier.ClassAuth:
		return model.OutcomeBlocked
	default:
		// Retryable and rate-limited provider trouble.
		return model.OutcomeNetworkError
	}
}

// contactStatusFor maps a terminal outcome (no retry pending) onto the
// contact's final status.
func contactStatusFor(outcome model.CallOutcome) model.ContactStatus {
	switch outcome {
	case model.OutcomeCompleted:
		return model.ContactCompleted
	case model.OutcomeVoicemail:
		return model.ContactVoicemail
	case model.OutcomeDedup:
		return model.ContactSkipped
	default:
		return model.ContactFailed
	}
}
