// SPDX-License-Identifier: MIT

// Package retry categorises terminal call outcomes, computes full-jitter
// backoff and enqueues delayed redial jobs without double-dialing.
package retry

import (
	"math/rand"
	"time"

	"github.com/voicelane/dialcore/internal/model"
)

// rule is the retry budget for one failure kind.
type rule struct {
	maxAttempts int
	base        time.Duration
	cap         time.Duration // 0 = uncapped
	multiplier  int           // backoff factor per attempt
}

// rules is the failure taxonomy. Kinds missing here are non-retryable.
var rules = map[model.CallOutcome]rule{
	model.OutcomeNoAnswer:     {maxAttempts: 3, base: 5 * time.Minute, multiplier: 2},
	model.OutcomeBusy:         {maxAttempts: 3, base: 2 * time.Minute, multiplier: 2},
	model.OutcomeVoicemail:    {maxAttempts: 2, base: 30 * time.Minute, multiplier: 2},
	model.OutcomeNetworkError: {maxAttempts: 5, base: 10 * time.Second, cap: 10 * time.Minute, multiplier: 2},
	model.OutcomeCallRejected: {maxAttempts: 2, base: 15 * time.Minute, multiplier: 1},
}

// Retryable reports whether the outcome gets another attempt under the
// campaign policy, given the number of attempts already made for this kind.
func Retryable(policy model.RetryPolicy, kind model.CallOutcome, attempt int) bool {
	r, ok := rules[kind]
	if !ok {
		return false
	}
	if kind == model.OutcomeVoicemail && policy.ExcludeVoicemail {
		return false
	}
	max := r.maxAttempts
	if ov, found := policy.MaxAttemptOverride[string(kind)]; found && ov >= 0 {
		max = ov
	}
	return attempt < max
}

// Delay computes the full-jitter backoff for the given attempt (0-based):
// random(0, min(cap, base * multiplier^attempt)).
func Delay(kind model.CallOutcome, attempt int, rng *rand.Rand) time.Duration {
	r, ok := rules[kind]
	if !ok {
		return 0
	}
	upper := r.base
	for i := 0; i < attempt && r.multiplier > 1; i++ {
		upper *= time.Duration(r.multiplier)
		if r.cap > 0 && upper >= r.cap {
			upper = r.cap
			break
		}
	}
	if r.cap > 0 && upper > r.cap {
		upper = r.cap
	}
	if upper <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(upper)))
}

// ClampOffPeak defers t past the campaign's off-peak window when the policy
// requests it. The window may wrap midnight (e.g. 21 to 8).
func ClampOffPeak(policy model.RetryPolicy, t time.Time) time.Time {
	if !policy.RespectOffPeakHours {
		return t
	}
	start, end := policy.OffPeakStartHour, policy.OffPeakEndHour
	if start == end {
		return t
	}
	h := t.Hour()
	inWindow := false
	if start < end {
		inWindow = h >= start && h < end
	} else {
		inWindow = h >= start || h < end
	}
	if !inWindow {
		return t
	}
	next := time.Date(t.Year(), t.Month(), t.Day(), end, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
