// SPDX-License-Identifier: MIT

// Package carrier abstracts the outbound telephony provider. The dispatcher
// only sees Dial/Hangup/Status plus an error classification; provider
// specifics (auth, payload shape, webhook dialect) stay behind the interface.
package carrier

import (
	"context"
	"errors"
	"fmt"
)

// DialSpec describes one outbound call attempt.
type DialSpec struct {
	CampaignID    string `json:"campaignId"`
	ContactID     string `json:"contactId"`
	CallID        string `json:"callId"`
	To            string `json:"to"`
	From          string `json:"from"`
	CallerIDName  string `json:"callerIdName,omitempty"`
	AppRef        string `json:"appRef,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// DialResult is the provider's synchronous acceptance of a dial.
type DialResult struct {
	CarrierID string `json:"carrierId"`
	Status    string `json:"status"`
}

// Client is the provider-facing surface.
type Client interface {
	// Dial starts an outbound call. Progress arrives asynchronously via
	// webhooks on the signal bus; the result only confirms acceptance.
	Dial(ctx context.Context, spec DialSpec) (DialResult, error)
	// Hangup tears down a call leg.
	Hangup(ctx context.Context, carrierID string) error
	// Status fetches the provider-side call state.
	Status(ctx context.Context, carrierID string) (string, error)
}

// Class buckets provider errors for the retry and breaker logic.
type Class string

const (
	// ClassRetryable: transient provider or network trouble; retry with
	// backoff and count toward the circuit breaker.
	ClassRetryable Class = "retryable"
	// ClassRateLimited: the provider throttled us; retry later, count
	// toward the breaker.
	ClassRateLimited Class = "rate_limited"
	// ClassAuth: credentials rejected; no retry, operator attention.
	ClassAuth Class = "auth"
	// ClassPermanent: the request itself is bad (invalid number, blocked
	// destination); never retried.
	ClassPermanent Class = "permanent"
)

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("carrier: status %d: %s", e.StatusCode, e.Body)
}

// Classify buckets an error from Dial/Hangup/Status. Transport errors
// (timeouts, refused connections) are retryable.
func Classify(err error) Class {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ClassRetryable
	}
	switch {
	case apiErr.StatusCode == 429:
		return ClassRateLimited
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return ClassAuth
	case apiErr.StatusCode >= 500:
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

// CountsTowardBreaker reports whether an error class signals provider
// trouble rather than a bad request.
func CountsTowardBreaker(class Class) bool {
	return class == ClassRetryable || class == ClassRateLimited
}
