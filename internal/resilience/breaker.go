// SPDX-License-Identifier: MIT

// Package resilience implements the per-campaign carrier circuit breaker. The
// breaker state lives in Redis so that one worker tripping it blocks dialing
// for the campaign on every worker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned by Allow when dialing is blocked.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is the shared carrier breaker for one campaign.
//
// Encoding in Redis: the cb key (TTL = cooldown) is the open flag. The
// failures counter survives the open flag by window, so its presence at or
// above the threshold after cb expiry marks half-open. The probe key admits
// exactly one half-open dial at a time.
type Breaker struct {
	rdb        redis.UniversalClient
	campaignID string
	threshold  int
	window     time.Duration
	cooldown   time.Duration
	probeTTL   time.Duration
	logger     zerolog.Logger
}

// NewBreaker creates a breaker for one campaign. threshold failures within
// window open it for cooldown; afterwards a single probe dial decides.
func NewBreaker(rdb redis.UniversalClient, campaignID string, threshold int, window, cooldown, probeTTL time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if probeTTL <= 0 {
		probeTTL = 30 * time.Second
	}
	b := &Breaker{
		rdb:        rdb,
		campaignID: campaignID,
		threshold:  threshold,
		window:     window,
		cooldown:   cooldown,
		probeTTL:   probeTTL,
		logger:     log.WithComponent("breaker").With().Str(log.FieldCampaignID, campaignID).Logger(),
	}
	metrics.SetBreakerState(campaignID, string(StateClosed))
	return b
}

// allowScript decides whether a dial may proceed.
//
// Keys:
//
//	KEYS[1] - cb (open flag)
//	KEYS[2] - cb:failures
//	KEYS[3] - cb:probe
//
// Args:
//
//	ARGV[1] - failure threshold
//	ARGV[2] - probe TTL seconds
//
// Returns 0 blocked, 1 allowed (closed), 2 allowed as half-open probe.
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local f = tonumber(redis.call('GET', KEYS[2]) or '0')
if f < tonumber(ARGV[1]) then
  return 1
end
if redis.call('SET', KEYS[3], '1', 'NX', 'EX', ARGV[2]) then
  return 2
end
return 0
`)

// failureScript records a dial failure and opens the breaker when warranted.
//
// Keys:
//
//	KEYS[1] - cb (open flag)
//	KEYS[2] - cb:failures
//	KEYS[3] - cb:probe
//
// Args:
//
//	ARGV[1] - failure threshold
//	ARGV[2] - window seconds
//	ARGV[3] - cooldown seconds
//	ARGV[4] - 1 when this failure was a half-open probe
//
// Returns 1 when the breaker opened, 0 otherwise.
var failureScript = redis.NewScript(`
if ARGV[4] == '1' then
  redis.call('DEL', KEYS[3])
  redis.call('SET', KEYS[2], ARGV[1], 'EX', tonumber(ARGV[2]) + tonumber(ARGV[3]))
  redis.call('SET', KEYS[1], 'open', 'EX', ARGV[3])
  return 1
end
local f = redis.call('INCR', KEYS[2])
if f == 1 then
  redis.call('EXPIRE', KEYS[2], ARGV[2])
end
if f >= tonumber(ARGV[1]) and redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]) + tonumber(ARGV[3]))
  redis.call('SET', KEYS[1], 'open', 'EX', ARGV[3])
  return 1
end
return 0
`)

func (b *Breaker) keys() []string {
	return []string{
		lease.KeyBreaker(b.campaignID),
		lease.KeyBreakerFailures(b.campaignID),
		lease.KeyBreakerProbe(b.campaignID),
	}
}

// Allow reports whether a dial may proceed. probe is true when the caller won
// the half-open probe slot and must report the outcome via OnProbeSuccess or
// OnProbeFailure.
func (b *Breaker) Allow(ctx context.Context) (probe bool, err error) {
	n, err := allowScript.Run(ctx, b.rdb, b.keys(), b.threshold, int(b.probeTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("breaker allow: %w", err)
	}
	switch n {
	case 1:
		return false, nil
	case 2:
		metrics.SetBreakerState(b.campaignID, string(StateHalfOpen))
		b.logger.Info().Msg("circuit breaker half-open probe")
		return true, nil
	default:
		return false, ErrCircuitOpen
	}
}

// OnSuccess records a successful dial, closing the breaker state.
func (b *Breaker) OnSuccess(ctx context.Context) error {
	if err := b.rdb.Del(ctx, b.keys()...).Err(); err != nil {
		return fmt.Errorf("breaker success: %w", err)
	}
	metrics.SetBreakerState(b.campaignID, string(StateClosed))
	return nil
}

// OnProbeSuccess closes the breaker after a successful half-open probe.
func (b *Breaker) OnProbeSuccess(ctx context.Context) error {
	err := b.OnSuccess(ctx)
	if err == nil {
		b.logger.Info().Msg("circuit breaker closed after probe")
	}
	return err
}

// OnFailure records a failed dial; the breaker opens at the threshold.
func (b *Breaker) OnFailure(ctx context.Context) error {
	return b.recordFailure(ctx, false)
}

// OnProbeFailure re-opens the breaker after a failed half-open probe.
func (b *Breaker) OnProbeFailure(ctx context.Context) error {
	return b.recordFailure(ctx, true)
}

func (b *Breaker) recordFailure(ctx context.Context, probe bool) error {
	probeArg := "0"
	if probe {
		probeArg = "1"
	}
	opened, err := failureScript.Run(ctx, b.rdb, b.keys(),
		b.threshold, int(b.window.Seconds()), int(b.cooldown.Seconds()), probeArg,
	).Int()
	if err != nil {
		return fmt.Errorf("breaker failure: %w", err)
	}
	if opened == 1 {
		metrics.SetBreakerState(b.campaignID, string(StateOpen))
		b.logger.Warn().
			Int("threshold", b.threshold).
			Dur("cooldown", b.cooldown).
			Msg("circuit breaker opened")
	}
	return nil
}

// State samples the current breaker state.
func (b *Breaker) State(ctx context.Context) (State, error) {
	pipe := b.rdb.Pipeline()
	openCmd := pipe.Exists(ctx, lease.KeyBreaker(b.campaignID))
	failCmd := pipe.Get(ctx, lease.KeyBreakerFailures(b.campaignID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return StateClosed, err
	}
	if openCmd.Val() > 0 {
		return StateOpen, nil
	}
	if f, err := failCmd.Int(); err == nil && f >= b.threshold {
		return StateHalfOpen, nil
	}
	return StateClosed, nil
}
