// SPDX-License-Identifier: MIT

// Package admission wraps the two-phase reservation protocol: batch
// reservation with fairness, promotion-gate sequencing and the slot-available
// wakeup that promoters sleep on under backpressure.
package admission

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/config"
	"github.com/voicelane/dialcore/internal/lease"
	"github.com/voicelane/dialcore/internal/log"
	"github.com/voicelane/dialcore/internal/metrics"
)

// Controller issues promotion batches for one campaign.
type Controller struct {
	leases     *lease.Store
	campaignID string
	maxBatch   int
	reserveTTL time.Duration
	gateTTL    time.Duration
	highShare  int
	logger     zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

// NewController creates an admission controller for one campaign.
func NewController(leases *lease.Store, campaignID string, cfg *config.Config) *Controller {
	return &Controller{
		leases:     leases,
		campaignID: campaignID,
		maxBatch:   cfg.MaxBatch,
		reserveTTL: cfg.ReservationTTL,
		gateTTL:    cfg.GateTTL,
		highShare:  cfg.FairnessHighShare,
		logger:     log.WithComponent("admission").With().Str(log.FieldCampaignID, campaignID).Logger(),
	}
}

// Reserve runs one reserve_and_promote round. An empty batch means no
// capacity or empty waitlists; the caller should wait on WaitSlot. A non-empty
// batch must be converted to pre-dial leases before the gate TTL elapses.
func (c *Controller) Reserve(ctx context.Context) (*lease.Batch, error) {
	batch, err := c.leases.ReserveAndPromote(ctx, c.campaignID, c.maxBatch, c.reserveTTL, c.gateTTL, time.Now(), c.highShare)
	if err != nil {
		metrics.PromotionsTotal.WithLabelValues(c.campaignID, "error").Inc()
		return nil, fmt.Errorf("admission: %w", err)
	}

	if len(batch.Grants) == 0 {
		metrics.PromotionsTotal.WithLabelValues(c.campaignID, "empty").Inc()
		return batch, nil
	}

	// Gate sequence must be strictly increasing per observer; a regression
	// means a competing promoter won and this batch view is stale.
	c.mu.Lock()
	stale := batch.Seq <= c.lastSeq
	if !stale {
		c.lastSeq = batch.Seq
	}
	c.mu.Unlock()
	if stale {
		c.logger.Warn().
			Int64(log.FieldSeq, batch.Seq).
			Msg("non-monotonic gate sequence observed, retrying admission")
		return c.Reserve(ctx)
	}

	metrics.PromotionsTotal.WithLabelValues(c.campaignID, "granted").Inc()
	metrics.PromotionBatchSize.WithLabelValues(c.campaignID).Observe(float64(len(batch.Grants)))
	c.logger.Debug().
		Int("grants", len(batch.Grants)).
		Int64(log.FieldSeq, batch.Seq).
		Msg("promotion batch reserved")
	return batch, nil
}

// Waiter sleeps promoters between empty admission rounds: wake on the
// slot-available channel or a full-jitter backoff timer, whichever first.
type Waiter struct {
	leases     *lease.Store
	campaignID string

	mu      sync.Mutex
	rng     *rand.Rand
	attempt int
	base    time.Duration
	cap     time.Duration
}

// NewWaiter creates a slot waiter with the given backoff bounds.
func NewWaiter(leases *lease.Store, campaignID string, base, cap time.Duration) *Waiter {
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return &Waiter{
		leases:     leases,
		campaignID: campaignID,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		base:       base,
		cap:        cap,
	}
}

// next computes the full-jitter sleep for the current attempt. The first
// attempt sleeps 0-2 s to spread thundering herds.
func (w *Waiter) next() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	upper := w.base
	for i := 0; i < w.attempt; i++ {
		upper *= 2
		if upper >= w.cap {
			upper = w.cap
			break
		}
	}
	w.attempt++
	return time.Duration(w.rng.Int63n(int64(upper)))
}

// Reset clears the backoff after a productive round.
func (w *Waiter) Reset() {
	w.mu.Lock()
	w.attempt = 0
	w.mu.Unlock()
}

// Wait blocks until a slot-available publish, the backoff timer, or context
// cancellation. Returns ctx.Err only on cancellation.
func (w *Waiter) Wait(ctx context.Context) error {
	sub := w.leases.SubscribeSlotAvailable(ctx, w.campaignID)
	defer func() { _ = sub.Close() }()

	timer := time.NewTimer(w.next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-sub.Channel():
		return nil
	}
}
