// SPDX-License-Identifier: MIT

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voicelane/dialcore/internal/log"
)

// RedisBus fans call events out over Redis pub/sub so the webhook receiver
// and the dispatcher owning the call can live in different processes.
type RedisBus struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisBus creates a bus on top of an existing Redis client.
func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb, logger: log.WithComponent("signal")}
}

func channelFor(callID string) string {
	return "call-events:" + callID
}

// Publish marshals the event and publishes it on the call's channel.
func (b *RedisBus) Publish(ctx context.Context, ev CallEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal call event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(ev.CallID), payload).Err(); err != nil {
		return fmt.Errorf("publish call event: %w", err)
	}
	return nil
}

type redisSub struct {
	ps     *redis.PubSub
	ch     chan CallEvent
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *redisSub) C() <-chan CallEvent { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// Subscribe opens a pub/sub subscription for one call and pumps decoded
// events until Close or context cancellation.
func (b *RedisBus) Subscribe(ctx context.Context, callID string) (Subscriber, error) {
	ps := b.rdb.Subscribe(ctx, channelFor(callID))
	// Force the subscription to be established before returning so a
	// publish racing this call is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe call events: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		ps:     ps,
		ch:     make(chan CallEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		msgs := ps.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev CallEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn().Err(err).
						Str(log.FieldCallID, callID).
						Msg("dropping malformed call event")
					continue
				}
				select {
				case sub.ch <- ev:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}
