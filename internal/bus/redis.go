// Package bus implements the EventBus: a Redis-backed at-most-once fan-out
// for room topics, and a NATS JetStream-backed durable job stream (jobstream.go).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
)

// RoomEvent is the envelope carried on a room:<RoomId> topic.
type RoomEvent struct {
	RoomID  string          `json:"roomId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SenderID string         `json:"senderId"`
}

// RoomBus publishes and subscribes to per-room topics over Redis pub/sub,
// degrading gracefully behind a circuit breaker: a down Redis delays fan-out,
// it never blocks the caller's already-committed persistence.
type RoomBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRoomBus dials Redis and verifies connectivity before returning.
func NewRoomBus(addr, password string) (*RoomBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "room_bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("room_bus").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to redis room bus", zap.String("addr", addr))
	return &RoomBus{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

// Publish delivers an at-most-once event to every node subscribed to the
// room's topic. While the circuit breaker is open the event is dropped and
// nil is returned; any other publish failure is returned to the caller, whose
// persistence has already committed (§4.1).
func (b *RoomBus) Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error {
	if b == nil || b.client == nil {
		return nil
	}

	start := time.Now()
	_, err := b.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		envelope := RoomEvent{RoomID: roomID, Type: eventType, Payload: inner, SenderID: senderID}
		data, err := json.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, b.client.Publish(ctx, roomChannel(roomID), data).Err()
	})
	metrics.EventBusOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("room_bus").Inc()
			metrics.EventBusOperationsTotal.WithLabelValues("publish", "degraded").Inc()
			logging.Warn(ctx, "room bus circuit open, dropping publish", zap.String("room_id", roomID), zap.String("type", eventType))
			return nil
		}
		metrics.EventBusOperationsTotal.WithLabelValues("publish", "error").Inc()
		logging.Error(ctx, "room bus publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	metrics.EventBusOperationsTotal.WithLabelValues("publish", "success").Inc()
	return nil
}

// Subscribe starts a background goroutine forwarding every event received on
// the room's topic to handler, until ctx is cancelled.
func (b *RoomBus) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(RoomEvent)) {
	if b == nil || b.client == nil {
		return
	}

	channel := roomChannel(roomID)
	pubsub := b.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to room bus channel", zap.String("channel", channel))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "room bus subscription channel closed", zap.String("channel", channel))
					return
				}
				var event RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logging.Error(ctx, "failed to unmarshal room bus message", zap.Error(err))
					continue
				}
				handler(event)
			}
		}
	}()
}

// Ping verifies Redis connectivity; used by the readiness probe.
func (b *RoomBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("room_bus").Inc()
	}
	return err
}

// Close releases the underlying Redis connection.
func (b *RoomBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
