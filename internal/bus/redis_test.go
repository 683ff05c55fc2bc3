package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*RoomBus, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := NewRoomBus(mr.Addr(), "")
	require.NoError(t, err)

	return b, mr
}

func TestNewRoomBus(t *testing.T) {
	b, mr := newTestBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	err := b.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublish(t *testing.T) {
	b, mr := newTestBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := b.client.Subscribe(ctx, "room:"+roomID)
	defer func() { _ = sub.Close() }()

	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := b.Publish(ctx, roomID, "vote.recorded.v1", payload, "participant-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope RoomEvent
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "vote.recorded.v1", envelope.Type)
	assert.Equal(t, "participant-1", envelope.SenderID)
}

func TestSubscribe(t *testing.T) {
	b, mr := newTestBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan RoomEvent, 1)
	handler := func(e RoomEvent) {
		received <- e
	}

	b.Subscribe(ctx, roomID, wg, handler)

	time.Sleep(50 * time.Millisecond)

	event := RoomEvent{
		RoomID:   roomID,
		Type:     "round.revealed.v1",
		SenderID: "participant-2",
	}
	data, _ := json.Marshal(event)
	b.client.Publish(ctx, "room:"+roomID, data)

	select {
	case e := <-received:
		assert.Equal(t, "round.revealed.v1", e.Type)
		assert.Equal(t, "participant-2", e.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestRoomBusFailure_Graceful(t *testing.T) {
	b, mr := newTestBus(t)

	mr.Close()

	ctx := context.Background()

	err := b.Ping(ctx)
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	b, mr := newTestBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()

	mr.Close()

	for i := 0; i < 10; i++ {
		_ = b.Publish(ctx, "room-1", "vote.recorded.v1", map[string]string{}, "participant-1")
	}

	// Circuit breaker should be open now: graceful degradation means no error
	// reaches the caller, since persistence has already committed by this point.
	err := b.Publish(ctx, "room-1", "vote.recorded.v1", map[string]string{}, "participant-1")
	assert.NoError(t, err)
}

func TestNilRoomBus(t *testing.T) {
	var b *RoomBus

	assert.NoError(t, b.Publish(context.Background(), "room-1", "vote.recorded.v1", map[string]string{}, "p1"))
	assert.NoError(t, b.Ping(context.Background()))
	assert.NoError(t, b.Close())
}
