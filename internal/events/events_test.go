package events

import (
	"context"
	"encoding/json"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/breaker"
	"DeFi-Sentry/internal/config"
	"DeFi-Sentry/internal/engine"
	xerrors "DeFi-Sentry/internal/errors"
)

func report(tick uint64, allowed bool) engine.TickReport {
	return engine.TickReport{
		Tick:      tick,
		StartedAt: time.Unix(1_700_000_000, 0),
		Allowed:   allowed,
		FeeBid:    big.NewInt(1_000_000_000),
		Breaker:   breaker.Status{ContinueRunning: true},
	}
}

func types(events []Event) []Type {
	out := make([]Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestEmitterBreakerTransitions(t *testing.T) {
	pub := NewMemoryPublisher(0)
	emitter := NewEmitter(pub)
	ctx := context.Background()

	emitter.ObserveTick(ctx, report(1, true))
	emitter.ObserveTick(ctx, report(2, false))
	emitter.ObserveTick(ctx, report(3, false))
	emitter.ObserveTick(ctx, report(4, true))

	assert.Equal(t, []Type{
		TypeTick,
		TypeTick, TypeBreakerOpen,
		TypeTick,
		TypeTick, TypeBreakerClosed,
	}, types(pub.Recent()))
}

func TestEmitterHaltedOnce(t *testing.T) {
	pub := NewMemoryPublisher(0)
	emitter := NewEmitter(pub)

	halted := report(5, false)
	halted.Halted = true
	halted.Breaker = breaker.Status{ContinueRunning: false, HaltReason: "too many failures"}
	emitter.ObserveTick(context.Background(), halted)
	emitter.ObserveTick(context.Background(), halted)

	recent := pub.Recent()
	assert.Equal(t, []Type{TypeTick, TypeHalted, TypeTick}, types(recent))
	assert.Equal(t, "too many failures", recent[1].Data["reason"])
}

func TestEventsCarryUUIDs(t *testing.T) {
	pub := NewMemoryPublisher(0)
	NewEmitter(pub).ObserveTick(context.Background(), report(1, true))

	recent := pub.Recent()
	require.Len(t, recent, 1)
	_, err := uuid.Parse(recent[0].ID)
	assert.NoError(t, err)
	assert.Equal(t, "1000000000", recent[0].Data["fee_bid_wei"])
}

func TestMemoryPublisherSubscribeAndCapacity(t *testing.T) {
	pub := NewMemoryPublisher(2)
	sub := pub.Subscribe(4)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, pub.Publish(context.Background(), New(TypeTick, i, time.Now(), nil)))
	}
	recent := pub.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(2), recent[0].Tick)

	first := <-sub
	assert.Equal(t, uint64(1), first.Tick)

	require.NoError(t, pub.Close())
	assert.Error(t, pub.Publish(context.Background(), New(TypeTick, 9, time.Now(), nil)))
	for range sub {
	}
}

func TestMemoryPublisherRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryPublisher(1).Publish(ctx, Event{}), context.Canceled)
}

func TestAMQPMessage(t *testing.T) {
	event := New(TypeBreakerOpen, 3, time.Unix(10, 0), map[string]interface{}{"window_failures": 4})
	msg, err := amqpMessage(event)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, event.ID, msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, TypeBreakerOpen, decoded.Type)
	assert.Equal(t, "sentry.breaker_open", routingKeyFor("sentry", event.Type))
}

func TestOpenDrivers(t *testing.T) {
	pub, err := Open(context.Background(), config.EventsConfig{Driver: "none"})
	require.NoError(t, err)
	assert.IsType(t, Discard{}, pub)

	pub, err = Open(context.Background(), config.EventsConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPublisher{}, pub)

	_, err = Open(context.Background(), config.EventsConfig{Driver: "kafka"})
	assert.Error(t, err)
	_, err = Open(context.Background(), config.EventsConfig{Driver: "redis"})
	assert.Error(t, err)
	_, err = Open(context.Background(), config.EventsConfig{Driver: "rabbitmq"})
	assert.Error(t, err)
}

// closedAddr 返回一个刚释放、无人监听的本地地址。
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestUnreachableBrokersReportQueueFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisPublisher(ctx, RedisConfig{Address: closedAddr(t)})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure), err.Error())

	_, err = NewRabbitMQPublisher(RabbitMQConfig{URL: "amqp://guest:guest@" + closedAddr(t) + "/"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure), err.Error())
	assert.True(t, xerrors.RetryableError(err))
}

func TestRedisPublisherLive(t *testing.T) {
	addr := os.Getenv("SENTRY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SENTRY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	key := "sentry:test:" + uuid.NewString()
	pub, err := NewRedisPublisher(ctx, RedisConfig{Address: addr, ListKey: key, MaxLen: 2})
	require.NoError(t, err)
	defer pub.Close()
	defer pub.client.Del(ctx, key)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, pub.Publish(ctx, New(TypeTick, i, time.Now(), nil)))
	}
	recent, err := pub.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].Tick)
}
