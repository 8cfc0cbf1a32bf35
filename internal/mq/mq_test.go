package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	conf "sw/ocpp/gateway/internal/config"
	mqmodels "sw/ocpp/gateway/internal/models/mq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu        sync.Mutex
	failures  int
	published map[string][][]byte
	got       chan struct{}
}

func newFakeBus(failures int) *fakeBus {
	return &fakeBus{failures: failures, published: map[string][][]byte{}, got: make(chan struct{}, 64)}
}

func (b *fakeBus) MqConnect() error                 { return nil }
func (b *fakeBus) Close() error                     { return nil }
func (b *fakeBus) MqQueueDeclare(name string) error { return nil }
func (b *fakeBus) SetupMqTopicReceiver(name string) error {
	return nil
}
func (b *fakeBus) RunMqTopicReceiver(ctx context.Context, name string, process func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) MqMessagePublish(channelName string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("transient")
	}
	b.published[channelName] = append(b.published[channelName], payload)
	b.got <- struct{}{}
	return nil
}

func (b *fakeBus) messages(channelName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channelName]
}

func fastRetry(t *testing.T) {
	old := retryWait
	retryWait = time.Millisecond
	t.Cleanup(func() { retryWait = old })
}

func TestSetupMqConnection(t *testing.T) {
	for _, mqType := range []string{MqType_Mangos, MqType_Rabbit, MqType_Redis} {
		bus, err := SetupMqConnection(conf.MqConfig{Type: mqType}, RolePublisher)
		require.NoError(t, err)
		assert.NotNil(t, bus)
	}
	_, err := SetupMqConnection(conf.MqConfig{Type: "kafka"}, RolePublisher)
	assert.Error(t, err)
}

func TestPublishRetry(t *testing.T) {
	fastRetry(t)

	bus := newFakeBus(2)
	require.NoError(t, MqMessagePublishRetry(bus, MqChannelName_Notify, []byte(`{}`)))
	assert.Len(t, bus.messages(MqChannelName_Notify), 1)

	bus = newFakeBus(MqChannel_SendMaxRetries + 1)
	assert.Error(t, MqMessagePublishRetry(bus, MqChannelName_Notify, []byte(`{}`)))
}

func TestNotifierPublishesEvents(t *testing.T) {
	bus := newFakeBus(0)
	n := NewNotifier(bus, "node-1", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	require.NoError(t, n.NodeConnected())
	n.ClientConnected("T1~CS-1", "station", "10.0.0.1:5000")
	n.ClientSuperseded("T1~CS-1", "station", "10.0.0.1:5000", "superseded")
	n.Frame("T1~CS-1", "station", "in", []byte(`[2,"1","Heartbeat",{}]`))

	for i := 0; i < 4; i++ {
		select {
		case <-bus.got:
		case <-time.After(2 * time.Second):
			t.Fatal("events not published")
		}
	}

	notify := bus.messages(MqChannelName_Notify)
	require.Len(t, notify, 3)
	var change mqmodels.MqNotifyConnectionChange
	require.NoError(t, json.Unmarshal(notify[2], &change))
	assert.Equal(t, NotifyMsg_ClientSuperseded, change.NotifyType)
	assert.Equal(t, "node-1", change.ServerNode)
	assert.Equal(t, "superseded", change.Reason)

	frames := bus.messages(MqChannelName_MessagesIn)
	require.Len(t, frames, 1)
	var env mqmodels.MqMessageEnvelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	assert.Equal(t, "T1~CS-1", env.Client)
	assert.Equal(t, `[2,"1","Heartbeat",{}]`, env.Body)
}

func TestNotifierDropsWhenFull(t *testing.T) {
	n := NewNotifier(newFakeBus(0), "node-1", 2)
	for i := 0; i < 5; i++ {
		n.Frame("T1~CS-1", "station", "in", []byte(`[]`))
	}
	assert.Equal(t, int64(3), n.Dropped())
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.NodeConnected())
	n.ClientConnected("a", "station", "")
	n.Frame("a", "station", "in", nil)
	n.Run(context.Background())
	assert.Equal(t, int64(0), n.Dropped())
}

func TestMangosPubSub(t *testing.T) {
	url := fmt.Sprintf("inproc://gateway-test-%d", time.Now().UnixNano())
	publisher := &MangosMqConnection{Url: url, Role: RolePublisher}
	require.NoError(t, publisher.MqConnect())
	defer publisher.Close()

	subscriber := &MangosMqConnection{Url: url, Role: RoleSubscriber}
	require.NoError(t, subscriber.MqConnect())
	defer subscriber.Close()
	require.NoError(t, subscriber.SetupMqTopicReceiver(MqChannelName_MessagesIn))

	received := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go subscriber.RunMqTopicReceiver(ctx, MqChannelName_MessagesIn, func(by []byte) {
		select {
		case received <- string(by):
		default:
		}
	})

	// pub/sub drops messages until the subscriber has joined
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, publisher.MqMessagePublish(MqChannelName_Notify, []byte(`ignored`)))
		require.NoError(t, publisher.MqMessagePublish(MqChannelName_MessagesIn, []byte(`{"client":"T1~CS-1"}`)))
		select {
		case msg := <-received:
			assert.Equal(t, `{"client":"T1~CS-1"}`, msg)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("nothing received")
		}
	}
}

func TestMangosRoleChecks(t *testing.T) {
	sub := &MangosMqConnection{Role: RoleSubscriber}
	assert.Error(t, sub.MqMessagePublish("x", nil))
	pub := &MangosMqConnection{Role: RolePublisher}
	assert.Error(t, pub.SetupMqTopicReceiver("x"))
}
