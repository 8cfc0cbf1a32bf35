package mq

import (
	"context"
	"encoding/json"

	"sw/ocpp/gateway/internal/helpers"
	log "sw/ocpp/gateway/internal/logging"
	mqmodels "sw/ocpp/gateway/internal/models/mq"

	"go.uber.org/atomic"
)

const DefaultQueueSize = 1024

type outbound struct {
	channel string
	payload []byte
}

// Notifier publishes gateway events through a bounded queue so a slow bus
// never blocks a session. A nil *Notifier discards everything.
type Notifier struct {
	bus      MqBus
	hostName string
	queue    chan outbound
	dropped  *atomic.Int64
}

func NewNotifier(bus MqBus, hostName string, queueSize int) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Notifier{
		bus:      bus,
		hostName: hostName,
		queue:    make(chan outbound, queueSize),
		dropped:  atomic.NewInt64(0),
	}
}

// Run publishes queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if n == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if err := MqMessagePublishRetry(n.bus, msg.channel, msg.payload); err != nil {
				log.Logger.Errorf("MQ[%s] event lost: %s", msg.channel, err)
			}
		}
	}
}

// Dropped counts events discarded because the queue was full.
func (n *Notifier) Dropped() int64 {
	if n == nil {
		return 0
	}
	return n.dropped.Load()
}

func (n *Notifier) enqueue(channel string, body any) {
	if n == nil {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Logger.Errorf("MQ[%s] unable to marshal event: %s", channel, err)
		return
	}
	select {
	case n.queue <- outbound{channel: channel, payload: payload}:
	default:
		if n.dropped.Inc()%100 == 1 {
			log.Logger.Warnf("MQ[%s] queue full, dropping events (%d so far)", channel, n.dropped.Load())
		}
	}
}

func (n *Notifier) nodeChange(notifyType string) error {
	if n == nil {
		return nil
	}
	payload, err := json.Marshal(mqmodels.MqNotifyConnectionChange{
		QueuedTime: helpers.GenerateDateNowMs(),
		ServerNode: n.hostName,
		NotifyType: notifyType,
	})
	if err != nil {
		return err
	}
	return MqMessagePublishRetry(n.bus, MqChannelName_Notify, payload)
}

// NodeConnected is published synchronously at startup.
func (n *Notifier) NodeConnected() error {
	return n.nodeChange(NotifyMsg_NodeConnected)
}

// NodeDisconnected is published synchronously at shutdown.
func (n *Notifier) NodeDisconnected() error {
	return n.nodeChange(NotifyMsg_NodeDisconnected)
}

func (n *Notifier) clientChange(notifyType string, client string, kind string, remoteAddr string, reason string) {
	if n == nil {
		return
	}
	n.enqueue(MqChannelName_Notify, mqmodels.MqNotifyConnectionChange{
		QueuedTime: helpers.GenerateDateNowMs(),
		ServerNode: n.hostName,
		NotifyType: notifyType,
		RemoteAddr: remoteAddr,
		Client:     client,
		Kind:       kind,
		Reason:     reason,
	})
}

func (n *Notifier) ClientConnected(client string, kind string, remoteAddr string) {
	n.clientChange(NotifyMsg_ClientConnected, client, kind, remoteAddr, "")
}

func (n *Notifier) ClientDisconnected(client string, kind string, remoteAddr string, reason string) {
	n.clientChange(NotifyMsg_ClientDisconnected, client, kind, remoteAddr, reason)
}

func (n *Notifier) ClientSuperseded(client string, kind string, remoteAddr string, reason string) {
	n.clientChange(NotifyMsg_ClientSuperseded, client, kind, remoteAddr, reason)
}

// Frame queues an envelope for one OCPP frame on MessagesIn.
func (n *Notifier) Frame(client string, kind string, direction string, data []byte) {
	if n == nil {
		return
	}
	n.enqueue(MqChannelName_MessagesIn, mqmodels.MqMessageEnvelope{
		ServerNode:  n.hostName,
		Client:      client,
		Kind:        kind,
		Direction:   direction,
		MessageTime: helpers.GenerateDateNowMs(),
		Body:        string(data),
	})
}
