// Provides the message bus used to publish gateway events to other services
package mq

import (
	"context"
	"fmt"
	"time"

	conf "sw/ocpp/gateway/internal/config"
	log "sw/ocpp/gateway/internal/logging"
)

const (
	MqChannelName_Notify     = "Notify"
	MqChannelName_MessagesIn = "MessagesIn"

	NotifyMsg_NodeConnected      = "NodeConnected"
	NotifyMsg_NodeDisconnected   = "NodeDisconnected"
	NotifyMsg_ClientConnected    = "ClientConnected"
	NotifyMsg_ClientDisconnected = "ClientDisconnected"
	NotifyMsg_ClientSuperseded   = "ClientSuperseded"

	MqType_Mangos = "mangos_mq"
	MqType_Rabbit = "rabbit_mq"
	MqType_Redis  = "redis_mq"
)

const (
	MqChannel_SendMaxRetries  = 3
	MqChannel_SendRetryWaitMs = 2000
	MqChannel_PollWaitMs      = 1000
)

type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

type MqBus interface {
	MqConnect() error
	Close() error
	MqQueueDeclare(channelName string) error
	MqMessagePublish(channelName string, payload []byte) error
	SetupMqTopicReceiver(channelName string) error
	// RunMqTopicReceiver blocks, handing each message to process until ctx ends.
	RunMqTopicReceiver(ctx context.Context, channelName string, process func(messageBy []byte)) error
}

// SetupMqConnection builds the bus selected by config.Type; the caller connects it.
func SetupMqConnection(config conf.MqConfig, role Role) (MqBus, error) {
	log.Logger.Info("MqType = " + config.Type)
	switch config.Type {
	case MqType_Mangos:
		return &MangosMqConnection{Url: config.MangosMq.CsmsListenUrl, Role: role}, nil
	case MqType_Rabbit:
		return &RabbitMqConnection{AmqpServerURL: config.RabbitMq.ServerUrl}, nil
	case MqType_Redis:
		return &RedisMqConnection{HostIp: config.RedisMq.HostPort, DbId: config.RedisMq.DbId, Password: config.RedisMq.Password}, nil
	}
	return nil, fmt.Errorf("invalid mq type: %q", config.Type)
}

var retryWait = MqChannel_SendRetryWaitMs * time.Millisecond

// reconnector is implemented by buses that must redial after a publish failure.
type reconnector interface {
	Reconnect() error
}

// MqMessagePublishRetry publishes, retrying transient errors.
func MqMessagePublishRetry(m MqBus, channelName string, payload []byte) error {
	var mqErr error
	for retry := 0; ; retry++ {
		if mqErr = m.MqMessagePublish(channelName, payload); mqErr == nil {
			return nil
		}
		if retry == MqChannel_SendMaxRetries {
			log.Logger.Errorf("MQ[%s] error, failed to send message after %d retries. Error: %s", channelName, MqChannel_SendMaxRetries, mqErr.Error())
			return mqErr
		}
		log.Logger.Warnf("MQ[%s] problem, wait: %s, retry %d/%d, error: %s", channelName, retryWait, retry+1, MqChannel_SendMaxRetries, mqErr.Error())
		time.Sleep(retryWait)
		if r, ok := m.(reconnector); ok {
			if err := r.Reconnect(); err != nil {
				log.Logger.Warnf("MQ[%s] reconnect failed: %s", channelName, err)
			}
		}
	}
}
