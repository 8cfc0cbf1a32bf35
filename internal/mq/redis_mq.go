package mq

import (
	"context"
	"errors"

	log "sw/ocpp/gateway/internal/logging"

	"github.com/go-redis/redis"
)

type RedisMqConnection struct {
	HostIp   string
	Password string
	DbId     int

	clientRedis   *redis.Client
	topicReceiver *redis.PubSub
}

func (r *RedisMqConnection) Close() error {
	log.Logger.Info("Close redis MQ: ", r.HostIp)
	if r.topicReceiver != nil {
		r.topicReceiver.Close()
	}
	if r.clientRedis == nil {
		return nil
	}
	return r.clientRedis.Close()
}

func (r *RedisMqConnection) MqConnect() error {
	log.Logger.Infof("Connecting to redis MQ: %s DbId: %d", r.HostIp, r.DbId)

	client := redis.NewClient(&redis.Options{
		Addr:     r.HostIp,
		Password: r.Password,
		DB:       r.DbId,
	})

	if err := client.Ping().Err(); err != nil {
		log.Logger.Error("Error in redis connection: ", err.Error())
		client.Close()
		return err
	}
	log.Logger.Info("Connected to redis MQ")
	r.clientRedis = client
	return nil
}

func (r *RedisMqConnection) MqQueueDeclare(channelName string) error {
	// NOOP, redis channels need no declaration
	return nil
}

func (r *RedisMqConnection) MqMessagePublish(channelName string, payload []byte) error {
	return r.clientRedis.Publish(channelName, payload).Err()
}

func (r *RedisMqConnection) SetupMqTopicReceiver(channelName string) error {
	r.topicReceiver = r.clientRedis.Subscribe(channelName)
	_, err := r.topicReceiver.Receive()
	return err
}

func (r *RedisMqConnection) RunMqTopicReceiver(ctx context.Context, channelName string, process func(messageBy []byte)) error {
	if r.topicReceiver == nil {
		return errors.New("redis MQ receiver not set up")
	}
	messages := r.topicReceiver.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis MQ subscription closed")
			}
			if msg.Channel == channelName {
				process([]byte(msg.Payload))
			}
		}
	}
}
