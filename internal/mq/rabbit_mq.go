package mq

import (
	"context"
	"errors"
	"time"

	log "sw/ocpp/gateway/internal/logging"

	"github.com/streadway/amqp"
)

type RabbitMqConnection struct {
	AmqpServerURL string

	connection *amqp.Connection
	channel    *amqp.Channel
	declared   []string
}

func (r *RabbitMqConnection) Close() error {
	log.Logger.Info("Close RabbitMQ: ", r.AmqpServerURL)
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection == nil {
		return nil
	}
	return r.connection.Close()
}

func (r *RabbitMqConnection) MqConnect() error {
	log.Logger.Infof("Connect to RabbitMQ: %s", r.AmqpServerURL)

	connection, err := amqp.Dial(r.AmqpServerURL)
	if err != nil {
		log.Logger.Errorf("Error connecting to RabbitMQ: %s %s", r.AmqpServerURL, err)
		return err
	}

	channel, err := connection.Channel()
	if err != nil {
		connection.Close()
		return err
	}

	log.Logger.Debug("Connected to RabbitMQ")
	r.connection = connection
	r.channel = channel
	return nil
}

// Reconnect redials and redeclares the queues used so far.
func (r *RabbitMqConnection) Reconnect() error {
	r.Close()
	if err := r.MqConnect(); err != nil {
		return err
	}
	for _, name := range r.declared {
		if err := r.queueDeclare(name); err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMqConnection) queueDeclare(queueName string) error {
	_, err := r.channel.QueueDeclare(
		queueName, // queue name
		true,      // durable
		false,     // auto delete
		false,     // exclusive
		false,     // no wait
		nil,       // arguments
	)
	return err
}

func (r *RabbitMqConnection) MqQueueDeclare(queueName string) error {
	log.Logger.Debugf("Declare queue: %s", queueName)
	if err := r.queueDeclare(queueName); err != nil {
		return err
	}
	r.declared = append(r.declared, queueName)
	return nil
}

func (r *RabbitMqConnection) MqMessagePublish(queueName string, payload []byte) error {
	if r.channel == nil {
		return errors.New("RabbitMQ not connected")
	}
	log.Logger.Debugf("MQ[%s] send: %s", queueName, payload)
	return r.channel.Publish(
		"",        // default exchange routes by queue name
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{ContentType: "application/json", Body: payload},
	)
}

func (r *RabbitMqConnection) SetupMqTopicReceiver(queueName string) error {
	return r.MqQueueDeclare(queueName)
}

func (r *RabbitMqConnection) RunMqTopicReceiver(ctx context.Context, queueName string, process func(messageBy []byte)) error {
	for {
		messages, err := r.channel.Consume(
			queueName, // queue name
			"",        // consumer
			true,      // auto-ack
			false,     // exclusive
			false,     // no local
			false,     // no wait
			nil,       // arguments
		)
		if err != nil {
			log.Logger.Errorf("MQ[%s] Error in Consume: %s", queueName, err)
			return err
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case message, ok := <-messages:
				if !ok {
					break consume
				}
				log.Logger.Debugf("MQ[%s] recv: %s", queueName, message.Body)
				process(message.Body)
			}
		}

		log.Logger.Warnf("MQ[%s] delivery channel closed, reconnecting", queueName)
		time.Sleep(MqChannel_PollWaitMs * time.Millisecond)
		if err := r.Reconnect(); err != nil {
			return err
		}
	}
}
