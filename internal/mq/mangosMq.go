package mq

import (
	"context"
	"errors"
	"strings"
	"time"

	log "sw/ocpp/gateway/internal/logging"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// register transports
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

const mangosChannelSeparator = "|"

// MangosMqConnection is brokerless pub/sub: the gateway listens on Url and
// consumers dial it. Messages are framed as channelName|payload.
type MangosMqConnection struct {
	Url  string
	Role Role

	socket mangos.Socket
}

func (r *MangosMqConnection) Close() error {
	log.Logger.Info("Close mangos_mq")
	if r.socket != nil {
		return r.socket.Close()
	}
	return nil
}

func (r *MangosMqConnection) MqConnect() error {
	var err error
	if r.Role == RolePublisher {
		log.Logger.Infof("Listening on MQ URL for subscribers: %s", r.Url)
		if r.socket, err = pub.NewSocket(); err != nil {
			log.Logger.Errorf("can't get new pub socket: %s", err)
			return err
		}
		if err = r.socket.Listen(r.Url); err != nil {
			log.Logger.Errorf("can't listen on pub socket: %s", err.Error())
			return err
		}
		return nil
	}

	log.Logger.Infof("Connecting to MQ publisher URL: %s", r.Url)
	if r.socket, err = sub.NewSocket(); err != nil {
		log.Logger.Errorf("can't get new sub socket: %s", err)
		return err
	}
	// redial in the background until the publisher is up
	return r.socket.DialOptions(r.Url, map[string]interface{}{mangos.OptionDialAsynch: true})
}

func (r *MangosMqConnection) MqQueueDeclare(channelName string) error {
	// NOOP
	return nil
}

func (r *MangosMqConnection) MqMessagePublish(channelName string, payload []byte) error {
	if r.Role != RolePublisher || r.socket == nil {
		return errors.New("mangos_mq: not a publisher")
	}
	log.Logger.Debugf("MQ[%s] send: %s", channelName, payload)
	msg := make([]byte, 0, len(channelName)+1+len(payload))
	msg = append(msg, channelName+mangosChannelSeparator...)
	msg = append(msg, payload...)
	return r.socket.Send(msg)
}

func (r *MangosMqConnection) SetupMqTopicReceiver(channelName string) error {
	if r.Role != RoleSubscriber || r.socket == nil {
		return errors.New("mangos_mq: not a subscriber")
	}
	log.Logger.Debugf("MQ subscribe: %s", channelName)
	return r.socket.SetOption(mangos.OptionSubscribe, []byte(channelName+mangosChannelSeparator))
}

func (r *MangosMqConnection) RunMqTopicReceiver(ctx context.Context, channelName string, process func(messageBy []byte)) error {
	if err := r.socket.SetOption(mangos.OptionRecvDeadline, time.Duration(MqChannel_PollWaitMs)*time.Millisecond); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgBy, err := r.socket.Recv()
		if errors.Is(err, mangos.ErrRecvTimeout) {
			continue
		}
		if err != nil {
			log.Logger.Errorf("cannot receive: %s", err.Error())
			return err
		}

		// strip channelName| preamble
		channel, payload, found := strings.Cut(string(msgBy), mangosChannelSeparator)
		if found && channel == channelName {
			log.Logger.Debugf("MQ[%s] recv: %s", channelName, payload)
			process([]byte(payload))
		}
	}
}
