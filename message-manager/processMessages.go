package main

import (
	"context"
	"encoding/json"

	mqmodels "sw/ocpp/gateway/internal/models/mq"
	table "sw/ocpp/gateway/internal/table"

	"go.uber.org/atomic"
)

// frameProcessor archives every MessagesIn envelope, counting what it stored and what failed.
type frameProcessor struct {
	archive *table.Archive
	stored  atomic.Int64
	failed  atomic.Int64
}

func (p *frameProcessor) Process(ctx context.Context, messageBy []byte) {
	if err := p.archive.StoreRaw(ctx, messageBy); err != nil {
		p.failed.Inc()
		log.Errorf("Unable to archive message: %s", err.Error())
		return
	}
	if n := p.stored.Inc(); n%1000 == 0 {
		log.Infof("Archived %d messages, %d failed", n, p.failed.Load())
	}
}

// ProcessNotifyMessage logs node and client connection changes.
func ProcessNotifyMessage(messageBy []byte) {
	notify := new(mqmodels.MqNotifyConnectionChange)
	if err := json.Unmarshal(messageBy, notify); err != nil {
		log.Errorf("MQ Received Message, unmarshall error: %s", err.Error())
		return
	}
	entry := log.WithField("node", notify.ServerNode)
	if notify.Client != "" {
		entry = entry.WithField("client", notify.Client).WithField("kind", notify.Kind)
	}
	if notify.Reason != "" {
		entry = entry.WithField("reason", notify.Reason)
	}
	entry.Info(notify.NotifyType)
}
