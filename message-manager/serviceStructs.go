package main

import (
	conf "sw/ocpp/gateway/internal/config"
	svc "sw/ocpp/gateway/internal/models/service"
	mq "sw/ocpp/gateway/internal/mq"
	table "sw/ocpp/gateway/internal/table"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/sirupsen/logrus"
)

type ServiceState struct {
	Config          *conf.Configuration
	FramesBus       mq.MqBus
	NotifyBus       mq.MqBus
	LastError       error
	Context         svc.ServiceContext
	AppInsightsHook logrus.Hook
	TableClient     *aztables.Client
	Archive         *table.Archive
}
