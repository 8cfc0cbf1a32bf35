package main

import (
	conf "sw/ocpp/gateway/internal/config"
	"sw/ocpp/gateway/internal/db"
	httplistener "sw/ocpp/gateway/internal/http"
	svc "sw/ocpp/gateway/internal/models/service"
	mq "sw/ocpp/gateway/internal/mq"
	"sw/ocpp/gateway/internal/server"

	"github.com/go-redis/redis"
	"github.com/sirupsen/logrus"
)

type ServiceState struct {
	Config          *conf.Configuration
	HttpServer      *httplistener.Server
	Server          *server.Server
	Store           *db.Store
	Cache           *redis.Client
	MqBus           mq.MqBus
	Notifier        *mq.Notifier
	LastError       error
	Context         svc.ServiceContext
	AppInsightsHook logrus.Hook
}
