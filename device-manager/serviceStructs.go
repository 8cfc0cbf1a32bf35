package main

import (
	"context"
	"encoding/json"

	conf "sw/ocpp/gateway/internal/config"
	httplistener "sw/ocpp/gateway/internal/http"
	svc "sw/ocpp/gateway/internal/models/service"
	"sw/ocpp/gateway/internal/ocpp"

	"github.com/sirupsen/logrus"
)

// StationCaller relays one server initiated command to a station through the gateway.
type StationCaller interface {
	Call(ctx context.Context, tenant string, stationID string, action ocpp.Action, payload json.RawMessage) (json.RawMessage, error)
}

type ServiceState struct {
	Config          *conf.Configuration
	HttpServer      *httplistener.Server
	Caller          StationCaller
	LastError       error
	Context         svc.ServiceContext
	AppInsightsHook logrus.Hook
}

type Device struct {
	Tenant    string
	StationID string
}
