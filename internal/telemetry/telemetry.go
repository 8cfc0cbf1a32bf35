// Provides Application Insights tracking; every call is a no-op until a key is configured
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/microsoft/ApplicationInsights-Go/appinsights"
	log "github.com/sirupsen/logrus"
	logrus_appinsights "github.com/steve-white/logrus-appinsights"
)

var client appinsights.TelemetryClient

// NewTelemetryClient returns a logrus hook for Application Insights, or nil when instrumentationKey is empty.
func NewTelemetryClient(instrumentationKey string, roleName string) (*logrus_appinsights.AppInsightsHook, error) {
	if len(instrumentationKey) == 0 {
		return nil, nil
	}

	hook, err := logrus_appinsights.New(roleName, logrus_appinsights.Config{
		InstrumentationKey: instrumentationKey,
		MaxBatchSize:       10,
		MaxBatchInterval:   time.Second * 5,
	})
	if err != nil {
		return nil, err
	}
	if hook == nil {
		return nil, errors.New("no application insights hook")
	}

	hook.SetLevels([]log.Level{
		log.PanicLevel,
		log.ErrorLevel,
		log.WarnLevel,
		log.InfoLevel,
	})
	hook.Client.Context().Tags.Cloud().SetRole(roleName)
	client = hook.Client
	return hook, nil
}

func Enabled() bool {
	return client != nil
}

// Close flushes buffered telemetry, waiting at most wait.
func Close(wait time.Duration) {
	if client == nil {
		return
	}
	select {
	case <-client.Channel().Close(wait):
	case <-time.After(wait + time.Second):
	}
	client = nil
}

// TrackConnectionRequest records a WebSocket upgrade attempt and its HTTP outcome.
func TrackConnectionRequest(url string, clientAddress string, responseCode int, duration time.Duration) {
	if client == nil {
		return
	}
	request := appinsights.NewRequestTelemetry("GET", url, duration, strconv.Itoa(responseCode))
	request.Source = clientAddress
	client.Track(request)
}

func TrackAuthenticationEvent(tenant string, stationID string, clientAddress string, responseCode string) {
	if client == nil {
		return
	}

	event := appinsights.NewEventTelemetry("AuthenticationEvent")
	event.Properties["tenant"] = tenant
	event.Properties["station"] = stationID
	event.Properties["clientAddress"] = clientAddress
	event.Properties["responseCode"] = responseCode
	client.Track(event)
}

func TrackSessionClosed(tenant string, stationID string, kind string, reason string) {
	if client == nil {
		return
	}

	event := appinsights.NewEventTelemetry("SessionClosed")
	event.Properties["tenant"] = tenant
	event.Properties["station"] = stationID
	event.Properties["kind"] = kind
	event.Properties["reason"] = reason
	client.Track(event)
}

// TrackOcppRequest records one handled Call, named by its action.
func TrackOcppRequest(tenant string, stationID string, action string, success bool, duration time.Duration) {
	if client == nil {
		return
	}

	responseCode := "200"
	if !success {
		responseCode = "500"
	}
	request := appinsights.NewRequestTelemetry("OCPP", action, duration, responseCode)
	request.Success = success
	request.Properties["tenant"] = tenant
	request.Properties["station"] = stationID
	client.Track(request)
}
