package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sw/ocpp/gateway/internal/bridgeclient"
	conf "sw/ocpp/gateway/internal/config"
	helpers "sw/ocpp/gateway/internal/helpers"
	httplistener "sw/ocpp/gateway/internal/http"
	"sw/ocpp/gateway/internal/logging"
	svc "sw/ocpp/gateway/internal/models/service"
	service "sw/ocpp/gateway/internal/service"
	telemetry "sw/ocpp/gateway/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

const serviceName = "device-manager"

var (
	// Globals
	log          = logging.Logger
	serviceState *ServiceState
	configFile   string
)

func initialise() *ServiceState {
	config, err := conf.ReadConfig(configFile)
	if err != nil {
		return &ServiceState{LastError: err}
	}
	serviceContext := getServiceContext()

	telemetryHook, err := telemetry.NewTelemetryClient(config.Logging.AppInsightsInstrumentationKey, serviceName)
	if err != nil {
		return &ServiceState{LastError: oops.In(serviceName).Wrapf(err, "telemetry")}
	}

	dmConfig := config.Services.DeviceManager
	state := &ServiceState{
		Config:  config,
		Context: serviceContext,
		Caller:  bridgeclient.New(dmConfig.GatewayUrl, dmConfig.GatewayToken, time.Duration(dmConfig.CallTimeoutSecs)*time.Second),
	}
	if telemetryHook != nil {
		state.AppInsightsHook = telemetryHook
	}
	return state
}

func getServiceContext() svc.ServiceContext {
	return svc.ServiceContext{HostName: helpers.GetHostName()}
}

// newRouter serves /ping and the authenticated command endpoint.
func newRouter(caller StationCaller, config conf.HttpConfig) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})

	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	router.Route("/", func(r chi.Router) {
		r.Use(middleware.BasicAuth(serviceName, map[string]string{
			config.HttpUser: config.HttpPassword,
		}))

		r.Route("/actions/{command}/{tenant}/{station}", func(r chi.Router) {
			r.Use(DeviceCtx)
			r.Post("/", actionHandler(caller, timeout))
		})
	})
	return router
}

func setupRestApi(state *ServiceState, config conf.HttpConfig) error {
	log.Info("Starting REST API Server")
	listenNetPort := fmt.Sprintf("%s:%d", config.ListenAddress, config.ListenPort)
	log.Info("REST API listening on: ", listenNetPort)

	httpServer, err := httplistener.ListenAndServe(listenNetPort, newRouter(state.Caller, config), time.Duration(config.IdleTimeoutMs)*time.Millisecond)
	if err != nil {
		log.Error("Failed to start REST API server")
		return oops.In(serviceName).With("listen", listenNetPort).Wrapf(err, "listen")
	}
	state.HttpServer = httpServer

	log.Info("REST server started")
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log = logging.LoggingSetup(true, serviceName) // start with debug enabled until overridden in config later
	log.Infof("--- OCPP Device Manager - v%s ---", service.Version)

	serviceState = initialise()
	if serviceState.LastError != nil {
		log.Errorf("Error in initialisation: %+v", serviceState.LastError)
		return serviceState.LastError
	}
	config := serviceState.Config.Services.DeviceManager

	log = logging.LoggingSetup(config.Debug, serviceName)
	if serviceState.AppInsightsHook != nil {
		log.AddHook(serviceState.AppInsightsHook)
	}
	log.Debugf("gateway_url: %s", config.GatewayUrl)

	if err := setupRestApi(serviceState, config.HttpConfig); err != nil {
		return err
	}

	log.Debug("block...")
	<-ctx.Done()
	log.Debug("Service closing...")

	dispose()
	return nil
}

func dispose() {
	if serviceState.HttpServer != nil {
		log.Debug("Close REST listener")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := serviceState.HttpServer.Shutdown(ctx); err != nil {
			log.Error("Failed to stop REST server")
			serviceState.HttpServer.Close()
		}
	}
	telemetry.Close(5 * time.Second)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "REST API relaying commands to charging stations through the gateway",
		Version:       service.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", conf.DefaultConfigFile, "config file")

	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}
