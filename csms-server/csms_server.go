package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisManage "sw/ocpp/gateway/internal/cache"
	conf "sw/ocpp/gateway/internal/config"
	"sw/ocpp/gateway/internal/db"
	"sw/ocpp/gateway/internal/dispatch"
	helpers "sw/ocpp/gateway/internal/helpers"
	httplistener "sw/ocpp/gateway/internal/http"
	"sw/ocpp/gateway/internal/logging"
	svc "sw/ocpp/gateway/internal/models/service"
	mq "sw/ocpp/gateway/internal/mq"
	"sw/ocpp/gateway/internal/server"
	service "sw/ocpp/gateway/internal/service"
	"sw/ocpp/gateway/internal/telemetry"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

const serviceName = "csms-server"

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
	errs := oops.In(serviceName).With("host", serviceContext.HostName)

	telemetryHook, err := telemetry.NewTelemetryClient(config.Logging.AppInsightsInstrumentationKey, serviceName)
	if err != nil {
		return &ServiceState{LastError: errs.Wrapf(err, "telemetry")}
	}
	state := &ServiceState{Config: config, Context: serviceContext}
	if telemetryHook != nil {
		state.AppInsightsHook = telemetryHook
	}

	store, err := db.ConnectDb(config.DbConfig.DbType, config.DbConfig.DbConnectionString)
	if err != nil {
		state.LastError = errs.With("db_type", config.DbConfig.DbType).Wrapf(err, "connect db")
		return state
	}
	state.Store = store
	if err = store.CreateTables(context.Background()); err != nil {
		state.LastError = errs.Wrapf(err, "create tables")
		return state
	}

	// Setup auth cache
	cacheConfig := config.Services.CsmsServer.Cache
	if len(cacheConfig.HostPort) > 0 {
		state.Cache, err = redisManage.ConnectRedis(cacheConfig.HostPort, cacheConfig.Password, cacheConfig.DbId)
		if err != nil {
			state.LastError = errs.With("cache", cacheConfig.HostPort).Wrapf(err, "connect cache")
			return state
		}
	} else {
		log.Warn("Not connecting to redis auth cache")
	}

	if config.Services.CsmsServer.StandaloneMode {
		log.Info("Standalone mode, no MQ notifications")
		return state
	}

	mqConnection, err := mq.SetupMqConnection(config.Mq, mq.RolePublisher)
	if err != nil {
		state.LastError = errs.Wrapf(err, "mq setup")
		return state
	}
	if err = mqConnection.MqConnect(); err != nil {
		state.LastError = errs.With("mq_type", config.Mq.Type).Wrapf(err, "mq connect")
		return state
	}
	state.MqBus = mqConnection
	for _, channel := range []string{mq.MqChannelName_Notify, mq.MqChannelName_MessagesIn} {
		if err = mqConnection.MqQueueDeclare(channel); err != nil {
			state.LastError = errs.With("channel", channel).Wrapf(err, "mq declare")
			return state
		}
	}
	state.Notifier = mq.NewNotifier(mqConnection, serviceContext.HostName, config.Mq.QueueSize)
	return state
}

func getServiceContext() svc.ServiceContext {
	return svc.ServiceContext{HostName: helpers.GetHostName()}
}

func newGatewayServer(state *ServiceState) *server.Server {
	config := state.Config.Services.CsmsServer

	auth := setupAuth(config, state.Store, state.Cache)

	dispatcher := dispatch.NewService(setupLimiters(config.RateLimit, state.Cache)...)
	dispatch.RegisterDefaultHandlers(dispatcher, state.Store, config.HeartbeatIntervalSecs)

	return server.New(server.ConfigFrom(config), server.Deps{
		StationValidator: auth.Station,
		BridgeValidator:  auth.Bridge,
		LastSeen:         auth.LastSeen,
		Handler:          dispatcher,
		Notifier:         state.Notifier,
	})
}

func healthChecks(state *ServiceState) []server.HealthCheck {
	checks := []server.HealthCheck{state.Store.Ping}
	if state.Cache != nil {
		cache := state.Cache
		checks = append(checks, func(ctx context.Context) error {
			return cache.WithContext(ctx).Ping().Err()
		})
	}
	return checks
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log = logging.LoggingSetup(true, serviceName) // start with debug enabled until overridden in config later
	log.Infof("--- OCPP Gateway - v%s (%s, %s) ---", service.Version, service.CommitHash, service.BuildTimestamp)

	serviceState = initialise()
	if serviceState.LastError != nil {
		log.Errorf("Error in initialisation: %+v", serviceState.LastError)
		dispose()
		return serviceState.LastError
	}
	config := serviceState.Config.Services.CsmsServer

	log = logging.LoggingSetup(config.Debug, serviceName)
	if serviceState.AppInsightsHook != nil {
		log.AddHook(serviceState.AppInsightsHook)
	}

	log.Debugf("standalone_mode: %t", config.StandaloneMode)
	log.Debugf("enable_auth: %t", config.EnableAuth)

	if serviceState.Notifier != nil {
		go serviceState.Notifier.Run(ctx)
		if err := serviceState.Notifier.NodeConnected(); err != nil {
			log.Warn("Unable to publish node connected: ", err.Error())
		}
	}

	serviceState.Server = newGatewayServer(serviceState)
	go serviceState.Server.Run(ctx)

	listenNetPort := fmt.Sprintf("%s:%d", config.ListenAddress, config.ListenPort)
	log.Info("OCPP listening on: ", listenNetPort)

	var err error
	serviceState.HttpServer, err = httplistener.ListenAndServe(listenNetPort, serviceState.Server.Router(healthChecks(serviceState)...), 0)
	if err != nil {
		dispose()
		return oops.In(serviceName).With("listen", listenNetPort).Wrapf(err, "listen")
	}

	log.Debug("block...")
	<-ctx.Done()
	log.Debug("Service closing...")

	dispose()
	return nil
}

func dispose() {
	if serviceState.Notifier != nil {
		if err := serviceState.Notifier.NodeDisconnected(); err != nil {
			log.Warn("Unable to publish node disconnected: ", err.Error())
		}
	}
	if serviceState.Server != nil {
		log.Debug("Close sessions")
		serviceState.Server.Close()
	}
	if serviceState.HttpServer != nil {
		log.Debug("Close websocket listener")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := serviceState.HttpServer.Shutdown(ctx); err != nil {
			serviceState.HttpServer.Close()
		}
		cancel()
	}
	if serviceState.MqBus != nil {
		log.Debug("Close MQ")
		serviceState.MqBus.Close()
	}
	if serviceState.Cache != nil {
		log.Debug("Close cache")
		serviceState.Cache.Close()
	}
	if serviceState.Store != nil {
		log.Debug("Close db")
		serviceState.Store.Disconnect()
	}
	telemetry.Close(5 * time.Second)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "OCPP 1.6 WebSocket gateway for charging stations and the REST bridge",
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
