package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	conf "sw/ocpp/gateway/internal/config"
	helpers "sw/ocpp/gateway/internal/helpers"
	"sw/ocpp/gateway/internal/logging"
	svc "sw/ocpp/gateway/internal/models/service"
	mq "sw/ocpp/gateway/internal/mq"
	service "sw/ocpp/gateway/internal/service"
	table "sw/ocpp/gateway/internal/table"
	telemetry "sw/ocpp/gateway/internal/telemetry"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

const serviceName = "message-manager"

var (
	log          = logging.Logger
	serviceState *ServiceState
	configFile   string
)

// subscribe opens a bus receiving channelName; each receiver owns its own connection.
func subscribe(config conf.MqConfig, channelName string) (mq.MqBus, error) {
	bus, err := mq.SetupMqConnection(config, mq.RoleSubscriber)
	if err != nil {
		return nil, err
	}
	if err = bus.MqConnect(); err != nil {
		return nil, err
	}
	if err = bus.MqQueueDeclare(channelName); err != nil {
		bus.Close()
		return nil, err
	}
	if err = bus.SetupMqTopicReceiver(channelName); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}

func openTable(state *ServiceState) error {
	mmConfig := state.Config.Services.MessageManager
	tableClient, err := table.GetTableClient(mmConfig.TableName, mmConfig.StorageAccountName, mmConfig.StorageAccountKey)
	if err != nil {
		return err
	}
	if err = table.CreateTable(context.Background(), tableClient); err != nil {
		return err
	}
	state.TableClient = tableClient
	state.Archive = table.NewArchive(tableClient)
	return nil
}

func initialise() *ServiceState {
	config, err := conf.ReadConfig(configFile)
	if err != nil {
		return &ServiceState{LastError: err}
	}
	serviceContext := getServiceContext()
	errs := oops.In(serviceName).With("mq_type", config.Mq.Type)

	telemetryHook, err := telemetry.NewTelemetryClient(config.Logging.AppInsightsInstrumentationKey, serviceName)
	if err != nil {
		return &ServiceState{LastError: errs.Wrapf(err, "telemetry")}
	}
	state := &ServiceState{Config: config, Context: serviceContext}
	if telemetryHook != nil {
		state.AppInsightsHook = telemetryHook
	}

	if state.NotifyBus, err = subscribe(config.Mq, mq.MqChannelName_Notify); err != nil {
		state.LastError = errs.With("channel", mq.MqChannelName_Notify).Wrapf(err, "subscribe")
		return state
	}

	if !config.Services.MessageManager.StoreMessages {
		log.Warn("Not storing messages")
		return state
	}
	if err = openTable(state); err != nil {
		state.LastError = errs.With("table", config.Services.MessageManager.TableName).Wrapf(err, "table storage")
		return state
	}
	if state.FramesBus, err = subscribe(config.Mq, mq.MqChannelName_MessagesIn); err != nil {
		state.LastError = errs.With("channel", mq.MqChannelName_MessagesIn).Wrapf(err, "subscribe")
	}
	return state
}

func getServiceContext() svc.ServiceContext {
	return svc.ServiceContext{HostName: helpers.GetHostName()}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log = logging.LoggingSetup(true, serviceName) // start with debug enabled until overridden in config later
	log.Infof("--- OCPP Message Manager - v%s ---", service.Version)

	serviceState = initialise()
	if serviceState.LastError != nil {
		log.Errorf("Error in initialisation: %+v", serviceState.LastError)
		dispose()
		return serviceState.LastError
	}
	config := serviceState.Config
	log = logging.LoggingSetup(config.Services.MessageManager.Debug, serviceName)
	if serviceState.AppInsightsHook != nil {
		log.AddHook(serviceState.AppInsightsHook)
	}

	go func() {
		if err := serviceState.NotifyBus.RunMqTopicReceiver(ctx, mq.MqChannelName_Notify, ProcessNotifyMessage); err != nil {
			log.Error("Notify receiver stopped: ", err.Error())
		}
	}()
	var frames *frameProcessor
	if serviceState.FramesBus != nil {
		frames = &frameProcessor{archive: serviceState.Archive}
		go func() {
			process := func(messageBy []byte) { frames.Process(ctx, messageBy) }
			if err := serviceState.FramesBus.RunMqTopicReceiver(ctx, mq.MqChannelName_MessagesIn, process); err != nil {
				log.Error("Frames receiver stopped: ", err.Error())
			}
		}()
	}

	log.Debug("block...")
	<-ctx.Done()
	log.Debug("Service closing...")
	if frames != nil {
		log.Infof("Archived %d messages, %d failed", frames.stored.Load(), frames.failed.Load())
	}
	dispose()
	return nil
}

func dispose() {
	if serviceState.FramesBus != nil {
		log.Debug("Close frames MQ")
		serviceState.FramesBus.Close()
	}
	if serviceState.NotifyBus != nil {
		log.Debug("Close notify MQ")
		serviceState.NotifyBus.Close()
	}
	telemetry.Close(5 * time.Second)
}

// listMessages prints the archived frames of one client, oldest first.
func listMessages(cmd *cobra.Command, args []string) error {
	top, err := cmd.Flags().GetInt32("top")
	if err != nil {
		return err
	}
	config, err := conf.ReadConfig(configFile)
	if err != nil {
		return err
	}
	mmConfig := config.Services.MessageManager
	tableClient, err := table.GetTableClient(mmConfig.TableName, mmConfig.StorageAccountName, mmConfig.StorageAccountKey)
	if err != nil {
		return oops.In(serviceName).With("table", mmConfig.TableName).Wrapf(err, "table storage")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	messages, err := table.QueryMessages(ctx, tableClient, args[0], top)
	if err != nil {
		return oops.In(serviceName).With("client", args[0]).Wrapf(err, "query messages")
	}
	out := cmd.OutOrStdout()
	for _, m := range messages {
		fmt.Fprintf(out, "%s %-8s %-3s %s\n", m.MessageTime, m.Kind, m.Direction, m.Body)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Archives OCPP frames published by the gateway to table storage",
		Version:       service.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", conf.DefaultConfigFile, "config file")

	listCmd := &cobra.Command{
		Use:   "list <tenant~station>",
		Short: "List archived frames for one client",
		Args:  cobra.ExactArgs(1),
		RunE:  listMessages,
	}
	listCmd.Flags().Int32("top", 100, "maximum number of frames")
	rootCmd.AddCommand(listCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}
