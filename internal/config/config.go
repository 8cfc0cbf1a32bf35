package config

import (
	"os"
	"path/filepath"
	"strings"

	log "sw/ocpp/gateway/internal/logging"

	"github.com/spf13/viper"
)

const DefaultConfigFile = "../cfg/conf.yaml"

func LogCwd() {
	ex, err := os.Executable()
	if err != nil {
		log.Logger.Warn("Unable to resolve executable: ", err.Error())
		return
	}
	log.Logger.Info("CWD: " + filepath.Dir(ex))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("services.csms_server.listen_address", "0.0.0.0")
	v.SetDefault("services.csms_server.listen_port", 8010)
	v.SetDefault("services.csms_server.standalone_mode", true)
	v.SetDefault("services.csms_server.station_route", "OCPP16")
	v.SetDefault("services.csms_server.station_protocols", []string{"ocpp1.6"})
	v.SetDefault("services.csms_server.bridge_route", "REST")
	v.SetDefault("services.csms_server.bridge_protocol", "rest")
	v.SetDefault("services.csms_server.heartbeat_interval_secs", 60)
	v.SetDefault("services.csms_server.call_timeout_secs", 60)
	v.SetDefault("services.csms_server.ping_interval_secs", 30)
	v.SetDefault("services.csms_server.ping_failure_threshold", 3)
	v.SetDefault("services.csms_server.ping_wait_ms", 2000)
	v.SetDefault("services.csms_server.open_lock_timeout_secs", 10)
	v.SetDefault("services.csms_server.max_message_size", 65536)
	v.SetDefault("services.csms_server.cache.ttl_secs", 300)
	v.SetDefault("services.csms_server.rate_limit.backend", "memory")
	v.SetDefault("services.csms_server.rate_limit.burst_points", 3)
	v.SetDefault("services.csms_server.rate_limit.burst_window_secs", 60)
	v.SetDefault("services.csms_server.rate_limit.abuse_points", 10)
	v.SetDefault("services.csms_server.rate_limit.abuse_window_secs", 3600)

	v.SetDefault("services.device_manager.http_config.listen_address", "0.0.0.0")
	v.SetDefault("services.device_manager.http_config.listen_port", 8020)
	v.SetDefault("services.device_manager.gateway_url", "ws://localhost:8010")
	v.SetDefault("services.device_manager.call_timeout_secs", 60)

	v.SetDefault("services.message_manager.table_name", "Messages")

	v.SetDefault("mq.type", "redis_mq")
	v.SetDefault("mq.queue_size", 1024)
	v.SetDefault("mq.mangos_mq.csms_listen_url", "tcp://127.0.0.1:40899")
	v.SetDefault("mq.redis_mq.host_port", "localhost:6379")
	v.SetDefault("db_config.type", "sqlite3")
	v.SetDefault("db_config.connection_string", "./gateway.db")
}

// ReadConfig loads configFile (DefaultConfigFile when empty); env vars override file values.
func ReadConfig(configFile string) (*Configuration, error) {
	LogCwd()
	if configFile == "" {
		configFile = DefaultConfigFile
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Logger.Warn("No config file: ", err.Error()) //ignore, defaults and env still apply
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
