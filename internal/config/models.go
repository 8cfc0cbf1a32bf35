package config

import "time"

type CacheConfig struct {
	HostPort string `mapstructure:"host_port"`
	Password string `mapstructure:"password"`
	DbId     int    `mapstructure:"db_id"`
	TtlSecs  int    `mapstructure:"ttl_secs"`
}

type RateLimitConfig struct {
	Backend         string `mapstructure:"backend"` // memory | redis
	BurstPoints     int    `mapstructure:"burst_points"`
	BurstWindowSecs int    `mapstructure:"burst_window_secs"`
	AbusePoints     int    `mapstructure:"abuse_points"`
	AbuseWindowSecs int    `mapstructure:"abuse_window_secs"`
}

type CsmsServerConfig struct {
	Debug          bool   `mapstructure:"debug"`
	EnableAuth     bool   `mapstructure:"enable_auth"`
	StandaloneMode bool   `mapstructure:"standalone_mode"`
	ListenAddress  string `mapstructure:"listen_address"`
	ListenPort     int    `mapstructure:"listen_port"`

	StationRoute     string   `mapstructure:"station_route"`
	StationProtocols []string `mapstructure:"station_protocols"`
	BridgeRoute      string   `mapstructure:"bridge_route"`
	BridgeProtocol   string   `mapstructure:"bridge_protocol"`
	BridgeToken      string   `mapstructure:"bridge_token"`

	HeartbeatIntervalSecs int `mapstructure:"heartbeat_interval_secs"`

	CallTimeoutSecs      int   `mapstructure:"call_timeout_secs"`
	PingIntervalSecs     int   `mapstructure:"ping_interval_secs"`
	PingFailureThreshold int   `mapstructure:"ping_failure_threshold"`
	PingWaitMs           int   `mapstructure:"ping_wait_ms"`
	OpenLockTimeoutSecs  int   `mapstructure:"open_lock_timeout_secs"`
	MaxMessageSize       int64 `mapstructure:"max_message_size"`

	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

func (c CsmsServerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

func (c CsmsServerConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSecs) * time.Second
}

func (c CsmsServerConfig) PingWait() time.Duration {
	return time.Duration(c.PingWaitMs) * time.Millisecond
}

func (c CsmsServerConfig) OpenLockTimeout() time.Duration {
	return time.Duration(c.OpenLockTimeoutSecs) * time.Second
}

type Configuration struct {
	Schema   string `mapstructure:"schema"`
	Services struct {
		CsmsServer     CsmsServerConfig `mapstructure:"csms_server"`
		MessageManager struct {
			Debug              bool   `mapstructure:"debug"`
			StorageAccountName string `mapstructure:"storage_account_name"`
			StorageAccountKey  string `mapstructure:"storage_account_key"`
			StoreMessages      bool   `mapstructure:"store_messages"`
			TableName          string `mapstructure:"table_name"`
		} `mapstructure:"message_manager"`
		DeviceManager struct {
			Debug           bool       `mapstructure:"debug"`
			HttpConfig      HttpConfig `mapstructure:"http_config"`
			GatewayUrl      string     `mapstructure:"gateway_url"`
			GatewayToken    string     `mapstructure:"gateway_token"`
			CallTimeoutSecs int        `mapstructure:"call_timeout_secs"`
		} `mapstructure:"device_manager"`
	} `mapstructure:"services"`
	Logging struct {
		AppInsightsInstrumentationKey string `mapstructure:"appinsights_instrumentation_key"`
	}
	Mq       MqConfig `mapstructure:"mq"`
	DbConfig DbConfig `mapstructure:"db_config"`
}

type DbConfig struct {
	DbType             string `mapstructure:"type"`
	DbConnectionString string `mapstructure:"connection_string"`
}

type HttpConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`
	HttpUser      string `mapstructure:"http_user"`
	HttpPassword  string `mapstructure:"http_password"`
	TimeoutMs     int    `mapstructure:"timeoutms"`
	IdleTimeoutMs int    `mapstructure:"idle_timeoutms"`
}

type MqConfig struct {
	Type      string `mapstructure:"type"`
	QueueSize int    `mapstructure:"queue_size"`
	MangosMq  struct {
		CsmsListenUrl string `mapstructure:"csms_listen_url"`
	} `mapstructure:"mangos_mq"`
	RabbitMq struct {
		ServerUrl string `mapstructure:"server_url"`
	} `mapstructure:"rabbit_mq"`
	RedisMq CacheConfig `mapstructure:"redis_mq"`
}
