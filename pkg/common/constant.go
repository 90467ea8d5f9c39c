package common

const (
	EnvKeyGoEnv string = "GO_ENV"

	EnvKeyConfigFile string = "MEDIPI_CONFIG_FILE"
	EnvKeyDataDir    string = "MEDIPI_DATA_DIR"
	EnvKeyLogDir     string = "MEDIPI_LOG_DIR"
	EnvKeyDbType     string = "MEDIPI_DB_TYPE"
	EnvKeyDbPath     string = "MEDIPI_DB_PATH"

	EnvKeyHubIP        string = "MEDIPI_HUB_IP"
	EnvKeyMQTTPort     string = "MEDIPI_MQTT_PORT"
	EnvKeyMQTTQoS      string = "MEDIPI_MQTT_QOS"
	EnvKeyTopicPrefix  string = "MEDIPI_TOPIC_PREFIX"
	EnvKeyKeepalive    string = "MEDIPI_MQTT_KEEPALIVE"
	EnvKeyReconnect    string = "MEDIPI_RECONNECT_DELAY"
	EnvKeyPingInterval string = "MEDIPI_PING_INTERVAL"

	EnvKeyHardwareMode    string = "MEDIPI_HARDWARE_MODE"
	EnvKeyServoCount      string = "MEDIPI_SERVO_COUNT"
	EnvKeyDisplayInterval string = "MEDIPI_DISPLAY_INTERVAL"

	EnvKeyCheckInterval  string = "MEDIPI_CHECK_INTERVAL"
	EnvKeyDispenseWindow string = "MEDIPI_DISPENSE_WINDOW"
	EnvKeyAuthTimeout    string = "MEDIPI_AUTH_TIMEOUT"

	EnvKeyHttpHostPort string = "MEDIPI_HTTP_HOST_PORT"
	EnvKeyGrpcHostPort string = "MEDIPI_GRPC_HOST_PORT"

	EnvKeyDefaultRate  string = "MEDIPI_DEFAULT_RATE"
	EnvKeyDefaultBurst string = "MEDIPI_DEFAULT_BURST"

	LoggerNameDispenser     string = "dispenser"
	LoggerNameConnectivity  string = "connectivity"
	LoggerNameSchedule      string = "schedule"
	LoggerNameAuth          string = "auth"
	LoggerNameDispense      string = "dispense"
	LoggerNameHardware      string = "hardware"
	LoggerNameEventBus      string = "event_bus"
	LoggerNameDb            string = "db"
	LoggerNameRestfulServer string = "restful_server"
	LoggerNameGrpcServer    string = "grpc_server"

	LoggerFieldCategory      string = "category"
	LoggerCategoryCommand    string = "command"
	LoggerCategorySchedules  string = "schedules"
	LoggerCategoryQueue      string = "queue"
	LoggerCategoryTransport  string = "transport"
	LoggerCategoryDetector   string = "detector"
	LoggerCategoryHeartbeat  string = "heartbeat"
	LoggerCategoryHardwareIO string = "io"

	DeviceModel string = "MediPi Dispenser Zero 2 W"
)
