package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Schedules SchedulesConfig `yaml:"schedules"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
}

type MQTTConfig struct {
	BrokerHost     string        `yaml:"broker_host"`
	BrokerPort     int           `yaml:"broker_port"`
	Keepalive      time.Duration `yaml:"keepalive"`
	QoS            byte          `yaml:"qos"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	MaxPending     int           `yaml:"max_pending"`
}

func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.BrokerHost, c.BrokerPort)
}

type HardwareConfig struct {
	Mode            string        `yaml:"mode"` // "simulated" or "none"
	ServoCount      int           `yaml:"servo_count"`
	ServoThrottle   float64       `yaml:"servo_throttle"`
	DoseDuration    time.Duration `yaml:"dose_duration"`
	SettleInterval  time.Duration `yaml:"settle_interval"`
	DisplayInterval time.Duration `yaml:"display_update_interval"`
}

type SchedulesConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	DispenseWindow int           `yaml:"dispense_window"` // minutes
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
}

type ServerConfig struct {
	HttpHostPort string  `yaml:"http_host_port"`
	GrpcHostPort string  `yaml:"grpc_host_port"`
	DefaultRate  float64 `yaml:"default_rate"`
	DefaultBurst int     `yaml:"default_burst"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	DbType  string `yaml:"db_type"` // "file" or "memory"
	DbPath  string `yaml:"db_path"`
}

func DefaultConfig() Config {
	return Config{
		MQTT: MQTTConfig{
			BrokerHost:     "192.168.1.156",
			BrokerPort:     1883,
			Keepalive:      120 * time.Second,
			QoS:            1,
			ReconnectDelay: 5 * time.Second,
			PingInterval:   30 * time.Second,
			MaxPending:     500,
		},
		Hardware: HardwareConfig{
			Mode:            "simulated",
			ServoCount:      6,
			ServoThrottle:   0.3,
			DoseDuration:    1100 * time.Millisecond,
			SettleInterval:  time.Second,
			DisplayInterval: time.Second,
		},
		Schedules: SchedulesConfig{
			CheckInterval:  30 * time.Second,
			DispenseWindow: 2,
			AuthTimeout:    900 * time.Second,
		},
		Server: ServerConfig{
			HttpHostPort: ":1080",
			DefaultRate:  1,
			DefaultBurst: 5,
		},
		Storage: StorageConfig{
			DataDir: "data",
			DbType:  "file",
		},
	}
}

// LoadConfig starts from the defaults, applies the yaml file named by
// MEDIPI_CONFIG_FILE when set, then the individual environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv(EnvKeyConfigFile)); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if cfg.Storage.DbPath == "" {
		cfg.Storage.DbPath = cfg.Storage.DataDir + "/schedules.db"
	}

	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	setString(&c.MQTT.BrokerHost, EnvKeyHubIP)
	setString(&c.MQTT.TopicPrefix, EnvKeyTopicPrefix)
	setString(&c.Hardware.Mode, EnvKeyHardwareMode)
	setString(&c.Server.HttpHostPort, EnvKeyHttpHostPort)
	setString(&c.Server.GrpcHostPort, EnvKeyGrpcHostPort)
	setString(&c.Storage.DataDir, EnvKeyDataDir)
	setString(&c.Storage.DbType, EnvKeyDbType)
	setString(&c.Storage.DbPath, EnvKeyDbPath)

	if err = setInt(&c.MQTT.BrokerPort, EnvKeyMQTTPort); err != nil {
		return err
	}
	if err = setInt(&c.Hardware.ServoCount, EnvKeyServoCount); err != nil {
		return err
	}
	if err = setInt(&c.Schedules.DispenseWindow, EnvKeyDispenseWindow); err != nil {
		return err
	}
	if err = setInt(&c.Server.DefaultBurst, EnvKeyDefaultBurst); err != nil {
		return err
	}

	if v, ok := lookup(EnvKeyMQTTQoS); ok {
		qos, perr := strconv.ParseUint(v, 10, 8)
		if perr != nil {
			return fmt.Errorf("invalid %s, should be 0, 1 or 2: %w", EnvKeyMQTTQoS, perr)
		}
		c.MQTT.QoS = byte(qos)
	}

	if v, ok := lookup(EnvKeyDefaultRate); ok {
		if c.Server.DefaultRate, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("invalid %s, should be a float64 value: %w", EnvKeyDefaultRate, err)
		}
	}

	for key, target := range map[string]*time.Duration{
		EnvKeyKeepalive:       &c.MQTT.Keepalive,
		EnvKeyReconnect:       &c.MQTT.ReconnectDelay,
		EnvKeyPingInterval:    &c.MQTT.PingInterval,
		EnvKeyDisplayInterval: &c.Hardware.DisplayInterval,
		EnvKeyCheckInterval:   &c.Schedules.CheckInterval,
		EnvKeyAuthTimeout:     &c.Schedules.AuthTimeout,
	} {
		if err = setDuration(target, key); err != nil {
			return err
		}
	}

	return nil
}

func (c Config) Validate() error {
	switch {
	case c.MQTT.BrokerHost == "":
		return fmt.Errorf("mqtt broker host is empty")
	case c.MQTT.BrokerPort <= 0:
		return fmt.Errorf("invalid mqtt broker port %d", c.MQTT.BrokerPort)
	case c.MQTT.QoS > 2:
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	case c.Hardware.ServoCount <= 0:
		return fmt.Errorf("servo count must be positive, got %d", c.Hardware.ServoCount)
	case c.Schedules.CheckInterval <= 0:
		return fmt.Errorf("schedule check interval must be positive")
	case c.Schedules.DispenseWindow <= 0 || c.Schedules.DispenseWindow > 60:
		return fmt.Errorf("dispense window must be within 1..60 minutes, got %d", c.Schedules.DispenseWindow)
	case c.Schedules.AuthTimeout <= 0:
		return fmt.Errorf("auth timeout must be positive")
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(target *string, key string) {
	if v, ok := lookup(key); ok {
		*target = v
	}
}

func setInt(target *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s, should be an int value: %w", key, err)
	}
	*target = n
	return nil
}

// setDuration accepts Go durations ("90s") or a bare number of seconds.
func setDuration(target *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*target = time.Duration(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s, should be a duration: %w", key, err)
	}
	*target = d
	return nil
}
