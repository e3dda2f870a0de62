package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	sharedConfig "github.com/orris-inc/flowlink/internal/shared/config"
	"github.com/orris-inc/flowlink/internal/shared/version"
)

type Config struct {
	Logger    sharedConfig.LoggerConfig    `mapstructure:"logger"`
	Device    sharedConfig.DeviceConfig    `mapstructure:"device"`
	Flow      sharedConfig.FlowConfig      `mapstructure:"flow"`
	Transport sharedConfig.TransportConfig `mapstructure:"transport"`
	Accounts  []sharedConfig.AccountConfig `mapstructure:"accounts" validate:"dive"`
	Redis     sharedConfig.RedisConfig     `mapstructure:"redis"`
	Status    sharedConfig.StatusConfig    `mapstructure:"status"`
	Restart   sharedConfig.RestartConfig   `mapstructure:"restart"`
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load reads the agent configuration. An explicit path wins over the search
// paths; a missing config file is not an error since every key has a default
// and can be set through FLOWLINK_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/flowlink")
	}

	v.SetEnvPrefix("FLOWLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fillDevice(&config.Device)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	appConfigMu.Lock()
	appConfig = &config
	appConfigMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

// Validate checks struct tags on the whole configuration tree.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func fillDevice(d *sharedConfig.DeviceConfig) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.AgentVersion == "" {
		d.AgentVersion = version.Agent()
	}
	if d.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			d.Hostname = h
		}
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	// Device defaults
	v.SetDefault("device.runtime_version", "0.0.0")

	// Flow defaults
	v.SetDefault("flow.path", "./flows.json")
	v.SetDefault("flow.capacity", 256)

	// Transport defaults
	v.SetDefault("transport.path", "/devices")
	v.SetDefault("transport.reconnect_base_ms", 3000)
	v.SetDefault("transport.reconnect_jitter_ms", 1000)
	v.SetDefault("transport.slow_retry_base_ms", 55000)
	v.SetDefault("transport.slow_retry_jitter_ms", 10000)
	v.SetDefault("transport.heartbeat_interval_ms", 30000)
	v.SetDefault("transport.max_redirects", 3)
	v.SetDefault("transport.max_auth_retries", 10)
	v.SetDefault("transport.handshake_timeout_ms", 10000)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "flowlink")

	// Status API defaults
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 8120)

	// Restart defaults
	v.SetDefault("restart.exit_code", 219)
	v.SetDefault("restart.delay_ms", 1000)
}
