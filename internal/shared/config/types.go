package config

import (
	"fmt"
	"time"
)

type LoggerConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=console json"`
	OutputPath string `mapstructure:"output_path"`
}

// DeviceConfig carries the identity values sent to every account during the
// handshake. They are opaque to the protocol.
type DeviceConfig struct {
	ID             string `mapstructure:"id"`
	Hostname       string `mapstructure:"hostname"`
	AgentVersion   string `mapstructure:"agent_version"`
	RuntimeVersion string `mapstructure:"runtime_version"`
}

type FlowConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// Capacity bounds the per-account offline queue.
	Capacity int `mapstructure:"capacity" validate:"gte=1"`
}

type TransportConfig struct {
	Path                string `mapstructure:"path"`
	ReconnectBaseMs     int    `mapstructure:"reconnect_base_ms" validate:"gte=0"`
	ReconnectJitterMs   int    `mapstructure:"reconnect_jitter_ms" validate:"gte=0"`
	SlowRetryBaseMs     int    `mapstructure:"slow_retry_base_ms" validate:"gte=0"`
	SlowRetryJitterMs   int    `mapstructure:"slow_retry_jitter_ms" validate:"gte=0"`
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms" validate:"gte=0"`
	MaxRedirects        int    `mapstructure:"max_redirects" validate:"gte=0"`
	MaxAuthRetries      int    `mapstructure:"max_auth_retries" validate:"gte=0"`
	HandshakeTimeoutMs  int    `mapstructure:"handshake_timeout_ms" validate:"gte=0"`
}

func (t *TransportConfig) ReconnectBase() time.Duration {
	return time.Duration(t.ReconnectBaseMs) * time.Millisecond
}

func (t *TransportConfig) ReconnectJitter() time.Duration {
	return time.Duration(t.ReconnectJitterMs) * time.Millisecond
}

func (t *TransportConfig) SlowRetryBase() time.Duration {
	return time.Duration(t.SlowRetryBaseMs) * time.Millisecond
}

func (t *TransportConfig) SlowRetryJitter() time.Duration {
	return time.Duration(t.SlowRetryJitterMs) * time.Millisecond
}

func (t *TransportConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond
}

func (t *TransportConfig) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMs) * time.Millisecond
}

type AccountConfig struct {
	FQN      string `mapstructure:"fqn" validate:"required,contains=@"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Secure   bool   `mapstructure:"secure"`
	Managed  bool   `mapstructure:"managed"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces the relay channels, e.g. "flowlink".
	Prefix string `mapstructure:"prefix"`
}

func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

func (s *StatusConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RestartConfig struct {
	ExitCode int `mapstructure:"exit_code" validate:"gte=1,lte=255"`
	DelayMs  int `mapstructure:"delay_ms" validate:"gte=0"`
}

func (r *RestartConfig) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}
